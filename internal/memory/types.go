// Package memory is the bot's permanent memory: a durable catalog of
// conversations and users reconciled from the chat platform's live roster
// and the snapshot persisted by a previous run.
//
// Writes are conservative. A record is only rewritten when one of its
// attributes actually changed, and a user record confirmed by an
// authoritative lookup is never overwritten by a partial reconstruction.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ConversationType classifies a conversation.
type ConversationType string

const (
	TypeGroup    ConversationType = "GROUP"
	TypeOneToOne ConversationType = "ONE_TO_ONE"
	TypeUnknown  ConversationType = "UNKNOWN"
)

// unknownName is the full name the platform reports for users it could not
// resolve. Such users are stored non-definitively and re-fetched.
const unknownName = "UNKNOWN"

// User is a user entity as reported by the chat platform.
type User struct {
	ChatID    string
	GaiaID    string
	FullName  string
	FirstName string
	PhotoURL  string
	Emails    []string
	IsSelf    bool
}

// Conversation is a conversation entity as reported by the chat platform.
type Conversation struct {
	ID           string
	Name         string // empty when the platform has no explicit title
	Users        []User
	Type         ConversationType
	OffTheRecord bool
}

// Roster is the platform's view of conversations and users at connect time.
type Roster struct {
	SelfID        string
	Conversations []Conversation
	Users         []User
}

// Directory looks users up by id on the chat platform.
type Directory interface {
	GetEntitiesByIDs(ctx context.Context, ids []string) ([]User, error)
}

// UserRecord is the persisted form of a user.
type UserRecord struct {
	ChatID       string    `json:"chat_id"`
	GaiaID       string    `json:"gaia_id"`
	FullName     string    `json:"full_name"`
	FirstName    string    `json:"first_name"`
	PhotoURL     *string   `json:"photo_url"`
	Emails       []string  `json:"emails"`
	IsSelf       bool      `json:"is_self"`
	IsDefinitive bool      `json:"is_definitive"`
	Updated      time.Time `json:"updated"`
}

// sameAs compares every attribute except the update stamp. Emails compare
// as sets.
func (r UserRecord) sameAs(o UserRecord) bool {
	return r.ChatID == o.ChatID &&
		r.GaiaID == o.GaiaID &&
		r.FullName == o.FullName &&
		r.FirstName == o.FirstName &&
		equalPtr(r.PhotoURL, o.PhotoURL) &&
		sameSet(r.Emails, o.Emails) &&
		r.IsSelf == o.IsSelf &&
		r.IsDefinitive == o.IsDefinitive
}

// ConversationRecord is the persisted form of a conversation.
type ConversationRecord struct {
	Title        string           `json:"title"`
	Type         ConversationType `json:"type"`
	History      bool             `json:"history"`
	Participants []string         `json:"participants"`
	Users        []LegacyUser     `json:"users"`
	Source       string           `json:"source"`
	Updated      time.Time        `json:"updated"`
}

// sameAs compares every attribute except the update stamp. Participants and
// users compare as sets.
func (r ConversationRecord) sameAs(o ConversationRecord) bool {
	return r.Title == o.Title &&
		r.Type == o.Type &&
		r.History == o.History &&
		r.Source == o.Source &&
		sameSet(r.Participants, o.Participants) &&
		sameLegacySet(r.Users, o.Users)
}

// HasParticipant reports whether chatID is a participant.
func (r ConversationRecord) HasParticipant(chatID string) bool {
	for _, p := range r.Participants {
		if p == chatID {
			return true
		}
	}
	return false
}

// LegacyUser is the old two-field user reference kept inside conversation
// records. It serializes as [[chat_id, gaia_id], full_name].
type LegacyUser struct {
	ChatID   string
	GaiaID   string
	FullName string
}

// MarshalJSON writes the legacy tuple form.
func (u LegacyUser) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{[]string{u.ChatID, u.GaiaID}, u.FullName})
}

// UnmarshalJSON reads the legacy tuple form.
func (u *LegacyUser) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("memory: legacy user: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("memory: legacy user: want 2 elements, got %d", len(raw))
	}
	var ids []string
	if err := json.Unmarshal(raw[0], &ids); err != nil || len(ids) != 2 {
		return fmt.Errorf("memory: legacy user: malformed id pair %s", raw[0])
	}
	var name string
	if err := json.Unmarshal(raw[1], &name); err != nil {
		return fmt.Errorf("memory: legacy user: malformed name %s", raw[1])
	}
	*u = LegacyUser{ChatID: ids[0], GaiaID: ids[1], FullName: name}
	return nil
}

// ConversationName returns conv's title: its explicit name, or the first
// names of its other participants.
func ConversationName(conv Conversation, selfID string) string {
	if conv.Name != "" {
		return conv.Name
	}
	var names []string
	for _, u := range conv.Users {
		if u.IsSelf || (selfID != "" && u.ChatID == selfID) {
			continue
		}
		name := u.FirstName
		if name == "" {
			name = u.FullName
		}
		if name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "Empty Conversation"
	}
	return strings.Join(names, ", ")
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameSet(a, b []string) bool {
	as := make(map[string]struct{}, len(a))
	for _, x := range a {
		as[x] = struct{}{}
	}
	bs := make(map[string]struct{}, len(b))
	for _, x := range b {
		bs[x] = struct{}{}
	}
	if len(as) != len(bs) {
		return false
	}
	for x := range as {
		if _, ok := bs[x]; !ok {
			return false
		}
	}
	return true
}

func sameLegacySet(a, b []LegacyUser) bool {
	key := func(us []LegacyUser) []string {
		out := make([]string, len(us))
		for i, u := range us {
			out[i] = u.ChatID + "\x00" + u.GaiaID + "\x00" + u.FullName
		}
		return out
	}
	return sameSet(key(a), key(b))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
