package memory

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Get returns the conversations selected by filter. The first matching
// form wins:
//
//	""               every conversation
//	"id:<x>"         exactly conversation x
//	"<x>"            conversation x, when x is a catalog key
//	"text:<s>"       titles containing s, case-insensitively
//	"chat_id:<c>"    conversations with participant c
//	"type:<t>"       conversations of type t
//	"minusers:<n>"   conversations with at least n participants
//	"maxusers:<n>"   conversations with at most n participants
//
// Anything else selects nothing.
func (s *Store) Get(filter string) map[string]ConversationRecord {
	all := s.conversations()
	filter = strings.TrimSpace(filter)
	out := map[string]ConversationRecord{}

	switch {
	case filter == "":
		return all
	case strings.HasPrefix(filter, "id:"):
		id := strings.TrimSpace(filter[len("id:"):])
		if rec, ok := all[id]; ok {
			out[id] = rec
		}
		return out
	}
	if rec, ok := all[filter]; ok {
		out[filter] = rec
		return out
	}

	var match func(ConversationRecord) bool
	switch {
	case strings.HasPrefix(filter, "text:"):
		needle := strings.ToLower(strings.TrimSpace(filter[len("text:"):]))
		match = func(r ConversationRecord) bool {
			return strings.Contains(strings.ToLower(r.Title), needle)
		}
	case strings.HasPrefix(filter, "chat_id:"):
		chatID := strings.TrimSpace(filter[len("chat_id:"):])
		match = func(r ConversationRecord) bool { return r.HasParticipant(chatID) }
	case strings.HasPrefix(filter, "type:"):
		want := ConversationType(strings.ToUpper(strings.TrimSpace(filter[len("type:"):])))
		match = func(r ConversationRecord) bool { return r.Type == want }
	case strings.HasPrefix(filter, "minusers:"), strings.HasPrefix(filter, "maxusers:"):
		op, arg, _ := strings.Cut(filter, ":")
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			s.logger.Warn("get: bad participant count", zap.String("filter", filter))
			return out
		}
		if op == "minusers" {
			match = func(r ConversationRecord) bool { return len(r.Participants) >= n }
		} else {
			match = func(r ConversationRecord) bool { return len(r.Participants) <= n }
		}
	default:
		return out
	}
	for id, rec := range all {
		if match(rec) {
			out[id] = rec
		}
	}
	return out
}

// Conversation returns a single conversation record.
func (s *Store) Conversation(convID string) (ConversationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec ConversationRecord
	if err := s.kv.Decode([]string{keyConvmem, convID}, &rec); err != nil {
		return ConversationRecord{}, false
	}
	return rec, true
}

// ConversationExists reports whether convID is in the catalog.
func (s *Store) ConversationExists(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Exists([]string{keyConvmem, convID})
}

// ConversationType returns the stored type of convID.
func (s *Store) ConversationType(convID string) (ConversationType, bool) {
	rec, ok := s.Conversation(convID)
	if !ok {
		return "", false
	}
	return rec.Type, true
}

// Participants returns the participant ids of convID.
func (s *Store) Participants(convID string) []string {
	rec, ok := s.Conversation(convID)
	if !ok {
		return nil
	}
	return append([]string(nil), rec.Participants...)
}

// ConversationIDs returns every catalogued conversation id, sorted.
func (s *Store) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Keys([]string{keyConvmem})
}

// User returns a single user record.
func (s *Store) User(chatID string) (UserRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec UserRecord
	if err := s.kv.Decode(profilePath(chatID), &rec); err != nil {
		return UserRecord{}, false
	}
	return rec, true
}

// UserExists reports whether chatID has a user record.
func (s *Store) UserExists(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Exists(profilePath(chatID))
}

// Users returns every user record keyed by chat id.
func (s *Store) Users() map[string]UserRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]UserRecord{}
	for _, id := range s.kv.Keys([]string{keyUserData}) {
		var rec UserRecord
		if err := s.kv.Decode(profilePath(id), &rec); err == nil {
			out[id] = rec
		}
	}
	return out
}

// OneToOne returns chatID's recorded one-to-one conversation.
func (s *Store) OneToOne(chatID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var conv string
	if err := s.kv.Decode([]string{keyUserData, chatID, keyOneOnOne}, &conv); err != nil || conv == "" {
		return "", false
	}
	return conv, true
}

// GetName returns the title of a conversation or, failing that, the full
// name of a user with that id. fallback is returned for unknown ids.
func (s *Store) GetName(id, fallback string) string {
	if rec, ok := s.Conversation(id); ok && rec.Title != "" {
		return rec.Title
	}
	if rec, ok := s.User(id); ok && rec.FullName != "" {
		return rec.FullName
	}
	return fallback
}

func (s *Store) conversations() map[string]ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]ConversationRecord{}
	for _, id := range s.kv.Keys([]string{keyConvmem}) {
		var rec ConversationRecord
		if err := s.kv.Decode([]string{keyConvmem, id}, &rec); err != nil {
			s.logger.Warn("skipping unreadable conversation record", zap.String("conv_id", id), zap.Error(err))
			continue
		}
		out[id] = rec
	}
	return out
}
