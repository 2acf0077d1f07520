// Package tagging keeps the in-memory tag indices in step with the tags
// stored in permanent memory and answers "which tags are active" queries.
//
// Tags attach to conversations, users, or a user inside one conversation.
// Wildcard keys give defaults: "*" for every user, and "*", "GROUP" and
// "ONE_TO_ONE" for every conversation, or every conversation of one type.
package tagging

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/metrics"
	"go.uber.org/zap"
)

// Wildcard scopes and reserved tags.
const (
	Wildcard      = "*"
	ScopeGroup    = string(memory.TypeGroup)
	ScopeOneToOne = string(memory.TypeOneToOne)
	MergeTag      = "tagging-merge"
	PurgeAll      = "ALL"
)

var (
	ErrInvalidTag          = errors.New("tagging: invalid tag")
	ErrInvalidID           = errors.New("tagging: invalid id")
	ErrUnknownConversation = errors.New("tagging: unknown conversation")
	ErrUnknownUser         = errors.New("tagging: unknown user")
	ErrUnknownKind         = errors.New("tagging: unknown kind")
)

// Catalog is the tag storage the engine reads and writes. memory.Store
// implements it.
type Catalog interface {
	ConversationExists(convID string) bool
	UserExists(chatID string) bool
	ConversationType(convID string) (memory.ConversationType, bool)
	Participants(convID string) []string

	UserTags(chatID string) []string
	SetUserTags(chatID string, tags []string) error
	ConversationTags(convID string) []string
	SetConversationTags(convID string, tags []string) error
	ConversationUserTags(convID, chatID string) []string
	SetConversationUserTags(convID, chatID string, tags []string) error

	TaggedUsers() map[string][]string
	TaggedConversations() map[string][]string
	TaggedConversationUsers() map[string]map[string][]string
}

// Indices is a point-in-time copy of the four tag indices. Tag lists are
// sorted. UserTags also holds "<conv_id>|<chat_id>" keys.
type Indices struct {
	UserTags map[string][]string `json:"user-tags"`
	TagUsers map[string][]string `json:"tag-users"`
	ConvTags map[string][]string `json:"conv-tags"`
	TagConvs map[string][]string `json:"tag-convs"`
}

// Opts configures an Engine.
type Opts struct {
	Catalog    Catalog
	DenyPrefix string // default "!"
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

type set map[string]struct{}

// Engine owns the tag indices.
type Engine struct {
	mu      sync.RWMutex
	cat     Catalog
	deny    string
	tagRe   *regexp.Regexp
	metrics *metrics.Metrics
	logger  *zap.Logger

	userTags set2
	tagUsers set2
	convTags set2
	tagConvs set2
}

// set2 maps a key to a set of values, pruning keys whose set becomes empty.
type set2 map[string]set

func (m set2) add(k, v string) {
	s, ok := m[k]
	if !ok {
		s = set{}
		m[k] = s
	}
	s[v] = struct{}{}
}

func (m set2) remove(k, v string) {
	s, ok := m[k]
	if !ok {
		return
	}
	delete(s, v)
	if len(s) == 0 {
		delete(m, k)
	}
}

func (m set2) copyOut() map[string][]string {
	out := make(map[string][]string, len(m))
	for k, s := range m {
		out[k] = sortedSet(s)
	}
	return out
}

// New creates an Engine. Call Refresh to build the indices.
func New(opts Opts) (*Engine, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("tagging: catalog is required")
	}
	deny := opts.DenyPrefix
	if deny == "" {
		deny = "!"
	}
	re, err := regexp.Compile(`(?i)^[a-z0-9._\-` + regexp.QuoteMeta(deny) + `]+$`)
	if err != nil {
		return nil, fmt.Errorf("tagging: deny prefix %q: %w", deny, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cat:      opts.Catalog,
		deny:     deny,
		tagRe:    re,
		metrics:  opts.Metrics,
		logger:   logger,
		userTags: set2{},
		tagUsers: set2{},
		convTags: set2{},
		tagConvs: set2{},
	}, nil
}

// DenyPrefix returns the prefix that turns a required tag into a denying one.
func (e *Engine) DenyPrefix() string {
	return e.deny
}

// Refresh rebuilds all four indices from the catalog. It holds the engine
// lock for the whole read so a concurrent Add or Remove lands either before
// the read or after the swap.
func (e *Engine) Refresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	userTags, tagUsers, convTags, tagConvs := set2{}, set2{}, set2{}, set2{}
	for id, tags := range e.cat.TaggedUsers() {
		for _, tag := range tags {
			userTags.add(id, tag)
			tagUsers.add(tag, id)
		}
	}
	for convID, overrides := range e.cat.TaggedConversationUsers() {
		for chatID, tags := range overrides {
			key := convID + "|" + chatID
			for _, tag := range tags {
				userTags.add(key, tag)
				tagUsers.add(tag, key)
			}
		}
	}
	for id, tags := range e.cat.TaggedConversations() {
		for _, tag := range tags {
			convTags.add(id, tag)
			tagConvs.add(tag, id)
		}
	}

	e.userTags, e.tagUsers, e.convTags, e.tagConvs = userTags, tagUsers, convTags, tagConvs
	e.logger.Info("tag indices refreshed",
		zap.Int("users", len(userTags)),
		zap.Int("conversations", len(convTags)),
		zap.Int("tags", len(tagUsers)+len(tagConvs)))
}

// Add attaches tag to the entity. It reports false when the tag was
// already present.
func (e *Engine) Add(kind Kind, id, tag string) (bool, error) {
	tag, err := e.validate(kind, id, tag)
	if err != nil {
		return false, fmt.Errorf("tagging: add: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.stored(kind, id)
	if contains(current, tag) {
		return false, nil
	}
	if err := e.store(kind, id, append(current, tag)); err != nil {
		return false, fmt.Errorf("tagging: add: %w", err)
	}
	e.indexAdd(kind, id, tag)
	e.metrics.TagChange("add", kind.String(), 1)
	e.logger.Info("tag added", zap.Stringer("kind", kind), zap.String("id", id), zap.String("tag", tag))
	return true, nil
}

// Remove detaches tag from the entity. It reports false when the tag was
// not present.
func (e *Engine) Remove(kind Kind, id, tag string) (bool, error) {
	tag, err := e.validate(kind, id, tag)
	if err != nil {
		return false, fmt.Errorf("tagging: remove: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	removed, err := e.removeLocked(kind, id, tag)
	if err != nil {
		return false, fmt.Errorf("tagging: remove: %w", err)
	}
	if removed {
		e.metrics.TagChange("remove", kind.String(), 1)
		e.logger.Info("tag removed", zap.Stringer("kind", kind), zap.String("id", id), zap.String("tag", tag))
	}
	return removed, nil
}

// Purge removes every assignment selected by kind and id and returns how
// many (entity, tag) assignments were removed. id may be "ALL".
func (e *Engine) Purge(kind PurgeKind, id string) (int, error) {
	if strings.TrimSpace(id) == "" {
		return 0, fmt.Errorf("tagging: purge: %w: empty id", ErrInvalidID)
	}
	all := id == PurgeAll
	tagID := strings.ToLower(id)

	type assignment struct {
		kind Kind
		id   string
		tag  string
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var targets []assignment
	userSide := func(match func(key, tag string) bool) {
		for key, tags := range e.userTags {
			k := KindUser
			if strings.Contains(key, "|") {
				k = KindConversationUser
			}
			for tag := range tags {
				if match(key, tag) {
					targets = append(targets, assignment{k, key, tag})
				}
			}
		}
	}
	convSide := func(match func(key, tag string) bool) {
		for key, tags := range e.convTags {
			for tag := range tags {
				if match(key, tag) {
					targets = append(targets, assignment{KindConversation, key, tag})
				}
			}
		}
	}

	switch kind {
	case PurgeUser:
		userSide(func(key, _ string) bool {
			return !strings.Contains(key, "|") && (all || key == id)
		})
	case PurgeConversationUser:
		userSide(func(key, _ string) bool {
			return strings.Contains(key, "|") && (all || key == id)
		})
	case PurgeConversation:
		convSide(func(key, _ string) bool { return all || key == id })
	case PurgeTag:
		match := func(_, tag string) bool { return all || tag == tagID }
		userSide(match)
		convSide(match)
	case PurgeUserTag:
		userSide(func(_, tag string) bool { return all || tag == tagID })
	case PurgeConversationTag:
		convSide(func(_, tag string) bool { return all || tag == tagID })
	default:
		return 0, fmt.Errorf("tagging: purge: %w: %v", ErrUnknownKind, kind)
	}

	sort.Slice(targets, func(i, j int) bool {
		if targets[i].id != targets[j].id {
			return targets[i].id < targets[j].id
		}
		return targets[i].tag < targets[j].tag
	})
	count := 0
	for _, a := range targets {
		removed, err := e.removeLocked(a.kind, a.id, a.tag)
		if err != nil {
			return count, fmt.Errorf("tagging: purge: %w", err)
		}
		if removed {
			count++
		}
	}
	e.metrics.TagChange("purge", kind.String(), count)
	e.logger.Info("tags purged", zap.Stringer("kind", kind), zap.String("id", id), zap.Int("count", count))
	return count, nil
}

// ConvActive returns the tags in effect for a conversation. Lookup goes from
// the conversation itself to its type scope ("GROUP" or "ONE_TO_ONE") to
// "*", stopping at the first level that has tags unless that level carries
// the merge tag.
func (e *Engine) ConvActive(convID string) []string {
	var levels []string
	switch convID {
	case Wildcard:
		levels = []string{Wildcard}
	case ScopeGroup, ScopeOneToOne:
		levels = []string{convID, Wildcard}
	default:
		typ, ok := e.cat.ConversationType(convID)
		if !ok {
			e.logger.Warn("convactive: unknown conversation", zap.String("conv_id", convID))
			return []string{}
		}
		levels = []string{convID}
		if scope := typeScope(typ); scope != "" {
			levels = append(levels, scope)
		}
		levels = append(levels, Wildcard)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return resolve(e.convTags, levels)
}

// UserActive returns the tags in effect for a user inside a conversation
// ("*" or "" for no conversation). Lookup order:
//
//	<conv>|<chat_id>, <conv>|*, <type>|<chat_id>, <type>|*, <chat_id>, *
//
// where <type> is GROUP or ONE_TO_ONE. The first level with tags wins
// unless it carries the merge tag, in which case lower levels are merged in.
//
// An unknown user yields no tags. An unknown conversation is logged and
// only the global <chat_id> and * levels are consulted, so a user's own
// tags still apply in a conversation memory has not seen yet. ConvActive
// has no such fallback: an unknown conversation has no tags.
func (e *Engine) UserActive(chatID, convID string) []string {
	if chatID != Wildcard && !e.cat.UserExists(chatID) {
		e.logger.Warn("useractive: unknown user", zap.String("chat_id", chatID))
		return []string{}
	}
	if convID == "" {
		convID = Wildcard
	}
	var levels []string
	switch convID {
	case Wildcard:
	case ScopeGroup, ScopeOneToOne:
		levels = append(levels, convID+"|"+chatID, convID+"|"+Wildcard)
	default:
		typ, ok := e.cat.ConversationType(convID)
		if !ok {
			e.logger.Warn("useractive: unknown conversation", zap.String("conv_id", convID), zap.String("chat_id", chatID))
			break
		}
		levels = append(levels, convID+"|"+chatID, convID+"|"+Wildcard)
		if scope := typeScope(typ); scope != "" {
			levels = append(levels, scope+"|"+chatID, scope+"|"+Wildcard)
		}
	}
	levels = append(levels, chatID, Wildcard)

	e.mu.RLock()
	defer e.mu.RUnlock()
	return resolve(e.userTags, dedupe(levels))
}

// UserList returns the active tags of every participant of convID, keeping
// only users whose tags include all of filter.
func (e *Engine) UserList(convID string, filter []string) map[string][]string {
	out := map[string][]string{}
	if !e.cat.ConversationExists(convID) {
		e.logger.Warn("userlist: unknown conversation", zap.String("conv_id", convID))
		return out
	}
	for _, chatID := range e.cat.Participants(convID) {
		active := e.UserActive(chatID, convID)
		if len(filter) > 0 && !Superset(active, filter) {
			continue
		}
		out[chatID] = active
	}
	return out
}

// Indices returns a copy of the four indices.
func (e *Engine) Indices() Indices {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Indices{
		UserTags: e.userTags.copyOut(),
		TagUsers: e.tagUsers.copyOut(),
		ConvTags: e.convTags.copyOut(),
		TagConvs: e.tagConvs.copyOut(),
	}
}

// Superset reports whether have contains every tag of want.
func Superset(have, want []string) bool {
	hs := make(set, len(have))
	for _, t := range have {
		hs[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := hs[t]; !ok {
			return false
		}
	}
	return true
}

// validate checks id against the catalog and tag against the tag syntax,
// returning the normalized tag.
func (e *Engine) validate(kind Kind, id, tag string) (string, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if !e.tagRe.MatchString(tag) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	switch kind {
	case KindConversation:
		return tag, e.validConversation(id)
	case KindUser:
		return tag, e.validUser(id)
	case KindConversationUser:
		convID, chatID, ok := strings.Cut(id, "|")
		if !ok || strings.Contains(chatID, "|") {
			return "", fmt.Errorf("%w: %q is not <conv_id>|<chat_id>", ErrInvalidID, id)
		}
		if err := e.validConversation(convID); err != nil {
			return "", err
		}
		return tag, e.validUser(chatID)
	default:
		return "", fmt.Errorf("%w: %v", ErrUnknownKind, kind)
	}
}

func (e *Engine) validConversation(id string) error {
	switch id {
	case "":
		return fmt.Errorf("%w: empty conversation id", ErrInvalidID)
	case Wildcard, ScopeGroup, ScopeOneToOne:
		return nil
	}
	if !e.cat.ConversationExists(id) {
		return fmt.Errorf("%w: %s", ErrUnknownConversation, id)
	}
	return nil
}

func (e *Engine) validUser(id string) error {
	switch id {
	case "":
		return fmt.Errorf("%w: empty user id", ErrInvalidID)
	case Wildcard:
		return nil
	}
	if !e.cat.UserExists(id) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, id)
	}
	return nil
}

// stored reads the entity's current tags. Caller holds e.mu.
func (e *Engine) stored(kind Kind, id string) []string {
	switch kind {
	case KindConversation:
		return e.cat.ConversationTags(id)
	case KindUser:
		return e.cat.UserTags(id)
	case KindConversationUser:
		convID, chatID, _ := strings.Cut(id, "|")
		return e.cat.ConversationUserTags(convID, chatID)
	}
	return nil
}

// store writes the entity's tags. Caller holds e.mu.
func (e *Engine) store(kind Kind, id string, tags []string) error {
	switch kind {
	case KindConversation:
		return e.cat.SetConversationTags(id, tags)
	case KindUser:
		return e.cat.SetUserTags(id, tags)
	case KindConversationUser:
		convID, chatID, _ := strings.Cut(id, "|")
		return e.cat.SetConversationUserTags(convID, chatID, tags)
	}
	return fmt.Errorf("%w: %v", ErrUnknownKind, kind)
}

// removeLocked drops tag from the entity and the indices. Caller holds e.mu.
func (e *Engine) removeLocked(kind Kind, id, tag string) (bool, error) {
	current := e.stored(kind, id)
	if !contains(current, tag) {
		return false, nil
	}
	kept := make([]string, 0, len(current)-1)
	for _, t := range current {
		if t != tag {
			kept = append(kept, t)
		}
	}
	if err := e.store(kind, id, kept); err != nil {
		return false, err
	}
	e.indexRemove(kind, id, tag)
	return true, nil
}

func (e *Engine) indexAdd(kind Kind, id, tag string) {
	if kind == KindConversation {
		e.convTags.add(id, tag)
		e.tagConvs.add(tag, id)
		return
	}
	e.userTags.add(id, tag)
	e.tagUsers.add(tag, id)
}

func (e *Engine) indexRemove(kind Kind, id, tag string) {
	if kind == KindConversation {
		e.convTags.remove(id, tag)
		e.tagConvs.remove(tag, id)
		return
	}
	e.userTags.remove(id, tag)
	e.tagUsers.remove(tag, id)
}

// resolve walks levels in priority order. Each non-empty level is merged
// into the result; the walk stops after a level without the merge tag.
func resolve(index set2, levels []string) []string {
	result := set{}
	for _, key := range levels {
		tags, ok := index[key]
		if !ok || len(tags) == 0 {
			continue
		}
		for t := range tags {
			result[t] = struct{}{}
		}
		if _, merge := tags[MergeTag]; !merge {
			break
		}
	}
	return sortedSet(result)
}

func typeScope(t memory.ConversationType) string {
	switch t {
	case memory.TypeGroup:
		return ScopeGroup
	case memory.TypeOneToOne:
		return ScopeOneToOne
	default:
		return ""
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func dedupe(list []string) []string {
	seen := make(set, len(list))
	out := list[:0]
	for _, x := range list {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	return out
}

func sortedSet(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
