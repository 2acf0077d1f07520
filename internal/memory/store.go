package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/jsonstore"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/metrics"
	"go.uber.org/zap"
)

// Top-level keys of the memory document.
const (
	keyConvmem  = "convmem"
	keyConvData = "conv_data"
	keyUserData = "user_data"

	keyProfile  = "profile"
	keyTags     = "tags"
	keyTagsUser = "tags-users"
	keyOneOnOne = "1on1"
)

// Opts configures a Store.
type Opts struct {
	KV      *jsonstore.Store
	Refetch *RefetchQueue // nil disables background re-fetch of unknown users
	SelfID  string
	Clock   func() time.Time
	Metrics *metrics.Metrics // optional
	Logger  *zap.Logger
}

// Store owns the conversation and user catalogs. It is safe for concurrent
// use; every operation runs under a single lock, which keeps reconciliation
// and tag mutations serializable.
type Store struct {
	mu      sync.Mutex
	kv      *jsonstore.Store
	refetch *RefetchQueue
	selfID  string
	clock   func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a Store over kv.
func New(opts Opts) (*Store, error) {
	if opts.KV == nil {
		return nil, fmt.Errorf("memory: document store is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:      opts.KV,
		refetch: opts.Refetch,
		selfID:  opts.SelfID,
		clock:   clock,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// SetSelfID records the bot's own chat id, learned after connecting.
func (s *Store) SetSelfID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfID = id
}

// SelfID returns the bot's own chat id.
func (s *Store) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// ReconcileUser merges a roster user into the catalog and reports whether
// the stored record was written. A definitive record is never replaced by a
// non-definitive update.
func (s *Store) ReconcileUser(u User, definitive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.reconcileUser(u, definitive)
	if changed {
		s.save()
	}
	return changed
}

// reconcileUser does the work of ReconcileUser without saving. Caller holds s.mu.
func (s *Store) reconcileUser(u User, definitive bool) bool {
	if u.ChatID == "" {
		s.logger.Warn("ignoring user without chat id", zap.String("full_name", u.FullName))
		return false
	}
	candidate := UserRecord{
		ChatID:       u.ChatID,
		GaiaID:       u.GaiaID,
		FullName:     u.FullName,
		FirstName:    u.FirstName,
		Emails:       append([]string{}, u.Emails...),
		IsSelf:       u.IsSelf,
		IsDefinitive: definitive,
	}
	if u.PhotoURL != "" {
		photo := u.PhotoURL
		candidate.PhotoURL = &photo
	}

	path := profilePath(u.ChatID)
	var existing UserRecord
	err := s.kv.Decode(path, &existing)
	switch {
	case err == nil:
		if existing.IsDefinitive && !definitive {
			s.logger.Info("ignoring non-definitive update for definitive user", zap.String("chat_id", u.ChatID))
			return false
		}
		if existing.sameAs(candidate) {
			return false
		}
	case !errors.Is(err, jsonstore.ErrNotFound):
		s.logger.Warn("replacing unreadable user record", zap.String("chat_id", u.ChatID), zap.Error(err))
	}

	candidate.Updated = s.clock().UTC()
	if err := s.kv.Set(path, candidate); err != nil {
		s.logger.Error("store user record", zap.String("chat_id", u.ChatID), zap.Error(err))
		return false
	}
	s.metrics.RecordWrite("user")
	s.logger.Info("user record updated",
		zap.String("chat_id", u.ChatID),
		zap.String("full_name", u.FullName),
		zap.Bool("definitive", definitive))
	return true
}

// ReconcileConversation merges a roster conversation and its participants
// into the catalog. It reports whether the conversation record itself
// changed; participant record changes are persisted but not reported.
func (s *Store) ReconcileConversation(conv Conversation, source string) bool {
	if conv.ID == "" {
		s.logger.Warn("ignoring conversation without id")
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := ConversationRecord{
		Title:        ConversationName(conv, s.selfID),
		History:      !conv.OffTheRecord,
		Participants: []string{},
		Users:        []LegacyUser{},
		Source:       source,
	}

	nestedChanged := false
	for _, u := range conv.Users {
		self := u.IsSelf || (s.selfID != "" && u.ChatID == s.selfID)
		if !self {
			candidate.Users = append(candidate.Users, LegacyUser{ChatID: u.ChatID, GaiaID: u.GaiaID, FullName: u.FullName})
			candidate.Participants = append(candidate.Participants, u.ChatID)
		}
		definitive := u.FullName != unknownName
		if !definitive {
			s.queueRefetch(u.ChatID)
		}
		if s.reconcileUser(u, definitive) {
			nestedChanged = true
		}
	}

	switch conv.Type {
	case TypeGroup, TypeOneToOne:
		candidate.Type = conv.Type
	default:
		if len(candidate.Participants) > 1 {
			candidate.Type = TypeGroup
		} else {
			candidate.Type = TypeOneToOne
		}
	}

	path := []string{keyConvmem, conv.ID}
	var existing ConversationRecord
	changed := true
	if err := s.kv.Decode(path, &existing); err == nil {
		changed = !existing.sameAs(candidate)
	} else if !errors.Is(err, jsonstore.ErrNotFound) {
		s.logger.Warn("replacing unreadable conversation record", zap.String("conv_id", conv.ID), zap.Error(err))
	}

	if changed {
		candidate.Updated = s.clock().UTC()
		if err := s.kv.Set(path, candidate); err != nil {
			s.logger.Error("store conversation record", zap.String("conv_id", conv.ID), zap.Error(err))
			changed = false
		} else {
			s.metrics.RecordWrite("conversation")
			s.logger.Info("conversation record updated",
				zap.String("conv_id", conv.ID),
				zap.String("title", candidate.Title),
				zap.String("source", source))
		}
	}

	if candidate.Type == TypeOneToOne {
		for _, p := range candidate.Participants {
			if s.recordOneOnOne(p, conv.ID) {
				nestedChanged = true
			}
		}
	}

	if changed || nestedChanged {
		s.save()
	}
	return changed
}

// ReconcileRoster reconciles every user and conversation of r.
func (s *Store) ReconcileRoster(r Roster, source string) (conversations, users int) {
	if r.SelfID != "" {
		s.SetSelfID(r.SelfID)
	}
	for _, u := range r.Users {
		if s.ReconcileUser(u, u.FullName != unknownName) {
			users++
		}
		if u.FullName == unknownName {
			s.mu.Lock()
			s.queueRefetch(u.ChatID)
			s.mu.Unlock()
		}
	}
	for _, c := range r.Conversations {
		if s.ReconcileConversation(c, source) {
			conversations++
		}
	}
	return conversations, users
}

// LoadFromSnapshot runs the snapshot upgrade pass over the loaded document,
// writes back every upgraded conversation and creates non-definitive stubs
// for legacy user references missing from the user catalog. Stubs are
// queued for re-fetch.
func (s *Store) LoadFromSnapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{keyConvmem, keyConvData, keyUserData} {
		if err := s.kv.EnsurePath([]string{key}); err != nil {
			return fmt.Errorf("memory: load: %w", err)
		}
	}
	convmem, _ := s.kv.Get([]string{keyConvmem})
	userData, _ := s.kv.Get([]string{keyUserData})
	cm, _ := convmem.(map[string]any)
	ud, _ := userData.(map[string]any)

	res := UpgradeSnapshot(cm, ud)
	for _, id := range res.Changed {
		if err := s.kv.Set([]string{keyConvmem, id}, res.Conversations[id]); err != nil {
			return fmt.Errorf("memory: load: upgrade %s: %w", id, err)
		}
	}
	for _, u := range res.Unresolved {
		s.reconcileUser(u, false)
		s.queueRefetch(u.ChatID)
	}
	s.save()
	s.logger.Info("memory snapshot loaded",
		zap.Int("conversations", len(cm)),
		zap.Int("users", len(ud)),
		zap.Int("upgraded", len(res.Changed)),
		zap.Int("unresolved", len(res.Unresolved)))
	return ctx.Err()
}

// Remove deletes a GROUP conversation and its tags. Other conversation
// types and unknown ids are left alone. It reports whether anything was
// removed.
func (s *Store) Remove(convID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec ConversationRecord
	if err := s.kv.Decode([]string{keyConvmem, convID}, &rec); err != nil {
		s.logger.Warn("remove: conversation not in memory", zap.String("conv_id", convID))
		return false
	}
	if rec.Type != TypeGroup {
		s.logger.Warn("remove: refusing to remove non-group conversation",
			zap.String("conv_id", convID),
			zap.String("type", string(rec.Type)))
		return false
	}
	s.kv.Pop([]string{keyConvmem, convID})
	s.kv.Pop([]string{keyConvData, convID})
	s.save()
	s.logger.Info("conversation removed from memory", zap.String("conv_id", convID))
	return true
}

// ResetUser clears the definitive flag of a user record so that the next
// roster update, definitive or not, may replace it.
func (s *Store) ResetUser(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := profilePath(chatID)
	var rec UserRecord
	if err := s.kv.Decode(path, &rec); err != nil {
		s.logger.Warn("reset: user not in memory", zap.String("chat_id", chatID))
		return false
	}
	if !rec.IsDefinitive {
		return false
	}
	rec.IsDefinitive = false
	rec.Updated = s.clock().UTC()
	if err := s.kv.Set(path, rec); err != nil {
		s.logger.Error("reset user record", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	s.save()
	s.logger.Info("user record reset to non-definitive", zap.String("chat_id", chatID))
	return true
}

// SetOneToOne records convID as chatID's one-to-one conversation.
func (s *Store) SetOneToOne(chatID, convID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set([]string{keyUserData, chatID, keyOneOnOne}, convID); err != nil {
		return fmt.Errorf("memory: set 1on1 %s: %w", chatID, err)
	}
	s.save()
	return nil
}

// Flush writes pending changes to the backend.
func (s *Store) Flush(ctx context.Context) error {
	return s.kv.Flush(ctx)
}

// RunRefetcher processes the re-fetch queue until ctx is cancelled. Results
// are reconciled as definitive.
func (s *Store) RunRefetcher(ctx context.Context) {
	if s.refetch == nil {
		return
	}
	s.refetch.run(ctx, s.ReconcileUser)
}

// WaitRefetch blocks until the re-fetch queue is drained or ctx is done.
func (s *Store) WaitRefetch(ctx context.Context) error {
	if s.refetch == nil {
		return nil
	}
	return s.refetch.Wait(ctx)
}

// recordOneOnOne sets chatID's 1on1 mapping if it has none. Caller holds s.mu.
func (s *Store) recordOneOnOne(chatID, convID string) bool {
	path := []string{keyUserData, chatID, keyOneOnOne}
	if s.kv.Exists(path) {
		return false
	}
	if err := s.kv.Set(path, convID); err != nil {
		s.logger.Error("store 1on1 mapping", zap.String("chat_id", chatID), zap.Error(err))
		return false
	}
	return true
}

// queueRefetch schedules chatID for lookup. Caller holds s.mu.
func (s *Store) queueRefetch(chatID string) {
	if s.refetch == nil || chatID == "" {
		return
	}
	s.refetch.Enqueue(chatID)
}

// save persists the document, logging failures. Caller holds s.mu.
func (s *Store) save() {
	if err := s.kv.Save(); err != nil {
		s.logger.Error("save memory", zap.Error(err))
	}
}

func profilePath(chatID string) []string {
	return []string{keyUserData, chatID, keyProfile}
}
