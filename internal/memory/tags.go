package memory

import (
	"fmt"

	"go.uber.org/zap"
)

// Tag storage. Conversation tags live under conv_data/<id> so that wildcard
// scopes ("*", "GROUP", "ONE_TO_ONE") can carry tags without being
// catalogued conversations. User tags live next to the user's profile under
// user_data/<id>, where "*" is the wildcard user.

// UserTags returns the global tags of chatID.
func (s *Store) UserTags(chatID string) []string {
	return s.readTags([]string{keyUserData, chatID, keyTags})
}

// SetUserTags replaces the global tags of chatID. An empty list removes the key.
func (s *Store) SetUserTags(chatID string, tags []string) error {
	return s.writeTags([]string{keyUserData, chatID, keyTags}, tags)
}

// ConversationTags returns the tags of a conversation or wildcard scope.
func (s *Store) ConversationTags(convID string) []string {
	return s.readTags([]string{keyConvData, convID, keyTags})
}

// SetConversationTags replaces the tags of a conversation or wildcard scope.
func (s *Store) SetConversationTags(convID string, tags []string) error {
	return s.writeTags([]string{keyConvData, convID, keyTags}, tags)
}

// ConversationUserTags returns the tags chatID carries inside convID only.
func (s *Store) ConversationUserTags(convID, chatID string) []string {
	return s.readTags([]string{keyConvData, convID, keyTagsUser, chatID})
}

// SetConversationUserTags replaces the tags chatID carries inside convID.
// An empty list removes the user's entry.
func (s *Store) SetConversationUserTags(convID, chatID string, tags []string) error {
	return s.writeTags([]string{keyConvData, convID, keyTagsUser, chatID}, tags)
}

// TaggedUsers returns the tags of every user that has any, keyed by chat id.
func (s *Store) TaggedUsers() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string][]string{}
	for _, id := range s.kv.Keys([]string{keyUserData}) {
		var tags []string
		if err := s.kv.Decode([]string{keyUserData, id, keyTags}, &tags); err == nil && len(tags) > 0 {
			out[id] = tags
		}
	}
	return out
}

// TaggedConversations returns the tags of every conversation or wildcard
// scope that has any.
func (s *Store) TaggedConversations() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string][]string{}
	for _, id := range s.kv.Keys([]string{keyConvData}) {
		var tags []string
		if err := s.kv.Decode([]string{keyConvData, id, keyTags}, &tags); err == nil && len(tags) > 0 {
			out[id] = tags
		}
	}
	return out
}

// TaggedConversationUsers returns every per-conversation user override as
// conv id -> chat id -> tags.
func (s *Store) TaggedConversationUsers() map[string]map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]map[string][]string{}
	for _, id := range s.kv.Keys([]string{keyConvData}) {
		var overrides map[string][]string
		if err := s.kv.Decode([]string{keyConvData, id, keyTagsUser}, &overrides); err != nil {
			continue
		}
		for chatID, tags := range overrides {
			if len(tags) == 0 {
				continue
			}
			if out[id] == nil {
				out[id] = map[string][]string{}
			}
			out[id][chatID] = tags
		}
	}
	return out
}

func (s *Store) readTags(path []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tags []string
	if err := s.kv.Decode(path, &tags); err != nil {
		return nil
	}
	return tags
}

func (s *Store) writeTags(path []string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(tags) == 0 {
		if _, ok := s.kv.Pop(path); ok {
			s.save()
		}
		return nil
	}
	if err := s.kv.Set(path, tags); err != nil {
		return fmt.Errorf("memory: write tags: %w", err)
	}
	s.logger.Debug("tags written", zap.Strings("path", path), zap.Strings("tags", tags))
	s.save()
	return nil
}
