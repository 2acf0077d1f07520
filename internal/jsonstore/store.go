// Package jsonstore is a JSON document store with segmented path access,
// dirty tracking and optionally debounced persistence to a Backend.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a path does not resolve to a value.
	ErrNotFound = errors.New("jsonstore: path not found")
	// ErrNotObject is returned when a path crosses a value that is not an object.
	ErrNotObject = errors.New("jsonstore: not an object")
)

// Backend persists the serialized document.
type Backend interface {
	// Load returns the stored document. Empty or nil data means no document yet.
	Load(ctx context.Context) ([]byte, error)
	// Store replaces the stored document.
	Store(ctx context.Context, data []byte) error
}

// Opts configures a Store.
type Opts struct {
	Backend   Backend       // nil keeps the document in memory only
	SaveDelay time.Duration // 0 makes Save flush synchronously
	Logger    *zap.Logger
}

// Store holds one JSON document. All access goes through path operations;
// values handed out are copies, so callers cannot mutate the document
// behind the store's back.
type Store struct {
	mu      sync.Mutex
	data    map[string]any
	dirty   bool
	backend Backend
	delay   time.Duration
	timer   *time.Timer
	logger  *zap.Logger
}

// New creates an empty Store. Call Open to load the persisted document.
func New(opts Opts) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		data:    map[string]any{},
		backend: opts.Backend,
		delay:   opts.SaveDelay,
		logger:  logger,
	}
}

// Open replaces the in-memory document with the one held by the backend.
func (s *Store) Open(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	raw, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("jsonstore: open: %w", err)
	}
	doc := map[string]any{}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("jsonstore: open: decode: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}
	s.mu.Lock()
	s.data = doc
	s.dirty = false
	s.mu.Unlock()
	s.logger.Debug("memory document loaded", zap.Int("bytes", len(raw)))
	return nil
}

// Exists reports whether path resolves to a value.
func (s *Store) Exists(path []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(path)
	return ok
}

// Get returns a copy of the value at path.
func (s *Store) Get(path []string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lookup(path)
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// Decode unmarshals the value at path into v.
func (s *Store) Decode(path []string, v any) error {
	s.mu.Lock()
	cur, ok := s.lookup(path)
	var raw []byte
	var err error
	if ok {
		raw, err = json.Marshal(cur)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("jsonstore: decode %s: %w", joinPath(path), ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("jsonstore: decode %s: %w", joinPath(path), err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("jsonstore: decode %s: %w", joinPath(path), err)
	}
	return nil
}

// Keys returns the sorted keys of the object at path, or nil when path is
// missing or not an object.
func (s *Store) Keys(path []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lookup(path)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set stores value at path, creating intermediate objects, and marks the
// document dirty. value is normalized to JSON-shaped data first.
func (s *Store) Set(path []string, value any) error {
	norm, err := normalize(value)
	if err != nil {
		return fmt.Errorf("jsonstore: set %s: %w", joinPath(path), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(path) == 0 {
		m, ok := norm.(map[string]any)
		if !ok {
			return fmt.Errorf("jsonstore: set root: %w", ErrNotObject)
		}
		s.data = m
		s.dirty = true
		return nil
	}
	parent, err := s.walk(path[:len(path)-1], true)
	if err != nil {
		return fmt.Errorf("jsonstore: set %s: %w", joinPath(path), err)
	}
	parent[path[len(path)-1]] = norm
	s.dirty = true
	return nil
}

// EnsurePath creates empty objects along path where missing. Existing values
// are left untouched.
func (s *Store) EnsurePath(path []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.dirty
	if _, err := s.walk(path, true); err != nil {
		s.dirty = before
		return fmt.Errorf("jsonstore: ensure %s: %w", joinPath(path), err)
	}
	return nil
}

// Pop removes the value at path and returns it.
func (s *Store) Pop(path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.walk(path[:len(path)-1], false)
	if err != nil {
		return nil, false
	}
	v, ok := parent[path[len(path)-1]]
	if !ok {
		return nil, false
	}
	delete(parent, path[len(path)-1])
	s.dirty = true
	return v, true
}

// Dirty reports whether there are unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Snapshot returns the serialized document.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.MarshalIndent(s.data, "", "  ")
}

// Save persists the document if dirty. With a save delay configured the
// write is deferred and coalesced with any further Save calls inside the
// delay window.
func (s *Store) Save() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	if s.delay <= 0 {
		s.mu.Unlock()
		return s.Flush(context.Background())
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error("delayed memory save failed", zap.Error(err))
		}
	})
	s.mu.Unlock()
	return nil
}

// Flush writes the document to the backend now if it is dirty.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if s.backend == nil {
		s.dirty = false
		return nil
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonstore: flush: encode: %w", err)
	}
	if err := s.backend.Store(ctx, raw); err != nil {
		return fmt.Errorf("jsonstore: flush: %w", err)
	}
	s.dirty = false
	s.logger.Debug("memory document saved", zap.Int("bytes", len(raw)))
	return nil
}

// Close cancels any pending delayed save and flushes.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	return s.Flush(ctx)
}

// lookup resolves path without copying. Caller holds s.mu.
func (s *Store) lookup(path []string) (any, bool) {
	var cur any = s.data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// walk returns the object at path, creating missing objects when create is
// set. Caller holds s.mu.
func (s *Store) walk(path []string, create bool) (map[string]any, error) {
	cur := s.data
	for _, key := range path {
		next, ok := cur[key]
		if !ok || next == nil {
			if !create {
				return nil, ErrNotFound
			}
			m := map[string]any{}
			cur[key] = m
			s.dirty = true
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, ErrNotObject
		}
		cur = m
	}
	return cur, nil
}

func joinPath(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	return strings.Join(path, "/")
}

// normalize converts v into the shapes encoding/json produces when decoding
// into an interface value.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64:
		return v, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = deepCopy(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = deepCopy(x)
		}
		return s
	default:
		return v
	}
}
