// Package access decides which registered commands a user may run in a
// conversation, combining the configured command policy, plugin
// declarations and the tag engine.
package access

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/config"
)

// Registry records the commands plugins register, which of those are
// declared admin-only, and the tag requirements plugins attach to them.
type Registry struct {
	mu    sync.RWMutex
	all   map[string]struct{}
	admin map[string]struct{}
	tags  map[string]config.TagRequirement
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		all:   map[string]struct{}{},
		admin: map[string]struct{}{},
		tags:  map[string]config.TagRequirement{},
	}
}

// Register adds a user-level command.
func (r *Registry) Register(name string) error {
	name, err := normalize(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[name] = struct{}{}
	return nil
}

// RegisterAdmin adds a command and declares it admin-only.
func (r *Registry) RegisterAdmin(name string) error {
	name, err := normalize(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[name] = struct{}{}
	r.admin[name] = struct{}{}
	return nil
}

// RegisterTags attaches match-groups to a registered command. Groups
// accumulate across calls. An empty group is ignored.
func (r *Registry) RegisterTags(name string, groups ...[]string) error {
	name, err := normalize(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.all[name]; !ok {
		return fmt.Errorf("access: register tags: command %q is not registered", name)
	}
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		r.tags[name] = append(r.tags[name], append([]string{}, g...))
	}
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.all[strings.ToLower(name)]
	return ok
}

// Names returns every registered command, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.all)
}

// AdminNames returns the commands declared admin-only, sorted.
func (r *Registry) AdminNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.admin)
}

// Tags returns a copy of the tag requirements plugins declared.
func (r *Registry) Tags() map[string]config.TagRequirement {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]config.TagRequirement, len(r.tags))
	for k, v := range r.tags {
		out[k] = append(config.TagRequirement{}, v...)
	}
	return out
}

func normalize(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return "", fmt.Errorf("access: invalid command name %q", name)
	}
	return name, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
