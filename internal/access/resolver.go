package access

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/config"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/tagging"
	"go.uber.org/zap"
)

// PolicySource returns the effective command policy of a conversation.
// *config.Config implements it.
type PolicySource interface {
	PolicyFor(convID string) config.Policy
}

// TagSource answers active-tag queries. *tagging.Engine implements it.
type TagSource interface {
	UserActive(chatID, convID string) []string
	DenyPrefix() string
}

// Available is the partition of commands a user may run. A command is in
// at most one of the two lists. Both lists are sorted.
type Available struct {
	Admin []string `json:"admin"`
	User  []string `json:"user"`
}

// Allowed reports whether name is in either list.
func (a Available) Allowed(name string) bool {
	for _, l := range [][]string{a.Admin, a.User} {
		for _, n := range l {
			if n == name {
				return true
			}
		}
	}
	return false
}

// ResolverOpts configures a Resolver.
type ResolverOpts struct {
	Registry *Registry
	Policy   PolicySource
	Tags     TagSource
	Logger   *zap.Logger
}

// Resolver computes Available for a (user, conversation) pair.
type Resolver struct {
	registry *Registry
	policy   PolicySource
	tags     TagSource
	logger   *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(opts ResolverOpts) (*Resolver, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("access: resolver: registry is required")
	}
	if opts.Policy == nil {
		return nil, fmt.Errorf("access: resolver: policy is required")
	}
	if opts.Tags == nil {
		return nil, fmt.Errorf("access: resolver: tag source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		registry: opts.Registry,
		policy:   opts.Policy,
		tags:     opts.Tags,
		logger:   logger,
	}, nil
}

type nameSet map[string]struct{}

func newNameSet(names ...string) nameSet {
	s := make(nameSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s nameSet) has(n string) bool {
	_, ok := s[n]
	return ok
}

func (s nameSet) sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// AvailableCommands partitions the registered commands into those chatID
// may run in convID as an admin and as a regular user.
//
// The steps run in a fixed order and each refines the previous one:
//  1. chatID is an admin when listed in the conversation's admins.
//  2. A baseline is taken from the first policy that applies:
//     commands_admin: true, commands_user: true, a non-empty commands_user
//     list, or else commands_admin plus the plugin admin declarations.
//  3. Non-admins lose the admin set.
//  4. Tagged commands (plugin and config requirements unioned) are moved
//     out of user under escalation, then granted into admin when absent
//     and the caller is an admin or carries a full match-group.
//  5. Non-admins lose any tagged command whose deny-prefixed match-group
//     they carry.
//  6. user = user - admin.
func (r *Resolver) AvailableCommands(chatID, convID string) Available {
	policy := r.policyFor(convID)
	all := r.registry.Names()
	allSet := newNameSet(all...)

	// 1. Admin status.
	isAdmin := policy.IsAdmin(chatID)

	// 2. Baseline partition.
	admin, user := nameSet{}, nameSet{}
	switch {
	case policy.CommandsAdmin.All:
		admin = newNameSet(all...)
	case policy.CommandsUser.All:
		user = newNameSet(all...)
	case len(policy.CommandsUser.Names) > 0:
		for _, n := range policy.CommandsUser.Names {
			if allSet.has(n) {
				user[n] = struct{}{}
			}
		}
		for _, n := range all {
			if !user.has(n) {
				admin[n] = struct{}{}
			}
		}
	default:
		for _, n := range policy.CommandsAdmin.Names {
			if allSet.has(n) {
				admin[n] = struct{}{}
			}
		}
		for _, n := range r.registry.AdminNames() {
			admin[n] = struct{}{}
		}
		for _, n := range all {
			if !admin.has(n) {
				user[n] = struct{}{}
			}
		}
	}

	// 3. Admin-only commands are out of reach for everyone else.
	if !isAdmin {
		admin = nameSet{}
	}

	// 4. Tag grants.
	requirements := r.requirements(policy, allSet)
	var active []string
	if len(requirements) > 0 {
		active = r.tags.UserActive(chatID, convID)
	}
	for _, name := range sortedRequirementNames(requirements) {
		if policy.CommandsTagsEscalate && user.has(name) {
			delete(user, name)
		}
		if user.has(name) || admin.has(name) {
			continue
		}
		if isAdmin || matchesAny(active, requirements[name], "") {
			admin[name] = struct{}{}
		}
	}

	// 5. Tag denials. Admins are exempt.
	if !isAdmin {
		deny := r.tags.DenyPrefix()
		for name, req := range requirements {
			if !user.has(name) && !admin.has(name) {
				continue
			}
			if matchesAny(active, req, deny) {
				delete(user, name)
				delete(admin, name)
				r.logger.Debug("command denied by tag",
					zap.String("command", name),
					zap.String("chat_id", chatID),
					zap.String("conv_id", convID))
			}
		}
	}

	// 6. No command in both lists.
	for name := range admin {
		delete(user, name)
	}

	return Available{Admin: admin.sorted(), User: user.sorted()}
}

// Known reports whether name is a registered command.
func (r *Resolver) Known(name string) bool {
	return r.registry.Has(name)
}

// Requirement returns the tag requirement of command name in convID, with
// plugin and config match-groups unioned. It is nil for untagged commands.
func (r *Resolver) Requirement(name, convID string) config.TagRequirement {
	name = strings.ToLower(strings.TrimSpace(name))
	if !r.registry.Has(name) {
		return nil
	}
	return r.requirements(r.policyFor(convID), newNameSet(name))[name]
}

// policyFor returns the policy of convID with command names in the
// registry's lowercase form, so mixed-case config entries still apply.
func (r *Resolver) policyFor(convID string) config.Policy {
	return r.policy.PolicyFor(convID).Normalize()
}

// requirements unions plugin-declared and config-declared tag requirements
// per registered command. Config entries for unregistered commands are
// skipped.
func (r *Resolver) requirements(policy config.Policy, registered nameSet) map[string]config.TagRequirement {
	out := r.registry.Tags()
	for name, req := range policy.CommandsTagged {
		if !registered.has(name) {
			continue
		}
		for _, g := range req {
			if len(g) > 0 {
				out[name] = append(out[name], g)
			}
		}
	}
	return out
}

func sortedRequirementNames(m map[string]config.TagRequirement) []string {
	out := make([]string, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// matchesAny reports whether active contains every tag of at least one
// group, with prefix prepended to each required tag.
func matchesAny(active []string, req config.TagRequirement, prefix string) bool {
	for _, group := range req {
		if len(group) == 0 {
			continue
		}
		want := make([]string, len(group))
		for i, t := range group {
			want[i] = strings.ToLower(prefix + t)
		}
		if tagging.Superset(active, want) {
			return true
		}
	}
	return false
}
