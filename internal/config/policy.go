package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the command access policy in effect for one conversation.
type Policy struct {
	Admins               []string                  `yaml:"admins"`
	CommandsAdmin        CommandList               `yaml:"commands_admin"`
	CommandsUser         CommandList               `yaml:"commands_user"`
	CommandsTagged       map[string]TagRequirement `yaml:"commands_tagged"`
	CommandsTagsEscalate bool                      `yaml:"commands_tags_escalate"`
}

// PolicyOverride replaces individual policy keys for a single conversation.
// A nil field inherits the global value.
type PolicyOverride struct {
	Admins               *[]string                 `yaml:"admins"`
	CommandsAdmin        *CommandList              `yaml:"commands_admin"`
	CommandsUser         *CommandList              `yaml:"commands_user"`
	CommandsTagged       map[string]TagRequirement `yaml:"commands_tagged"`
	CommandsTagsEscalate *bool                     `yaml:"commands_tags_escalate"`
}

// PolicyFor returns the effective policy for convID: the global policy with
// any keys set under conversations.<convID> replacing the global ones.
func (c *Config) PolicyFor(convID string) Policy {
	p := c.Policy
	o, ok := c.Conversations[convID]
	if !ok {
		return p
	}
	if o.Admins != nil {
		p.Admins = *o.Admins
	}
	if o.CommandsAdmin != nil {
		p.CommandsAdmin = *o.CommandsAdmin
	}
	if o.CommandsUser != nil {
		p.CommandsUser = *o.CommandsUser
	}
	if o.CommandsTagged != nil {
		p.CommandsTagged = o.CommandsTagged
	}
	if o.CommandsTagsEscalate != nil {
		p.CommandsTagsEscalate = *o.CommandsTagsEscalate
	}
	return p
}

// IsAdmin reports whether chatID is listed in the policy's admins.
func (p Policy) IsAdmin(chatID string) bool {
	for _, a := range p.Admins {
		if a == chatID {
			return true
		}
	}
	return false
}

// Normalize returns a copy of p with every command name trimmed and
// lowercased, matching how commands are registered and invoked. Tag
// requirements whose names collide are merged.
func (p Policy) Normalize() Policy {
	lower := func(names []string) []string {
		if names == nil {
			return nil
		}
		out := make([]string, 0, len(names))
		for _, n := range names {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				out = append(out, n)
			}
		}
		return out
	}
	p.CommandsAdmin.Names = lower(p.CommandsAdmin.Names)
	p.CommandsUser.Names = lower(p.CommandsUser.Names)
	if p.CommandsTagged != nil {
		tagged := make(map[string]TagRequirement, len(p.CommandsTagged))
		for name, req := range p.CommandsTagged {
			name = strings.ToLower(strings.TrimSpace(name))
			if name == "" {
				continue
			}
			tagged[name] = append(tagged[name], req...)
		}
		p.CommandsTagged = tagged
	}
	return p
}

// CommandList is either the literal boolean true ("every command") or an
// explicit list of command names. The boolean false decodes as an empty list.
type CommandList struct {
	All   bool
	Names []string
}

// UnmarshalYAML accepts a boolean or a sequence of command names.
func (l *CommandList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*l = CommandList{}
			return nil
		}
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("line %d: expected true, false or a list of commands", node.Line)
		}
		*l = CommandList{All: b}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*l = CommandList{Names: names}
		return nil
	default:
		return fmt.Errorf("line %d: expected true, false or a list of commands", node.Line)
	}
}

// MarshalYAML writes the list back in the form it was read.
func (l CommandList) MarshalYAML() (interface{}, error) {
	if l.All {
		return true, nil
	}
	return l.Names, nil
}

// TagRequirement is a list of match-groups. A caller satisfies the
// requirement when its tags contain every tag of at least one group.
type TagRequirement [][]string

// UnmarshalYAML coerces the accepted shapes into match-groups:
//
//	admin              -> [[admin]]
//	[admin, mod]       -> [[admin], [mod]]
//	[[admin, mod], op] -> [[admin, mod], [op]]
//
// Any other shape never fails the load; see coerceRequirement.
func (r *TagRequirement) UnmarshalYAML(node *yaml.Node) error {
	*r, _ = coerceRequirement(node)
	return nil
}

// coerceRequirement converts node into match-groups. A node of any other
// shape, such as a mapping, becomes one match-group of the tags it names
// (mapping keys, sequence items), and ok is false. Empty groups are dropped
// so a malformed entry can never match every caller.
func coerceRequirement(node *yaml.Node) (req TagRequirement, ok bool) {
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, true
		}
		return TagRequirement{{node.Value}}, true
	case yaml.SequenceNode:
		ok = true
		for _, item := range node.Content {
			var group []string
			switch item.Kind {
			case yaml.ScalarNode:
				group = []string{item.Value}
			case yaml.SequenceNode:
				for _, tag := range item.Content {
					if tag.Kind != yaml.ScalarNode {
						ok = false
					}
					group = append(group, nodeTags(tag)...)
				}
			default:
				ok = false
				group = nodeTags(item)
			}
			if len(group) > 0 {
				req = append(req, group)
			}
		}
		return req, ok
	default:
		if group := nodeTags(node); len(group) > 0 {
			req = TagRequirement{group}
		}
		return req, false
	}
}

// nodeTags flattens node into the tag names it mentions: a scalar's value,
// a mapping's keys, or the tags of each sequence item.
func nodeTags(node *yaml.Node) []string {
	if node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "" {
			return nil
		}
		return []string{node.Value}
	case yaml.MappingNode:
		var out []string
		for i := 0; i+1 < len(node.Content); i += 2 {
			out = append(out, nodeTags(node.Content[i])...)
		}
		return out
	case yaml.SequenceNode:
		var out []string
		for _, item := range node.Content {
			out = append(out, nodeTags(item)...)
		}
		return out
	default:
		return nil
	}
}

// requirementWarnings reports every commands_tagged entry in the document
// that had to be coerced, at the top level and under conversations.
func requirementWarnings(doc *yaml.Node) []string {
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	var warnings []string
	check := func(scope string, tagged *yaml.Node) {
		if tagged == nil || tagged.Kind != yaml.MappingNode {
			return
		}
		for i := 0; i+1 < len(tagged.Content); i += 2 {
			name, value := tagged.Content[i], tagged.Content[i+1]
			if req, ok := coerceRequirement(value); !ok {
				warnings = append(warnings, fmt.Sprintf("line %d: %scommands_tagged.%s is not a tag or a list of tags; using %v",
					value.Line, scope, name.Value, [][]string(req)))
			}
		}
	}
	check("", mappingValue(doc, "commands_tagged"))
	if convs := mappingValue(doc, "conversations"); convs != nil && convs.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(convs.Content); i += 2 {
			check("conversations."+convs.Content[i].Value+".", mappingValue(convs.Content[i+1], "commands_tagged"))
		}
	}
	return warnings
}

func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
