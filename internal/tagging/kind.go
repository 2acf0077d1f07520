package tagging

import "fmt"

// Kind selects which entity a tag is attached to.
type Kind int

const (
	// KindConversation tags a conversation or a conversation wildcard scope.
	KindConversation Kind = iota
	// KindUser tags a user globally.
	KindUser
	// KindConversationUser tags a user inside one conversation. The id is
	// the composite "<conv_id>|<chat_id>".
	KindConversationUser
)

func (k Kind) String() string {
	switch k {
	case KindConversation:
		return "conv"
	case KindUser:
		return "user"
	case KindConversationUser:
		return "convuser"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind accepts the command-line spellings of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "conv", "conversation":
		return KindConversation, nil
	case "user":
		return KindUser, nil
	case "convuser", "conversation_user":
		return KindConversationUser, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// PurgeKind selects which assignments Purge removes.
type PurgeKind int

const (
	// PurgeUser removes every global tag of a user.
	PurgeUser PurgeKind = iota
	// PurgeConversationUser removes every tag of a "<conv_id>|<chat_id>" key.
	PurgeConversationUser
	// PurgeConversation removes every tag of a conversation scope.
	PurgeConversation
	// PurgeTag removes a tag from every user, conversation-user and conversation.
	PurgeTag
	// PurgeUserTag removes a tag from every user and conversation-user key.
	PurgeUserTag
	// PurgeConversationTag removes a tag from every conversation scope.
	PurgeConversationTag
)

func (k PurgeKind) String() string {
	switch k {
	case PurgeUser:
		return "user"
	case PurgeConversationUser:
		return "convuser"
	case PurgeConversation:
		return "conv"
	case PurgeTag:
		return "tag"
	case PurgeUserTag:
		return "usertag"
	case PurgeConversationTag:
		return "convtag"
	default:
		return fmt.Sprintf("PurgeKind(%d)", int(k))
	}
}

// ParsePurgeKind accepts the command-line spellings of a PurgeKind.
func ParsePurgeKind(s string) (PurgeKind, error) {
	switch s {
	case "user":
		return PurgeUser, nil
	case "convuser", "conversation_user":
		return PurgeConversationUser, nil
	case "conv", "conversation":
		return PurgeConversation, nil
	case "tag":
		return PurgeTag, nil
	case "usertag", "user_tag":
		return PurgeUserTag, nil
	case "convtag", "conversation_tag":
		return PurgeConversationTag, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}
