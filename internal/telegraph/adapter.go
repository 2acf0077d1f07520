// Package telegraph connects the bot to a chat platform (Slack, Discord),
// keeps permanent memory in step with what the platform reports, and runs
// the built-in commands behind the access resolver.
package telegraph

import (
	"context"
	"time"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// RosterProvider is implemented by adapters that can enumerate the
// conversations and users the bot can see.
type RosterProvider interface {
	// Roster returns every conversation the bot is a member of, with
	// participants, plus any users known outside those conversations.
	Roster(ctx context.Context) (memory.Roster, error)

	// Conversation returns a single conversation with its participants.
	Conversation(ctx context.Context, convID string) (memory.Conversation, error)
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string    // e.g. "slack", "discord"
	ChannelID string    // conversation id
	ThreadID  string    // thread identifier (empty if top-level)
	UserID    string    // sender chat id
	UserName  string    // human-readable username
	Text      string    // raw message text
	Timestamp time.Time // when the message was sent
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string // target conversation; empty uses the adapter's default channel
	ThreadID  string // thread to reply in (empty for new top-level message)
	Text      string // message text (platform-native formatting)
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
