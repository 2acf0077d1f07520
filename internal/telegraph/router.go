package telegraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"go.uber.org/zap"
)

// Router classifies inbound chat messages and routes them: self messages
// are ignored, every other message updates permanent memory, and prefixed
// messages go to the command handler.
type Router struct {
	cmdHandler *CommandHandler
	adapter    Adapter
	roster     RosterProvider // nil when the adapter cannot enumerate conversations
	memory     *memory.Store
	botUserID  string
	logger     *zap.Logger
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	CmdHandler *CommandHandler
	Adapter    Adapter
	Roster     RosterProvider // optional
	Memory     *memory.Store
	BotUserID  string // bot's user ID for self-message filtering
	Logger     *zap.Logger
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.CmdHandler == nil {
		return nil, fmt.Errorf("telegraph: router: command handler is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("telegraph: router: memory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cmdHandler: opts.CmdHandler,
		adapter:    opts.Adapter,
		roster:     opts.Roster,
		memory:     opts.Memory,
		botUserID:  opts.BotUserID,
		logger:     logger,
	}, nil
}

// Handle processes a single inbound message. Routing paths:
//  1. Bot self-message → ignore
//  2. Sender or conversation missing from memory → refresh that conversation
//  3. Command prefix → command handler, reply in the same conversation
//  4. Everything else → no reply
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	// 1. Filter bot self-messages.
	if r.isSelfMessage(msg) {
		return
	}

	text := strings.TrimSpace(msg.Text)
	r.logger.Debug("router: recv",
		zap.String("conv_id", msg.ChannelID),
		zap.String("thread", msg.ThreadID),
		zap.String("chat_id", msg.UserID),
		zap.String("text", truncate(text, 80)))

	// 2. Keep memory in step with the conversation the message came from.
	r.observe(ctx, msg)

	// 3. Commands.
	if r.cmdHandler.IsCommand(text) {
		r.handleCommand(ctx, msg)
	}
}

// observe refreshes msg's conversation from the roster when memory does not
// know it yet or does not list the sender as a participant.
func (r *Router) observe(ctx context.Context, msg InboundMessage) {
	if msg.ChannelID == "" {
		return
	}
	rec, ok := r.memory.Conversation(msg.ChannelID)
	if ok && (msg.UserID == "" || rec.HasParticipant(msg.UserID)) {
		return
	}
	if r.roster == nil {
		if msg.UserID != "" && !r.memory.UserExists(msg.UserID) {
			r.memory.ReconcileUser(memory.User{ChatID: msg.UserID, FullName: msg.UserName}, false)
		}
		return
	}
	conv, err := r.roster.Conversation(ctx, msg.ChannelID)
	if err != nil {
		r.logger.Warn("router: fetch conversation", zap.String("conv_id", msg.ChannelID), zap.Error(err))
		return
	}
	if r.memory.ReconcileConversation(conv, "event") {
		r.logger.Info("router: conversation refreshed from event", zap.String("conv_id", msg.ChannelID))
	}
}

// handleCommand dispatches a prefixed command and sends the response.
func (r *Router) handleCommand(ctx context.Context, msg InboundMessage) {
	response := r.cmdHandler.Execute(ctx, msg)
	if err := r.adapter.Send(ctx, OutboundMessage{
		ChannelID: msg.ChannelID,
		ThreadID:  msg.ThreadID,
		Text:      response,
	}); err != nil {
		r.logger.Error("router: send command response", zap.String("conv_id", msg.ChannelID), zap.Error(err))
	}
}

// isSelfMessage returns true if the message is from the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.UserID == r.botUserID
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
