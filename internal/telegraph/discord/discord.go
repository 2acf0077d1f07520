// Package discord implements the telegraph Adapter for Discord using the
// Gateway WebSocket. Text channels of the configured guild map to GROUP
// conversations and direct message channels to ONE_TO_ONE conversations.
package discord

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/telegraph"
	"go.uber.org/zap"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// memberPage is the page size for guild member listing (Discord's maximum).
	memberPage = 1000
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	GuildChannels(guildID string) ([]*discordgo.Channel, error)
	GuildMembers(guildID, after string, limit int) ([]*discordgo.Member, error)
	User(userID string) (*discordgo.User, error)
	AddHandler(handler interface{}) func()
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }

// Channel prefers the gateway state cache and falls back to REST.
func (r *realSession) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := r.s.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return r.s.Channel(channelID)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) GuildChannels(guildID string) ([]*discordgo.Channel, error) {
	return r.s.GuildChannels(guildID)
}
func (r *realSession) GuildMembers(guildID, after string, limit int) ([]*discordgo.Member, error) {
	return r.s.GuildMembers(guildID, after, limit)
}
func (r *realSession) User(userID string) (*discordgo.User, error) {
	return r.s.User(userID)
}
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// Adapter implements telegraph.Adapter, telegraph.RosterProvider and
// memory.Directory for Discord via the Gateway WebSocket.
type Adapter struct {
	sess          session
	logger        *zap.Logger
	botToken      string
	guildID       string
	channelID     string // default channel for messages
	botUserID     string
	mu            sync.Mutex
	connected     bool
	closed        bool
	inbound       chan telegraph.InboundMessage
	removeHandler func()
	baseBackoff   time.Duration
	maxBackoff    time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string // Discord bot token
	GuildID   string // guild whose text channels form the roster
	ChannelID string // default channel to post to
	Logger    *zap.Logger
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Adapter{
		botToken:    opts.BotToken,
		guildID:     opts.GuildID,
		channelID:   opts.ChannelID,
		logger:      logger,
		inbound:     make(chan telegraph.InboundMessage, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}

	if opts.Session != nil {
		a.sess = opts.Session
	}

	return a, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real session if not injected (production path).
	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsGuildMembers |
			discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	// Register Ready handler to capture bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		a.logger.Info("discord: connected", zap.String("username", r.User.Username), zap.String("user_id", r.User.ID))
	})

	// discordgo reconnects on its own; these only log.
	a.sess.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		a.logger.Warn("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Resumed) {
		a.logger.Info("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages from Discord. Registers a
// message handler on the Gateway session. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	if !a.isConnected() {
		return nil, fmt.Errorf("discord: not connected")
	}

	remove := a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	a.mu.Lock()
	a.removeHandler = remove
	a.mu.Unlock()

	return a.inbound, nil
}

// Send delivers a text message to Discord.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if !a.isConnected() {
		return fmt.Errorf("discord: not connected")
	}

	// In Discord, threads are channels. If ThreadID is set, send there directly.
	channelID := msg.ThreadID
	if channelID == "" {
		channelID = msg.ChannelID
	}
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := &discordgo.MessageSend{Content: msg.Text}
	err := a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.sess.ChannelMessageSendComplex(channelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Roster lists the guild's text channels. Every guild member is treated as
// a participant of every text channel.
func (a *Adapter) Roster(ctx context.Context) (memory.Roster, error) {
	if !a.isConnected() {
		return memory.Roster{}, fmt.Errorf("discord: not connected")
	}
	r := memory.Roster{SelfID: a.BotUserID()}
	if a.guildID == "" {
		return r, nil
	}

	var channels []*discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		channels, apiErr = a.sess.GuildChannels(a.guildID)
		return apiErr
	})
	if err != nil {
		return memory.Roster{}, fmt.Errorf("discord: guild channels: %w", err)
	}
	users, err := a.guildUsers(ctx)
	if err != nil {
		return memory.Roster{}, err
	}
	r.Users = users

	for _, ch := range channels {
		if ch.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		r.Conversations = append(r.Conversations, memory.Conversation{
			ID:    ch.ID,
			Name:  ch.Name,
			Type:  memory.TypeGroup,
			Users: users,
		})
	}
	a.logger.Debug("discord roster fetched",
		zap.String("guild_id", a.guildID),
		zap.Int("conversations", len(r.Conversations)),
		zap.Int("users", len(users)))
	return r, nil
}

// Conversation fetches a single channel. Direct messages carry their
// recipients; guild text channels carry the guild members.
func (a *Adapter) Conversation(ctx context.Context, convID string) (memory.Conversation, error) {
	if !a.isConnected() {
		return memory.Conversation{}, fmt.Errorf("discord: not connected")
	}
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.Channel(convID)
		return apiErr
	})
	if err != nil {
		return memory.Conversation{}, fmt.Errorf("discord: channel %s: %w", convID, err)
	}

	switch ch.Type {
	case discordgo.ChannelTypeDM, discordgo.ChannelTypeGroupDM:
		conv := memory.Conversation{ID: ch.ID, Name: ch.Name, Type: memory.TypeGroup}
		if ch.Type == discordgo.ChannelTypeDM {
			conv.Type = memory.TypeOneToOne
			conv.Name = ""
		}
		for _, u := range ch.Recipients {
			conv.Users = append(conv.Users, a.toUser(u))
		}
		return conv, nil
	}

	users, err := a.guildUsers(ctx)
	if err != nil {
		return memory.Conversation{}, err
	}
	return memory.Conversation{ID: ch.ID, Name: ch.Name, Type: memory.TypeGroup, Users: users}, nil
}

// GetEntitiesByIDs looks users up one at a time. Ids Discord does not know
// are omitted; other errors abort the lookup.
func (a *Adapter) GetEntitiesByIDs(ctx context.Context, ids []string) ([]memory.User, error) {
	var out []memory.User
	for _, id := range ids {
		var u *discordgo.User
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			u, apiErr = a.sess.User(id)
			return apiErr
		})
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("discord: user %s: %w", id, err)
		}
		out = append(out, a.toUser(u))
	}
	return out, nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after the Ready event).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// guildUsers pages through every guild member.
func (a *Adapter) guildUsers(ctx context.Context) ([]memory.User, error) {
	var users []memory.User
	after := ""
	for {
		var page []*discordgo.Member
		err := a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			page, apiErr = a.sess.GuildMembers(a.guildID, after, memberPage)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("discord: guild members: %w", err)
		}
		for _, m := range page {
			if m.User == nil {
				continue
			}
			u := a.toUser(m.User)
			if m.Nick != "" {
				u.FullName = m.Nick
			}
			users = append(users, u)
			after = m.User.ID
		}
		if len(page) < memberPage {
			return users, nil
		}
	}
}

func (a *Adapter) toUser(u *discordgo.User) memory.User {
	full := u.GlobalName
	if full == "" {
		full = u.Username
	}
	user := memory.User{
		ChatID:   u.ID,
		GaiaID:   u.ID,
		FullName: full,
		IsSelf:   u.ID == a.BotUserID(),
	}
	if parts := strings.Fields(full); len(parts) > 0 {
		user.FirstName = parts[0]
	}
	if u.Avatar != "" {
		user.PhotoURL = u.AvatarURL("")
	}
	if u.Email != "" {
		user.Emails = []string{u.Email}
	}
	return user
}

// handleMessage converts a Discord message event to an InboundMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}

	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()

	if closed || m.Author.ID == botID || m.Author.Bot {
		return
	}

	// Threads are channels; resolve a thread message to its parent channel.
	channelID := m.ChannelID
	threadID := ""
	if ch, err := a.sess.Channel(m.ChannelID); err == nil && ch.IsThread() {
		channelID = ch.ParentID
		threadID = m.ChannelID
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)

	a.inbound <- telegraph.InboundMessage{
		Platform:  "discord",
		ChannelID: channelID,
		ThreadID:  threadID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
	}
}

// isNotFound reports whether err is a Discord 404.
func isNotFound(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	return ok && restErr.Response != nil && restErr.Response.StatusCode == 404
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err // not a rate limit error
		}

		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		a.logger.Warn("discord: rate limited, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", maxRetries),
			zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
