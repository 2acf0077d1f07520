// Package slack implements the telegraph Adapter for Slack using Socket Mode.
// Slack channels map to GROUP conversations and direct messages to
// ONE_TO_ONE conversations.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/telegraph"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// userBatch bounds the number of ids sent in one users.info call.
	userBatch = 30
	// pageSize is the page size for conversations.list and conversations.members.
	pageSize = 200
)

// conversationTypes are the conversation kinds pulled into the roster.
var conversationTypes = []string{"public_channel", "private_channel", "mpim", "im"}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
	GetUsersInfo(users ...string) (*[]slackapi.User, error)
	GetConversations(params *slackapi.GetConversationsParameters) ([]slackapi.Channel, string, error)
	GetConversationInfo(input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	GetUsersInConversation(params *slackapi.GetUsersInConversationParameters) ([]string, string, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements telegraph.Adapter, telegraph.RosterProvider and
// memory.Directory for Slack Socket Mode.
type Adapter struct {
	client       slackClient
	socket       socketClient
	logger       *zap.Logger
	botUserID    string
	appToken     string
	botToken     string
	channelID    string // default channel for messages without explicit channel
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan telegraph.InboundMessage
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect int           // max reconnection attempts (default: maxReconnectAttempts)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... Slack app-level token for Socket Mode
	BotToken  string // xoxb-... Slack bot token
	ChannelID string // default channel to post to
	Logger    *zap.Logger
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Adapter{
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		channelID:    opts.ChannelID,
		logger:       logger,
		inbound:      make(chan telegraph.InboundMessage, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}

	if opts.Client != nil {
		a.client = opts.Client
	}
	if opts.Socket != nil {
		a.socket = opts.Socket
	}

	return a, nil
}

// Connect establishes the Socket Mode WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	// Create real clients if not injected (production path).
	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	// Get bot user ID for self-message filtering.
	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID

	a.connected = true
	return nil
}

// Listen returns a channel of inbound messages. Starts the Socket Mode
// event pump in a background goroutine. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	if !a.isConnected() {
		return nil, fmt.Errorf("slack: not connected")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send delivers a text message to Slack, threading it when ThreadID is set.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	if !a.isConnected() {
		return fmt.Errorf("slack: not connected")
	}

	channelID := msg.ChannelID
	if channelID == "" {
		channelID = a.channelID
	}
	if channelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	options := buildMessageOptions(msg)

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := a.client.PostMessage(channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Roster lists every conversation the bot belongs to together with its
// members. Members whose profile cannot be fetched are reported with the
// UNKNOWN full name so memory queues them for re-fetch.
func (a *Adapter) Roster(ctx context.Context) (memory.Roster, error) {
	if !a.isConnected() {
		return memory.Roster{}, fmt.Errorf("slack: not connected")
	}

	var channels []slackapi.Channel
	cursor := ""
	for {
		params := &slackapi.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           pageSize,
			Types:           conversationTypes,
		}
		var page []slackapi.Channel
		var next string
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			page, next, apiErr = a.client.GetConversations(params)
			return apiErr
		})
		if err != nil {
			return memory.Roster{}, fmt.Errorf("slack: list conversations: %w", err)
		}
		for _, ch := range page {
			if ch.IsIM || ch.IsMember {
				channels = append(channels, ch)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	members := make(map[string][]string, len(channels))
	var ids []string
	seen := make(map[string]bool)
	for _, ch := range channels {
		m, err := a.members(ctx, ch)
		if err != nil {
			return memory.Roster{}, err
		}
		members[ch.ID] = m
		for _, id := range m {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	users, err := a.GetEntitiesByIDs(ctx, ids)
	if err != nil {
		return memory.Roster{}, err
	}
	byID := make(map[string]memory.User, len(users))
	for _, u := range users {
		byID[u.ChatID] = u
	}

	r := memory.Roster{SelfID: a.BotUserID(), Users: users}
	for _, ch := range channels {
		r.Conversations = append(r.Conversations, a.toConversation(ch, members[ch.ID], byID))
	}
	a.logger.Debug("slack roster fetched",
		zap.Int("conversations", len(r.Conversations)),
		zap.Int("users", len(users)))
	return r, nil
}

// Conversation fetches a single conversation and its members.
func (a *Adapter) Conversation(ctx context.Context, convID string) (memory.Conversation, error) {
	if !a.isConnected() {
		return memory.Conversation{}, fmt.Errorf("slack: not connected")
	}
	var ch *slackapi.Channel
	err := retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.client.GetConversationInfo(&slackapi.GetConversationInfoInput{ChannelID: convID})
		return apiErr
	})
	if err != nil {
		return memory.Conversation{}, fmt.Errorf("slack: conversation info %s: %w", convID, err)
	}
	ids, err := a.members(ctx, *ch)
	if err != nil {
		return memory.Conversation{}, err
	}
	users, err := a.GetEntitiesByIDs(ctx, ids)
	if err != nil {
		return memory.Conversation{}, err
	}
	byID := make(map[string]memory.User, len(users))
	for _, u := range users {
		byID[u.ChatID] = u
	}
	return a.toConversation(*ch, ids, byID), nil
}

// GetEntitiesByIDs looks users up via users.info in batches. Ids Slack does
// not return are omitted.
func (a *Adapter) GetEntitiesByIDs(ctx context.Context, ids []string) ([]memory.User, error) {
	var out []memory.User
	for start := 0; start < len(ids); start += userBatch {
		end := start + userBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		var found *[]slackapi.User
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			found, apiErr = a.client.GetUsersInfo(batch...)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("slack: users info: %w", err)
		}
		if found == nil {
			continue
		}
		for _, u := range *found {
			out = append(out, a.toUser(u))
		}
	}
	return out, nil
}

// Close shuts down the adapter and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// members returns the member ids of ch. Direct messages report the other
// party plus the bot.
func (a *Adapter) members(ctx context.Context, ch slackapi.Channel) ([]string, error) {
	if ch.IsIM {
		return []string{ch.User, a.BotUserID()}, nil
	}
	var ids []string
	cursor := ""
	for {
		params := &slackapi.GetUsersInConversationParameters{ChannelID: ch.ID, Cursor: cursor, Limit: pageSize}
		var page []string
		var next string
		err := retryOnRateLimit(ctx, func() error {
			var apiErr error
			page, next, apiErr = a.client.GetUsersInConversation(params)
			return apiErr
		})
		if err != nil {
			return nil, fmt.Errorf("slack: conversation members %s: %w", ch.ID, err)
		}
		ids = append(ids, page...)
		if next == "" {
			return ids, nil
		}
		cursor = next
	}
}

// toConversation assembles a memory conversation from a Slack channel and
// its resolved members.
func (a *Adapter) toConversation(ch slackapi.Channel, ids []string, byID map[string]memory.User) memory.Conversation {
	conv := memory.Conversation{ID: ch.ID, Name: ch.Name, Type: memory.TypeGroup}
	if ch.IsIM {
		conv.Type = memory.TypeOneToOne
		conv.Name = ""
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		u, ok := byID[id]
		if !ok {
			u = memory.User{ChatID: id, GaiaID: id, FullName: "UNKNOWN", IsSelf: id == a.BotUserID()}
		}
		conv.Users = append(conv.Users, u)
	}
	return conv
}

func (a *Adapter) toUser(u slackapi.User) memory.User {
	full := u.RealName
	if full == "" {
		full = u.Profile.RealName
	}
	if full == "" {
		full = u.Name
	}
	user := memory.User{
		ChatID:    u.ID,
		GaiaID:    u.ID,
		FullName:  full,
		FirstName: u.Profile.FirstName,
		PhotoURL:  u.Profile.Image192,
		IsSelf:    u.ID == a.BotUserID(),
	}
	if user.FirstName == "" {
		if parts := strings.Fields(full); len(parts) > 0 {
			user.FirstName = parts[0]
		}
	}
	if u.Profile.Email != "" {
		user.Emails = []string{u.Profile.Email}
	}
	return user
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run() returns an error (e.g., reconnection failure).
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}

		a.logger.Warn("slack: socket mode disconnected, reconnecting",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", a.maxReconnect),
			zap.Duration("wait", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	a.logger.Error("slack: socket mode exhausted reconnection attempts", zap.Int("attempts", a.maxReconnect))
}

// pumpEvents reads Socket Mode events and converts them to InboundMessages.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeConnecting:
		a.logger.Info("slack: connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		a.logger.Info("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		a.logger.Warn("slack: connection error", zap.Any("data", evt.Data))

	case socketmode.EventTypeDisconnect:
		a.logger.Info("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ev)
	case *slackevents.AppMentionEvent:
		a.handleAppMention(ev)
	}
}

// handleMessage converts a Slack message event to an InboundMessage.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == a.BotUserID() {
		return
	}
	// Filter bot messages and message subtypes (edits, deletes, etc.).
	if ev.BotID != "" || ev.SubType != "" {
		return
	}
	a.deliver(ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text, ev.TimeStamp)
}

// handleAppMention converts a Slack @mention event to an InboundMessage.
func (a *Adapter) handleAppMention(ev *slackevents.AppMentionEvent) {
	if ev.User == a.BotUserID() {
		return
	}
	a.deliver(ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text, ev.TimeStamp)
}

func (a *Adapter) deliver(channel, thread, user, text, ts string) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	a.inbound <- telegraph.InboundMessage{
		Platform:  "slack",
		ChannelID: channel,
		ThreadID:  thread,
		UserID:    user,
		UserName:  a.resolveUserName(user),
		Text:      text,
		Timestamp: parseSlackTimestamp(ts),
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// buildMessageOptions translates an OutboundMessage into Slack MsgOptions.
func buildMessageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ThreadID))
	}
	return options
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err // not a rate limit error, don't retry
		}

		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
