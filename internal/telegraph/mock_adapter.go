package telegraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
)

// MockAdapter implements Adapter, RosterProvider and memory.Directory for
// testing. It records sent messages and directory lookups and allows
// simulating inbound messages via SimulateInbound.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundMessage
	sent      []OutboundMessage
	botUserID string

	conversations map[string]memory.Conversation
	order         []string
	users         map[string]memory.User // directory entries
	rosterErr     error
	lookups       [][]string
	rosterCalls   int
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound:       make(chan InboundMessage, 100),
		conversations: make(map[string]memory.Conversation),
		users:         make(map[string]memory.User),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// Roster returns every conversation set with SetConversation, in insertion
// order, plus the directory users.
func (m *MockAdapter) Roster(ctx context.Context) (memory.Roster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rosterCalls++
	if m.rosterErr != nil {
		return memory.Roster{}, m.rosterErr
	}
	r := memory.Roster{SelfID: m.botUserID}
	for _, id := range m.order {
		r.Conversations = append(r.Conversations, m.conversations[id])
	}
	return r, nil
}

// Conversation returns a conversation set with SetConversation.
func (m *MockAdapter) Conversation(ctx context.Context, convID string) (memory.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[convID]
	if !ok {
		return memory.Conversation{}, fmt.Errorf("mock adapter: conversation %s not found", convID)
	}
	return c, nil
}

// GetEntitiesByIDs returns the directory users among ids and records the lookup.
func (m *MockAdapter) GetEntitiesByIDs(ctx context.Context, ids []string) ([]memory.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, append([]string{}, ids...))
	var out []memory.User
	for _, id := range ids {
		if u, ok := m.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// --- Test helpers ---

// SetConversation adds or replaces a conversation in the mock roster.
func (m *MockAdapter) SetConversation(c memory.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.conversations[c.ID] = c
}

// SetDirectoryUser adds a user returned by GetEntitiesByIDs.
func (m *MockAdapter) SetDirectoryUser(u memory.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ChatID] = u
}

// SetRosterError makes Roster fail with err.
func (m *MockAdapter) SetRosterError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rosterErr = err
}

// RosterCalls returns how many times Roster was called.
func (m *MockAdapter) RosterCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rosterCalls
}

// Lookups returns a copy of every GetEntitiesByIDs request.
func (m *MockAdapter) Lookups() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.lookups))
	copy(out, m.lookups)
	return out
}

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
