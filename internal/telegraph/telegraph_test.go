package telegraph

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/access"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/config"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/jsonstore"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/tagging"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const daemonSnapshot = `{
  "convmem": {
    "C2": {
      "title": "Old pair",
      "users": [[["U1", "G1"], "Alice"], [["U2", "G2"], "Bob"]],
      "participants": ["U1", "U2"]
    }
  },
  "user_data": {
    "U1": {"profile": {"chat_id": "U1", "full_name": "Alice", "is_definitive": true}},
    "U2": {"profile": {"chat_id": "U2", "full_name": "Bob", "is_definitive": true}}
  }
}`

type daemonFixture struct {
	daemon  *Daemon
	adapter *MockAdapter
	memory  *memory.Store
	tags    *tagging.Engine
	backend *jsonstore.MemoryBackend
	out     *syncBuffer
}

func newDaemonFixture(t *testing.T, cfg *config.Config) *daemonFixture {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Admins = []string{"U1"}
	}
	adapter := NewMockAdapter()
	adapter.SetBotUserID("BOT")
	adapter.SetConversation(memory.Conversation{
		ID:   "C1",
		Name: "Lobby",
		Type: memory.TypeGroup,
		Users: []memory.User{
			{ChatID: "BOT", FullName: "Bot", IsSelf: true},
			{ChatID: "U1", FullName: "Alice"},
			{ChatID: "U5", FullName: "UNKNOWN"},
		},
	})
	adapter.SetDirectoryUser(memory.User{ChatID: "U5", FullName: "Eve Moneypenny", FirstName: "Eve"})

	backend := jsonstore.NewMemoryBackend([]byte(daemonSnapshot))
	kv := jsonstore.New(jsonstore.Opts{Backend: backend})
	if err := kv.Open(context.Background()); err != nil {
		t.Fatalf("open kv: %v", err)
	}
	queue, err := memory.NewRefetchQueue(memory.RefetchOpts{Directory: adapter})
	if err != nil {
		t.Fatalf("NewRefetchQueue: %v", err)
	}
	store, err := memory.New(memory.Opts{KV: kv, Refetch: queue})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	engine, err := tagging.New(tagging.Opts{Catalog: store})
	if err != nil {
		t.Fatalf("tagging.New: %v", err)
	}
	reg := access.NewRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatal(err)
	}
	res, err := access.NewResolver(access.ResolverOpts{Registry: reg, Policy: cfg, Tags: engine})
	if err != nil {
		t.Fatal(err)
	}
	out := &syncBuffer{}
	d, err := NewDaemon(DaemonOpts{
		Config:   cfg,
		Adapter:  adapter,
		Memory:   store,
		Tags:     engine,
		Resolver: res,
		Out:      out,
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	return &daemonFixture{daemon: d, adapter: adapter, memory: store, tags: engine, backend: backend, out: out}
}

func (f *daemonFixture) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.daemon.Run(ctx)
	}()
	waitFor(t, func() bool {
		return strings.Contains(f.out.String(), "hangupsbot online")
	}, 2*time.Second)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

// ---------------------------------------------------------------------------
// NewDaemon validation tests
// ---------------------------------------------------------------------------

func TestNewDaemon_Validation(t *testing.T) {
	f := newDaemonFixture(t, nil)
	full := DaemonOpts{
		Config:   config.Default(),
		Adapter:  f.adapter,
		Memory:   f.memory,
		Tags:     f.tags,
		Resolver: f.daemon.resolver,
	}
	tests := []struct {
		name  string
		unset func(*DaemonOpts)
	}{
		{"no config", func(o *DaemonOpts) { o.Config = nil }},
		{"no adapter", func(o *DaemonOpts) { o.Adapter = nil }},
		{"no memory", func(o *DaemonOpts) { o.Memory = nil }},
		{"no tags", func(o *DaemonOpts) { o.Tags = nil }},
		{"no resolver", func(o *DaemonOpts) { o.Resolver = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.unset(&opts)
			if _, err := NewDaemon(opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if _, err := NewDaemon(full); err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Run lifecycle tests
// ---------------------------------------------------------------------------

func TestRun_StartupReconcilesMemory(t *testing.T) {
	f := newDaemonFixture(t, nil)
	cancel, done := f.start(t)

	if f.memory.SelfID() != "BOT" {
		t.Errorf("SelfID = %q, want BOT", f.memory.SelfID())
	}

	// Snapshot upgrade ran before the roster.
	if typ, _ := f.memory.ConversationType("C2"); typ != memory.TypeGroup {
		t.Errorf("C2 type = %q, want GROUP", typ)
	}

	// Roster reconciled with the init source; the bot is not a participant.
	rec, ok := f.memory.Conversation("C1")
	if !ok {
		t.Fatal("C1 should be in memory")
	}
	if rec.Source != SourceInit {
		t.Errorf("C1 source = %q, want %q", rec.Source, SourceInit)
	}
	if rec.HasParticipant("BOT") {
		t.Error("bot should not be a participant")
	}

	// The unresolved user was re-fetched and is now definitive.
	ctx, stop := context.WithTimeout(context.Background(), 2*time.Second)
	defer stop()
	if err := f.memory.WaitRefetch(ctx); err != nil {
		t.Fatalf("WaitRefetch: %v", err)
	}
	u5, ok := f.memory.User("U5")
	if !ok || !u5.IsDefinitive || u5.FullName != "Eve Moneypenny" {
		t.Errorf("U5 = %+v, %v", u5, ok)
	}

	cancel()
	waitDone(t, done)

	output := f.out.String()
	for _, want := range []string{"hangupsbot connecting", "hangupsbot shutting down", "hangupsbot stopped"} {
		if !strings.Contains(output, want) {
			t.Errorf("missing %q in output: %s", want, output)
		}
	}
	if !strings.Contains(string(f.backend.Data()), `"C1"`) {
		t.Error("memory should be flushed to the backend on shutdown")
	}
}

func TestRun_HandlesClosed(t *testing.T) {
	f := newDaemonFixture(t, nil)
	cancel, done := f.start(t)
	defer cancel()

	// Close the adapter externally (simulates adapter disconnect).
	f.adapter.Close()
	waitDone(t, done)

	if !strings.Contains(f.out.String(), "inbound channel closed") {
		t.Errorf("missing channel closed message in output: %s", f.out.String())
	}
}

func TestRun_RosterError(t *testing.T) {
	f := newDaemonFixture(t, nil)
	f.adapter.SetRosterError(errors.New("roster unavailable"))

	err := f.daemon.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "roster unavailable") {
		t.Fatalf("Run error = %v, want roster error", err)
	}
}

func TestRun_ConnectError(t *testing.T) {
	f := newDaemonFixture(t, nil)
	f.adapter.Close()
	if err := f.daemon.Run(context.Background()); err == nil {
		t.Fatal("expected connect error on closed adapter")
	}
}

// ---------------------------------------------------------------------------
// Inbound routing tests
// ---------------------------------------------------------------------------

func TestRun_InboundRoutedToRouter(t *testing.T) {
	f := newDaemonFixture(t, nil)
	cancel, done := f.start(t)
	defer func() {
		cancel()
		waitDone(t, done)
	}()

	f.adapter.SimulateInbound(InboundMessage{Platform: "test", ChannelID: "C1", UserID: "U1", Text: "/bot tagset user U1 admin"})
	waitFor(t, func() bool { return f.adapter.SentCount() > 0 }, 2*time.Second)

	last, _ := f.adapter.LastSent()
	if !strings.Contains(last.Text, "Tagged `U1` with `admin`") {
		t.Errorf("reply = %q", last.Text)
	}
	if got := f.tags.UserActive("U1", "C1"); len(got) != 1 || got[0] != "admin" {
		t.Errorf("UserActive = %v", got)
	}
}

func TestRun_BotUserIDFiltering(t *testing.T) {
	f := newDaemonFixture(t, nil)
	cancel, done := f.start(t)

	f.adapter.SimulateInbound(InboundMessage{ChannelID: "C1", UserID: "BOT", Text: "/bot help"})
	f.adapter.SimulateInbound(InboundMessage{ChannelID: "C1", UserID: "U1", Text: "/bot help"})
	waitFor(t, func() bool { return f.adapter.SentCount() > 0 }, 2*time.Second)

	cancel()
	waitDone(t, done)
	if n := f.adapter.SentCount(); n != 1 {
		t.Errorf("SentCount = %d, want 1 (self message ignored)", n)
	}
}

func TestRun_ResyncScheduler_BadCron(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.ResyncCron = "not a cron"
	f := newDaemonFixture(t, cfg)
	cancel, done := f.start(t)
	cancel()
	waitDone(t, done)
	if n := f.adapter.RosterCalls(); n != 1 {
		t.Errorf("RosterCalls = %d, want only the initial one", n)
	}
}

func TestRun_ResyncScheduler_ReconcilesAndRefreshes(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.ResyncCron = "@every 1s"
	f := newDaemonFixture(t, cfg)
	cancel, done := f.start(t)
	defer func() {
		cancel()
		waitDone(t, done)
	}()
	waitFor(t, func() bool { return strings.Contains(f.out.String(), "hangupsbot online") }, 2*time.Second)

	f.adapter.SetConversation(memory.Conversation{
		ID:    "C7",
		Name:  "Ops",
		Type:  memory.TypeGroup,
		Users: []memory.User{{ChatID: "U1", FullName: "Alice"}, {ChatID: "U2", FullName: "Bob"}},
	})
	// Written behind the engine's back; only a refresh brings it into the index.
	if err := f.memory.SetUserTags("U2", []string{"ops"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return f.memory.ConversationExists("C7") }, 4*time.Second)
	waitFor(t, func() bool {
		got := f.tags.UserActive("U2", "C7")
		return len(got) == 1 && got[0] == "ops"
	}, 4*time.Second)
	if n := f.adapter.RosterCalls(); n < 2 {
		t.Errorf("RosterCalls = %d, want the initial call plus a resync", n)
	}
	rec, _ := f.memory.Conversation("C7")
	if rec.Source != SourceResync {
		t.Errorf("C7 source = %q, want %q", rec.Source, SourceResync)
	}
}

func waitFor(t *testing.T, fn func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitFor timed out after %v", timeout)
}
