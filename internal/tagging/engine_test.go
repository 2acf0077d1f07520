package tagging

import (
	"errors"
	"net/http/httptest"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hangoutsbot/hangoutsbot-sub000/internal/jsonstore"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/memory"
	"github.com/hangoutsbot/hangoutsbot-sub000/internal/metrics"
)

// newTestEngine returns an engine over a memory store holding:
//
//	C1 GROUP      participants U1 U2 U3
//	C2 GROUP      participants U1
//	D1 ONE_TO_ONE participant  U1
func newTestEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	kv := jsonstore.New(jsonstore.Opts{})
	store, err := memory.New(memory.Opts{KV: kv, SelfID: "BOT"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	u1 := memory.User{ChatID: "U1", FullName: "One"}
	u2 := memory.User{ChatID: "U2", FullName: "Two"}
	u3 := memory.User{ChatID: "U3", FullName: "Three"}
	store.ReconcileConversation(memory.Conversation{ID: "C1", Name: "Lobby", Type: memory.TypeGroup, Users: []memory.User{u1, u2, u3}}, "init")
	store.ReconcileConversation(memory.Conversation{ID: "C2", Name: "Side", Type: memory.TypeGroup, Users: []memory.User{u1}}, "init")
	store.ReconcileConversation(memory.Conversation{ID: "D1", Type: memory.TypeOneToOne, Users: []memory.User{u1}}, "init")

	e, err := New(Opts{Catalog: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Refresh()
	return e, store
}

func mustAdd(t *testing.T, e *Engine, kind Kind, id, tag string) {
	t.Helper()
	if _, err := e.Add(kind, id, tag); err != nil {
		t.Fatalf("Add(%v, %q, %q): %v", kind, id, tag, err)
	}
}

func TestNew_RequiresCatalog(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error without catalog")
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"conv": KindConversation, "user": KindUser, "convuser": KindConversationUser, "conversation_user": KindConversationUser} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v, want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("group"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParseKind(group) err = %v, want ErrUnknownKind", err)
	}
	if _, err := ParsePurgeKind("usertag"); err != nil {
		t.Errorf("ParsePurgeKind(usertag): %v", err)
	}
	if _, err := ParsePurgeKind("everything"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("ParsePurgeKind(everything) err = %v", err)
	}
}

// ----------------------------------------------------------------------------
// Add / Remove
// ----------------------------------------------------------------------------

func TestAdd_Idempotent(t *testing.T) {
	e, store := newTestEngine(t)

	changed, err := e.Add(KindUser, "U1", "admin")
	if err != nil || !changed {
		t.Fatalf("first Add = %v, %v, want true, nil", changed, err)
	}
	changed, err = e.Add(KindUser, "U1", "admin")
	if err != nil || changed {
		t.Fatalf("second Add = %v, %v, want false, nil", changed, err)
	}
	if got := store.UserTags("U1"); !reflect.DeepEqual(got, []string{"admin"}) {
		t.Errorf("stored tags = %v, want [admin]", got)
	}
	idx := e.Indices()
	if !reflect.DeepEqual(idx.UserTags["U1"], []string{"admin"}) {
		t.Errorf("UserTags[U1] = %v", idx.UserTags["U1"])
	}
	if !reflect.DeepEqual(idx.TagUsers["admin"], []string{"U1"}) {
		t.Errorf("TagUsers[admin] = %v", idx.TagUsers["admin"])
	}
}

func TestAdd_NormalizesCase(t *testing.T) {
	e, store := newTestEngine(t)
	mustAdd(t, e, KindConversation, "C1", "Lobby.Staff")
	if got := store.ConversationTags("C1"); !reflect.DeepEqual(got, []string{"lobby.staff"}) {
		t.Errorf("stored = %v, want [lobby.staff]", got)
	}
	if changed, _ := e.Add(KindConversation, "C1", "LOBBY.STAFF"); changed {
		t.Error("case variant should already be present")
	}
}

func TestAdd_Validation(t *testing.T) {
	e, _ := newTestEngine(t)
	tests := []struct {
		name string
		kind Kind
		id   string
		tag  string
		want error
	}{
		{"bad char", KindUser, "U1", "a b", ErrInvalidTag},
		{"empty tag", KindUser, "U1", "", ErrInvalidTag},
		{"unknown user", KindUser, "U404", "x", ErrUnknownUser},
		{"unknown conversation", KindConversation, "C404", "x", ErrUnknownConversation},
		{"convuser without pipe", KindConversationUser, "C1", "x", ErrInvalidID},
		{"convuser extra pipe", KindConversationUser, "C1|U1|U2", "x", ErrInvalidID},
		{"convuser unknown conv", KindConversationUser, "C404|U1", "x", ErrUnknownConversation},
		{"convuser unknown user", KindConversationUser, "C1|U404", "x", ErrUnknownUser},
		{"empty user id", KindUser, "", "x", ErrInvalidID},
		{"unknown kind", Kind(42), "U1", "x", ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, err := e.Add(tt.kind, tt.id, tt.tag)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if changed {
				t.Error("invalid Add reported changed")
			}
		})
	}
	idx := e.Indices()
	if len(idx.UserTags)+len(idx.ConvTags) != 0 {
		t.Errorf("failed validation touched the index: %+v", idx)
	}
}

func TestAdd_WildcardsAccepted(t *testing.T) {
	e, _ := newTestEngine(t)
	for _, c := range []struct {
		kind Kind
		id   string
	}{
		{KindUser, "*"},
		{KindConversation, "*"},
		{KindConversation, "GROUP"},
		{KindConversation, "ONE_TO_ONE"},
		{KindConversationUser, "C1|*"},
		{KindConversationUser, "GROUP|U1"},
		{KindConversationUser, "ONE_TO_ONE|*"},
	} {
		if _, err := e.Add(c.kind, c.id, "x"); err != nil {
			t.Errorf("Add(%v, %q): %v", c.kind, c.id, err)
		}
	}
}

func TestAdd_DenyPrefixCharacterAllowed(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.Add(KindUser, "U1", "!muted"); err != nil {
		t.Errorf("deny-prefixed tag rejected: %v", err)
	}
	custom, _ := New(Opts{Catalog: e.cat, DenyPrefix: "~"})
	if _, err := custom.Add(KindUser, "U1", "!muted2"); !errors.Is(err, ErrInvalidTag) {
		t.Errorf("'!' should be invalid with deny prefix '~', got %v", err)
	}
	if _, err := custom.Add(KindUser, "U1", "~muted"); err != nil {
		t.Errorf("custom deny prefix rejected: %v", err)
	}
}

func TestRemove(t *testing.T) {
	e, store := newTestEngine(t)
	mustAdd(t, e, KindConversationUser, "C1|U2", "botkeeper")

	removed, err := e.Remove(KindConversationUser, "C1|U2", "botkeeper")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v, want true, nil", removed, err)
	}
	removed, err = e.Remove(KindConversationUser, "C1|U2", "botkeeper")
	if err != nil || removed {
		t.Fatalf("second Remove = %v, %v, want false, nil", removed, err)
	}
	if got := store.ConversationUserTags("C1", "U2"); len(got) != 0 {
		t.Errorf("stored = %v, want none", got)
	}
	idx := e.Indices()
	if _, ok := idx.UserTags["C1|U2"]; ok {
		t.Error("empty index entry should be pruned")
	}
	if _, ok := idx.TagUsers["botkeeper"]; ok {
		t.Error("empty reverse index entry should be pruned")
	}
	if _, err := e.Remove(KindUser, "U1", "bad tag"); !errors.Is(err, ErrInvalidTag) {
		t.Errorf("Remove invalid tag err = %v", err)
	}
}

func TestChanges_CountedInMetrics(t *testing.T) {
	_, store := newTestEngine(t)
	m := metrics.New()
	e, err := New(Opts{Catalog: store, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	e.Refresh()
	mustAdd(t, e, KindUser, "U1", "a")
	mustAdd(t, e, KindUser, "U2", "a")
	mustAdd(t, e, KindUser, "U2", "a") // unchanged, not counted
	if _, err := e.Remove(KindUser, "U1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Purge(PurgeTag, "a"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`hangupsbot_tagging_changes_total{action="add",kind="user"} 2`,
		`hangupsbot_tagging_changes_total{action="remove",kind="user"} 1`,
		`hangupsbot_tagging_changes_total{action="purge",kind="tag"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

// stallingCatalog holds Refresh between reading the user tags and
// building the index.
type stallingCatalog struct {
	*memory.Store
	read    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *stallingCatalog) TaggedUsers() map[string][]string {
	tags := c.Store.TaggedUsers()
	c.once.Do(func() {
		close(c.read)
		<-c.release
	})
	return tags
}

func TestRefresh_ConcurrentAddKept(t *testing.T) {
	_, store := newTestEngine(t)
	cat := &stallingCatalog{Store: store, read: make(chan struct{}), release: make(chan struct{})}
	e, err := New(Opts{Catalog: cat})
	if err != nil {
		t.Fatal(err)
	}

	refreshed := make(chan struct{})
	go func() {
		e.Refresh()
		close(refreshed)
	}()
	<-cat.read

	added := make(chan error, 1)
	go func() {
		_, err := e.Add(KindUser, "U1", "botkeeper")
		added <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(cat.release)
	<-refreshed
	if err := <-added; err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got := store.UserTags("U1"); !reflect.DeepEqual(got, []string{"botkeeper"}) {
		t.Fatalf("stored = %v, want [botkeeper]", got)
	}
	if got := e.UserActive("U1", "*"); !reflect.DeepEqual(got, []string{"botkeeper"}) {
		t.Errorf("UserActive = %v, want [botkeeper]", got)
	}
	if got := e.Indices().UserTags["U1"]; !reflect.DeepEqual(got, []string{"botkeeper"}) {
		t.Errorf("index = %v, want [botkeeper]", got)
	}
}

func TestRefresh_MatchesIncrementalIndex(t *testing.T) {
	e, _ := newTestEngine(t)
	ops := []struct {
		add  bool
		kind Kind
		id   string
		tag  string
	}{
		{true, KindUser, "U1", "admin"},
		{true, KindUser, "U2", "admin"},
		{true, KindUser, "*", "member"},
		{true, KindConversation, "C1", "lobby"},
		{true, KindConversation, "GROUP", "group"},
		{true, KindConversationUser, "C1|U2", "botkeeper"},
		{true, KindConversationUser, "C1|*", "guest"},
		{false, KindUser, "U1", "admin"},
		{true, KindUser, "U1", "mod"},
		{false, KindConversation, "C1", "lobby"},
		{true, KindConversation, "C1", "quiet"},
		{false, KindConversationUser, "C1|*", "guest"},
		{false, KindUser, "U3", "never-added"},
	}
	for _, op := range ops {
		var err error
		if op.add {
			_, err = e.Add(op.kind, op.id, op.tag)
		} else {
			_, err = e.Remove(op.kind, op.id, op.tag)
		}
		if err != nil {
			t.Fatalf("op %+v: %v", op, err)
		}
	}
	incremental := e.Indices()
	e.Refresh()
	rebuilt := e.Indices()
	if !reflect.DeepEqual(incremental, rebuilt) {
		t.Errorf("incremental = %+v\nrebuilt     = %+v", incremental, rebuilt)
	}
}

// ----------------------------------------------------------------------------
// Purge
// ----------------------------------------------------------------------------

func seedPurge(t *testing.T) *Engine {
	t.Helper()
	e, _ := newTestEngine(t)
	mustAdd(t, e, KindUser, "U1", "admin")
	mustAdd(t, e, KindUser, "U1", "mod")
	mustAdd(t, e, KindUser, "U2", "mod")
	mustAdd(t, e, KindConversationUser, "C1|U2", "mod")
	mustAdd(t, e, KindConversationUser, "C1|U3", "guest")
	mustAdd(t, e, KindConversation, "C1", "mod")
	mustAdd(t, e, KindConversation, "C2", "quiet")
	return e
}

func TestPurge(t *testing.T) {
	tests := []struct {
		name  string
		kind  PurgeKind
		id    string
		count int
	}{
		{"one user", PurgeUser, "U1", 2},
		{"all users", PurgeUser, "ALL", 3},
		{"one convuser", PurgeConversationUser, "C1|U2", 1},
		{"all convusers", PurgeConversationUser, "ALL", 2},
		{"one conversation", PurgeConversation, "C1", 1},
		{"all conversations", PurgeConversation, "ALL", 2},
		{"tag everywhere", PurgeTag, "mod", 4},
		{"tag on users", PurgeUserTag, "mod", 3},
		{"tag on conversations", PurgeConversationTag, "mod", 1},
		{"everything", PurgeTag, "ALL", 7},
		{"nothing matches", PurgeUser, "U404", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := seedPurge(t)
			n, err := e.Purge(tt.kind, tt.id)
			if err != nil {
				t.Fatalf("Purge: %v", err)
			}
			if n != tt.count {
				t.Errorf("Purge(%v, %q) = %d, want %d", tt.kind, tt.id, n, tt.count)
			}
			incremental := e.Indices()
			e.Refresh()
			if !reflect.DeepEqual(incremental, e.Indices()) {
				t.Error("index diverged from storage after purge")
			}
		})
	}
}

func TestPurge_Errors(t *testing.T) {
	e := seedPurge(t)
	if _, err := e.Purge(PurgeUser, ""); !errors.Is(err, ErrInvalidID) {
		t.Errorf("empty id err = %v", err)
	}
	if _, err := e.Purge(PurgeKind(99), "U1"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("unknown kind err = %v", err)
	}
}

// ----------------------------------------------------------------------------
// Resolution
// ----------------------------------------------------------------------------

func TestUserActive_MostSpecificLevelWins(t *testing.T) {
	e, _ := newTestEngine(t)
	mustAdd(t, e, KindConversationUser, "C1|U2", "convuser")
	mustAdd(t, e, KindConversationUser, "C1|*", "convall")
	mustAdd(t, e, KindUser, "U2", "global")
	mustAdd(t, e, KindUser, "*", "everyone")

	if got := e.UserActive("U2", "C1"); !reflect.DeepEqual(got, []string{"convuser"}) {
		t.Errorf("UserActive(U2, C1) = %v, want [convuser]", got)
	}
	if got := e.UserActive("U3", "C1"); !reflect.DeepEqual(got, []string{"convall"}) {
		t.Errorf("UserActive(U3, C1) = %v, want [convall]", got)
	}
	if got := e.UserActive("U2", "C2"); !reflect.DeepEqual(got, []string{"global"}) {
		t.Errorf("UserActive(U2, C2) = %v, want [global]", got)
	}
	if got := e.UserActive("U3", "*"); !reflect.DeepEqual(got, []string{"everyone"}) {
		t.Errorf("UserActive(U3, *) = %v, want [everyone]", got)
	}
	if got := e.UserActive("U2", ""); !reflect.DeepEqual(got, []string{"global"}) {
		t.Errorf("UserActive(U2, \"\") = %v, want [global]", got)
	}
}

func TestUserActive_TypeScopes(t *testing.T) {
	e, _ := newTestEngine(t)
	mustAdd(t, e, KindConversationUser, "GROUP|U1", "groupuser")
	mustAdd(t, e, KindConversationUser, "ONE_TO_ONE|*", "dm")
	mustAdd(t, e, KindUser, "U1", "global")

	if got := e.UserActive("U1", "C1"); !reflect.DeepEqual(got, []string{"groupuser"}) {
		t.Errorf("UserActive(U1, C1) = %v, want [groupuser]", got)
	}
	if got := e.UserActive("U1", "D1"); !reflect.DeepEqual(got, []string{"dm"}) {
		t.Errorf("UserActive(U1, D1) = %v, want [dm]", got)
	}
	if got := e.UserActive("U1", "GROUP"); !reflect.DeepEqual(got, []string{"groupuser"}) {
		t.Errorf("UserActive(U1, GROUP) = %v, want [groupuser]", got)
	}
}

func TestUserActive_MergeSentinel(t *testing.T) {
	e, _ := newTestEngine(t)
	mustAdd(t, e, KindConversationUser, "C1|U2", "convuser")
	mustAdd(t, e, KindConversationUser, "C1|U2", MergeTag)
	mustAdd(t, e, KindConversationUser, "C1|*", "convall")
	mustAdd(t, e, KindUser, "U2", "global")
	mustAdd(t, e, KindUser, "*", "everyone")

	want := []string{"convall", "convuser", MergeTag}
	if got := e.UserActive("U2", "C1"); !reflect.DeepEqual(got, want) {
		t.Errorf("UserActive = %v, want %v", got, want)
	}

	mustAdd(t, e, KindConversationUser, "C1|*", MergeTag)
	want = []string{"convall", "convuser", "global", MergeTag}
	if got := e.UserActive("U2", "C1"); !reflect.DeepEqual(got, want) {
		t.Errorf("chained merge = %v, want %v", got, want)
	}
}

func TestUserActive_MergeSkipsEmptyLevels(t *testing.T) {
	e, _ := newTestEngine(t)
	mustAdd(t, e, KindConversationUser, "C1|U2", MergeTag)
	mustAdd(t, e, KindUser, "U2", "global")
	mustAdd(t, e, KindUser, "*", "everyone")

	want := []string{"global", MergeTag}
	if got := e.UserActive("U2", "C1"); !reflect.DeepEqual(got, want) {
		t.Errorf("UserActive = %v, want %v", got, want)
	}
}

func TestUserActive_Unknown(t *testing.T) {
	e, _ := newTestEngine(t)
	mustAdd(t, e, KindUser, "*", "everyone")
	mustAdd(t, e, KindConversation, "*", "everywhere")
	if got := e.UserActive("U404", "C1"); len(got) != 0 {
		t.Errorf("unknown user = %v, want empty", got)
	}
	if got := e.UserActive("U1", "C404"); !reflect.DeepEqual(got, []string{"everyone"}) {
		t.Errorf("unknown conversation = %v, want global levels only", got)
	}
	mustAdd(t, e, KindUser, "U1", "own")
	if got := e.UserActive("U1", "C404"); !reflect.DeepEqual(got, []string{"own"}) {
		t.Errorf("unknown conversation = %v, want the user's global tags", got)
	}
	if got := e.ConvActive("C404"); len(got) != 0 {
		t.Errorf("ConvActive(unknown) = %v, want empty even with a * default", got)
	}
}

func TestConvActive(t *testing.T) {
	e, _ := newTestEngine(t)
	mustAdd(t, e, KindConversation, "*", "everywhere")
	mustAdd(t, e, KindConversation, "GROUP", "grouped")
	mustAdd(t, e, KindConversation, "C2", "side")

	if got := e.ConvActive("C2"); !reflect.DeepEqual(got, []string{"side"}) {
		t.Errorf("ConvActive(C2) = %v", got)
	}
	if got := e.ConvActive("C1"); !reflect.DeepEqual(got, []string{"grouped"}) {
		t.Errorf("ConvActive(C1) = %v", got)
	}
	if got := e.ConvActive("D1"); !reflect.DeepEqual(got, []string{"everywhere"}) {
		t.Errorf("ConvActive(D1) = %v", got)
	}
	if got := e.ConvActive("C404"); len(got) != 0 {
		t.Errorf("ConvActive(C404) = %v, want empty", got)
	}

	mustAdd(t, e, KindConversation, "C2", MergeTag)
	want := []string{"grouped", "side", MergeTag}
	if got := e.ConvActive("C2"); !reflect.DeepEqual(got, want) {
		t.Errorf("merged ConvActive(C2) = %v, want %v", got, want)
	}
}

func TestUserList(t *testing.T) {
	e, _ := newTestEngine(t)
	mustAdd(t, e, KindUser, "U1", "admin")
	mustAdd(t, e, KindUser, "U1", "mod")
	mustAdd(t, e, KindConversationUser, "C1|U2", "mod")

	all := e.UserList("C1", nil)
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if !reflect.DeepEqual(ids, []string{"U1", "U2", "U3"}) {
		t.Errorf("UserList ids = %v", ids)
	}
	if len(all["U3"]) != 0 {
		t.Errorf("U3 tags = %v, want none", all["U3"])
	}

	mods := e.UserList("C1", []string{"mod"})
	if len(mods) != 2 {
		t.Errorf("mods = %v, want U1 and U2", mods)
	}
	both := e.UserList("C1", []string{"mod", "admin"})
	if _, ok := both["U1"]; !ok || len(both) != 1 {
		t.Errorf("mod+admin = %v, want only U1", both)
	}
	if got := e.UserList("C404", nil); len(got) != 0 {
		t.Errorf("unknown conversation = %v", got)
	}
}

func TestSuperset(t *testing.T) {
	if !Superset([]string{"a", "b"}, []string{"a"}) {
		t.Error("[a b] ⊇ [a]")
	}
	if !Superset([]string{"a"}, nil) {
		t.Error("anything ⊇ empty")
	}
	if Superset([]string{"a"}, []string{"a", "b"}) {
		t.Error("[a] ⊉ [a b]")
	}
}
