package jsonstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestSetGet_CreatesIntermediateObjects(t *testing.T) {
	s := New(Opts{})
	if err := s.Set([]string{"convmem", "C1", "title"}, "Room"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get([]string{"convmem", "C1", "title"})
	if !ok || v != "Room" {
		t.Errorf("Get = %v, %v, want Room, true", v, ok)
	}
	if !s.Exists([]string{"convmem", "C1"}) {
		t.Error("intermediate object should exist")
	}
	if !s.Dirty() {
		t.Error("Set should mark the store dirty")
	}
}

func TestSet_NormalizesStructs(t *testing.T) {
	type rec struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Tags  []string `json:"tags"`
	}
	s := New(Opts{})
	if err := s.Set([]string{"r"}, rec{Name: "a", Count: 2, Tags: []string{"x"}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _ := s.Get([]string{"r"})
	want := map[string]any{"name": "a", "count": float64(2), "tags": []any{"x"}}
	if !reflect.DeepEqual(v, want) {
		t.Errorf("Get = %#v, want %#v", v, want)
	}

	var back rec
	if err := s.Decode([]string{"r"}, &back); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if back.Name != "a" || back.Count != 2 || len(back.Tags) != 1 {
		t.Errorf("Decode = %+v", back)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := New(Opts{})
	s.Set([]string{"list"}, []string{"a"})
	v, _ := s.Get([]string{"list"})
	v.([]any)[0] = "mutated"
	again, _ := s.Get([]string{"list"})
	if again.([]any)[0] != "a" {
		t.Error("mutating a Get result changed the document")
	}
}

func TestSet_ThroughScalarFails(t *testing.T) {
	s := New(Opts{})
	s.Set([]string{"a"}, "scalar")
	err := s.Set([]string{"a", "b"}, 1)
	if !errors.Is(err, ErrNotObject) {
		t.Errorf("err = %v, want ErrNotObject", err)
	}
}

func TestSet_RootMustBeObject(t *testing.T) {
	s := New(Opts{})
	if err := s.Set(nil, "x"); !errors.Is(err, ErrNotObject) {
		t.Errorf("err = %v, want ErrNotObject", err)
	}
	if err := s.Set(nil, map[string]any{"k": "v"}); err != nil {
		t.Fatalf("Set root: %v", err)
	}
	if v, _ := s.Get([]string{"k"}); v != "v" {
		t.Errorf("k = %v, want v", v)
	}
}

func TestDecode_Missing(t *testing.T) {
	s := New(Opts{})
	var v string
	if err := s.Decode([]string{"nope"}, &v); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPop(t *testing.T) {
	s := New(Opts{})
	s.Set([]string{"a", "b"}, "x")
	s.Flush(context.Background())

	v, ok := s.Pop([]string{"a", "b"})
	if !ok || v != "x" {
		t.Errorf("Pop = %v, %v, want x, true", v, ok)
	}
	if s.Exists([]string{"a", "b"}) {
		t.Error("value should be gone after Pop")
	}
	if !s.Dirty() {
		t.Error("Pop should mark dirty")
	}
	if _, ok := s.Pop([]string{"a", "b"}); ok {
		t.Error("second Pop should report missing")
	}
	if _, ok := s.Pop([]string{"x", "y"}); ok {
		t.Error("Pop through missing parent should report missing")
	}
}

func TestKeys_Sorted(t *testing.T) {
	s := New(Opts{})
	for _, k := range []string{"c", "a", "b"} {
		s.Set([]string{"m", k}, true)
	}
	if got := s.Keys([]string{"m"}); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Keys = %v, want [a b c]", got)
	}
	if got := s.Keys([]string{"missing"}); got != nil {
		t.Errorf("Keys(missing) = %v, want nil", got)
	}
}

func TestEnsurePath(t *testing.T) {
	s := New(Opts{})
	if err := s.EnsurePath([]string{"user_data", "U1"}); err != nil {
		t.Fatalf("EnsurePath: %v", err)
	}
	if !s.Exists([]string{"user_data", "U1"}) {
		t.Error("EnsurePath should create the path")
	}
	s.Set([]string{"user_data", "U1", "tags"}, []string{"x"})
	s.EnsurePath([]string{"user_data", "U1"})
	if !s.Exists([]string{"user_data", "U1", "tags"}) {
		t.Error("EnsurePath must not clobber existing values")
	}
}

// ----------------------------------------------------------------------------
// Persistence
// ----------------------------------------------------------------------------

func TestSave_SkipsWhenClean(t *testing.T) {
	b := NewMemoryBackend(nil)
	s := New(Opts{Backend: b})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if b.Stores() != 0 {
		t.Errorf("Stores = %d, want 0 for a clean document", b.Stores())
	}
	s.Set([]string{"k"}, 1)
	s.Save()
	s.Save()
	if b.Stores() != 1 {
		t.Errorf("Stores = %d, want 1", b.Stores())
	}
}

func TestSave_Debounced(t *testing.T) {
	b := NewMemoryBackend(nil)
	s := New(Opts{Backend: b, SaveDelay: 20 * time.Millisecond})
	for i := 0; i < 5; i++ {
		s.Set([]string{"k"}, i)
		s.Save()
	}
	if b.Stores() != 0 {
		t.Fatalf("Stores = %d before delay, want 0", b.Stores())
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.Stores() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Stores() != 1 {
		t.Errorf("Stores = %d, want 1 coalesced write", b.Stores())
	}
	if !strings.Contains(string(b.Data()), `"k": 4`) {
		t.Errorf("stored data = %s, want last value", b.Data())
	}
}

func TestClose_FlushesPending(t *testing.T) {
	b := NewMemoryBackend(nil)
	s := New(Opts{Backend: b, SaveDelay: time.Hour})
	s.Set([]string{"k"}, "v")
	s.Save()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if b.Stores() != 1 {
		t.Errorf("Stores = %d, want 1", b.Stores())
	}
	if s.Dirty() {
		t.Error("store should be clean after Close")
	}
}

func TestOpen_RoundTrip(t *testing.T) {
	b := NewMemoryBackend(nil)
	s := New(Opts{Backend: b})
	s.Set([]string{"convmem", "C1", "title"}, "Room")
	s.Save()

	s2 := New(Opts{Backend: b})
	if err := s2.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if v, _ := s2.Get([]string{"convmem", "C1", "title"}); v != "Room" {
		t.Errorf("title = %v, want Room", v)
	}
	if s2.Dirty() {
		t.Error("freshly opened store should be clean")
	}
}

func TestOpen_Empty(t *testing.T) {
	s := New(Opts{Backend: NewMemoryBackend(nil)})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if keys := s.Keys(nil); len(keys) != 0 {
		t.Errorf("Keys = %v, want empty", keys)
	}
}

func TestOpen_Malformed(t *testing.T) {
	s := New(Opts{Backend: NewMemoryBackend([]byte("{not json"))})
	err := s.Open(context.Background())
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !strings.Contains(err.Error(), "jsonstore: open: decode") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestFileBackend_RoundTripAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memory.json")
	fb := FileBackend{Path: path}

	data, err := fb.Load(context.Background())
	if err != nil || data != nil {
		t.Fatalf("Load missing = %q, %v, want nil, nil", data, err)
	}

	s := New(Opts{Backend: fb})
	s.Set([]string{"user_data", "U1", "tags"}, []string{"admin"})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the memory file", len(entries))
	}

	hand := "{\n  // edited by hand\n  \"convmem\": {\"C1\": {\"title\": \"Room\",},},\n}\n"
	if err := os.WriteFile(path, []byte(hand), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	s2 := New(Opts{Backend: fb})
	if err := s2.Open(context.Background()); err != nil {
		t.Fatalf("Open jsonc: %v", err)
	}
	if v, _ := s2.Get([]string{"convmem", "C1", "title"}); v != "Room" {
		t.Errorf("title = %v, want Room", v)
	}
}
