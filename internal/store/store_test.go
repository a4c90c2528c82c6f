package store

import (
	"io"
	"log"
	"testing"

	"github.com/steveyegge/consolesync/internal/dispatcher"
	"github.com/steveyegge/consolesync/internal/scheduler"
)

type record struct {
	ID   string
	Name string
}

type criteria struct {
	Name string
}

// setupTestStore creates a store on a fresh bus with a manual scheduler.
func setupTestStore(t *testing.T, pageCount int) (*Store[record, criteria], *dispatcher.Dispatcher, *scheduler.Manual) {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	bus := dispatcher.New("test", logger)
	sched := scheduler.NewManual()
	s := New[record, criteria]("users", bus, &Config{
		PageCount: pageCount,
		Scheduler: sched,
		Logger:    logger,
	})
	return s, bus, sched
}

func records(n int) []record {
	out := make([]record, n)
	for i := range out {
		out[i] = record{ID: string(rune('a' + i)), Name: "user"}
	}
	return out
}

func TestNewStoreEmpty(t *testing.T) {
	s, _, _ := setupTestStore(t, 0)

	if s.PageCount() != DefaultPageCount {
		t.Errorf("expected default page count %d, got %d", DefaultPageCount, s.PageCount())
	}
	if s.Records() == nil || len(s.Records()) != 0 {
		t.Errorf("expected empty non-nil snapshot, got %v", s.Records())
	}
	if _, ok := s.Filter(); ok {
		t.Error("new store should have no filter")
	}
	if s.Entity() != "users" {
		t.Errorf("unexpected entity %q", s.Entity())
	}
}

func TestSyncMessageReplacesSnapshot(t *testing.T) {
	s, bus, _ := setupTestStore(t, 10)

	_ = bus.Dispatch(SyncMessage[record]{Entity: "users", Records: records(3), Count: 3})
	if len(s.Records()) != 3 || s.Count() != 3 {
		t.Fatalf("expected 3 records, got %d (count %d)", len(s.Records()), s.Count())
	}

	// Messages for other entities are ignored.
	_ = bus.Dispatch(SyncMessage[record]{Entity: "devices", Records: records(1), Count: 1})
	if len(s.Records()) != 3 {
		t.Errorf("store applied another entity's sync")
	}
}

func TestPaginationClamp(t *testing.T) {
	tests := []struct {
		name     string
		page     int
		count    int
		expected int
	}{
		{name: "in range", page: 1, count: 25, expected: 1},
		{name: "clamped to last page", page: 4, count: 25, expected: 2},
		{name: "exact multiple", page: 3, count: 20, expected: 1},
		{name: "zero count", page: 3, count: 0, expected: 0},
		{name: "negative count", page: 2, count: -1, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := setupTestStore(t, 10)
			s.traverse(tt.page)
			s.sync(records(3), tt.count)

			if s.Page() != tt.expected {
				t.Errorf("expected page %d, got %d", tt.expected, s.Page())
			}
		})
	}
}

func TestSyncIdempotent(t *testing.T) {
	s, _, _ := setupTestStore(t, 10)
	s.traverse(7)

	recs := records(4)
	s.sync(recs, 15)
	page1, count1, len1 := s.Page(), s.Count(), len(s.Records())

	s.sync(recs, 15)
	if s.Page() != page1 || s.Count() != count1 || len(s.Records()) != len1 {
		t.Errorf("second sync changed state: page %d->%d count %d->%d len %d->%d",
			page1, s.Page(), count1, s.Count(), len1, len(s.Records()))
	}
	if page1 != 1 {
		t.Errorf("expected clamp to page 1, got %d", page1)
	}
}

func TestOldSnapshotStable(t *testing.T) {
	s, _, _ := setupTestStore(t, 10)

	input := records(2)
	s.sync(input, 2)
	old := s.Records()

	// Mutating the caller's slice must not leak into the store.
	input[0].Name = "changed"
	if old[0].Name != "user" {
		t.Fatal("store shares memory with the sync payload")
	}

	s.sync([]record{{ID: "z", Name: "new"}}, 1)
	if len(old) != 2 || old[0].ID != "a" || old[1].ID != "b" {
		t.Errorf("old snapshot changed after sync: %v", old)
	}
	if fresh := s.Records(); len(fresh) != 1 || fresh[0].ID != "z" {
		t.Errorf("unexpected new snapshot %v", fresh)
	}

	// Appending to a snapshot must not write into store memory.
	grown := append(old, record{ID: "x"})
	_ = grown
	if len(s.Records()) != 1 {
		t.Error("append to old snapshot affected store")
	}
}

func TestRecordsReturnsCopy(t *testing.T) {
	s, bus, _ := setupTestStore(t, 10)

	_ = bus.Dispatch(SyncMessage[record]{Entity: "users", Records: records(2), Count: 2})

	got := s.Records()
	got[0] = record{ID: "mutated"}
	_ = append(got[:1], record{ID: "appended"})

	if fresh := s.Records(); fresh[0].ID != "a" || fresh[1].ID != "b" {
		t.Errorf("writing to a returned slice changed the store: %v", fresh)
	}
}

func TestTraverseAndFilterDoNotTouchRecords(t *testing.T) {
	s, bus, _ := setupTestStore(t, 10)
	s.sync(records(3), 30)

	_ = bus.Dispatch(TraverseMessage{Entity: "users", Page: 2})
	_ = bus.Dispatch(FilterMessage[criteria]{Entity: "users", Filter: &criteria{Name: "bob"}})

	if s.Page() != 2 {
		t.Errorf("expected page 2, got %d", s.Page())
	}
	f, ok := s.Filter()
	if !ok || f.Name != "bob" {
		t.Errorf("expected filter bob, got %+v (%v)", f, ok)
	}
	if len(s.Records()) != 3 {
		t.Errorf("traverse/filter changed records")
	}

	_ = bus.Dispatch(FilterMessage[criteria]{Entity: "users"})
	if _, ok := s.Filter(); ok {
		t.Error("nil filter should clear criteria")
	}
}

func TestChangeEmissionDeferredAndCoalesced(t *testing.T) {
	s, _, sched := setupTestStore(t, 10)

	calls := 0
	s.AddChangeListener(func() { calls++ })

	s.sync(records(1), 1)
	s.traverse(0)
	s.sync(records(2), 2)

	if calls != 0 {
		t.Fatalf("change emitted inline (%d calls)", calls)
	}

	// A listener added in the same tick is still notified.
	late := 0
	s.AddChangeListener(func() { late++ })

	sched.Settle()
	if calls != 1 || late != 1 {
		t.Errorf("expected one coalesced notification each, got %d and %d", calls, late)
	}

	s.sync(records(1), 1)
	sched.Settle()
	if calls != 2 {
		t.Errorf("expected notification for later change, got %d", calls)
	}
}

func TestEmitDuringEmitSchedulesAgain(t *testing.T) {
	s, _, sched := setupTestStore(t, 10)

	calls := 0
	s.AddChangeListener(func() {
		calls++
		if calls == 1 {
			s.traverse(1)
		}
	})

	s.sync(records(1), 20)
	sched.Settle()
	if calls != 2 {
		t.Errorf("mutation inside listener should produce another notification, got %d", calls)
	}
}

func TestRemoveChangeListener(t *testing.T) {
	s, _, sched := setupTestStore(t, 10)

	calls := 0
	id := s.AddChangeListener(func() { calls++ })
	s.AddChangeListener(func() { panic("listener failure") })
	s.RemoveChangeListener(id)
	s.RemoveChangeListener(999)

	s.sync(records(1), 1)
	sched.Settle()
	if calls != 0 {
		t.Errorf("removed listener called %d times", calls)
	}
}

func TestSecretLifecycle(t *testing.T) {
	s, bus, _ := setupTestStore(t, 10)

	_ = bus.Dispatch(SecretMessage{Entity: "users", Secret: Secret{ID: "u1", Value: "otp"}})
	sec, ok := s.Secret()
	if !ok || sec.Value != "otp" || sec.ID != "u1" {
		t.Fatalf("expected secret, got %+v (%v)", sec, ok)
	}

	_ = bus.Dispatch(ClearSecretMessage{Entity: "devices"})
	if _, ok := s.Secret(); !ok {
		t.Error("other entity's clear removed secret")
	}

	_ = bus.Dispatch(ClearSecretMessage{Entity: "users"})
	if _, ok := s.Secret(); ok {
		t.Error("secret should be cleared")
	}
}

func TestDetach(t *testing.T) {
	s, bus, _ := setupTestStore(t, 10)
	s.Detach()

	_ = bus.Dispatch(SyncMessage[record]{Entity: "users", Records: records(2), Count: 2})
	if len(s.Records()) != 0 {
		t.Error("detached store applied message")
	}
}

func TestKinds(t *testing.T) {
	cases := map[string]dispatcher.Message{
		"users.sync":         SyncMessage[record]{Entity: "users"},
		"users.traverse":     TraverseMessage{Entity: "users"},
		"users.filter":       FilterMessage[criteria]{Entity: "users"},
		"users.changeSecret": SecretMessage{Entity: "users"},
		"users.clearSecret":  ClearSecretMessage{Entity: "users"},
	}
	for want, msg := range cases {
		if msg.Kind() != want {
			t.Errorf("expected kind %s, got %s", want, msg.Kind())
		}
	}
}
