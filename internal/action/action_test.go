package action

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/consolesync/internal/dispatcher"
	"github.com/steveyegge/consolesync/internal/loader"
	"github.com/steveyegge/consolesync/internal/store"
	"github.com/steveyegge/consolesync/internal/transport"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type userFilter struct {
	Name string
}

type reply struct {
	raw json.RawMessage
	err error
}

// call is one request parked in the fake transport until the test replies.
type call struct {
	ctx   context.Context
	req   transport.Request
	reply chan reply
}

func (c *call) respond(raw string, err error) {
	var body json.RawMessage
	if raw != "" {
		body = json.RawMessage(raw)
	}
	c.reply <- reply{raw: body, err: err}
}

// fakeTransport parks every request until the test answers it. With
// ignoreCancel set it keeps waiting after the call context is cancelled,
// like a transport that still reports a late event after an abort.
type fakeTransport struct {
	calls        chan *call
	ignoreCancel bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{calls: make(chan *call, 16)}
}

func (f *fakeTransport) Do(ctx context.Context, req transport.Request) (json.RawMessage, error) {
	c := &call{ctx: ctx, req: req, reply: make(chan reply, 1)}
	f.calls <- c

	if f.ignoreCancel {
		r := <-c.reply
		return r.raw, r.err
	}
	select {
	case r := <-c.reply:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-f.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for request")
		return nil
	}
}

type harness struct {
	action    *Action[user, userFilter]
	store     *store.Store[user, userFilter]
	bus       *dispatcher.Dispatcher
	loader    *loader.Loader
	transport *fakeTransport

	mu        sync.Mutex
	syncs     int
	alerts    []string
	redirects int
}

func (h *harness) alertCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.alerts)
}

func (h *harness) syncCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.syncs
}

// setupHarness wires an action module against a parked fake transport.
func setupHarness(t *testing.T) *harness {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	h := &harness{
		bus:       dispatcher.New("test", logger),
		loader:    loader.New(logger),
		transport: newFakeTransport(),
	}
	h.store = store.New[user, userFilter]("users", h.bus, &store.Config{PageCount: 10, Logger: logger})
	h.bus.Register(func(msg dispatcher.Message) {
		if _, ok := msg.(store.SyncMessage[user]); ok {
			h.mu.Lock()
			h.syncs++
			h.mu.Unlock()
		}
	})

	a, err := New(&Config[user, userFilter]{
		Entity:    "users",
		Requester: h.transport,
		Bus:       h.bus,
		Loader:    h.loader,
		Store:     h.store,
		IDOf:      func(u user) string { return u.ID },
		FilterQuery: func(f userFilter) url.Values {
			return url.Values{"name": {f.Name}}
		},
		SecretOf: func(raw json.RawMessage) (store.Secret, bool) {
			var body struct {
				ID     string `json:"id"`
				Secret string `json:"otp_secret"`
			}
			if err := json.Unmarshal(raw, &body); err != nil || body.Secret == "" {
				return store.Secret{}, false
			}
			return store.Secret{ID: body.ID, Value: body.Secret}, true
		},
		Alerter: AlerterFunc(func(msg string) {
			h.mu.Lock()
			h.alerts = append(h.alerts, msg)
			h.mu.Unlock()
		}),
		Redirector: RedirectorFunc(func() {
			h.mu.Lock()
			h.redirects++
			h.mu.Unlock()
		}),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("failed to create action: %v", err)
	}
	h.action = a
	return h
}

func goSync(h *harness) chan error {
	done := make(chan error, 1)
	go func() { done <- h.action.Sync(context.Background()) }()
	return done
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for operation")
		return nil
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New[user, userFilter](nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := New(&Config[user, userFilter]{}); err == nil {
		t.Error("expected error for empty entity")
	}
	if _, err := New(&Config[user, userFilter]{Entity: "users"}); err == nil {
		t.Error("expected error for missing requester")
	}
}

func TestSyncApplies(t *testing.T) {
	h := setupHarness(t)

	done := goSync(h)
	c := h.transport.next(t)
	if c.req.Method != http.MethodGet || c.req.Path != "/users" {
		t.Errorf("unexpected request %s %s", c.req.Method, c.req.Path)
	}
	if c.req.Query.Get("page") != "0" || c.req.Query.Get("page_count") != "10" {
		t.Errorf("unexpected query %v", c.req.Query)
	}
	if h.loader.Pending() != 1 {
		t.Errorf("expected loader busy during request, got %d", h.loader.Pending())
	}

	c.respond(`{"users":[{"id":"u1","name":"alice"}],"count":31}`, nil)
	if err := wait(t, done); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if recs := h.store.Records(); len(recs) != 1 || recs[0].Name != "alice" {
		t.Errorf("unexpected records %v", recs)
	}
	if h.store.Count() != 31 {
		t.Errorf("expected count 31, got %d", h.store.Count())
	}
	if h.loader.Pending() != 0 {
		t.Errorf("loader not balanced: %d", h.loader.Pending())
	}
}

func TestSyncBareArray(t *testing.T) {
	h := setupHarness(t)

	done := goSync(h)
	h.transport.next(t).respond(`[{"id":"a"},{"id":"b"}]`, nil)
	if err := wait(t, done); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(h.store.Records()) != 2 || h.store.Count() != 2 {
		t.Errorf("expected 2 records, got %d (count %d)", len(h.store.Records()), h.store.Count())
	}
}

func TestStaleSyncDiscarded(t *testing.T) {
	h := setupHarness(t)

	first := goSync(h)
	firstCall := h.transport.next(t)
	second := goSync(h)
	secondCall := h.transport.next(t)

	secondCall.respond(`{"users":[{"id":"new"}],"count":1}`, nil)
	if err := wait(t, second); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}

	firstCall.respond(`{"users":[{"id":"old"}],"count":1}`, nil)
	if err := wait(t, first); err != nil {
		t.Fatalf("stale Sync should resolve without error, got %v", err)
	}

	if recs := h.store.Records(); len(recs) != 1 || recs[0].ID != "new" {
		t.Errorf("store should hold the second response, got %v", recs)
	}
	if h.syncCount() != 1 {
		t.Errorf("stale response dispatched: %d sync messages", h.syncCount())
	}
}

func TestStaleSyncBeforeNewerCompletes(t *testing.T) {
	h := setupHarness(t)

	first := goSync(h)
	firstCall := h.transport.next(t)
	second := goSync(h)
	secondCall := h.transport.next(t)

	// The older response arrives first but a newer sync has already started.
	firstCall.respond(`{"users":[{"id":"old"}],"count":1}`, nil)
	if err := wait(t, first); err != nil {
		t.Fatalf("stale Sync returned %v", err)
	}
	if h.syncCount() != 0 {
		t.Fatal("stale response applied before newer one completed")
	}

	secondCall.respond(`{"users":[{"id":"new"}],"count":1}`, nil)
	if err := wait(t, second); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if recs := h.store.Records(); len(recs) != 1 || recs[0].ID != "new" {
		t.Errorf("unexpected records %v", recs)
	}
}

func TestRefreshStorm(t *testing.T) {
	h := setupHarness(t)

	const n = 5
	dones := make([]chan error, n)
	calls := make([]*call, n)
	for i := 0; i < n; i++ {
		dones[i] = goSync(h)
		calls[i] = h.transport.next(t)
	}
	if h.loader.Pending() != n {
		t.Fatalf("expected %d pending operations, got %d", n, h.loader.Pending())
	}

	// Last call responds first.
	for i := n - 1; i >= 0; i-- {
		payload := `{"users":[{"id":"` + string(rune('a'+i)) + `"}],"count":1}`
		calls[i].respond(payload, nil)
		if err := wait(t, dones[i]); err != nil {
			t.Fatalf("sync %d failed: %v", i, err)
		}
	}

	if recs := h.store.Records(); len(recs) != 1 || recs[0].ID != "e" {
		t.Errorf("expected last sync's payload, got %v", recs)
	}
	if h.syncCount() != 1 {
		t.Errorf("expected exactly one applied sync, got %d", h.syncCount())
	}
	if h.loader.Pending() != 0 {
		t.Errorf("loader not balanced after storm: %d", h.loader.Pending())
	}
}

func TestSyncAuthExpiry(t *testing.T) {
	h := setupHarness(t)

	done := goSync(h)
	h.transport.next(t).respond("", transport.ErrUnauthenticated)
	if err := wait(t, done); err != nil {
		t.Errorf("auth expiry should resolve, got %v", err)
	}

	if h.redirects != 1 {
		t.Errorf("expected one redirect, got %d", h.redirects)
	}
	if h.alertCount() != 0 {
		t.Errorf("auth expiry should not alert, got %v", h.alerts)
	}
	if h.syncCount() != 0 {
		t.Error("auth expiry dispatched a sync")
	}
	if h.loader.Pending() != 0 {
		t.Errorf("loader not balanced: %d", h.loader.Pending())
	}
}

func TestStaleAuthExpiryStillRedirects(t *testing.T) {
	h := setupHarness(t)

	first := goSync(h)
	firstCall := h.transport.next(t)
	second := goSync(h)
	secondCall := h.transport.next(t)

	firstCall.respond("", transport.ErrUnauthenticated)
	if err := wait(t, first); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if h.redirects != 1 {
		t.Errorf("redirect must happen regardless of staleness, got %d", h.redirects)
	}

	secondCall.respond(`[]`, nil)
	_ = wait(t, second)
}

func TestSyncFailure(t *testing.T) {
	h := setupHarness(t)

	done := goSync(h)
	h.transport.next(t).respond("", &transport.RequestError{Status: 500, Message: "Database unavailable"})
	err := wait(t, done)

	var reqErr *transport.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected wrapped RequestError, got %v", err)
	}
	if h.alertCount() != 1 || h.alerts[0] != "Database unavailable" {
		t.Errorf("expected backend message alert, got %v", h.alerts)
	}
	if h.loader.Pending() != 0 {
		t.Errorf("loader not balanced: %d", h.loader.Pending())
	}
}

func TestSyncFailureFallbackMessage(t *testing.T) {
	h := setupHarness(t)

	done := goSync(h)
	h.transport.next(t).respond("", errors.New("connection reset"))
	if err := wait(t, done); err == nil {
		t.Fatal("expected error")
	}
	if h.alertCount() != 1 || h.alerts[0] != "Failed to load users" {
		t.Errorf("expected fallback alert, got %v", h.alerts)
	}
}

func TestStaleFailureIsSilent(t *testing.T) {
	h := setupHarness(t)

	first := goSync(h)
	firstCall := h.transport.next(t)
	second := goSync(h)
	secondCall := h.transport.next(t)

	firstCall.respond("", errors.New("timeout"))
	if err := wait(t, first); err != nil {
		t.Errorf("stale failure should not surface, got %v", err)
	}
	if h.alertCount() != 0 {
		t.Errorf("stale failure alerted: %v", h.alerts)
	}

	secondCall.respond(`[]`, nil)
	if err := wait(t, second); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}

func TestTraverseThenSync(t *testing.T) {
	h := setupHarness(t)

	done := make(chan error, 1)
	go func() { done <- h.action.Traverse(context.Background(), 2) }()

	c := h.transport.next(t)
	if h.store.Page() != 2 {
		t.Errorf("page should change before fetch, got %d", h.store.Page())
	}
	if c.req.Query.Get("page") != "2" {
		t.Errorf("expected page=2 in query, got %v", c.req.Query)
	}

	c.respond(`{"users":[],"count":5}`, nil)
	if err := wait(t, done); err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	// Count 5 with page size 10 leaves only page 0.
	if h.store.Page() != 0 {
		t.Errorf("expected clamp to page 0, got %d", h.store.Page())
	}
}

// blockDevices registers a devices store on the harness bus and a handler
// that holds up delivery of the next devices traverse until the returned
// release func is called. It returns once that delivery is parked.
func blockDevices(t *testing.T, h *harness) (release func()) {
	t.Helper()

	store.New[user, userFilter]("devices", h.bus, nil)
	entered := make(chan struct{})
	gate := make(chan struct{})
	h.bus.Register(func(msg dispatcher.Message) {
		if m, ok := msg.(store.TraverseMessage); ok && m.Entity == "devices" {
			close(entered)
			<-gate
		}
	})
	go func() { _ = h.bus.Dispatch(store.TraverseMessage{Entity: "devices", Page: 1}) }()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("devices traverse never delivered")
	}

	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func TestSyncReflectedWhileBusBusy(t *testing.T) {
	h := setupHarness(t)
	release := blockDevices(t, h)

	done := goSync(h)
	h.transport.next(t).respond(`{"users":[{"id":"u1","name":"alice"}],"count":1}`, nil)

	time.AfterFunc(20*time.Millisecond, release)
	if err := wait(t, done); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if n := len(h.store.Records()); n != 1 {
		t.Errorf("store should reflect the sync once it returned, got %d records", n)
	}
}

func TestTraverseWhileBusBusy(t *testing.T) {
	h := setupHarness(t)
	release := blockDevices(t, h)

	done := make(chan error, 1)
	go func() { done <- h.action.Traverse(context.Background(), 3) }()

	time.AfterFunc(20*time.Millisecond, release)
	c := h.transport.next(t)
	if c.req.Query.Get("page") != "3" {
		t.Errorf("expected request for page 3, got %v", c.req.Query)
	}
	c.respond(`{"users":[{"id":"u31"}],"count":40}`, nil)
	if err := wait(t, done); err != nil {
		t.Fatalf("Traverse failed: %v", err)
	}
	if h.store.Page() != 3 {
		t.Errorf("expected page 3, got %d", h.store.Page())
	}
	if recs := h.store.Records(); len(recs) != 1 || recs[0].ID != "u31" {
		t.Errorf("expected page 3 records, got %v", recs)
	}
}

func TestFilterWhileBusBusy(t *testing.T) {
	h := setupHarness(t)
	release := blockDevices(t, h)

	done := make(chan error, 1)
	go func() { done <- h.action.Filter(context.Background(), &userFilter{Name: "carol"}) }()

	time.AfterFunc(20*time.Millisecond, release)
	c := h.transport.next(t)
	if c.req.Query.Get("name") != "carol" {
		t.Errorf("expected filtered request, got %v", c.req.Query)
	}
	c.respond(`[]`, nil)
	if err := wait(t, done); err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
}

func TestFilterThenSync(t *testing.T) {
	h := setupHarness(t)

	done := make(chan error, 1)
	go func() { done <- h.action.Filter(context.Background(), &userFilter{Name: "bob"}) }()

	c := h.transport.next(t)
	if c.req.Query.Get("name") != "bob" {
		t.Errorf("expected filter in query, got %v", c.req.Query)
	}
	c.respond(`[]`, nil)
	if err := wait(t, done); err != nil {
		t.Fatalf("Filter failed: %v", err)
	}
	if f, ok := h.store.Filter(); !ok || f.Name != "bob" {
		t.Errorf("filter not stored: %+v", f)
	}
}

func TestCommitCreateRemove(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		run    func() error
		method string
		path   string
	}{
		{name: "commit", run: func() error { return h.action.Commit(ctx, user{ID: "u1", Name: "a"}) }, method: http.MethodPut, path: "/users/u1"},
		{name: "create", run: func() error { return h.action.Create(ctx, user{Name: "b"}) }, method: http.MethodPost, path: "/users"},
		{name: "remove", run: func() error { return h.action.Remove(ctx, "u2") }, method: http.MethodDelete, path: "/users/u2"},
		{name: "remove reserved id", run: func() error { return h.action.Remove(ctx, "john doe/2") }, method: http.MethodDelete, path: "/users/john%20doe%2F2"},
		{name: "remove multi", run: func() error { return h.action.RemoveMulti(ctx, []string{"u3", "u4"}) }, method: http.MethodDelete, path: "/users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan error, 1)
			go func() { done <- tt.run() }()

			c := h.transport.next(t)
			if c.req.Method != tt.method || c.req.Path != tt.path {
				t.Errorf("expected %s %s, got %s %s", tt.method, tt.path, c.req.Method, c.req.Path)
			}
			c.respond(`{}`, nil)
			if err := wait(t, done); err != nil {
				t.Fatalf("%s failed: %v", tt.name, err)
			}
			if h.loader.Pending() != 0 {
				t.Errorf("loader not balanced: %d", h.loader.Pending())
			}
		})
	}

	if h.syncCount() != 0 {
		t.Errorf("writes must not dispatch syncs, got %d", h.syncCount())
	}
}

func TestWriteFailureAndExpiry(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.action.Remove(ctx, "u1") }()
	h.transport.next(t).respond("", &transport.RequestError{Status: 400})
	if err := wait(t, done); err == nil {
		t.Error("expected remove failure")
	}
	if h.alertCount() != 1 || h.alerts[0] != "Failed to delete users" {
		t.Errorf("unexpected alerts %v", h.alerts)
	}

	go func() { done <- h.action.Commit(ctx, user{ID: "u1"}) }()
	h.transport.next(t).respond("", transport.ErrUnauthenticated)
	if err := wait(t, done); err != nil {
		t.Errorf("expiry should resolve, got %v", err)
	}
	if h.redirects != 1 {
		t.Errorf("expected redirect, got %d", h.redirects)
	}
	if h.loader.Pending() != 0 {
		t.Errorf("loader not balanced: %d", h.loader.Pending())
	}
}

func TestCreateSecret(t *testing.T) {
	h := setupHarness(t)

	done := make(chan error, 1)
	go func() { done <- h.action.Create(context.Background(), user{Name: "c"}) }()
	h.transport.next(t).respond(`{"id":"u9","otp_secret":"JBSWY3DP"}`, nil)
	if err := wait(t, done); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sec, ok := h.store.Secret()
	if !ok || sec.ID != "u9" || sec.Value != "JBSWY3DP" {
		t.Fatalf("expected secret in store, got %+v (%v)", sec, ok)
	}

	h.action.ClearSecret()
	if _, ok := h.store.Secret(); ok {
		t.Error("secret should be cleared")
	}
}

func TestCancelPending(t *testing.T) {
	h := setupHarness(t)

	const n = 3
	type result struct {
		raw json.RawMessage
		err error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func() {
			raw, err := h.action.Fetch(context.Background(), "chart", url.Values{"period": {"1h"}})
			results <- result{raw: raw, err: err}
		}()
		c := h.transport.next(t)
		if c.req.Path != "/users/chart" {
			t.Errorf("unexpected path %s", c.req.Path)
		}
	}
	if h.action.InFlight() != n || h.loader.Pending() != n {
		t.Fatalf("expected %d in flight, got %d (loader %d)", n, h.action.InFlight(), h.loader.Pending())
	}

	h.action.CancelPending()
	if h.action.InFlight() != 0 {
		t.Errorf("in-flight map not emptied: %d", h.action.InFlight())
	}

	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			if r.raw != nil || r.err != nil {
				t.Errorf("aborted fetch should return nil, nil; got %s, %v", r.raw, r.err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("aborted fetch did not return")
		}
	}
	if h.loader.Pending() != 0 {
		t.Errorf("loader not balanced after cancel: %d", h.loader.Pending())
	}
	if h.alertCount() != 0 {
		t.Errorf("cancellation alerted: %v", h.alerts)
	}
}

func TestAbortThenLateError(t *testing.T) {
	h := setupHarness(t)
	h.transport.ignoreCancel = true

	var transitions []bool
	var mu sync.Mutex
	h.loader.Bus().Register(func(msg dispatcher.Message) {
		if m, ok := msg.(loader.BusyMessage); ok {
			mu.Lock()
			transitions = append(transitions, m.Busy)
			mu.Unlock()
		}
	})

	type result struct {
		raw json.RawMessage
		err error
	}
	results := make(chan result, 1)
	go func() {
		raw, err := h.action.Fetch(context.Background(), "log", nil)
		results <- result{raw: raw, err: err}
	}()
	c := h.transport.next(t)

	h.action.CancelPending()
	if h.loader.Pending() != 0 {
		t.Fatalf("cancel should end the loader handle at once, got %d", h.loader.Pending())
	}

	// The transport reports an error after the abort.
	c.respond("", errors.New("socket closed"))

	r := <-results
	if r.raw != nil || r.err != nil {
		t.Errorf("late error after abort should be a no-op, got %s, %v", r.raw, r.err)
	}
	if h.loader.Pending() != 0 {
		t.Errorf("loader went out of balance: %d", h.loader.Pending())
	}
	if h.alertCount() != 0 {
		t.Errorf("late error alerted: %v", h.alerts)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Errorf("expected one busy/idle pair, got %v", transitions)
	}
}

func TestFetchOutcomes(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	type result struct {
		raw json.RawMessage
		err error
	}
	results := make(chan result, 1)
	fetch := func() {
		go func() {
			raw, err := h.action.Fetch(ctx, "u1/log", nil)
			results <- result{raw: raw, err: err}
		}()
	}

	fetch()
	h.transport.next(t).respond(`{"lines":["a"]}`, nil)
	if r := <-results; r.err != nil || string(r.raw) != `{"lines":["a"]}` {
		t.Errorf("unexpected success result %s, %v", r.raw, r.err)
	}

	fetch()
	h.transport.next(t).respond("", errors.New("boom"))
	if r := <-results; r.err == nil {
		t.Error("expected failure to surface")
	}

	fetch()
	h.transport.next(t).respond("", transport.ErrUnauthenticated)
	if r := <-results; r.err != nil || r.raw != nil {
		t.Errorf("expiry should resolve empty, got %s, %v", r.raw, r.err)
	}

	if h.action.InFlight() != 0 || h.loader.Pending() != 0 {
		t.Errorf("bookkeeping leaked: in flight %d, loader %d", h.action.InFlight(), h.loader.Pending())
	}
}

func TestExternalChangeTriggersSync(t *testing.T) {
	h := setupHarness(t)
	changes := dispatcher.New("changes", log.New(io.Discard, "", 0))
	h.action.ListenExternal(changes)

	_ = changes.Dispatch(ExternalChangeMessage{Entity: "devices"})
	_ = changes.Dispatch(ExternalChangeMessage{Entity: "users"})

	h.transport.next(t).respond(`[{"id":"pushed"}]`, nil)
	h.action.Wait()

	if recs := h.store.Records(); len(recs) != 1 || recs[0].ID != "pushed" {
		t.Errorf("expected re-synced records, got %v", recs)
	}
	select {
	case c := <-h.transport.calls:
		t.Errorf("unexpected extra request %s", c.req.Path)
	default:
	}
}

func TestOnceRedirector(t *testing.T) {
	calls := 0
	r := &OnceRedirector{Fn: func() { calls++ }}
	r.Redirect()
	r.Redirect()
	if calls != 1 {
		t.Errorf("expected a single redirect, got %d", calls)
	}
}

func TestExternalChangeKind(t *testing.T) {
	if got := (ExternalChangeMessage{Entity: "alerts"}).Kind(); got != "alerts.externalChange" {
		t.Errorf("unexpected kind %s", got)
	}
}

func TestRestoreBeforeFirstSync(t *testing.T) {
	h := setupHarness(t)

	if !h.action.Restore([]user{{ID: "cached"}}, 7) {
		t.Fatal("Restore should apply before any Sync")
	}
	if recs := h.store.Records(); len(recs) != 1 || recs[0].ID != "cached" || h.store.Count() != 7 {
		t.Errorf("unexpected restored state %v (count %d)", recs, h.store.Count())
	}

	done := goSync(h)
	c := h.transport.next(t)
	if h.action.Restore([]user{{ID: "late"}}, 1) {
		t.Error("Restore should be refused once a Sync has started")
	}
	c.respond(`{"users":[{"id":"live"}],"count":1}`, nil)
	if err := wait(t, done); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if recs := h.store.Records(); len(recs) != 1 || recs[0].ID != "live" {
		t.Errorf("expected live records, got %v", recs)
	}
}
