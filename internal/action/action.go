// Package action provides the per-entity action module: it talks to the
// backend and turns successful responses into store messages.
//
// Stale syncs
//
// Every Sync stores a fresh token as the module's current token before the
// request is sent. When the response arrives it is applied only if that
// token is still current; otherwise a newer Sync has started and the
// response is dropped without a message, an alert or an error. The most
// recently started Sync always wins, regardless of arrival order.
//
// Cancellable reads
//
// Fetch registers its request under a per-call id. CancelPending aborts every
// registered request; an aborted Fetch returns a nil result and a nil error.
//
// Loader discipline
//
// Every operation begins a loader handle and ends it on every exit path:
// success, failure, session expiry, staleness and cancellation.
package action

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/steveyegge/consolesync/internal/dispatcher"
	"github.com/steveyegge/consolesync/internal/loader"
	"github.com/steveyegge/consolesync/internal/store"
	"github.com/steveyegge/consolesync/internal/transport"
)

// Config wires an action module for records of type T filtered by F.
type Config[T any, F any] struct {
	// Entity is the entity kind, e.g. "users". Required.
	Entity string

	// Path is the collection path (default: "/" + Entity)
	Path string

	// ListKey is the JSON field holding records in a paged list response
	// (default: Entity). Bare JSON arrays are accepted as well.
	ListKey string

	Requester transport.Requester
	Bus       *dispatcher.Dispatcher
	Loader    *loader.Loader
	Store     *store.Store[T, F]

	// IDOf returns a record's id for Commit. Required for Commit.
	IDOf func(T) string

	// FilterQuery encodes filter criteria as query parameters.
	FilterQuery func(F) url.Values

	// SecretOf extracts server-generated secret material from a create
	// response, if the entity has any.
	SecretOf func(json.RawMessage) (store.Secret, bool)

	Alerter    Alerter
	Redirector Redirector
	Recorder   Recorder

	// Context is the parent of background syncs started by change
	// notifications (default: context.Background())
	Context context.Context

	// Logger for action activity (default: stderr logger)
	Logger *log.Logger
}

type inflight struct {
	cancel context.CancelFunc
	handle *loader.Handle
}

// Action is the action module for one entity kind.
type Action[T any, F any] struct {
	entity  string
	path    string
	listKey string

	requester  transport.Requester
	bus        *dispatcher.Dispatcher
	loader     *loader.Loader
	store      *store.Store[T, F]
	idOf       func(T) string
	query      func(F) url.Values
	secretOf   func(json.RawMessage) (store.Secret, bool)
	alerter    Alerter
	redirector Redirector
	recorder   Recorder
	ctx        context.Context
	logger     *log.Logger

	mu       sync.Mutex
	current  ulid.ULID
	inflight map[ulid.ULID]inflight

	background sync.WaitGroup
}

// New creates an action module.
func New[T any, F any](config *Config[T, F]) (*Action[T, F], error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Entity == "" {
		return nil, fmt.Errorf("entity cannot be empty")
	}
	if config.Requester == nil {
		return nil, fmt.Errorf("requester cannot be nil")
	}
	if config.Bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if config.Loader == nil {
		return nil, fmt.Errorf("loader cannot be nil")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	a := &Action[T, F]{
		entity:     config.Entity,
		path:       config.Path,
		listKey:    config.ListKey,
		requester:  config.Requester,
		bus:        config.Bus,
		loader:     config.Loader,
		store:      config.Store,
		idOf:       config.IDOf,
		query:      config.FilterQuery,
		secretOf:   config.SecretOf,
		alerter:    config.Alerter,
		redirector: config.Redirector,
		recorder:   config.Recorder,
		ctx:        config.Context,
		logger:     config.Logger,
		inflight:   make(map[ulid.ULID]inflight),
	}
	if a.path == "" {
		a.path = "/" + a.entity
	}
	if a.listKey == "" {
		a.listKey = a.entity
	}
	if a.logger == nil {
		a.logger = log.New(os.Stderr, "[action] ", log.LstdFlags)
	}
	if a.alerter == nil {
		a.alerter = LogAlerter{Logger: a.logger}
	}
	if a.redirector == nil {
		a.redirector = RedirectorFunc(func() {
			a.logger.Printf("Session expired, login required")
		})
	}
	if a.recorder == nil {
		a.recorder = noopRecorder{}
	}
	if a.ctx == nil {
		a.ctx = context.Background()
	}
	return a, nil
}

// Entity returns the entity kind.
func (a *Action[T, F]) Entity() string {
	return a.entity
}

// Store returns the store this module feeds.
func (a *Action[T, F]) Store() *store.Store[T, F] {
	return a.store
}

// Sync fetches the current page and applies it to the store, unless a newer
// Sync started while the request was in flight.
//
// It returns nil when the response was applied, was stale, or the session
// expired. It returns an error only for a failed, non-stale request, which
// has also been reported through the Alerter.
func (a *Action[T, F]) Sync(ctx context.Context) error {
	return a.sync(ctx, a.store.Page(), a.currentFilter())
}

// sync fetches page with criteria (nil for none). Traverse and Filter pass
// the values they just dispatched instead of reading them back.
func (a *Action[T, F]) sync(ctx context.Context, page int, criteria *F) error {
	token := ulid.Make()
	a.mu.Lock()
	a.current = token
	a.mu.Unlock()

	handle := a.loader.BeginOperation()
	defer handle.EndOperation()

	raw, err := a.requester.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   a.path,
		Query:  a.listQuery(page, criteria),
	})
	handle.EndOperation()

	if errors.Is(err, transport.ErrUnauthenticated) {
		a.redirect()
		return nil
	}

	var msg store.SyncMessage[T]
	if err == nil {
		records, count, decodeErr := decodeList[T](raw, a.listKey)
		if decodeErr != nil {
			err = fmt.Errorf("failed to decode %s: %w", a.entity, decodeErr)
		}
		msg = store.SyncMessage[T]{Entity: a.entity, Records: records, Count: count}
	}

	a.mu.Lock()
	if token != a.current {
		a.mu.Unlock()
		a.recorder.SyncStale(a.entity)
		return nil
	}
	if err != nil {
		a.mu.Unlock()
		a.recorder.SyncFailed(a.entity)
		return a.fail(err, "Failed to load "+a.entity)
	}
	// Enqueue under the lock: a Sync that starts after this point can only
	// enqueue behind this message.
	pending := a.bus.Enqueue(msg)
	a.mu.Unlock()

	a.recorder.SyncApplied(a.entity)
	a.await(pending)
	return nil
}

// Restore seeds the store with previously cached records. It is a no-op once
// any Sync has started, so cached data never replaces a live response. It
// reports whether the records were applied.
func (a *Action[T, F]) Restore(records []T, count int) bool {
	a.mu.Lock()
	if a.current != (ulid.ULID{}) {
		a.mu.Unlock()
		return false
	}
	pending := a.bus.Enqueue(store.SyncMessage[T]{Entity: a.entity, Records: records, Count: count})
	a.mu.Unlock()

	a.await(pending)
	return true
}

// Traverse moves the store to page and fetches that page. The page change is
// applied before the fetch, so readers briefly see the new page with the old
// records.
func (a *Action[T, F]) Traverse(ctx context.Context, page int) error {
	page = max(page, 0)
	a.dispatch(store.TraverseMessage{Entity: a.entity, Page: page})
	return a.sync(ctx, page, a.currentFilter())
}

// Filter sets the filter criteria (nil clears them) and fetches with them.
func (a *Action[T, F]) Filter(ctx context.Context, criteria *F) error {
	var cpy *F
	if criteria != nil {
		v := *criteria
		cpy = &v
	}
	a.dispatch(store.FilterMessage[F]{Entity: a.entity, Filter: cpy})
	return a.sync(ctx, a.store.Page(), cpy)
}

// Commit saves an existing record. The store is not updated; callers decide
// whether to Sync afterwards.
func (a *Action[T, F]) Commit(ctx context.Context, record T) error {
	if a.idOf == nil {
		return fmt.Errorf("%s: commit requires an id function", a.entity)
	}
	_, err := a.write(ctx, transport.Request{
		Method: http.MethodPut,
		Path:   a.path + "/" + url.PathEscape(a.idOf(record)),
		Body:   record,
	}, "Failed to save "+a.entity)
	return err
}

// Create adds a record. When the response carries generated secret material
// it is placed in the store until ClearSecret is called.
func (a *Action[T, F]) Create(ctx context.Context, record T) error {
	raw, err := a.write(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   a.path,
		Body:   record,
	}, "Failed to create "+a.entity)
	if err != nil || raw == nil || a.secretOf == nil {
		return err
	}
	if secret, ok := a.secretOf(raw); ok {
		a.dispatch(store.SecretMessage{Entity: a.entity, Secret: secret})
	}
	return nil
}

// Remove deletes one record.
func (a *Action[T, F]) Remove(ctx context.Context, id string) error {
	_, err := a.write(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   a.path + "/" + url.PathEscape(id),
	}, "Failed to delete "+a.entity)
	return err
}

// RemoveMulti deletes several records in one request.
func (a *Action[T, F]) RemoveMulti(ctx context.Context, ids []string) error {
	_, err := a.write(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   a.path,
		Body:   ids,
	}, "Failed to delete "+a.entity)
	return err
}

// ClearSecret drops any secret material held by the store.
func (a *Action[T, F]) ClearSecret() {
	a.dispatch(store.ClearSecretMessage{Entity: a.entity})
}

// Fetch performs a cancellable read below the collection path, such as a
// chart or log query. It returns (nil, nil) when the request was aborted by
// CancelPending or the session expired.
func (a *Action[T, F]) Fetch(ctx context.Context, subpath string, query url.Values) (json.RawMessage, error) {
	id := ulid.Make()
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle := a.loader.BeginOperation()
	defer handle.EndOperation()

	a.mu.Lock()
	a.inflight[id] = inflight{cancel: cancel, handle: handle}
	a.mu.Unlock()

	raw, err := a.requester.Do(callCtx, transport.Request{
		Method: http.MethodGet,
		Path:   a.path + "/" + subpath,
		Query:  query,
	})

	a.mu.Lock()
	_, live := a.inflight[id]
	delete(a.inflight, id)
	a.mu.Unlock()
	handle.EndOperation()

	if !live {
		// Aborted: whatever the transport reported afterwards is moot.
		return nil, nil
	}
	if errors.Is(err, transport.ErrUnauthenticated) {
		a.redirect()
		return nil, nil
	}
	if err != nil {
		return nil, a.fail(err, "Failed to load "+a.entity+" "+subpath)
	}
	return raw, nil
}

// CancelPending aborts every in-flight Fetch. Each aborted call leaves the
// in-flight set and ends its loader handle immediately.
func (a *Action[T, F]) CancelPending() {
	a.mu.Lock()
	calls := make([]inflight, 0, len(a.inflight))
	for id, call := range a.inflight {
		calls = append(calls, call)
		delete(a.inflight, id)
	}
	a.mu.Unlock()

	for _, call := range calls {
		call.cancel()
		call.handle.EndOperation()
	}
	if len(calls) > 0 {
		a.recorder.Cancelled(a.entity, len(calls))
	}
}

// InFlight returns the number of registered cancellable requests.
func (a *Action[T, F]) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inflight)
}

// ListenExternal registers on the change bus. A matching
// ExternalChangeMessage starts a background Sync; see Wait.
func (a *Action[T, F]) ListenExternal(changes *dispatcher.Dispatcher) dispatcher.Token {
	return changes.Register(func(msg dispatcher.Message) {
		m, ok := msg.(ExternalChangeMessage)
		if !ok || m.Entity != a.entity {
			return
		}
		a.background.Add(1)
		go func() {
			defer a.background.Done()
			// Failures were already alerted.
			_ = a.Sync(a.ctx)
		}()
	})
}

// Wait blocks until background syncs started by change notifications have
// finished.
func (a *Action[T, F]) Wait() {
	a.background.Wait()
}

// write runs a CRUD request with loader bookkeeping and error reporting.
func (a *Action[T, F]) write(ctx context.Context, req transport.Request, fallback string) (json.RawMessage, error) {
	handle := a.loader.BeginOperation()
	defer handle.EndOperation()

	raw, err := a.requester.Do(ctx, req)
	handle.EndOperation()

	if errors.Is(err, transport.ErrUnauthenticated) {
		a.redirect()
		return nil, nil
	}
	if err != nil {
		return nil, a.fail(err, fallback)
	}
	return raw, nil
}

func (a *Action[T, F]) listQuery(page int, criteria *F) url.Values {
	query := url.Values{}
	if a.query != nil && criteria != nil {
		for key, values := range a.query(*criteria) {
			query[key] = values
		}
	}
	query.Set("page", strconv.Itoa(page))
	query.Set("page_count", strconv.Itoa(a.store.PageCount()))
	return query
}

func (a *Action[T, F]) currentFilter() *F {
	criteria, ok := a.store.Filter()
	if !ok {
		return nil
	}
	return &criteria
}

// fail reports err and returns it wrapped. A cancelled caller context is
// returned as is, without an alert.
func (a *Action[T, F]) fail(err error, fallback string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	a.alerter.Error(transport.MessageOr(err, fallback))
	return fmt.Errorf("%s: %w", fallback, err)
}

func (a *Action[T, F]) redirect() {
	a.recorder.Redirected(a.entity)
	a.redirector.Redirect()
}

func (a *Action[T, F]) dispatch(msg dispatcher.Message) {
	a.await(a.bus.Enqueue(msg))
}

// await blocks until pending reached every store handler.
func (a *Action[T, F]) await(pending *dispatcher.Pending) {
	if err := a.bus.Await(pending); err != nil {
		a.logger.Printf("Warning: %s handler failed: %v", a.entity, err)
	}
}

// decodeList accepts either {"<key>": [...], "count": n} or a bare array.
func decodeList[T any](raw json.RawMessage, key string) ([]T, int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []T{}, 0, nil
	}

	if trimmed[0] == '[' {
		var records []T
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, 0, err
		}
		return records, len(records), nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return nil, 0, err
	}
	var records []T
	if data, ok := body[key]; ok {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, 0, err
		}
	}
	count := len(records)
	if data, ok := body["count"]; ok {
		if err := json.Unmarshal(data, &count); err != nil {
			return nil, 0, fmt.Errorf("bad count: %w", err)
		}
	}
	return records, count, nil
}
