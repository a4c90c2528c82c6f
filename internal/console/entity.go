package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/steveyegge/consolesync/internal/action"
	"github.com/steveyegge/consolesync/internal/cache"
	"github.com/steveyegge/consolesync/internal/models"
	"github.com/steveyegge/consolesync/internal/store"
)

// Entity is the record-type-independent view of one entity kind's store
// and action module. Records are exchanged as models.Record values or raw
// JSON.
type Entity interface {
	Name() string

	// Read side
	Records() []models.Record
	Count() int
	Page() int
	Pages() int
	PageCount() int
	Filter() (models.Filter, bool)
	Secret() (store.Secret, bool)
	AddChangeListener(fn func()) store.ListenerID
	RemoveChangeListener(id store.ListenerID)

	// Actions
	Sync(ctx context.Context) error
	Traverse(ctx context.Context, page int) error
	SetFilter(ctx context.Context, criteria *models.Filter) error
	Commit(ctx context.Context, record json.RawMessage) error
	Create(ctx context.Context, record json.RawMessage) error
	Remove(ctx context.Context, id string) error
	RemoveMulti(ctx context.Context, ids []string) error
	ClearSecret()
	Fetch(ctx context.Context, subpath string, query url.Values) (json.RawMessage, error)
	CancelPending()
	InFlight() int

	// Snapshot returns the current store state for the cache.
	Snapshot() (cache.Snapshot, error)

	// Restore seeds the store from a cached snapshot. It reports false when a
	// sync already started.
	Restore(snap *cache.Snapshot) (bool, error)
}

type entity[T models.Record] struct {
	action *action.Action[T, models.Filter]
	store  *store.Store[T, models.Filter]
}

func (e *entity[T]) Name() string { return e.store.Entity() }

func (e *entity[T]) Records() []models.Record {
	records := e.store.Records()
	out := make([]models.Record, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}

func (e *entity[T]) Count() int                    { return e.store.Count() }
func (e *entity[T]) Page() int                     { return e.store.Page() }
func (e *entity[T]) Pages() int                    { return e.store.Pages() }
func (e *entity[T]) PageCount() int                { return e.store.PageCount() }
func (e *entity[T]) Filter() (models.Filter, bool) { return e.store.Filter() }
func (e *entity[T]) Secret() (store.Secret, bool)  { return e.store.Secret() }

func (e *entity[T]) AddChangeListener(fn func()) store.ListenerID {
	return e.store.AddChangeListener(fn)
}

func (e *entity[T]) RemoveChangeListener(id store.ListenerID) {
	e.store.RemoveChangeListener(id)
}

func (e *entity[T]) Sync(ctx context.Context) error { return e.action.Sync(ctx) }

func (e *entity[T]) Traverse(ctx context.Context, page int) error {
	return e.action.Traverse(ctx, page)
}

func (e *entity[T]) SetFilter(ctx context.Context, criteria *models.Filter) error {
	return e.action.Filter(ctx, criteria)
}

func (e *entity[T]) Commit(ctx context.Context, record json.RawMessage) error {
	r, err := decodeRecord[T](record)
	if err != nil {
		return err
	}
	return e.action.Commit(ctx, r)
}

func (e *entity[T]) Create(ctx context.Context, record json.RawMessage) error {
	r, err := decodeRecord[T](record)
	if err != nil {
		return err
	}
	return e.action.Create(ctx, r)
}

func (e *entity[T]) Remove(ctx context.Context, id string) error {
	return e.action.Remove(ctx, id)
}

func (e *entity[T]) RemoveMulti(ctx context.Context, ids []string) error {
	return e.action.RemoveMulti(ctx, ids)
}

func (e *entity[T]) ClearSecret() { e.action.ClearSecret() }

func (e *entity[T]) Fetch(ctx context.Context, subpath string, query url.Values) (json.RawMessage, error) {
	return e.action.Fetch(ctx, subpath, query)
}

func (e *entity[T]) CancelPending() { e.action.CancelPending() }
func (e *entity[T]) InFlight() int  { return e.action.InFlight() }

func (e *entity[T]) Snapshot() (cache.Snapshot, error) {
	records, err := json.Marshal(e.store.Records())
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("failed to encode %s snapshot: %w", e.Name(), err)
	}
	return cache.Snapshot{
		Entity:    e.Name(),
		Records:   records,
		Count:     e.store.Count(),
		Page:      e.store.Page(),
		UpdatedAt: time.Now(),
	}, nil
}

func (e *entity[T]) Restore(snap *cache.Snapshot) (bool, error) {
	var records []T
	if err := json.Unmarshal(snap.Records, &records); err != nil {
		return false, fmt.Errorf("failed to decode %s snapshot: %w", e.Name(), err)
	}
	return e.action.Restore(records, snap.Count), nil
}

func decodeRecord[T any](raw json.RawMessage) (T, error) {
	var r T
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, fmt.Errorf("failed to decode record: %w", err)
	}
	return r, nil
}
