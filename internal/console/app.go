// Package console assembles the sync core for every entity kind the
// console manages.
//
// Overview:
//
// One App owns the data bus the stores listen to, the change bus that
// carries backend change notifications, the shared loader and the metrics
// collectors. Each entity kind gets a store and an action module wired to
// those, and every action module shares one OnceRedirector, so an expired
// session produces a single redirect.
//
// Usage:
//
//	app, err := console.New(&console.Options{Requester: client})
//	if err != nil {
//	    return err
//	}
//	defer app.Close()
//
//	users, _ := app.Entity(models.EntityUsers)
//	err = users.Sync(ctx)
package console

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/consolesync/internal/action"
	"github.com/steveyegge/consolesync/internal/cache"
	"github.com/steveyegge/consolesync/internal/dispatcher"
	"github.com/steveyegge/consolesync/internal/loader"
	"github.com/steveyegge/consolesync/internal/metrics"
	"github.com/steveyegge/consolesync/internal/models"
	"github.com/steveyegge/consolesync/internal/scheduler"
	"github.com/steveyegge/consolesync/internal/store"
	"github.com/steveyegge/consolesync/internal/transport"
)

// ErrUnknownEntity is returned by Entity for a kind the App does not manage.
var ErrUnknownEntity = errors.New("unknown entity")

// Options configures an App.
type Options struct {
	// Requester performs backend calls. Required.
	Requester transport.Requester

	// PageCount is the page size of every store (default: 50)
	PageCount int

	// Scheduler receives store change notifications (default: a Loop owned
	// and closed by the App)
	Scheduler scheduler.Scheduler

	// Cache, when set, receives a snapshot after every store change and
	// feeds Warm
	Cache *cache.Cache

	// Alerter reports failed operations (default: log alerter)
	Alerter action.Alerter

	// OnExpired is called once when the session expires
	OnExpired func()

	// Context is the parent of background syncs (default: context.Background())
	Context context.Context

	// Logger for console activity (default: stderr logger)
	Logger *log.Logger
}

// App is the assembled sync core.
type App struct {
	bus     *dispatcher.Dispatcher
	changes *dispatcher.Dispatcher
	loader  *loader.Loader
	metrics *metrics.Metrics
	loop    *scheduler.Loop
	sched   scheduler.Scheduler
	cache   *cache.Cache
	logger  *log.Logger

	entities map[string]Entity
	waiters  []func()
	detach   []func()

	closeOnce sync.Once
}

// New creates an App with a store and action module for every entity in
// models.Entities.
func New(opts *Options) (*App, error) {
	if opts == nil || opts.Requester == nil {
		return nil, fmt.Errorf("requester cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[console] ", log.LstdFlags)
	}

	a := &App{
		bus:      dispatcher.New("data", logger),
		changes:  dispatcher.New("changes", logger),
		loader:   loader.New(logger),
		cache:    opts.Cache,
		logger:   logger,
		entities: make(map[string]Entity, len(models.Entities)),
	}
	a.metrics = metrics.New(a.loader)

	a.sched = opts.Scheduler
	if a.sched == nil {
		a.loop = scheduler.NewLoop(256)
		a.sched = a.loop
	}

	alerter := opts.Alerter
	if alerter == nil {
		alerter = action.LogAlerter{Logger: logger}
	}
	redirector := &action.OnceRedirector{Fn: opts.OnExpired}
	if opts.OnExpired == nil {
		redirector.Fn = func() { logger.Printf("Session expired, login required") }
	}

	w := wiring{
		app:        a,
		requester:  opts.Requester,
		pageCount:  opts.PageCount,
		alerter:    alerter,
		redirector: redirector,
		ctx:        opts.Context,
	}
	for _, err := range []error{
		register[models.User](w, models.EntityUsers),
		register[models.Device](w, models.EntityDevices),
		register[models.Authority](w, models.EntityAuthorities),
		register[models.Certificate](w, models.EntityCertificates),
		register[models.Service](w, models.EntityServices),
		register[models.Check](w, models.EntityChecks),
		register[models.Alert](w, models.EntityAlerts),
		register[models.Endpoint](w, models.EntityEndpoints),
		register[models.Session](w, models.EntitySessions),
		register[models.Secret](w, models.EntitySecrets),
		register[models.Policy](w, models.EntityPolicies),
	} {
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

type wiring struct {
	app        *App
	requester  transport.Requester
	pageCount  int
	alerter    action.Alerter
	redirector action.Redirector
	ctx        context.Context
}

func register[T models.Record](w wiring, name string) error {
	a := w.app
	s := store.New[T, models.Filter](name, a.bus, &store.Config{
		PageCount: w.pageCount,
		Scheduler: a.sched,
		Logger:    a.logger,
	})
	act, err := action.New(&action.Config[T, models.Filter]{
		Entity:      name,
		Requester:   w.requester,
		Bus:         a.bus,
		Loader:      a.loader,
		Store:       s,
		IDOf:        func(r T) string { return r.RecordID() },
		FilterQuery: models.Filter.Query,
		SecretOf:    models.SecretFromResponse,
		Alerter:     w.alerter,
		Redirector:  w.redirector,
		Recorder:    a.metrics,
		Context:     w.ctx,
		Logger:      a.logger,
	})
	if err != nil {
		s.Detach()
		return fmt.Errorf("failed to create %s action: %w", name, err)
	}

	e := &entity[T]{action: act, store: s}
	token := act.ListenExternal(a.changes)
	a.entities[name] = e
	a.waiters = append(a.waiters, act.Wait)
	a.detach = append(a.detach, func() {
		a.changes.Unregister(token)
		act.CancelPending()
		s.Detach()
	})

	if a.cache != nil {
		s.AddChangeListener(func() { a.persist(e) })
	}
	return nil
}

// Entity returns the named entity kind.
func (a *App) Entity(name string) (Entity, error) {
	e, ok := a.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return e, nil
}

// Entities returns the managed entity kinds in display order.
func (a *App) Entities() []string {
	return slices.Clone(models.Entities)
}

// Bus returns the data bus stores listen to.
func (a *App) Bus() *dispatcher.Dispatcher { return a.bus }

// Changes returns the change bus. Dispatch an action.ExternalChangeMessage
// on it to re-sync an entity.
func (a *App) Changes() *dispatcher.Dispatcher { return a.changes }

// Loader returns the shared loader.
func (a *App) Loader() *loader.Loader { return a.loader }

// Metrics returns the collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// SyncAll syncs the named entities concurrently, or every entity when no
// name is given. It returns the first failure after all syncs finished.
func (a *App) SyncAll(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = models.Entities
	}
	entities := make([]Entity, 0, len(names))
	for _, name := range names {
		e, err := a.Entity(name)
		if err != nil {
			return err
		}
		entities = append(entities, e)
	}

	var g errgroup.Group
	for _, e := range entities {
		g.Go(func() error { return e.Sync(ctx) })
	}
	return g.Wait()
}

// Warm restores every entity that has a cached snapshot and has not
// synced yet. It returns the number of entities restored.
func (a *App) Warm(ctx context.Context) (int, error) {
	if a.cache == nil {
		return 0, nil
	}
	snaps, err := a.cache.List(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, snap := range snaps {
		e, ok := a.entities[snap.Entity]
		if !ok {
			continue
		}
		applied, err := e.Restore(snap)
		if err != nil {
			a.logger.Printf("Warning: skipping cached %s: %v", snap.Entity, err)
			continue
		}
		if applied {
			restored++
		}
	}
	return restored, nil
}

func (a *App) persist(e Entity) {
	snap, err := e.Snapshot()
	if err == nil {
		err = a.cache.Save(context.Background(), snap)
	}
	if err != nil {
		a.logger.Printf("Warning: failed to cache %s: %v", e.Name(), err)
	}
}

// Settle waits until every store change notification scheduled so far has
// been delivered. With a Manual scheduler it runs them.
func (a *App) Settle(ctx context.Context) error {
	switch s := a.sched.(type) {
	case *scheduler.Loop:
		return s.Settle(ctx)
	case *scheduler.Manual:
		s.Settle()
	}
	return nil
}

// Wait blocks until background syncs started by change notifications have
// finished.
func (a *App) Wait() {
	for _, wait := range a.waiters {
		wait()
	}
}

// Close cancels pending fetches, detaches every store and stops the
// scheduler the App owns. The cache is left open for the caller to close.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		for _, detach := range a.detach {
			detach()
		}
		a.Wait()
		if a.loop != nil {
			a.loop.Close()
		}
	})
}
