// Package store provides the generic per-entity store: the single-writer
// holder of an entity kind's last-known-good snapshot plus its pagination
// and filter state.
//
// A store is written only through messages on its bus. Readers get
// read-only snapshots and a change notification, posted to a scheduler,
// after every mutation.
package store

import (
	"log"
	"os"
	"slices"
	"sync"

	"github.com/steveyegge/consolesync/internal/dispatcher"
	"github.com/steveyegge/consolesync/internal/scheduler"
)

// DefaultPageCount is the page size used when Config.PageCount is zero.
const DefaultPageCount = 50

// Config holds store configuration.
type Config struct {
	// PageCount is the number of records per page (default: 50)
	PageCount int

	// Scheduler receives deferred change notifications (default: a Manual
	// scheduler, which only emits when settled)
	Scheduler scheduler.Scheduler

	// Logger for listener failures (default: stderr logger)
	Logger *log.Logger
}

// ListenerID identifies a change listener registration.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn func()
}

// Store holds the snapshot for one entity kind. Records are of type T and
// filter criteria of type F.
type Store[T any, F any] struct {
	entity string
	bus    *dispatcher.Dispatcher
	token  dispatcher.Token
	sched  scheduler.Scheduler
	logger *log.Logger

	mu          sync.RWMutex
	records     []T
	count       int
	page        int
	pageCount   int
	filter      *F
	secret      *Secret
	listeners   []listener
	nextID      ListenerID
	emitPending bool
}

// New creates a store for entity and registers it on bus.
func New[T any, F any](entity string, bus *dispatcher.Dispatcher, config *Config) *Store[T, F] {
	if config == nil {
		config = &Config{}
	}
	pageCount := config.PageCount
	if pageCount <= 0 {
		pageCount = DefaultPageCount
	}
	sched := config.Scheduler
	if sched == nil {
		sched = scheduler.NewManual()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	s := &Store[T, F]{
		entity:    entity,
		bus:       bus,
		sched:     sched,
		logger:    logger,
		records:   []T{},
		pageCount: pageCount,
	}
	if bus != nil {
		s.token = bus.Register(s.handle)
	}
	return s
}

// Entity returns the entity kind the store holds.
func (s *Store[T, F]) Entity() string {
	return s.entity
}

// Detach unregisters the store from its bus.
func (s *Store[T, F]) Detach() {
	if s.bus != nil {
		s.bus.Unregister(s.token)
	}
}

// handle applies the messages addressed to this store's entity.
func (s *Store[T, F]) handle(msg dispatcher.Message) {
	switch m := msg.(type) {
	case SyncMessage[T]:
		if m.Entity == s.entity {
			s.sync(m.Records, m.Count)
		}
	case TraverseMessage:
		if m.Entity == s.entity {
			s.traverse(m.Page)
		}
	case FilterMessage[F]:
		if m.Entity == s.entity {
			s.setFilter(m.Filter)
		}
	case SecretMessage:
		if m.Entity == s.entity {
			s.setSecret(&m.Secret)
		}
	case ClearSecretMessage:
		if m.Entity == s.entity {
			s.setSecret(nil)
		}
	}
}

// Records returns a copy of the current snapshot. Writing to it does not
// affect the store.
func (s *Store[T, F]) Records() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// Count returns the server-side total for the current filter.
func (s *Store[T, F]) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Page returns the current zero-based page index.
func (s *Store[T, F]) Page() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.page
}

// PageCount returns the number of records per page.
func (s *Store[T, F]) PageCount() int {
	return s.pageCount
}

// Pages returns the number of pages for the current count.
func (s *Store[T, F]) Pages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pagesFor(s.count, s.pageCount)
}

// Filter returns a copy of the filter criteria and whether one is set.
func (s *Store[T, F]) Filter() (F, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filter == nil {
		var zero F
		return zero, false
	}
	return *s.filter, true
}

// Secret returns the secret held for the detail view, if any.
func (s *Store[T, F]) Secret() (Secret, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secret == nil {
		return Secret{}, false
	}
	return *s.secret, true
}

// AddChangeListener registers fn to be called after the store changes.
func (s *Store[T, F]) AddChangeListener(fn func()) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	next := make([]listener, len(s.listeners), len(s.listeners)+1)
	copy(next, s.listeners)
	s.listeners = append(next, listener{id: s.nextID, fn: fn})
	return s.nextID
}

// RemoveChangeListener removes a listener. Unknown ids are ignored.
func (s *Store[T, F]) RemoveChangeListener(id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(l listener) bool {
		return l.id == id
	})
}

// sync replaces the snapshot and count and clamps the page into range.
func (s *Store[T, F]) sync(records []T, count int) {
	snapshot := make([]T, len(records))
	copy(snapshot, records)
	if count < 0 {
		count = 0
	}

	s.mu.Lock()
	s.records = snapshot
	s.count = count
	s.page = clampPage(s.page, count, s.pageCount)
	s.mu.Unlock()

	s.emitChange()
}

// traverse sets the page. It does not fetch.
func (s *Store[T, F]) traverse(page int) {
	if page < 0 {
		page = 0
	}
	s.mu.Lock()
	s.page = page
	s.mu.Unlock()

	s.emitChange()
}

// setFilter sets the filter criteria. It does not fetch.
func (s *Store[T, F]) setFilter(filter *F) {
	var cpy *F
	if filter != nil {
		v := *filter
		cpy = &v
	}
	s.mu.Lock()
	s.filter = cpy
	s.mu.Unlock()

	s.emitChange()
}

func (s *Store[T, F]) setSecret(secret *Secret) {
	var cpy *Secret
	if secret != nil {
		v := *secret
		cpy = &v
	}
	s.mu.Lock()
	s.secret = cpy
	s.mu.Unlock()

	s.emitChange()
}

// emitChange posts a notification unless one is already pending.
func (s *Store[T, F]) emitChange() {
	s.mu.Lock()
	if s.emitPending {
		s.mu.Unlock()
		return
	}
	s.emitPending = true
	s.mu.Unlock()

	s.sched.Schedule(s.emit)
}

func (s *Store[T, F]) emit() {
	s.mu.Lock()
	s.emitPending = false
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		s.notify(l)
	}
}

func (s *Store[T, F]) notify(l listener) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Warning: %s change listener %d panicked: %v", s.entity, l.id, r)
		}
	}()
	l.fn()
}

func pagesFor(count, pageCount int) int {
	if count <= 0 || pageCount <= 0 {
		return 0
	}
	return (count + pageCount - 1) / pageCount
}

func clampPage(page, count, pageCount int) int {
	last := pagesFor(count, pageCount) - 1
	if last < 0 {
		return 0
	}
	return min(max(page, 0), last)
}
