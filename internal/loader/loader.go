// Package loader provides the reference-counted busy indicator shared by
// every action module.
//
// Each operation registers a unique handle id in a pending set when it
// begins and removes it when it ends. The set, not a counter, is the source
// of truth, so ending a handle twice is a no-op. Observers registered on the
// loader's bus receive a BusyMessage only when the set goes from empty to
// non-empty or back.
package loader

import (
	"log"
	"os"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/steveyegge/consolesync/internal/dispatcher"
)

// KindChange is the message kind published on busy transitions.
const KindChange = "loader.change"

// BusyMessage reports a transition of the pending set.
type BusyMessage struct {
	dispatcher.Sealed

	// Busy is true when at least one operation is pending.
	Busy bool
}

// Kind implements dispatcher.Message.
func (BusyMessage) Kind() string { return KindChange }

// Loader tracks outstanding operations. It is safe for concurrent use.
type Loader struct {
	bus    *dispatcher.Dispatcher
	logger *log.Logger

	mu      sync.Mutex
	pending map[ulid.ULID]struct{}
}

// New creates a Loader with its own change bus.
// If logger is nil, a default logger writing to stderr is used.
func New(logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.New(os.Stderr, "[loader] ", log.LstdFlags)
	}
	return &Loader{
		bus:     dispatcher.New("loader", logger),
		logger:  logger,
		pending: make(map[ulid.ULID]struct{}),
	}
}

// Bus returns the bus BusyMessages are published on.
func (l *Loader) Bus() *dispatcher.Dispatcher {
	return l.bus
}

// Handle is one begun operation.
type Handle struct {
	id     ulid.ULID
	loader *Loader
}

// ID returns the handle's unique id.
func (h *Handle) ID() ulid.ULID {
	return h.id
}

// BeginOperation registers a new pending operation.
func (l *Loader) BeginOperation() *Handle {
	h := &Handle{id: ulid.Make(), loader: l}

	var edge *dispatcher.Pending
	l.mu.Lock()
	l.pending[h.id] = struct{}{}
	if len(l.pending) == 1 {
		// Enqueue under the lock so transitions are delivered in order.
		edge = l.bus.Enqueue(BusyMessage{Busy: true})
	}
	l.mu.Unlock()

	l.await(edge)
	return h
}

// EndOperation removes the handle from the pending set. Calling it more than
// once has no effect after the first call.
func (h *Handle) EndOperation() {
	if h == nil || h.loader == nil {
		return
	}
	l := h.loader

	l.mu.Lock()
	if _, ok := l.pending[h.id]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.pending, h.id)
	var edge *dispatcher.Pending
	if len(l.pending) == 0 {
		edge = l.bus.Enqueue(BusyMessage{Busy: false})
	}
	l.mu.Unlock()

	l.await(edge)
}

// Pending returns the number of outstanding operations.
func (l *Loader) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Busy reports whether any operation is outstanding.
func (l *Loader) Busy() bool {
	return l.Pending() > 0
}

func (l *Loader) await(edge *dispatcher.Pending) {
	if err := l.bus.Await(edge); err != nil {
		l.logger.Printf("Warning: busy observer failed: %v", err)
	}
}
