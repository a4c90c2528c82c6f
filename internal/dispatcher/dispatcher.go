package dispatcher

import (
	"fmt"
	"log"
	"os"
	"sync"

	"go.uber.org/multierr"
)

// Message is a value delivered over a Dispatcher.
//
// The set of messages is closed to types that embed Sealed, so a handler can
// switch over the variants it knows about.
type Message interface {
	// Kind namespaces the message to a producer/consumer pair,
	// e.g. "users.sync" or "loader.change".
	Kind() string

	sealed()
}

// Sealed marks a type as a Message variant. Embed it by value.
type Sealed struct{}

func (Sealed) sealed() {}

// Handler receives every message dispatched on the bus it is registered with.
type Handler func(msg Message)

// Token identifies a handler registration.
type Token uint64

type registration struct {
	token   Token
	handler Handler
}

// Pending is a message waiting in a Dispatcher's queue. Pass it to Await to
// block until it has been delivered.
type Pending struct {
	msg Message

	// Guarded by the dispatcher's mutex.
	delivered bool
	claimed   bool
	err       error
}

// Dispatcher is a synchronous, single-channel publish/subscribe bus.
// It is safe for concurrent use.
type Dispatcher struct {
	name   string
	logger *log.Logger

	mu       sync.Mutex
	idle     *sync.Cond
	handlers []registration
	queue    []*Pending
	draining bool
	drainer  uint64
	nextTok  Token
}

// New creates a Dispatcher. The name is only used in log output.
// If logger is nil, a default logger writing to stderr is used.
func New(name string, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(os.Stderr, "[dispatcher] ", log.LstdFlags)
	}
	d := &Dispatcher{
		name:   name,
		logger: logger,
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Name returns the bus name.
func (d *Dispatcher) Name() string {
	return d.name
}

// Register adds a handler and returns its registration token.
// Handlers registered while a message is being delivered will receive the
// next message, not the current one.
func (d *Dispatcher) Register(handler Handler) Token {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextTok++
	next := make([]registration, len(d.handlers), len(d.handlers)+1)
	copy(next, d.handlers)
	d.handlers = append(next, registration{token: d.nextTok, handler: handler})
	return d.nextTok
}

// Unregister removes the handler registered under token.
// Unknown tokens are ignored.
func (d *Dispatcher) Unregister(token Token) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, reg := range d.handlers {
		if reg.token != token {
			continue
		}
		next := make([]registration, 0, len(d.handlers)-1)
		next = append(next, d.handlers[:i]...)
		d.handlers = append(next, d.handlers[i+1:]...)
		return
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// Dispatch delivers msg to every registered handler and returns once it has
// reached all of them.
//
// Called from inside a handler, Dispatch only enqueues: msg is delivered by
// the running drain after the current message, and Dispatch returns nil
// immediately. Called from any other goroutine while a drain is running, it
// waits for that drain to deliver msg.
//
// The returned error aggregates handler panics for msg, plus those of
// messages this call delivered that nobody else waited for.
func (d *Dispatcher) Dispatch(msg Message) error {
	return d.Await(d.Enqueue(msg))
}

// Enqueue appends msg to the delivery queue without delivering it.
// Producers that must order a message under their own lock enqueue while
// holding it and call Await after releasing it.
func (d *Dispatcher) Enqueue(msg Message) *Pending {
	if msg == nil {
		return nil
	}
	p := &Pending{msg: msg}
	d.mu.Lock()
	d.queue = append(d.queue, p)
	d.mu.Unlock()
	return p
}

// Await blocks until p has been delivered, draining the queue itself when
// no drain is running. Inside a handler it returns nil without waiting.
// A nil p returns nil.
func (d *Dispatcher) Await(p *Pending) error {
	if p == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	self := goroutineID()
	for !p.delivered {
		switch {
		case !d.draining:
			return d.drain(self)
		case d.drainer == self:
			return nil
		}
		p.claimed = true
		d.idle.Wait()
	}
	if p.claimed {
		return p.err
	}
	return nil
}

// Drain delivers queued messages until the queue is empty. When another
// goroutine is draining it waits until everything queued before the call
// has been delivered. Inside a handler it returns immediately.
func (d *Dispatcher) Drain() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	self := goroutineID()
	if !d.draining {
		return d.drain(self)
	}
	if d.drainer == self || len(d.queue) == 0 {
		return nil
	}
	last := d.queue[len(d.queue)-1]
	for !last.delivered && d.draining {
		d.idle.Wait()
	}
	if !d.draining && len(d.queue) > 0 {
		return d.drain(self)
	}
	return nil
}

// drain delivers until the queue is empty. It is called with d.mu held and
// returns with it held; the lock is released around each delivery.
func (d *Dispatcher) drain(self uint64) error {
	d.draining = true
	d.drainer = self

	var errs error
	for len(d.queue) > 0 {
		p := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		handlers := d.handlers
		d.mu.Unlock()

		var failed error
		for _, reg := range handlers {
			if err := d.deliver(reg, p.msg); err != nil {
				failed = multierr.Append(failed, err)
			}
		}

		d.mu.Lock()
		p.delivered = true
		p.err = failed
		if !p.claimed {
			errs = multierr.Append(errs, failed)
		}
		d.idle.Broadcast()
	}
	d.queue = nil
	d.draining = false
	d.drainer = 0
	d.idle.Broadcast()

	return errs
}

// deliver invokes one handler, converting a panic into an error.
func (d *Dispatcher) deliver(reg registration, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: handler %d panicked on %s: %v", d.name, reg.token, msg.Kind(), r)
			d.logger.Printf("Warning: %v", err)
		}
	}()
	reg.handler(msg)
	return nil
}
