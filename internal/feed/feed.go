// Package feed connects to the backend's change event stream and turns each
// change frame into an ExternalChangeMessage on the change bus.
//
// Frames are JSON objects whose "type" is "<entity>.change". Other frame
// types are ignored. After a reconnect every watched entity is announced as
// changed, since events may have been missed while the stream was down.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"

	"github.com/steveyegge/consolesync/internal/action"
	"github.com/steveyegge/consolesync/internal/dispatcher"
	"github.com/steveyegge/consolesync/internal/models"
)

// ChangeSuffix is the frame type suffix that marks an entity change.
const ChangeSuffix = ".change"

// Frame is one event on the stream.
type Frame struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Entity returns the entity named by a change frame.
func (f Frame) Entity() (string, bool) {
	entity, ok := strings.CutSuffix(f.Type, ChangeSuffix)
	if !ok || entity == "" {
		return "", false
	}
	return entity, true
}

// Config holds feed configuration.
type Config struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/event. Required.
	URL string

	// Changes is the bus change notifications are dispatched on. Required.
	Changes *dispatcher.Dispatcher

	// Entities limits which entity kinds are forwarded (default: forward
	// every change frame). They are also the kinds announced after a
	// reconnect; when unset, every kind in models.Entities is announced.
	Entities []string

	// MinBackoff is the first reconnect delay (default: 500ms)
	MinBackoff time.Duration

	// MaxBackoff caps the reconnect delay (default: 30s)
	MaxBackoff time.Duration

	// Clock drives reconnect timers (default: wall clock)
	Clock clock.Clock

	// Logger for feed activity (default: stderr logger)
	Logger *log.Logger
}

// Feed is a reconnecting change stream client.
type Feed struct {
	url        string
	changes    *dispatcher.Dispatcher
	entities   map[string]bool
	order      []string
	minBackoff time.Duration
	maxBackoff time.Duration
	clock      clock.Clock
	logger     *log.Logger

	mu        sync.Mutex
	connected bool
	connects  int
	received  int
}

// New creates a feed. It does not connect until Run is called.
func New(config *Config) (*Feed, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	if config.Changes == nil {
		return nil, fmt.Errorf("change bus cannot be nil")
	}

	f := &Feed{
		url:        config.URL,
		changes:    config.Changes,
		entities:   make(map[string]bool, len(config.Entities)),
		order:      append([]string(nil), config.Entities...),
		minBackoff: config.MinBackoff,
		maxBackoff: config.MaxBackoff,
		clock:      config.Clock,
		logger:     config.Logger,
	}
	for _, entity := range config.Entities {
		f.entities[entity] = true
	}
	if len(f.order) == 0 {
		f.order = slices.Clone(models.Entities)
	}
	if f.minBackoff <= 0 {
		f.minBackoff = 500 * time.Millisecond
	}
	if f.maxBackoff <= 0 {
		f.maxBackoff = 30 * time.Second
	}
	if f.maxBackoff < f.minBackoff {
		f.maxBackoff = f.minBackoff
	}
	if f.clock == nil {
		f.clock = clock.New()
	}
	if f.logger == nil {
		f.logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}
	return f, nil
}

// Run reads the stream until ctx is cancelled, reconnecting with
// exponential backoff. It returns ctx.Err().
func (f *Feed) Run(ctx context.Context) error {
	backoff := f.minBackoff
	for {
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			// A session that got connected resets the delay.
			backoff = f.minBackoff
		} else {
			f.logger.Printf("Change feed error: %v (retrying in %s)", err, backoff)
		}

		timer := f.clock.Timer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err != nil {
			backoff = nextBackoff(backoff, f.maxBackoff)
		}
	}
}

// Connected reports whether a stream is currently open.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Connects returns how many times the stream has been opened.
func (f *Feed) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Received returns the number of change frames forwarded.
func (f *Feed) Received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received
}

// session runs one connection. It returns nil if the connection was
// established and later dropped, or the dial error otherwise.
func (f *Feed) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", f.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.mu.Lock()
	f.connected = true
	f.connects++
	reconnect := f.connects > 1
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.connected = false
		f.mu.Unlock()
	}()

	f.logger.Printf("Change feed connected to %s", f.url)
	if reconnect {
		f.announceAll()
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !isClosed(err) {
				f.logger.Printf("Change feed disconnected: %v", err)
			}
			return nil
		}
		if typ != websocket.MessageText {
			continue
		}
		f.handleFrame(data)
	}
}

func (f *Feed) handleFrame(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Printf("Warning: ignoring malformed frame: %v", err)
		return
	}
	entity, ok := frame.Entity()
	if !ok {
		return
	}
	if len(f.entities) > 0 && !f.entities[entity] {
		return
	}

	f.mu.Lock()
	f.received++
	f.mu.Unlock()
	f.announce(entity)
}

func (f *Feed) announceAll() {
	for _, entity := range f.order {
		f.announce(entity)
	}
}

func (f *Feed) announce(entity string) {
	if err := f.changes.Dispatch(action.ExternalChangeMessage{Entity: entity}); err != nil {
		f.logger.Printf("Warning: change handler failed for %s: %v", entity, err)
	}
}

func isClosed(err error) bool {
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
		errors.Is(err, context.Canceled)
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
