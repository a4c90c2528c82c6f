package mockserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Message is a change stream frame.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ChangeData describes the write that produced a change frame.
type ChangeData struct {
	Action string   `json:"action"` // created, updated, deleted
	IDs    []string `json:"ids,omitempty"`
}

// subscriberQueue is the number of frames buffered per subscriber. A
// subscriber that falls further behind is disconnected.
const subscriberQueue = 64

const writeTimeout = 5 * time.Second

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	gone chan struct{}
	once sync.Once
}

func (sub *subscriber) close(code websocket.StatusCode, reason string) {
	sub.once.Do(func() {
		close(sub.gone)
		_ = sub.conn.Close(code, reason)
	})
}

// hub fans encoded frames out to every connected subscriber.
type hub struct {
	logger *log.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func newHub(logger *log.Logger) *hub {
	return &hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

func (h *hub) add(sub *subscriber) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
	return len(h.subs)
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		sub.close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Event subscriber left (%d remaining)", n)
	}
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// publish queues frame for every subscriber without blocking.
func (h *hub) publish(frame []byte) {
	h.mu.RLock()
	var slow []*subscriber
	for sub := range h.subs {
		select {
		case sub.send <- frame:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Println("Warning: event subscriber is not keeping up, disconnecting")
		h.remove(sub)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for sub := range subs {
		sub.close(websocket.StatusGoingAway, "server shutting down")
	}
}

// Broadcast sends msg to every event subscriber. A zero timestamp is set to
// the current time.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s frame: %v", msg.Type, err)
		return
	}
	s.events.publish(frame)
}

// NotifyChange broadcasts an "<entity>.change" frame.
func (s *Server) NotifyChange(entity, action string, ids ...string) {
	data, err := json.Marshal(ChangeData{Action: action, IDs: ids})
	if err != nil {
		s.logger.Printf("Failed to encode change data: %v", err)
		return
	}
	s.Broadcast(Message{Type: entity + ".change", Data: data})
}

// Subscribers returns the number of connected event subscribers.
func (s *Server) Subscribers() int {
	return s.events.len()
}

// handleEvents upgrades to a websocket, greets the subscriber with a hello
// frame and streams change frames until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("Event upgrade failed: %v", err)
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan []byte, subscriberQueue),
		gone: make(chan struct{}),
	}
	hello, _ := json.Marshal(Message{Type: "hello", Timestamp: time.Now()})
	sub.send <- hello

	n := s.events.add(sub)
	s.logger.Printf("Event subscriber joined (%d connected)", n)
	defer s.events.remove(sub)

	// The reader only observes the close handshake; subscribers send nothing.
	ctx := conn.CloseRead(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.gone:
			return
		case frame := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Printf("Event write failed: %v", err)
				return
			}
		}
	}
}
