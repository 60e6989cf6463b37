// Package stream fans run events out to websocket subscribers.
package stream

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"QuantFlow/internal/domain/models"
	drepo "QuantFlow/internal/domain/repository"
	"QuantFlow/pkg/logger"

	"github.com/gorilla/websocket"
)

// AllRuns subscribes to every run.
const AllRuns = "*"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type subscriber struct {
	ch chan models.RunEvent
}

// Hub is an EventSink that forwards events to in-process subscribers.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscriber]struct{}
	buffer   int
	dropped  atomic.Int64
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, log *logger.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Subscribe returns a channel of events for runID (or AllRuns) and a cancel func
// that unsubscribes and closes the channel.
func (h *Hub) Subscribe(runID string) (<-chan models.RunEvent, func()) {
	s := &subscriber{ch: make(chan models.RunEvent, h.buffer)}
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*subscriber]struct{})
	}
	h.subs[runID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[runID], s)
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, ev models.RunEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range []string{ev.RunID, AllRuns} {
		for s := range h.subs[key] {
			select {
			case s.ch <- ev:
			default:
				h.dropped.Add(1)
			}
		}
	}
	return nil
}

// Dropped reports how many events were discarded for slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers reports the live subscriber count for runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

// Serve upgrades the request and streams runID's events as JSON text frames
// until the client goes away or ctx ends.
func (h *Hub) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, runID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	events, cancel := h.Subscribe(runID)
	defer cancel()

	// read pump: only control frames are expected, a read error means the peer left
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	h.log.Debug("websocket subscriber attached", logger.RunID(runID))

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
			return nil
		case <-gone:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

var _ drepo.EventSink = (*Hub)(nil)
