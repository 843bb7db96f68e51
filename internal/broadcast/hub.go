// Package broadcast fans state deltas out to live subscribers.
//
// Publish never blocks the caller: deltas go onto a bounded queue drained by
// Run. Each subscriber has its own bounded buffer and writer goroutine, so a
// slow or broken connection is dropped without delaying anyone else.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"availability-backend/config"
	"availability-backend/internal/metrics"
	"availability-backend/internal/model"
)

// ErrUnknownConn is returned when updating a subscriber that is not registered.
var ErrUnknownConn = errors.New("unknown connection")

// Delta is the machine_update message sent to subscribers.
type Delta struct {
	Type       string       `json:"type"`
	DeviceID   string       `json:"deviceId"`
	SiteID     string       `json:"siteId"`
	Category   string       `json:"category"`
	Status     model.Status `json:"status"`
	Timestamp  time.Time    `json:"timestamp"`
	LastChange time.Time    `json:"lastChange"`
}

func DeltaFrom(ev model.TransitionEvent) Delta {
	return Delta{
		Type:       "machine_update",
		DeviceID:   ev.DeviceID,
		SiteID:     ev.SiteID,
		Category:   ev.Category,
		Status:     ev.NewStatus,
		Timestamp:  ev.Timestamp,
		LastChange: ev.LastChange,
	}
}

// Conn is the transport of one subscriber. WriteJSON is only called from a
// single goroutine; Close may be called concurrently with it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type subscriber struct {
	id           string
	conn         Conn
	filter       Filter
	out          chan Delta
	done         chan struct{}
	registeredAt time.Time
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	queue   chan Delta
	bufSize int
}

func NewHub(cfg config.BroadcastConfig) *Hub {
	return &Hub{
		subs:    make(map[string]*subscriber),
		queue:   make(chan Delta, cfg.QueueSize),
		bufSize: cfg.ConnBufferSize,
	}
}

// Register adds a subscriber and starts its writer. It returns the connection id.
func (h *Hub) Register(conn Conn, filter Filter) string {
	sub := &subscriber{
		id:           uuid.NewString(),
		conn:         conn,
		filter:       filter,
		out:          make(chan Delta, h.bufSize),
		done:         make(chan struct{}),
		registeredAt: time.Now(),
	}

	h.mu.Lock()
	h.subs[sub.id] = sub
	n := len(h.subs)
	h.mu.Unlock()

	metrics.SetBroadcastSubscribers(n)
	log.Debug().Str("conn_id", sub.id).Int("total", n).Msg("broadcast subscriber registered")
	go h.writer(sub)
	return sub.id
}

func (h *Hub) UpdateFilter(id string, filter Filter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return ErrUnknownConn
	}
	sub.filter = filter
	return nil
}

// Deregister removes the subscriber and closes its connection. Unknown ids are ignored.
func (h *Hub) Deregister(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(sub.done)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := sub.conn.Close(); err != nil {
		log.Debug().Err(err).Str("conn_id", id).Msg("error closing broadcast connection")
	}
	metrics.SetBroadcastSubscribers(n)
	log.Debug().Str("conn_id", id).Int("total", n).Msg("broadcast subscriber removed")
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish enqueues a delta without blocking. It returns false if the queue is full.
func (h *Hub) Publish(d Delta) bool {
	select {
	case h.queue <- d:
		return true
	default:
		metrics.IncBroadcastDropped("queue_full")
		log.Warn().Str("device_id", d.DeviceID).Msg("broadcast queue is full, dropping update")
		return false
	}
}

// Run drains the queue until ctx is done, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case d := <-h.queue:
			h.dispatch(d)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) dispatch(d Delta) {
	var slow []string
	h.mu.RLock()
	for id, sub := range h.subs {
		if !sub.filter.Matches(d) {
			continue
		}
		select {
		case sub.out <- d:
		default:
			slow = append(slow, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range slow {
		metrics.IncBroadcastDropped("slow_subscriber")
		log.Info().Str("conn_id", id).Msg("broadcast subscriber fell behind, disconnecting")
		h.Deregister(id)
	}
}

func (h *Hub) writer(sub *subscriber) {
	for {
		select {
		case d := <-sub.out:
			if err := sub.conn.WriteJSON(d); err != nil {
				metrics.IncBroadcastDropped("write_failed")
				log.Debug().Err(err).Str("conn_id", sub.id).Msg("broadcast write failed, disconnecting")
				h.Deregister(sub.id)
				return
			}
		case <-sub.done:
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Deregister(id)
	}
}
