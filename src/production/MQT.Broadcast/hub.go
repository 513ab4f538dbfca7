// Package broadcast fans accepted readings out to live viewers. Every viewer
// owns a bounded outbound queue; publishing never waits on a viewer, and a
// viewer whose queue is full is dropped instead of stalling ingest.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	logger "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.envmon/src/production/MQT.Models"
)

// ErrHubClosed is returned by Subscribe after Close
var ErrHubClosed = errors.New("broadcast hub closed")

// SnapshotSource provides the current latest-per-device view
type SnapshotSource interface {
	LatestAll() []mqtmodels.LatestEntry
}

// SnapshotFunc adapts a function to SnapshotSource
type SnapshotFunc func() []mqtmodels.LatestEntry

func (f SnapshotFunc) LatestAll() []mqtmodels.LatestEntry { return f() }

// DeliveryStatus is the outcome of handing one event to one viewer
type DeliveryStatus int

const (
	DeliveryOK DeliveryStatus = iota
	DeliveryDropped
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryOK:
		return "ok"
	case DeliveryDropped:
		return "dropped"
	default:
		return fmt.Sprintf("DeliveryStatus(%d)", int(s))
	}
}

// Delivery reports what happened to one viewer during Publish
type Delivery struct {
	ViewerID uuid.UUID
	Status   DeliveryStatus
}

// Viewer is a live subscriber handle
type Viewer struct {
	id   uuid.UUID
	send chan []byte
	once sync.Once
}

// ID identifies the viewer in logs and delivery results
func (v *Viewer) ID() uuid.UUID {
	return v.id
}

// Messages yields pre-encoded JSON messages, the snapshot first. The channel
// is closed once the viewer is disconnected for any reason.
func (v *Viewer) Messages() <-chan []byte {
	return v.send
}

// Stats are cumulative hub counters
type Stats struct {
	Viewers      int
	Subscribed   int64
	Published    int64
	Delivered    int64
	Dropped      int64
	Unsubscribed int64
}

// Hub is the live broadcast hub. It is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	viewers map[uuid.UUID]*Viewer
	closed  bool

	source     SnapshotSource
	bufferSize int
	log        *logger.Logger

	subscribed   atomic.Int64
	published    atomic.Int64
	delivered    atomic.Int64
	dropped      atomic.Int64
	unsubscribed atomic.Int64
}

// NewHub returns a hub taking subscribe-time snapshots from source.
// bufferSize bounds each viewer's queue and is at least 1.
func NewHub(source SnapshotSource, bufferSize int, log *logger.Logger) *Hub {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Hub{
		viewers:    make(map[uuid.UUID]*Viewer),
		source:     source,
		bufferSize: bufferSize,
		log:        log.WithComponent("broadcast_hub"),
	}
}

// Subscribe registers a viewer and queues the current snapshot as its first
// message. The snapshot is taken while holding the hub lock so no event can
// be queued ahead of it.
func (h *Hub) Subscribe() (*Viewer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	entries := h.source.LatestAll()
	if entries == nil {
		entries = []mqtmodels.LatestEntry{}
	}
	snapshot, err := json.Marshal(mqtmodels.SnapshotMessage{
		Type: mqtmodels.LiveMessageInitial,
		Data: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	v := &Viewer{
		id:   uuid.New(),
		send: make(chan []byte, h.bufferSize),
	}
	v.send <- snapshot
	h.viewers[v.id] = v
	h.subscribed.Add(1)

	h.log.Debug(fmt.Sprintf("Viewer %s subscribed (%d connected)", v.id, len(h.viewers)))
	return v, nil
}

// Unsubscribe disconnects a viewer. Unknown, nil or already disconnected
// handles are a no-op.
func (h *Hub) Unsubscribe(v *Viewer) {
	if v == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(v) {
		h.log.Debug(fmt.Sprintf("Viewer %s unsubscribed (%d connected)", v.id, len(h.viewers)))
	}
}

// removeLocked deletes and closes v if it is registered with this hub
func (h *Hub) removeLocked(v *Viewer) bool {
	if current, ok := h.viewers[v.id]; !ok || current != v {
		return false
	}
	delete(h.viewers, v.id)
	v.once.Do(func() { close(v.send) })
	h.unsubscribed.Add(1)
	return true
}

// Publish encodes event once and offers it to every viewer without blocking.
// Viewers whose queue is full are dropped. The returned slice has one entry
// per viewer that was connected when Publish started.
func (h *Hub) Publish(event any) ([]Delivery, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.published.Add(1)
	if len(h.viewers) == 0 {
		return nil, nil
	}

	deliveries := make([]Delivery, 0, len(h.viewers))
	var slow []*Viewer
	for _, v := range h.viewers {
		select {
		case v.send <- payload:
			deliveries = append(deliveries, Delivery{ViewerID: v.id, Status: DeliveryOK})
		default:
			deliveries = append(deliveries, Delivery{ViewerID: v.id, Status: DeliveryDropped})
			slow = append(slow, v)
		}
	}

	for _, v := range slow {
		h.removeLocked(v)
		h.log.Warn(fmt.Sprintf("Viewer %s dropped: outbound queue full", v.id))
	}
	h.delivered.Add(int64(len(deliveries) - len(slow)))
	h.dropped.Add(int64(len(slow)))

	return deliveries, nil
}

// Close disconnects every viewer and rejects further subscriptions
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for _, v := range h.viewers {
		h.removeLocked(v)
	}
}

// Count returns the number of connected viewers
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) Stats() Stats {
	return Stats{
		Viewers:      h.Count(),
		Subscribed:   h.subscribed.Load(),
		Published:    h.published.Load(),
		Delivered:    h.delivered.Load(),
		Dropped:      h.dropped.Load(),
		Unsubscribed: h.unsubscribed.Load(),
	}
}
