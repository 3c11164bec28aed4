// Package realtime pushes revision changes to connected terminals.
//
// Connections join a group named after the tenant their screen belongs to.
// Publishing never blocks: a connection whose buffer is full misses the
// event and catches up through the version check on its next poll.
package realtime

import (
	"errors"
	"sync"

	"semaphore/display/internal/metrics"
)

var (
	ErrMemberExists = errors.New("connection already joined")
	ErrHubClosed    = errors.New("hub is closed")
)

// Event announces a new tenant revision.
type Event struct {
	TenantID string `json:"tenant_id"`
	Revision int64  `json:"revision"`
}

type Hub struct {
	metrics *metrics.Counters

	mu     sync.RWMutex
	groups map[string]map[string]chan<- Event
	closed bool
}

func NewHub(counters *metrics.Counters) *Hub {
	return &Hub{metrics: counters, groups: map[string]map[string]chan<- Event{}}
}

func (h *Hub) Join(tenantID, connID string, ch chan<- Event) error {
	if ch == nil {
		return errors.New("member channel cannot be nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	group, ok := h.groups[tenantID]
	if !ok {
		group = map[string]chan<- Event{}
		h.groups[tenantID] = group
	}
	if _, exists := group[connID]; exists {
		return ErrMemberExists
	}
	group[connID] = ch
	return nil
}

func (h *Hub) Leave(tenantID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.groups[tenantID]
	delete(group, connID)
	if len(group) == 0 {
		delete(h.groups, tenantID)
	}
}

// Publish hands ev to every member of the tenant's group without waiting.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.groups[ev.TenantID] {
		select {
		case ch <- ev:
		default:
			h.metrics.WSMessageDropped()
		}
	}
}

// Members is the number of connections in the tenant's group.
func (h *Hub) Members(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[tenantID])
}

// Close stops delivery. Members still leave normally.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}
