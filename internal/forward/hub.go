package forward

import (
	"context"
	"sync"
)

// Hub tracks the forwarder for every live task. Once a task reaches its
// terminal event the entry is removed; later readers replay from the
// message store instead.
type Hub struct {
	mu         sync.RWMutex
	forwarders map[string]*Forwarder
}

func NewHub() *Hub {
	return &Hub{forwarders: map[string]*Forwarder{}}
}

// Start registers the forwarder and drives its producer on a fresh
// goroutine. The context is the process context, not a request context,
// so a disconnecting consumer never cancels the producer.
func (h *Hub) Start(ctx context.Context, f *Forwarder, producer Producer) {
	h.mu.Lock()
	h.forwarders[f.TaskID] = f
	h.mu.Unlock()

	go func() {
		f.Run(ctx, producer)
		h.mu.Lock()
		delete(h.forwarders, f.TaskID)
		h.mu.Unlock()
	}()
}

// Get returns the live forwarder for a task, or nil when the task is
// not currently streaming.
func (h *Hub) Get(taskID string) *Forwarder {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.forwarders[taskID]
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.forwarders)
}
