package offline0

import (
	"context"
	"sync"
)

// Client is a connected browsing context.
type Client interface {
	ID() string
	Post(ctx context.Context, msg Message) error
}

type clientSlot struct {
	client     Client
	controller *Agent
}

// ClientRegistry tracks connected clients and the agent controlling each.
type ClientRegistry struct {
	mu      sync.RWMutex
	order   []string
	clients map[string]*clientSlot
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: map[string]*clientSlot{}}
}

// Add registers c, controlled by controller (nil for an uncontrolled client).
func (r *ClientRegistry) Add(c Client, controller *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.clients[c.ID()]; ok {
		slot.client = c
		slot.controller = controller
		return
	}
	r.clients[c.ID()] = &clientSlot{client: c, controller: controller}
	r.order = append(r.order, c.ID())
}

func (r *ClientRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return
	}
	delete(r.clients, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *ClientRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Controller returns the agent controlling the client, if any.
func (r *ClientRegistry) Controller(id string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if slot, ok := r.clients[id]; ok {
		return slot.controller
	}
	return nil
}

// Controlled returns, in connection order, the clients controlled by a.
func (r *ClientRegistry) Controlled(a *Agent) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Client
	for _, id := range r.order {
		if slot := r.clients[id]; slot.controller == a {
			out = append(out, slot.client)
		}
	}
	return out
}

// Claim makes a the controller of every connected client and returns how
// many changed hands.
func (r *ClientRegistry) Claim(a *Agent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, slot := range r.clients {
		if slot.controller != a {
			slot.controller = a
			n++
		}
	}
	return n
}
