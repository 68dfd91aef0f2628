package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ProviderHealth is the health of one outbound client.
type ProviderHealth struct {
	Name          string
	CircuitState  gobreaker.State
	Counts        gobreaker.Counts
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// IsHealthy reports a closed breaker.
func (h ProviderHealth) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded reports a half-open breaker.
func (h ProviderHealth) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy reports an open breaker.
func (h ProviderHealth) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Status returns "ok", "degraded" or "down".
func (h ProviderHealth) Status() string {
	switch {
	case h.IsUnhealthy():
		return "down"
	case h.IsDegraded():
		return "degraded"
	default:
		return "ok"
	}
}

// Registry collects the clients a process depends on for readiness reporting.
// It is constructed per process and injected, never global.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register adds client under its name, replacing any previous one.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.Name()] = client
}

// Unregister removes a client.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, name)
}

// Health returns the health of one client, or false if it is unknown.
func (r *Registry) Health(name string) (ProviderHealth, bool) {
	r.mu.RLock()
	c, ok := r.clients[name]
	r.mu.RUnlock()
	if !ok {
		return ProviderHealth{}, false
	}
	return c.Health(), true
}

// All returns the health of every client ordered by name.
func (r *Registry) All() []ProviderHealth {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether no registered breaker is open.
func (r *Registry) Healthy() bool {
	for _, h := range r.All() {
		if h.IsUnhealthy() {
			return false
		}
	}
	return true
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
