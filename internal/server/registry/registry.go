// Package registry tracks the in-memory ConnectedClient entries for
// currently-open channels (spec §3.2). It is a concurrent map keyed by
// app_id; a single RWMutex guards the whole map, so every insert/update is
// exclusive for its duration, across all keys.
package registry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Client is the in-memory runtime record for one live connection.
type Client struct {
	AppID     string
	ParentID  *string
	Namespace string
	LastSeq   int64
}

// Registry is the server's connection registry (spec §3.2 "ConnectedClient").
// The owning per-connection handler is the sole mutator of its own entry.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	gauge   prometheus.Gauge
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// SetGauge wires a Prometheus gauge that tracks the live connection count as
// entries are inserted and removed. Optional: a Registry with no gauge
// attached behaves exactly as before.
func (r *Registry) SetGauge(g prometheus.Gauge) {
	r.mu.Lock()
	r.gauge = g
	r.mu.Unlock()
}

// Insert adds or replaces the entry for c.AppID.
func (r *Registry) Insert(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.clients[c.AppID]
	cp := c
	r.clients[c.AppID] = &cp
	if !existed && r.gauge != nil {
		r.gauge.Inc()
	}
}

// Get returns the entry for appID, if any.
func (r *Registry) Get(appID string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[appID]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// UpdateLastSeq bumps the high-water mark for appID, if present.
func (r *Registry) UpdateLastSeq(appID string, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[appID]; ok {
		c.LastSeq = seq
	}
}

// Remove deletes the entry for appID. Called by Phase C cleanup regardless
// of how the channel ended.
func (r *Registry) Remove(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[appID]; ok {
		delete(r.clients, appID)
		if r.gauge != nil {
			r.gauge.Dec()
		}
	}
}

// Len reports the number of currently-connected clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
