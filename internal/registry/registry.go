package registry

import (
	"fmt"
	"sync"

	"github.com/monetgate/monetgate/internal/config"
)

// Registry resolves server IDs to their MonetDB configurations.
type Registry struct {
	mu       sync.RWMutex
	servers  map[string]config.ServerConfig
	defaults config.PoolDefaults
	paused   map[string]bool
}

// New creates a new Registry populated from the given config.
func New(cfg *config.Config) *Registry {
	r := &Registry{
		servers:  make(map[string]config.ServerConfig, len(cfg.Servers)),
		defaults: cfg.Defaults,
		paused:   make(map[string]bool),
	}
	for id, sc := range cfg.Servers {
		r.servers[id] = sc
	}
	return r
}

// Resolve looks up the ServerConfig for the given server ID.
func (r *Registry) Resolve(serverID string) (config.ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sc, ok := r.servers[serverID]
	if !ok {
		return config.ServerConfig{}, fmt.Errorf("unknown server: %q", serverID)
	}
	return sc, nil
}

// AddServer registers or updates a server configuration.
func (r *Registry) AddServer(serverID string, sc config.ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[serverID] = sc
}

// RemoveServer removes a server from the registry.
func (r *Registry) RemoveServer(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[serverID]; !ok {
		return false
	}
	delete(r.servers, serverID)
	delete(r.paused, serverID)
	return true
}

// PauseServer marks a server as paused. Returns false if server not found.
func (r *Registry) PauseServer(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[serverID]; !ok {
		return false
	}
	r.paused[serverID] = true
	return true
}

// ResumeServer unpauses a server. Returns false if server not found.
func (r *Registry) ResumeServer(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[serverID]; !ok {
		return false
	}
	delete(r.paused, serverID)
	return true
}

// IsPaused returns whether a server is currently paused.
func (r *Registry) IsPaused(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused[serverID]
}

// ListServers returns all server IDs and their configs.
func (r *Registry) ListServers() map[string]config.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]config.ServerConfig, len(r.servers))
	for id, sc := range r.servers {
		result[id] = sc
	}
	return result
}

// Defaults returns the current pool defaults.
func (r *Registry) Defaults() config.PoolDefaults {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Reload replaces the entire registry from a new config.
func (r *Registry) Reload(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = cfg.Defaults
	newServers := make(map[string]config.ServerConfig, len(cfg.Servers))
	for id, sc := range cfg.Servers {
		newServers[id] = sc
	}
	r.servers = newServers
	r.paused = make(map[string]bool)
}
