// Package health maintains the live view of the tool-server pool. The
// registry is read-mostly: the checker loop writes health verdicts, the
// router only reads them. The view is eventually consistent; an instance
// marked unhealthy may still receive a handful of in-flight calls, which
// fail and retry elsewhere.
package health

import (
	"sync"
	"time"

	"mcp-orchestrator/backend/pkg/models"
)

// Registry holds the known server instances and their health state.
type Registry struct {
	mu        sync.RWMutex
	instances []models.ServerInstance
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an instance. New instances start unhealthy until the first
// probe passes, so the router never picks an address that was never checked.
func (r *Registry) Register(serverType, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.ServerType == serverType && inst.Address == address {
			return
		}
	}
	r.instances = append(r.instances, models.ServerInstance{
		ServerType: serverType,
		Address:    address,
		Health:     models.HealthUnhealthy,
	})
}

// SetHealth records a probe verdict for one instance.
func (r *Registry) SetHealth(serverType, address string, health models.ServerHealth, checkedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.instances {
		if r.instances[i].ServerType == serverType && r.instances[i].Address == address {
			r.instances[i].Health = health
			r.instances[i].LastChecked = checkedAt
			return
		}
	}
}

// HealthyByType returns the healthy instances for one server type.
func (r *Registry) HealthyByType(serverType string) []models.ServerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ServerInstance
	for _, inst := range r.instances {
		if inst.ServerType == serverType && inst.Health == models.HealthHealthy {
			out = append(out, inst)
		}
	}
	return out
}

// Snapshot returns a copy of all instances.
func (r *Registry) Snapshot() []models.ServerInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ServerInstance, len(r.instances))
	copy(out, r.instances)
	return out
}
