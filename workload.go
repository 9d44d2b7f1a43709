package dtapp

import (
	"fmt"
	"sync"
)

// WorkloadOptions is the (name, description, options) triple spec.md
// §6 describes as the in-memory workload catalog's entry shape. Option
// values are kept as plain strings, the same key=value form
// internal/job.Modify parses for live modify commands; nothing in this
// package parses or applies them.
type WorkloadOptions map[string]string

// Workload is one named, described, preset option bundle.
type Workload struct {
	Name        string
	Description string
	Options     WorkloadOptions
}

// WorkloadCatalog is the in-process registration/lookup surface
// spec.md §6 names: callers register workloads by exact name and look
// them up the same way, with no partial-match behavior.
type WorkloadCatalog struct {
	mu        sync.RWMutex
	workloads map[string]Workload
}

// NewWorkloadCatalog returns an empty catalog.
func NewWorkloadCatalog() *WorkloadCatalog {
	return &WorkloadCatalog{workloads: make(map[string]Workload)}
}

// Register adds or replaces a workload under its exact name.
func (c *WorkloadCatalog) Register(w Workload) error {
	if w.Name == "" {
		return fmt.Errorf("dtapp: workload name must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workloads[w.Name] = w
	return nil
}

// Lookup finds a workload by its exact name.
func (c *WorkloadCatalog) Lookup(name string) (Workload, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.workloads[name]
	return w, ok
}

// Names returns every registered workload name, in no particular
// order.
func (c *WorkloadCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.workloads))
	for n := range c.workloads {
		names = append(names, n)
	}
	return names
}

// Remove deletes a workload by name. It is not an error to remove a
// name that was never registered.
func (c *WorkloadCatalog) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workloads, name)
}
