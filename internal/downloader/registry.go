package downloader

import (
	"sort"
	"sync"
)

type registryEntry struct {
	task       Task
	generation uint64
}

// Registry maps download item ids to live task handles. Each registration gets
// a fresh generation so late events from a replaced or deleted handle can be
// recognized and dropped.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]registryEntry
	next    uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]registryEntry)}
}

// Register stores task for id and returns its generation.
func (r *Registry) Register(id int64, task Task) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[id] = registryEntry{task: task, generation: r.next}
	return r.next
}

// Lookup returns the task registered for id.
func (r *Registry) Lookup(id int64) (Task, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	return entry.task, entry.generation, ok
}

// Current reports whether generation is still the live registration for id.
func (r *Registry) Current(id int64, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	return ok && entry.generation == generation
}

// Deregister removes id if generation matches the live registration, or
// unconditionally when generation is zero. It returns the removed task.
func (r *Registry) Deregister(id int64, generation uint64) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok || (generation != 0 && entry.generation != generation) {
		return nil, false
	}
	delete(r.entries, id)
	return entry.task, true
}

// Len returns the number of live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// IDs returns the registered item ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
