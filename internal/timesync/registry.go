package timesync

import (
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"

	"grimm.is/wallclock/internal/logging"
)

// Registry tracks open components so that shutdown can close all of them.
// A nil *Registry is valid and tracks nothing.
type Registry struct {
	mu     sync.Mutex
	open   map[string]io.Closer
	logger *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		open:   make(map[string]io.Closer),
		logger: logging.OrComponent(logger, "timesync"),
	}
}

// Add records c and returns the id to remove it with.
func (r *Registry) Add(c io.Closer) string {
	if r == nil {
		return ""
	}
	id := uuid.NewString()
	r.mu.Lock()
	r.open[id] = c
	r.mu.Unlock()
	return id
}

// Remove forgets id without closing it.
func (r *Registry) Remove(id string) {
	if r == nil || id == "" {
		return
	}
	r.mu.Lock()
	delete(r.open, id)
	r.mu.Unlock()
}

// Len returns the number of open components.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// CloseAll closes every registered component and empties the registry.
// It returns the first error; later ones are logged.
func (r *Registry) CloseAll() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	open := r.open
	r.open = make(map[string]io.Closer)
	r.mu.Unlock()

	ids := make([]string, 0, len(open))
	for id := range open {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var first error
	for _, id := range ids {
		if err := open[id].Close(); err != nil {
			if first == nil {
				first = err
				continue
			}
			r.logger.Warn("Close failed", "id", id, "error", err)
		}
	}
	return first
}
