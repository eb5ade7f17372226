package media

import (
	"fmt"
	"sync"

	"github.com/arzzra/siphook/pkg/mediabridge"
)

var _ mediabridge.SinkResolver = (*Registry)(nil)

// Registry сопоставляет внешние идентификаторы приемникам.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]mediabridge.Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: make(map[string]mediabridge.Sink)}
}

// Register добавляет или заменяет приемник handle.
func (r *Registry) Register(handle string, sink mediabridge.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[handle] = sink
}

// Remove удаляет приемник handle.
func (r *Registry) Remove(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, handle)
}

func (r *Registry) Resolve(handle string) (mediabridge.Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[handle]
	if !ok {
		return nil, fmt.Errorf("sink %q not registered", handle)
	}
	return sink, nil
}
