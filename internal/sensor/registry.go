package sensor

import (
	"context"
	"fmt"
	"sync"
)

// Registry dispatches reads to the protocol client registered for each
// sensor type. It implements Reader itself, so the aggregation layer never
// sees protocol boundaries.
type Registry struct {
	mu      sync.RWMutex
	readers map[Type]Reader
}

func NewRegistry() *Registry {
	return &Registry{readers: map[Type]Reader{}}
}

// Register installs (or replaces) the reader for a protocol type.
func (r *Registry) Register(t Type, reader Reader) {
	r.mu.Lock()
	r.readers[t] = reader
	r.mu.Unlock()
}

func (r *Registry) Read(ctx context.Context, ref Ref) (TitledValue, error) {
	r.mu.RLock()
	reader := r.readers[ref.Type]
	r.mu.RUnlock()
	if reader == nil {
		return TitledValue{}, fmt.Errorf("%w: no reader for type %q", ErrUnknownSensor, ref.Type)
	}
	return reader.Read(ctx, ref)
}
