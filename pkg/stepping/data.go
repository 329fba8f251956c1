package stepping

import (
	"sync"

	"github.com/google/uuid"
)

// Data is the payload carried through subjects. Metadata is a side channel for runtime
// bookkeeping such as the expected node count of a reduce round.
type Data struct {
	ID    string
	Value any

	mu       sync.RWMutex
	metadata map[string]any
}

// NewData wraps value with a fresh id
func NewData(value any) *Data {
	return &Data{
		ID:    uuid.New().String(),
		Value: value,
	}
}

// SetMetadata sets key to value and returns d for chaining
func (d *Data) SetMetadata(key string, value any) *Data {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.metadata == nil {
		d.metadata = make(map[string]any)
	}
	d.metadata[key] = value
	return d
}

// Metadata returns the value stored under key
func (d *Data) Metadata(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.metadata[key]
	return v, ok
}

// Partials returns the partial results of an aggregated reduce payload, in arrival order.
// It returns nil when d is not an aggregate.
func (d *Data) Partials() []*Data {
	partials, _ := d.Value.([]*Data)
	return partials
}

// Message is a Data published under a subject type.
type Message struct {
	Data        *Data
	SubjectType string
}

func (m Message) isControl() bool {
	return m.SubjectType == PoisonPill || m.SubjectType == SubjectTimeoutCallback
}
