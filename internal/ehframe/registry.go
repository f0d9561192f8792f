package ehframe

import (
	"fmt"
	"sync"
)

// Record is one registered FDE: the raw bytes plus the code range it covers.
type Record struct {
	// FDE is the record's bytes within the writer's buffer.
	FDE []byte
	// Start and End bound the covered code range, [Start, End).
	Start, End uintptr
}

// Registry is the process-wide table the native unwinder consults. The
// default implementation lives in this package so tests can observe
// registration lifetimes; production builds may plug the real system
// registry in. Implementations must be safe for concurrent use.
type Registry interface {
	Register(r Record) error
	Deregister(r Record)
	// LookupPC returns the record covering pc, if any.
	LookupPC(pc uintptr) (Record, bool)
}

// NewRegistry returns an empty in-process registry.
func NewRegistry() Registry { return &memRegistry{} }

// GlobalRegistry is the default process-wide registry.
var GlobalRegistry = NewRegistry()

type memRegistry struct {
	mu      sync.RWMutex
	records []Record
}

func (m *memRegistry) Register(r Record) error {
	if r.End <= r.Start {
		return fmt.Errorf("ehframe: refusing to register empty range [%#x, %#x)", r.Start, r.End)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.records {
		if r.Start < have.End && have.Start < r.End {
			return fmt.Errorf("ehframe: range [%#x, %#x) overlaps registered [%#x, %#x)",
				r.Start, r.End, have.Start, have.End)
		}
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memRegistry) Deregister(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, have := range m.records {
		if have.Start == r.Start && have.End == r.End {
			m.records = append(m.records[:i], m.records[i+1:]...)
			return
		}
	}
}

func (m *memRegistry) LookupPC(pc uintptr) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if pc >= r.Start && pc < r.End {
			return r, true
		}
	}
	return Record{}, false
}
