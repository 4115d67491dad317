package handoff

import (
	"sync"

	"github.com/zombor/gastos-import/internal/extraction"
)

// Slot holds at most one extraction result until the expense form takes it
type Slot interface {
	// Push stores r, replacing any result that was not taken yet
	Push(r extraction.Result) error

	// TakeAndClear returns the stored result and empties the slot.
	// It returns nil when the slot is empty.
	TakeAndClear() (*extraction.Result, error)
}

// Memory is an in-process Slot
type Memory struct {
	mu     sync.Mutex
	result *extraction.Result
}

// NewMemory creates an empty in-process Slot
func NewMemory() *Memory {
	return &Memory{}
}

// Push stores r. Last write wins.
func (m *Memory) Push(r extraction.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = &r
	return nil
}

// TakeAndClear returns the stored result, if any, and empties the slot
func (m *Memory) TakeAndClear() (*extraction.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.result
	m.result = nil
	return r, nil
}
