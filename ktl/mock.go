package ktl

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Service used in tests and when developing against
// hardware that is not present.
type Mock struct {
	// ServiceName mimics the name of a real service
	ServiceName string

	mu   sync.Mutex
	vals map[string]string

	// Writes counts Modify calls per keyword, letting tests assert on
	// commanded motion without a real stage
	Writes map[string]int

	// FailShow, when set, makes Show on the contained keywords error,
	// simulating a dead daemon
	FailShow map[string]bool
}

// NewMock returns a Mock seeded with the given keyword values.
func NewMock(service string, seed map[string]string) *Mock {
	vals := make(map[string]string, len(seed))
	for k, v := range seed {
		vals[k] = v
	}
	return &Mock{
		ServiceName: service,
		vals:        vals,
		Writes:      make(map[string]int),
		FailShow:    make(map[string]bool)}
}

// Name returns the mocked service name.
func (m *Mock) Name() string { return m.ServiceName }

// Show reads a keyword from the in-memory table.
func (m *Mock) Show(keyword string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailShow[keyword] {
		return "", fmt.Errorf("%s.%s: keyword service unreachable", m.ServiceName, keyword)
	}
	v, ok := m.vals[keyword]
	if !ok {
		return "", fmt.Errorf("%s.%s: no such keyword", m.ServiceName, keyword)
	}
	return v, nil
}

// Modify writes a keyword into the in-memory table.
func (m *Mock) Modify(keyword, value string, wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[keyword] = value
	m.Writes[keyword]++
	return nil
}

// WaitFor polls the table until ok is satisfied or ctx expires.
func (m *Mock) WaitFor(ctx context.Context, keyword string, ok func(string) bool) error {
	for {
		v, err := m.Show(keyword)
		if err != nil {
			return err
		}
		if ok(v) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
