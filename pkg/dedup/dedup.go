// Package dedup provides the enrollment idempotency index. Domain events are
// delivered at least once; the index guarantees a (workflow, record, event)
// triple enrolls at most one run no matter how often the event is redelivered.
package dedup

import (
	"context"
	"fmt"
	"sync"
)

// Index records enrollment claims. Claim returns true exactly once per triple;
// every later claim for the same triple returns false. Release returns a
// claim whose enrollment failed so a redelivered event can claim it again.
type Index interface {
	Claim(ctx context.Context, workflowID, recordID, eventID string) (bool, error)
	Release(ctx context.Context, workflowID, recordID, eventID string) error
	Close(ctx context.Context) error
}

func claimKey(workflowID, recordID, eventID string) string {
	return fmt.Sprintf("cadence:enroll:%s:%s:%s", workflowID, recordID, eventID)
}

// MemoryIndex is an in-process Index for tests and single-node deployments.
type MemoryIndex struct {
	mu     sync.Mutex
	claims map[string]struct{}
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{claims: make(map[string]struct{})}
}

func (m *MemoryIndex) Claim(_ context.Context, workflowID, recordID, eventID string) (bool, error) {
	key := claimKey(workflowID, recordID, eventID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.claims[key]; exists {
		return false, nil
	}

	m.claims[key] = struct{}{}

	return true, nil
}

func (m *MemoryIndex) Release(_ context.Context, workflowID, recordID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.claims, claimKey(workflowID, recordID, eventID))

	return nil
}

func (m *MemoryIndex) Close(_ context.Context) error {
	return nil
}
