// Package cursor keeps the id of the last venue message the gateway has
// handed off, so a new session resumes after it.
package cursor

import (
	"context"
	"sync"
)

// Store persists the last seen order id. Save never moves the cursor
// backwards; Load returns 0 when nothing has been stored.
type Store interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, id int64) error
}

// Memory is a process-local Store.
type Memory struct {
	mu sync.Mutex
	id int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, nil
}

func (m *Memory) Save(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id > m.id {
		m.id = id
	}
	return nil
}
