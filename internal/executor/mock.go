package executor

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Mock records spawns instead of starting anything. Tests (and the default
// config) script failures per task or across the board.
type Mock struct {
	mu       sync.Mutex
	spawned  []TaskContext
	failFor  map[string]error
	failNext error
}

// NewMock builds an executor that accepts every spawn.
func NewMock() *Mock {
	return &Mock{failFor: make(map[string]error)}
}

// Name implements Executor.
func (m *Mock) Name() string { return KindMock }

// FailTask makes every spawn of the given task id fail with err.
func (m *Mock) FailTask(taskID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor[taskID] = err
}

// FailNext makes only the next spawn fail with err.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Spawn records the context and returns a fresh session id, or the
// scripted failure.
func (m *Mock) Spawn(ctx context.Context, tc TaskContext) (SpawnResult, error) {
	if err := ctx.Err(); err != nil {
		return SpawnResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return SpawnResult{}, err
	}
	if err := m.failFor[tc.TaskID]; err != nil {
		return SpawnResult{}, err
	}
	m.spawned = append(m.spawned, tc)
	return SpawnResult{SessionID: uuid.NewString()}, nil
}

// Spawned returns a copy of every successful spawn in order.
func (m *Mock) Spawned() []TaskContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TaskContext(nil), m.spawned...)
}

// SpawnCount returns how many times a task was successfully spawned.
func (m *Mock) SpawnCount(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tc := range m.spawned {
		if tc.TaskID == taskID {
			n++
		}
	}
	return n
}
