package services

import (
	"sync"

	"github.com/google/uuid"
	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/ports"
)

// ExecutionTable owns live execution handles. Job records refer to an
// execution only by id, so a record stays a plain value while the handle
// moves through open stream, closed stream and reaped independently.
type ExecutionTable struct {
	mu    sync.Mutex
	execs map[domain.ExecutionID]ports.Execution
}

func NewExecutionTable() *ExecutionTable {
	return &ExecutionTable{execs: make(map[domain.ExecutionID]ports.Execution)}
}

// Register stores exec and returns the id it can be looked up by.
func (t *ExecutionTable) Register(exec ports.Execution) domain.ExecutionID {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := domain.ExecutionID(uuid.New().String())
	t.execs[id] = exec
	return id
}

func (t *ExecutionTable) Get(id domain.ExecutionID) (ports.Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.execs[id]
	return exec, ok
}

// Release removes the handle and returns it so the caller can close it.
func (t *ExecutionTable) Release(id domain.ExecutionID) (ports.Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.execs[id]
	delete(t.execs, id)
	return exec, ok
}

// Len returns the number of live executions.
func (t *ExecutionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.execs)
}
