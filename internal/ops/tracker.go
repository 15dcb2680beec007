// Package ops tracks long-running user-initiated operations (decompose,
// dispatch) as observable entities with streamed progress.
package ops

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/bus"
	"conductor/internal/domain"
	"conductor/internal/repo"
)

// expireAfter is how long terminal operations stay in memory.
const expireAfter = 30 * time.Second

// Update is the bus payload for operation progress; the full result lives in
// persistence and is fetched on the terminal transition.
type Update struct {
	OperationID string `json:"operation_id"`
	GoalID      string `json:"goal_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

type Tracker struct {
	Repo repo.Repo
	Bus  *bus.Bus
	Now  func() time.Time
	// TTL overrides the terminal-entry expiry, for tests.
	TTL time.Duration

	mu      sync.Mutex
	entries map[string]domain.Operation
}

func New(r repo.Repo, b *bus.Bus) *Tracker {
	return &Tracker{
		Repo:    r,
		Bus:     b,
		Now:     time.Now,
		TTL:     expireAfter,
		entries: map[string]domain.Operation{},
	}
}

// Begin allocates a new running operation and broadcasts the initial update.
func (t *Tracker) Begin(ctx context.Context, kind, goalID string) (domain.Operation, error) {
	now := t.Now().UTC().Format(time.RFC3339)
	op := domain.Operation{
		ID:        uuid.New().String(),
		GoalID:    goalID,
		Kind:      kind,
		Status:    domain.OpRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.Repo.InsertOperation(ctx, op); err != nil {
		return op, err
	}
	t.mu.Lock()
	t.entries[op.ID] = op
	t.mu.Unlock()
	t.broadcast(op)
	return op, nil
}

// Progress broadcasts a running update. Progress on a terminal or unknown
// operation is ignored.
func (t *Tracker) Progress(ctx context.Context, operationID, message string) {
	t.mu.Lock()
	op, ok := t.entries[operationID]
	if !ok || op.Status != domain.OpRunning {
		t.mu.Unlock()
		return
	}
	op.Message = message
	t.entries[operationID] = op
	t.mu.Unlock()
	if err := t.Repo.UpdateOperation(ctx, op); err != nil {
		log.Printf("ops: persist progress for %s: %v", operationID, err)
	}
	t.broadcast(op)
}

// Complete performs the single terminal transition with an optional result
// payload. Further terminal calls are ignored.
func (t *Tracker) Complete(ctx context.Context, operationID string, result any) {
	t.finish(ctx, operationID, domain.OpCompleted, "completed", result)
}

// Fail performs the single terminal transition with a failure message.
func (t *Tracker) Fail(ctx context.Context, operationID, message string) {
	t.finish(ctx, operationID, domain.OpFailed, message, nil)
}

func (t *Tracker) finish(ctx context.Context, operationID, status, message string, result any) {
	t.mu.Lock()
	op, ok := t.entries[operationID]
	if !ok || op.Status != domain.OpRunning {
		t.mu.Unlock()
		return
	}
	op.Status = status
	op.Message = message
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			s := string(data)
			op.ResultJSON = &s
		}
	}
	t.entries[operationID] = op
	t.mu.Unlock()

	if err := t.Repo.UpdateOperation(ctx, op); err != nil {
		log.Printf("ops: persist terminal operation %s: %v", operationID, err)
	}
	t.broadcast(op)

	time.AfterFunc(t.TTL, func() {
		t.mu.Lock()
		delete(t.entries, operationID)
		t.mu.Unlock()
	})
}

// Get returns the tracked in-memory entry, falling back to persistence.
func (t *Tracker) Get(ctx context.Context, operationID string) (domain.Operation, error) {
	t.mu.Lock()
	op, ok := t.entries[operationID]
	t.mu.Unlock()
	if ok {
		return op, nil
	}
	return t.Repo.GetOperation(ctx, operationID)
}

func (t *Tracker) broadcast(op domain.Operation) {
	t.Bus.Publish(bus.TopicGlobal, bus.Message{
		Kind:        bus.KindOperationUpdate,
		GoalID:      op.GoalID,
		OperationID: op.ID,
		Payload: Update{
			OperationID: op.ID,
			GoalID:      op.GoalID,
			Kind:        op.Kind,
			Status:      op.Status,
			Message:     op.Message,
		},
	})
}
