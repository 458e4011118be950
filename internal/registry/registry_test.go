package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"taskwire/internal/testutil"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, cleanup := testutil.OpenTestDB(t)
	t.Cleanup(cleanup)
	return New(db)
}

func TestCreateAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "", "conv-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID == "" {
		t.Fatalf("expected generated task id")
	}
	if task.Status != StatusPending {
		t.Fatalf("new task must be pending, got %s", task.Status)
	}

	got, err := reg.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConversationID != "conv-1" {
		t.Fatalf("conversation id lost: %+v", got)
	}
}

func TestCreateDuplicateID(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, "task-1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := reg.Create(ctx, "task-1", "")
	if !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("want ErrDuplicateTask, got %v", err)
	}
}

func TestGetUnknownTask(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStatusLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if err := reg.MarkCompleted(ctx, task.ID, "final output"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	got, err := reg.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCompleted || got.Output != "final output" {
		t.Fatalf("unexpected terminal state: %+v", got)
	}
	if !IsTerminalStatus(got.Status) {
		t.Fatalf("completed must be terminal")
	}
}

func TestTerminalStateIsFinal(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.MarkFailed(ctx, task.ID, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	err = reg.MarkCompleted(ctx, task.ID, "too late")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	var tErr *TransitionError
	if !errors.As(err, &tErr) {
		t.Fatalf("want *TransitionError, got %T", err)
	}
	if tErr.From != StatusFailed || tErr.To != StatusCompleted {
		t.Fatalf("unexpected transition error: %+v", tErr)
	}

	got, err := reg.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "boom" {
		t.Fatalf("terminal state must not change: %+v", got)
	}
}

func TestRunningRequiresPending(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.MarkCompleted(ctx, task.ID, "done early"); err != nil {
		t.Fatalf("mark completed from pending: %v", err)
	}
	if err := reg.MarkRunning(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentTerminalTransitions(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	task, err := reg.Create(ctx, "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- reg.MarkCompleted(ctx, task.ID, "winner")
	}()
	go func() {
		defer wg.Done()
		results <- reg.MarkFailed(ctx, task.ID, "loser")
	}()
	wg.Wait()
	close(results)

	var successes, invalid int
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInvalidTransition):
			invalid++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || invalid != 1 {
		t.Fatalf("want exactly one winner, got %d successes and %d invalid", successes, invalid)
	}

	got, err := reg.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !IsTerminalStatus(got.Status) {
		t.Fatalf("task must end terminal, got %s", got.Status)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	a, _ := reg.Create(ctx, "task-a", "")
	if _, err := reg.Create(ctx, "task-b", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.MarkRunning(ctx, a.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	running, err := reg.List(ctx, StatusRunning, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(running) != 1 || running[0].ID != "task-a" {
		t.Fatalf("unexpected running list: %+v", running)
	}

	all, err := reg.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("want 2 tasks, got %d", len(all))
	}
}
