package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	xerrors "AgentForge/internal/errors"
	"github.com/google/go-cmp/cmp"
)

func seedTask(t *testing.T, store Store, id string) *Task {
	t.Helper()
	task := &Task{TaskID: id, Input: "input-" + id, AdditionalInput: json.RawMessage(`{"k":"v"}`)}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task %s: %v", id, err)
	}
	return task
}

func TestMemoryStoreTaskLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created := seedTask(t, store, "t1")
	if created.CreatedAt.IsZero() || !created.ModifiedAt.Equal(created.CreatedAt) {
		t.Fatalf("timestamps not assigned: %+v", created)
	}
	if err := store.CreateTask(ctx, &Task{TaskID: "t1"}); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Input != "input-t1" || string(got.AdditionalInput) != `{"k":"v"}` {
		t.Fatalf("unexpected task: %+v", got)
	}
	if got.Steps == nil || got.Artifacts == nil {
		t.Fatalf("expected empty, non-nil collections")
	}

	got.AdditionalInput[2] = 'X'
	again, _ := store.GetTask(ctx, "t1")
	if string(again.AdditionalInput) != `{"k":"v"}` {
		t.Fatalf("store leaked internal state: %s", again.AdditionalInput)
	}

	if _, err := store.GetTask(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) || !xerrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreListTasksOrderAndWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seedTask(t, store, fmt.Sprintf("t%d", i))
	}

	items, total, err := store.ListTasks(ctx, BuildListOptions(WithOffset(2), WithLimit(2)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	var ids []string
	for _, item := range items {
		ids = append(ids, item.TaskID)
	}
	if diff := cmp.Diff([]string{"t2", "t3"}, ids); diff != "" {
		t.Fatalf("unexpected ids (-want +got):\n%s", diff)
	}

	empty, total, err := store.ListTasks(ctx, ListOptions{Offset: 10, Limit: 10})
	if err != nil || total != 5 || len(empty) != 0 {
		t.Fatalf("expected empty page beyond range, got %d items total %d err %v", len(empty), total, err)
	}
}

func TestMemoryStoreStepsAndArtifacts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, store, "t1")

	if last, err := store.LastStep(ctx, "t1"); err != nil || last != nil {
		t.Fatalf("expected no last step, got %+v %v", last, err)
	}

	for i := 0; i < 3; i++ {
		step := &Step{TaskID: "t1", StepID: fmt.Sprintf("s%d", i), Input: "go"}
		if err := store.CreateStep(ctx, step); err != nil {
			t.Fatalf("create step: %v", err)
		}
		if step.Status != StepCreated {
			t.Fatalf("expected created status, got %s", step.Status)
		}
	}
	if err := store.CreateStep(ctx, &Step{TaskID: "nope", StepID: "x"}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}

	update := &Step{TaskID: "t1", StepID: "s2", Name: "final", Status: StepCompleted, Output: "done", IsLast: true}
	if err := store.UpdateStep(ctx, update); err != nil {
		t.Fatalf("update step: %v", err)
	}
	if err := store.UpdateStep(ctx, &Step{TaskID: "t1", StepID: "ghost"}); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("expected step not found, got %v", err)
	}

	artifact := &Artifact{ArtifactID: "a1", TaskID: "t1", StepID: "s2", FileName: "out.txt", URI: "file://t1/a1/out.txt", AgentCreated: true}
	if err := store.CreateArtifact(ctx, artifact); err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if err := store.CreateArtifact(ctx, &Artifact{ArtifactID: "a2", TaskID: "t1", FileName: "in.txt", URI: "https://example.com/in.txt"}); err != nil {
		t.Fatalf("create artifact: %v", err)
	}

	last, err := store.LastStep(ctx, "t1")
	if err != nil {
		t.Fatalf("last step: %v", err)
	}
	if !last.Terminal() || last.Name != "final" || len(last.Artifacts) != 1 || last.Artifacts[0].ArtifactID != "a1" {
		t.Fatalf("unexpected last step: %+v", last)
	}

	steps, total, err := store.ListSteps(ctx, "t1", ListOptions{Offset: 0, Limit: 2})
	if err != nil || total != 3 || len(steps) != 2 || steps[0].StepID != "s0" {
		t.Fatalf("unexpected steps page: %+v total=%d err=%v", steps, total, err)
	}

	artifacts, total, err := store.ListArtifacts(ctx, "t1", ListOptions{Limit: 10})
	if err != nil || total != 2 || artifacts[1].ArtifactID != "a2" {
		t.Fatalf("unexpected artifacts: %+v total=%d err=%v", artifacts, total, err)
	}

	if _, err := store.GetArtifact(ctx, "t1", "zzz"); !errors.Is(err, ErrArtifactNotFound) {
		t.Fatalf("expected artifact not found, got %v", err)
	}
	if _, err := store.GetStep(ctx, "t1", "zzz"); !errors.Is(err, ErrStepNotFound) {
		t.Fatalf("expected step not found, got %v", err)
	}
	if _, _, err := store.ListArtifacts(ctx, "nope", ListOptions{Limit: 1}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}

	task, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(task.Steps) != 3 || len(task.Artifacts) != 2 || len(task.Steps[2].Artifacts) != 1 {
		t.Fatalf("task not hydrated: %+v", task)
	}
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedTask(t, store, "t1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.CreateStep(ctx, &Step{TaskID: "t1", StepID: fmt.Sprintf("s%02d", i)}); err != nil {
				t.Errorf("create step: %v", err)
			}
			if _, _, err := store.ListSteps(ctx, "t1", ListOptions{Limit: 100}); err != nil {
				t.Errorf("list steps: %v", err)
			}
		}(i)
	}
	wg.Wait()

	steps, total, err := store.ListSteps(ctx, "t1", ListOptions{Limit: 100})
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if total != 50 || len(steps) != 50 {
		t.Fatalf("expected 50 steps, got total=%d len=%d", total, len(steps))
	}
	seen := make(map[string]struct{}, len(steps))
	for _, step := range steps {
		seen[step.StepID] = struct{}{}
	}
	if len(seen) != 50 {
		t.Fatalf("duplicate steps in listing")
	}
}

func TestBuildListOptionsClampsNegative(t *testing.T) {
	opts := BuildListOptions(WithOffset(-5), WithLimit(-1), nil)
	if opts.Offset != 0 || opts.Limit != 0 {
		t.Fatalf("unexpected options: %+v", opts)
	}
	start, end := ListOptions{Offset: 3, Limit: 10}.window(5)
	if start != 3 || end != 5 {
		t.Fatalf("unexpected window [%d,%d)", start, end)
	}
}
