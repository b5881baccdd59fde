package agent

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"AgentForge/internal/artifact"
	xerrors "AgentForge/internal/errors"
	"AgentForge/internal/events"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/pagination"
	"AgentForge/internal/task"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, evt alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

type stubFetcher struct {
	body string
	name string
	err  error
}

func (s stubFetcher) Fetch(_ context.Context, u *url.URL) (*artifact.Remote, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &artifact.Remote{
		Body:     io.NopCloser(strings.NewReader(s.body)),
		FileName: s.name,
		Size:     int64(len(s.body)),
	}, nil
}

func newTestAgent(t *testing.T, exec Executor, opts ...Option) (*Agent, *artifact.LocalStore) {
	t.Helper()
	blobs, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	return New(task.NewMemoryStore(), blobs, exec, opts...), blobs
}

func completeWith(result StepResult) Executor {
	return ExecutorFunc(func(context.Context, ExecutionContext) (*StepResult, error) {
		r := result
		return &r, nil
	})
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read content: %v", err)
	}
	return string(data)
}

func TestCreateAndListTasks(t *testing.T) {
	pub := &recordingPublisher{}
	ag, _ := newTestAgent(t, completeWith(StepResult{}), WithPublisher(pub))
	ctx := context.Background()

	var ids []string
	for _, input := range []string{"a", "b", "c"} {
		created, err := ag.CreateTask(ctx, TaskRequest{Input: input, AdditionalInput: []byte(`{"k":1}`)})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		if created.TaskID == "" || len(created.Steps) != 0 || len(created.Artifacts) != 0 {
			t.Fatalf("unexpected new task: %+v", created)
		}
		ids = append(ids, created.TaskID)
	}

	list, err := ag.ListTasks(ctx, 1, 2)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if diff := cmp.Diff(pagination.Pagination{TotalItems: 3, TotalPages: 2, CurrentPage: 1, PageSize: 2}, list.Pagination); diff != "" {
		t.Fatalf("unexpected pagination (-want +got):\n%s", diff)
	}
	if len(list.Items) != 2 || list.Items[0].TaskID != ids[0] || list.Items[1].TaskID != ids[1] {
		t.Fatalf("unexpected page: %+v", list.Items)
	}

	beyond, err := ag.ListTasks(ctx, 5, 2)
	if err != nil {
		t.Fatalf("list beyond range: %v", err)
	}
	if beyond.Items == nil || len(beyond.Items) != 0 || beyond.Pagination.TotalItems != 3 {
		t.Fatalf("expected empty page with totals, got %+v", beyond)
	}

	if _, err := ag.ListTasks(ctx, 0, 10); !xerrors.IsValidation(err) {
		t.Fatalf("expected validation error for page 0, got %v", err)
	}
	if _, err := ag.CreateTask(ctx, TaskRequest{AdditionalInput: []byte("{")}); !xerrors.IsValidation(err) {
		t.Fatalf("expected validation error for bad json, got %v", err)
	}
	if _, err := ag.GetTask(ctx, "missing"); !xerrors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := pub.types(); len(got) != 3 || got[0] != events.TaskCreated {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestStepsRunUntilTerminal(t *testing.T) {
	var calls int32
	exec := ExecutorFunc(func(_ context.Context, ec ExecutionContext) (*StepResult, error) {
		n := atomic.AddInt32(&calls, 1)
		if ec.Step.Status != task.StepRunning {
			t.Errorf("executor saw status %s", ec.Step.Status)
		}
		if len(ec.Task.Steps) != int(n-1) {
			t.Errorf("executor saw %d previous steps, want %d", len(ec.Task.Steps), n-1)
		}
		return &StepResult{Output: "out:" + ec.Step.Input, IsLast: n == 2}, nil
	})
	pub := &recordingPublisher{}
	ag, _ := newTestAgent(t, exec, WithPublisher(pub))
	ctx := context.Background()

	created, err := ag.CreateTask(ctx, TaskRequest{Input: "goal"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	first, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{Input: "one"})
	if err != nil {
		t.Fatalf("first step: %v", err)
	}
	if first.Status != task.StepCompleted || first.IsLast || first.Output != "out:one" {
		t.Fatalf("unexpected first step: %+v", first)
	}

	second, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{Input: "two"})
	if err != nil {
		t.Fatalf("second step: %v", err)
	}
	if second.Status != task.StepCompleted || !second.IsLast {
		t.Fatalf("unexpected second step: %+v", second)
	}

	_, err = ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{Input: "three"})
	if !errors.Is(err, task.ErrTaskTerminal) || !xerrors.IsTerminal(err) || xerrors.IsNotFound(err) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("executor must not run for a terminal task")
	}

	steps, err := ag.ListSteps(ctx, created.TaskID, 1, 10)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps.Items) != 2 || steps.Items[0].StepID != first.StepID || steps.Items[1].StepID != second.StepID {
		t.Fatalf("unexpected steps: %+v", steps.Items)
	}
	got, err := ag.GetStep(ctx, created.TaskID, second.StepID)
	if err != nil || !got.IsLast {
		t.Fatalf("get step: %+v %v", got, err)
	}

	want := []events.Type{
		events.TaskCreated,
		events.StepCreated, events.StepCompleted,
		events.StepCreated, events.StepCompleted,
	}
	if diff := cmp.Diff(want, pub.types()); diff != "" {
		t.Fatalf("unexpected events (-want +got):\n%s", diff)
	}
}

func TestStepOnUnknownTask(t *testing.T) {
	ag, _ := newTestAgent(t, completeWith(StepResult{}))
	_, err := ag.CreateAndExecuteStep(context.Background(), "missing", StepRequest{})
	if !xerrors.IsNotFound(err) || !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}
	if _, err := ag.ListSteps(context.Background(), "missing", 1, 10); !xerrors.IsNotFound(err) {
		t.Fatalf("expected task not found, got %v", err)
	}
}

func TestStepTimeoutMarksStepFailed(t *testing.T) {
	var block atomic.Bool
	block.Store(true)
	exec := ExecutorFunc(func(ctx context.Context, _ ExecutionContext) (*StepResult, error) {
		if block.Load() {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &StepResult{Output: "done"}, nil
	})
	alerts := &recordingAlerts{}
	ag, _ := newTestAgent(t, exec, WithStepTimeout(20*time.Millisecond), WithAlerts(alerts))
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{Input: "slow"})

	_, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{Input: "wait"})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}

	steps, err := ag.ListSteps(ctx, created.TaskID, 1, 10)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps.Items) != 1 || steps.Items[0].Status != task.StepFailed {
		t.Fatalf("expected a single failed step, got %+v", steps.Items)
	}
	if len(alerts.events) != 1 || alerts.events[0].Code != xerrors.CodeTimeout {
		t.Fatalf("expected a timeout alert, got %+v", alerts.events)
	}

	// A failed step does not end the task.
	block.Store(false)
	next, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{Input: "retry"})
	if err != nil || next.Status != task.StepCompleted {
		t.Fatalf("expected retry to complete, got %+v %v", next, err)
	}
}

func TestExecutorFailureMarksStepFailed(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, ExecutionContext) (*StepResult, error) {
		return nil, errors.New("provider exploded")
	})
	ag, _ := newTestAgent(t, exec)
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	_, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{})
	if xerrors.CodeOf(err) != xerrors.CodeExecutorFailure {
		t.Fatalf("expected executor failure, got %v", err)
	}
	last, err := ag.store.LastStep(ctx, created.TaskID)
	if err != nil || last.Status != task.StepFailed {
		t.Fatalf("expected failed step, got %+v %v", last, err)
	}
}

func TestStepsAreSerialisedPerTask(t *testing.T) {
	var inFlight, maxInFlight int32
	exec := ExecutorFunc(func(context.Context, ExecutionContext) (*StepResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			cur := atomic.LoadInt32(&maxInFlight)
			if n <= cur || atomic.CompareAndSwapInt32(&maxInFlight, cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &StepResult{Output: "ok"}, nil
	})
	ag, _ := newTestAgent(t, exec)
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{}); err != nil {
				t.Errorf("step: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Fatalf("expected serial execution, saw %d concurrent steps", got)
	}
	steps, err := ag.ListSteps(ctx, created.TaskID, 1, 20)
	if err != nil || steps.Pagination.TotalItems != 8 {
		t.Fatalf("expected 8 steps, got %+v %v", steps, err)
	}
}

func TestOutputFilesBecomeStepArtifacts(t *testing.T) {
	exec := completeWith(StepResult{
		Name:   "report",
		Output: "wrote a report",
		Files:  []OutputFile{{Name: "../report.md", Content: "# Report"}},
	})
	ag, _ := newTestAgent(t, exec)
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	step, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if step.Name != "report" || len(step.Artifacts) != 1 {
		t.Fatalf("unexpected step: %+v", step)
	}
	art := step.Artifacts[0]
	if !art.AgentCreated || art.StepID != step.StepID || art.FileName != "report.md" {
		t.Fatalf("unexpected artifact: %+v", art)
	}
	if !strings.HasPrefix(art.URI, "file://"+created.TaskID+"/") {
		t.Fatalf("unexpected uri %q", art.URI)
	}

	_, body, err := ag.GetArtifact(ctx, created.TaskID, art.ArtifactID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if got := readAll(t, body); got != "# Report" {
		t.Fatalf("unexpected content %q", got)
	}
}

// failingBlobs fails the Put calls whose 1-based index is listed in failOn.
type failingBlobs struct {
	artifact.BlobStore
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (f *failingBlobs) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failOn[f.calls]
	f.mu.Unlock()
	if fail {
		return 0, errors.New("disk full")
	}
	return f.BlobStore.Put(ctx, key, r, size)
}

func newFailingAgent(t *testing.T, exec Executor, failOn ...int) *Agent {
	t.Helper()
	local, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("local store: %v", err)
	}
	blobs := &failingBlobs{BlobStore: local, failOn: map[int]bool{}}
	for _, n := range failOn {
		blobs.failOn[n] = true
	}
	return New(task.NewMemoryStore(), blobs, exec)
}

func TestFailedLastStepDoesNotCloseTask(t *testing.T) {
	exec := completeWith(StepResult{
		Output: "done",
		IsLast: true,
		Files:  []OutputFile{{Name: "summary.txt", Content: "all done"}},
	})
	ag := newFailingAgent(t, exec, 1)
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	if _, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{}); err == nil {
		t.Fatalf("expected step to fail when the blob store rejects the output file")
	}
	failed, err := ag.store.LastStep(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("last step: %v", err)
	}
	if failed.Status != task.StepFailed || failed.IsLast {
		t.Fatalf("failed step must not be marked last: %+v", failed)
	}

	retried, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != task.StepCompleted || !retried.IsLast {
		t.Fatalf("unexpected retried step: %+v", retried)
	}

	full, err := ag.GetTask(ctx, created.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	lastCount := 0
	for _, step := range full.Steps {
		if step.IsLast {
			lastCount++
		}
	}
	if lastCount != 1 {
		t.Fatalf("expected exactly one last step, got %d", lastCount)
	}

	_, err = ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{})
	if xerrors.CodeOf(err) != task.CodeTaskTerminal {
		t.Fatalf("expected terminal task, got %v", err)
	}
}

func TestFailedStepLeavesNoPartialArtifacts(t *testing.T) {
	exec := completeWith(StepResult{
		Output: "two files",
		Files: []OutputFile{
			{Name: "a.txt", Content: "first"},
			{Name: "b.txt", Content: "second"},
		},
	})
	ag := newFailingAgent(t, exec, 2)
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	if _, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{}); err == nil {
		t.Fatalf("expected step to fail on the second output file")
	}
	list, err := ag.ListArtifacts(ctx, created.TaskID, 1, 10)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if list.Pagination.TotalItems != 0 {
		t.Fatalf("failed step left %d artifacts behind", list.Pagination.TotalItems)
	}

	step, err := ag.CreateAndExecuteStep(ctx, created.TaskID, StepRequest{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(step.Artifacts) != 2 {
		t.Fatalf("expected two artifacts on the retried step, got %d", len(step.Artifacts))
	}
	list, err = ag.ListArtifacts(ctx, created.TaskID, 1, 10)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if list.Pagination.TotalItems != 2 {
		t.Fatalf("expected two artifacts after retry, got %d", list.Pagination.TotalItems)
	}
}

func TestUploadArtifactRoundTrip(t *testing.T) {
	ag, _ := newTestAgent(t, completeWith(StepResult{}))
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	art, err := ag.CreateArtifact(ctx, created.TaskID, ArtifactUpload{
		File: &File{Name: "notes.txt", Reader: strings.NewReader("hello"), Size: 5},
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	wantURI := "file://" + artifact.Key(created.TaskID, art.ArtifactID, "notes.txt")
	if art.URI != wantURI || art.AgentCreated || art.FileName != "notes.txt" {
		t.Fatalf("unexpected artifact: %+v", art)
	}

	meta, body, err := ag.GetArtifact(ctx, created.TaskID, art.ArtifactID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if meta.ArtifactID != art.ArtifactID || readAll(t, body) != "hello" {
		t.Fatalf("unexpected download")
	}

	list, err := ag.ListArtifacts(ctx, created.TaskID, 1, 10)
	if err != nil || len(list.Items) != 1 || list.Pagination.TotalItems != 1 {
		t.Fatalf("unexpected artifact list %+v %v", list, err)
	}
}

func TestUploadWithoutNameUsesDetectedType(t *testing.T) {
	ag, _ := newTestAgent(t, completeWith(StepResult{}))
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"
	art, err := ag.CreateArtifact(ctx, created.TaskID, ArtifactUpload{
		File: &File{Reader: strings.NewReader(png), Size: -1},
	})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if art.FileName != "artifact.png" {
		t.Fatalf("unexpected generated name %q", art.FileName)
	}
}

func TestCreateArtifactValidation(t *testing.T) {
	ag, _ := newTestAgent(t, completeWith(StepResult{}))
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	cases := map[string]ArtifactUpload{
		"neither":    {},
		"both":       {File: &File{Name: "a", Reader: strings.NewReader("x")}, URI: "https://example.com/a"},
		"bad scheme": {URI: "ftp://example.com/a"},
		"traversal":  {URI: "file://../etc/passwd"},
		"blank uri":  {URI: "   "},
	}
	for name, upload := range cases {
		if _, err := ag.CreateArtifact(ctx, created.TaskID, upload); !xerrors.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}

	_, err := ag.CreateArtifact(ctx, "missing", ArtifactUpload{URI: "https://example.com/a"})
	if !xerrors.IsNotFound(err) {
		t.Fatalf("expected not found for unknown task, got %v", err)
	}
}

func TestRemoteArtifactIsFetchedOnce(t *testing.T) {
	ag, _ := newTestAgent(t, completeWith(StepResult{}), WithFetcher(stubFetcher{body: "remote bytes", name: "data.csv"}))
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	art, err := ag.CreateArtifact(ctx, created.TaskID, ArtifactUpload{URI: "https://example.com/files/data.csv"})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if art.URI != "https://example.com/files/data.csv" || art.FileName != "data.csv" {
		t.Fatalf("unexpected artifact: %+v", art)
	}

	// Swap the fetcher to prove downloads stream stored bytes.
	ag.fetcher = stubFetcher{err: errors.New("offline")}
	_, body, err := ag.GetArtifact(ctx, created.TaskID, art.ArtifactID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if got := readAll(t, body); got != "remote bytes" {
		t.Fatalf("unexpected content %q", got)
	}

	_, err = ag.CreateArtifact(ctx, created.TaskID, ArtifactUpload{URI: "https://example.com/other"})
	if err == nil {
		t.Fatalf("expected fetch error")
	}
}

func TestFileReferenceIsReadAtDownload(t *testing.T) {
	ag, blobs := newTestAgent(t, completeWith(StepResult{}))
	ctx := context.Background()
	created, _ := ag.CreateTask(ctx, TaskRequest{})

	art, err := ag.CreateArtifact(ctx, created.TaskID, ArtifactUpload{URI: "file://shared/notes.txt"})
	if err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	if art.FileName != "notes.txt" || art.URI != "file://shared/notes.txt" {
		t.Fatalf("unexpected artifact: %+v", art)
	}

	if _, _, err := ag.GetArtifact(ctx, created.TaskID, art.ArtifactID); !xerrors.IsNotFound(err) {
		t.Fatalf("expected missing content to be not found, got %v", err)
	}

	path := filepath.Join(blobs.Root(), "shared", "notes.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("late"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, body, err := ag.GetArtifact(ctx, created.TaskID, art.ArtifactID)
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}
	if got := readAll(t, body); got != "late" {
		t.Fatalf("unexpected content %q", got)
	}

	if _, _, err := ag.GetArtifact(ctx, created.TaskID, "missing"); !xerrors.IsNotFound(err) {
		t.Fatalf("expected artifact not found, got %v", err)
	}
}

func TestMissingCollaborators(t *testing.T) {
	ag := New(nil, nil, nil)
	if _, err := ag.CreateTask(context.Background(), TaskRequest{}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
	if _, err := ag.CreateAndExecuteStep(context.Background(), "t", StepRequest{}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
