package batch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marz-dev/poolforge/internal/telemetry"
	"github.com/marz-dev/poolforge/pkg/api"
)

func testOrchestrator(f *fakeClient, s *fakeStorage) *Orchestrator {
	p := testProvisioner(f)
	w := testWatcher(f)
	o := &Orchestrator{
		Client:            f,
		Provisioner:       p,
		Submitter:         NewSubmitter(f, "cat {file}", zerolog.Nop()),
		Watcher:           w,
		Cleanup:           CleanupPolicy{Job: true, Pool: true, Container: true},
		CompletionTimeout: time.Second,
		Metrics:           telemetry.NewCollector(false),
		Log:               zerolog.Nop(),
	}
	if s != nil {
		o.Storage = s
	}
	return o
}

func fiveTaskInput(t *testing.T, withResource bool) RunInput {
	in := RunInput{
		Pool:      centosSpec(),
		JobID:     "job-1",
		TaskCount: 5,
	}
	if withResource {
		dir := t.TempDir()
		path := dir + "/input.txt"
		if err := writeTempFile(path, "hello"); err != nil {
			t.Fatalf("write resource file: %v", err)
		}
		in.ContainerName = "poolforge-job-1"
		in.ResourceLocalPath = path
		in.ResourceRemotePath = "resources/input.txt"
	}
	return in
}

func completedStates(n int) [][]TaskSummary {
	snap := make([]TaskSummary, 0, n)
	for i := 0; i < n; i++ {
		snap = append(snap, TaskSummary{ID: taskID(i), State: TaskCompleted})
	}
	return [][]TaskSummary{snap}
}

func TestRunFullLifecycle(t *testing.T) {
	f := newFakeClient()
	f.images = []ImageInfo{verifiedCentos()}
	f.idle = []NodeSummary{{ID: "node-0", State: "idle"}}
	f.taskStates = completedStates(5)
	for i := 0; i < 5; i++ {
		id := taskID(i)
		f.taskDetails = append(f.taskDetails, TaskDetail{ID: id, State: TaskCompleted})
		f.outputs[id] = map[string]string{StdoutFile: "output of " + id}
	}
	s := &fakeStorage{}

	report, err := testOrchestrator(f, s).Run(context.Background(), fiveTaskInput(t, true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != api.RunSucceeded {
		t.Fatalf("status = %s, want %s", report.Status, api.RunSucceeded)
	}
	if len(report.Results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(report.Results))
	}
	for i, r := range report.Results {
		if r.TaskID != taskID(i) {
			t.Fatalf("result %d has task id %q", i, r.TaskID)
		}
		if r.OutputFile != StdoutFile || r.Output != "output of "+r.TaskID {
			t.Fatalf("unexpected output for %s: %+v", r.TaskID, r)
		}
	}
	if f.createPoolCalls != 1 || f.createJobCalls != 1 || f.createTasksCalls != 1 {
		t.Fatalf("unexpected call pattern: create_pool=%d create_job=%d create_tasks=%d",
			f.createPoolCalls, f.createJobCalls, f.createTasksCalls)
	}
	for _, task := range f.lastTasks {
		if !strings.Contains(task.CommandLine, "resources/input.txt") {
			t.Fatalf("command does not reference the uploaded resource: %q", task.CommandLine)
		}
	}
	if s.ensureCalls != 1 || s.uploadCalls != 1 {
		t.Fatalf("storage calls: ensure=%d upload=%d", s.ensureCalls, s.uploadCalls)
	}
	// Full cleanup policy: job, pool and container all deleted.
	if f.deleteJobCalls != 1 || f.deletePoolCalls != 1 || s.deleteCalls != 1 {
		t.Fatalf("teardown calls: job=%d pool=%d container=%d",
			f.deleteJobCalls, f.deletePoolCalls, s.deleteCalls)
	}
	if report.Finished.Before(report.Started) {
		t.Fatalf("finished %v before started %v", report.Finished, report.Started)
	}
}

func TestRunCollectsFailureInfoAndStderr(t *testing.T) {
	f := newFakeClient()
	f.pools["pool-1"] = PoolDescriptor{ID: "pool-1", State: PoolActive, DedicatedNodes: 2}
	f.idle = []NodeSummary{{ID: "node-0", State: "idle"}}
	f.taskStates = completedStates(3)
	f.taskDetails = []TaskDetail{
		{ID: "task-0", State: TaskCompleted, ExitCode: 0},
		{ID: "task-1", State: TaskCompleted, ExitCode: 2},
		{ID: "task-2", State: TaskCompleted, Failure: &TaskFailure{Code: "ResourceContainerAccessDenied", Message: "cannot fetch resource"}},
	}
	f.outputs["task-0"] = map[string]string{StdoutFile: "ok"}
	f.outputs["task-1"] = map[string]string{StderrFile: "cat: no such file"}

	report, err := testOrchestrator(f, nil).Run(context.Background(), RunInput{
		Pool: centosSpec(), JobID: "job-1", TaskCount: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	byID := map[string]api.TaskResult{}
	for _, r := range report.Results {
		byID[r.TaskID] = r
	}
	if r := byID["task-0"]; r.OutputFile != StdoutFile || r.Output != "ok" {
		t.Fatalf("task-0: %+v", r)
	}
	// Nonzero exit reads stderr instead of stdout.
	if r := byID["task-1"]; r.OutputFile != StderrFile || r.Output != "cat: no such file" || r.ExitCode != 2 {
		t.Fatalf("task-1: %+v", r)
	}
	// A failure message replaces output entirely.
	if r := byID["task-2"]; r.FailureMessage != "cannot fetch resource" || r.Output != "" {
		t.Fatalf("task-2: %+v", r)
	}
}

func TestRunTeardownStepsIndependent(t *testing.T) {
	f := newFakeClient()
	f.pools["pool-1"] = PoolDescriptor{ID: "pool-1", State: PoolActive}
	f.idle = []NodeSummary{{ID: "node-0", State: "idle"}}
	f.taskStates = completedStates(0)
	f.errDeleteJob = &RemoteError{Code: "JobNotFound", Message: "already gone"}
	s := &fakeStorage{}

	report, err := testOrchestrator(f, s).Run(context.Background(), fiveTaskInput(t, true))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != api.RunSucceeded {
		t.Fatalf("teardown failure must not fail the run: %s", report.Status)
	}
	// The failed job delete must not block the pool and container deletes.
	if f.deleteJobCalls != 1 || f.deletePoolCalls != 1 || s.deleteCalls != 1 {
		t.Fatalf("teardown calls: job=%d pool=%d container=%d",
			f.deleteJobCalls, f.deletePoolCalls, s.deleteCalls)
	}
}

func TestRunProvisionTimeoutSubmitsNothing(t *testing.T) {
	f := newFakeClient()
	f.pools["pool-1"] = PoolDescriptor{ID: "pool-1", State: PoolActive}
	f.allocSeq = []AllocationState{AllocationResizing}

	report, err := testOrchestrator(f, nil).Run(context.Background(), RunInput{
		Pool: centosSpec(), JobID: "job-1", TaskCount: 5,
	})
	if !errors.Is(err, ErrProvisionTimeout) {
		t.Fatalf("expected ErrProvisionTimeout, got %v", err)
	}
	if report.Status != api.RunFailed {
		t.Fatalf("status = %s, want %s", report.Status, api.RunFailed)
	}
	if f.createJobCalls != 0 || f.createTasksCalls != 0 {
		t.Fatalf("work submitted after provision failure: jobs=%d tasks=%d",
			f.createJobCalls, f.createTasksCalls)
	}
	// Teardown still runs on the failure path.
	if f.deleteJobCalls != 1 || f.deletePoolCalls != 1 {
		t.Fatalf("teardown skipped on failure: job=%d pool=%d", f.deleteJobCalls, f.deletePoolCalls)
	}
}

func TestRunCompletionTimeout(t *testing.T) {
	f := newFakeClient()
	f.pools["pool-1"] = PoolDescriptor{ID: "pool-1", State: PoolActive}
	f.idle = []NodeSummary{{ID: "node-0", State: "idle"}}
	f.taskStates = [][]TaskSummary{{{ID: "task-0", State: TaskRunning}}}

	o := testOrchestrator(f, nil)
	o.CompletionTimeout = 20 * time.Millisecond
	report, err := o.Run(context.Background(), RunInput{Pool: centosSpec(), JobID: "job-1", TaskCount: 1})
	if !errors.Is(err, ErrCompletionTimeout) {
		t.Fatalf("expected ErrCompletionTimeout, got %v", err)
	}
	if report.Status != api.RunFailed {
		t.Fatalf("status = %s, want %s", report.Status, api.RunFailed)
	}
	// No result collection after a timeout.
	if f.listTasksCalls != 0 {
		t.Fatalf("results collected despite timeout (%d call(s))", f.listTasksCalls)
	}
}

func TestRunUploadFailureSkipsProvision(t *testing.T) {
	f := newFakeClient()
	s := &fakeStorage{errUpload: &RemoteError{Code: "AuthenticationFailed", Message: "bad key"}}

	report, err := testOrchestrator(f, s).Run(context.Background(), fiveTaskInput(t, true))
	if err == nil {
		t.Fatal("expected upload failure to surface")
	}
	if report.Status != api.RunFailed {
		t.Fatalf("status = %s, want %s", report.Status, api.RunFailed)
	}
	if f.poolExistsCalls != 0 {
		t.Fatalf("provisioning attempted after upload failure (%d call(s))", f.poolExistsCalls)
	}
	// The container exists by then, so teardown still deletes it.
	if s.deleteCalls != 1 {
		t.Fatalf("container not cleaned up: %d delete call(s)", s.deleteCalls)
	}
}

func TestNewJobID(t *testing.T) {
	id := NewJobID("poolforge")
	if !strings.HasPrefix(id, "poolforge-") {
		t.Fatalf("missing prefix: %q", id)
	}
	if _, err := time.Parse("20060102-150405", strings.TrimPrefix(id, "poolforge-")); err != nil {
		t.Fatalf("suffix is not a timestamp: %q", id)
	}
}
