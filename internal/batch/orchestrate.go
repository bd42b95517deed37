package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/marz-dev/poolforge/internal/telemetry"
	"github.com/marz-dev/poolforge/pkg/api"
)

// CleanupPolicy selects which resources teardown deletes after a run.
// Skipping pool deletion greatly speeds up subsequent runs against the
// same pool id.
type CleanupPolicy struct {
	Job       bool
	Pool      bool
	Container bool
}

// RunInput is everything one orchestrated run needs.
type RunInput struct {
	Pool      PoolSpec
	JobID     string
	TaskCount int
	// ContainerName and the resource paths are optional; when
	// ResourceLocalPath is empty no storage calls are made and tasks run
	// without resource files.
	ContainerName      string
	ResourceLocalPath  string
	ResourceRemotePath string
}

// Orchestrator sequences provision, submit, wait and result collection,
// then tears down job/pool/container best-effort on every exit path.
type Orchestrator struct {
	Client            RemoteClient
	Storage           StorageService
	Provisioner       *Provisioner
	Submitter         *Submitter
	Watcher           *Watcher
	Cleanup           CleanupPolicy
	CompletionTimeout time.Duration
	Metrics           *telemetry.Collector
	Log               zerolog.Logger
}

// NewJobID derives a job id that will not collide with a prior run.
func NewJobID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, time.Now().UTC().Format("20060102-150405"))
}

// Run drives the full lifecycle. The returned report is always non-nil and
// reflects whatever was collected before the first failure; teardown has
// already run by the time Run returns.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) (report *api.RunReport, err error) {
	report = &api.RunReport{
		JobID:   in.JobID,
		PoolID:  in.Pool.PoolID,
		Status:  api.RunRunning,
		Started: time.Now(),
	}

	var container *ContainerHandle
	var resources []ResourceFile
	if in.ResourceLocalPath != "" && o.Storage != nil {
		c, serr := o.Storage.EnsureContainer(ctx, in.ContainerName)
		if serr != nil {
			report.Status = api.RunFailed
			report.Finished = time.Now()
			return report, fmt.Errorf("ensure container %s: %w", in.ContainerName, serr)
		}
		container = &c
		url, serr := o.Storage.UploadFile(ctx, c, in.ResourceLocalPath)
		if serr != nil {
			err = fmt.Errorf("upload resource %s: %w", in.ResourceLocalPath, serr)
		} else {
			resources = []ResourceFile{{SourceURL: url, FilePath: in.ResourceRemotePath}}
		}
	}

	defer func() {
		o.teardown(in.JobID, in.Pool.PoolID, container)
		report.Finished = time.Now()
		if err != nil {
			report.Status = api.RunFailed
		} else {
			report.Status = api.RunSucceeded
		}
		o.Metrics.RecordTimer("run_duration", report.Finished.Sub(report.Started),
			map[string]string{"job": in.JobID, "status": string(report.Status)})
		o.Metrics.Flush()
	}()
	if err != nil {
		return report, err
	}

	provisionStart := time.Now()
	pool, err := o.Provisioner.EnsurePool(ctx, in.Pool)
	if err != nil {
		return report, err
	}
	o.Metrics.RecordTimer("provision_duration", time.Since(provisionStart),
		map[string]string{"pool": pool.ID})

	if err = o.Submitter.Submit(ctx, pool.ID, in.JobID, in.TaskCount, resources); err != nil {
		return report, err
	}

	if err = o.Watcher.WaitForCompletion(ctx, in.JobID, o.CompletionTimeout); err != nil {
		return report, err
	}

	results, cerr := o.collectResults(ctx, in.JobID)
	report.Results = results
	if cerr != nil {
		err = cerr
		return report, err
	}
	o.Metrics.RecordCounter("tasks_collected", float64(len(results)),
		map[string]string{"job": in.JobID})
	return report, nil
}

// collectResults reads each task's execution info: a present failureInfo
// becomes a failure message; otherwise the exit code selects which output
// artifact to fetch (0 reads stdout, nonzero reads stderr).
func (o *Orchestrator) collectResults(ctx context.Context, jobID string) ([]api.TaskResult, error) {
	tasks, err := o.Client.ListTasks(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks in %s: %w", jobID, err)
	}

	results := make([]api.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		r := api.TaskResult{TaskID: t.ID, ExitCode: t.ExitCode}
		if t.Failure != nil {
			r.FailureMessage = t.Failure.Message
			o.Log.Warn().Str("job", jobID).Str("task", t.ID).
				Str("code", t.Failure.Code).Str("message", t.Failure.Message).
				Msg("task failed")
			results = append(results, r)
			continue
		}

		name := StdoutFile
		if t.ExitCode != 0 {
			name = StderrFile
		}
		data, err := o.Client.GetTaskOutput(ctx, jobID, t.ID, name)
		if err != nil {
			return results, fmt.Errorf("read %s of task %s: %w", name, t.ID, err)
		}
		r.OutputFile = name
		r.Output = string(data)
		results = append(results, r)
	}
	return results, nil
}

// teardown deletes the run's resources per the cleanup policy. Steps are
// independent: a failed delete is logged and the next step still runs.
// A fresh context is used so teardown still happens after cancellation.
func (o *Orchestrator) teardown(jobID, poolID string, container *ContainerHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if o.Cleanup.Job {
		o.Log.Info().Str("job", jobID).Msg("deleting job")
		if err := o.Client.DeleteJob(ctx, jobID); err != nil {
			LogRemoteError(o.Log, "delete job", err)
		}
	}
	if o.Cleanup.Pool {
		o.Log.Info().Str("pool", poolID).Msg("deleting pool")
		if err := o.Client.DeletePool(ctx, poolID); err != nil {
			LogRemoteError(o.Log, "delete pool", err)
		}
	}
	if o.Cleanup.Container && container != nil && o.Storage != nil {
		o.Log.Info().Str("container", container.Name).Msg("deleting storage container")
		if err := o.Storage.DeleteContainer(ctx, *container); err != nil {
			LogRemoteError(o.Log, "delete container", err)
		}
	}
}
