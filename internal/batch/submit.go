package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// CommandPlaceholder is replaced in the task command template by the
// remote path of the shared resource file.
const CommandPlaceholder = "{file}"

// Submitter creates a job on a pool and enqueues its task batch in a
// single call. It never retries task-by-task: any failure surfaces as one
// SubmissionError.
type Submitter struct {
	Client RemoteClient
	// Command is the per-task command template; CommandPlaceholder expands
	// to the shared resource's remote file path.
	Command string
	Log     zerolog.Logger
}

func NewSubmitter(client RemoteClient, command string, log zerolog.Logger) *Submitter {
	return &Submitter{Client: client, Command: command, Log: log}
}

// Submit binds a fresh job to poolID by reference and adds taskCount tasks
// with deterministic ids task-0..task-(n-1). All tasks share the same
// resource files.
func (s *Submitter) Submit(ctx context.Context, poolID, jobID string, taskCount int, resources []ResourceFile) error {
	s.Log.Info().Str("job", jobID).Str("pool", poolID).Int("tasks", taskCount).
		Msg("submitting job")

	if err := s.Client.CreateJob(ctx, jobID, poolID); err != nil {
		return &SubmissionError{JobID: jobID, Cause: fmt.Errorf("create job: %w", err)}
	}

	tasks := make([]TaskSpec, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		tasks = append(tasks, TaskSpec{
			ID:          fmt.Sprintf("task-%d", i),
			CommandLine: s.renderCommand(resources),
			Resources:   resources,
		})
	}

	if err := s.Client.CreateTasks(ctx, jobID, tasks); err != nil {
		return &SubmissionError{JobID: jobID, Cause: fmt.Errorf("create tasks: %w", err)}
	}
	return nil
}

// renderCommand expands the command template against the first resource's
// remote path. The actual uploaded path is wired through; submitting a
// literal placeholder would run a command against a file that isn't there.
func (s *Submitter) renderCommand(resources []ResourceFile) string {
	cmd := s.Command
	if len(resources) > 0 {
		cmd = strings.ReplaceAll(cmd, CommandPlaceholder, resources[0].FilePath)
	}
	return cmd
}
