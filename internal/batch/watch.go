package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Watcher polls the minimal (id, state) projection of a job's tasks until
// every task reports completed. It does not distinguish success from
// failure exit codes; that is read afterward from each task's detail.
type Watcher struct {
	Client       RemoteClient
	PollInterval time.Duration
	Log          zerolog.Logger
}

func NewWatcher(client RemoteClient, log zerolog.Logger) *Watcher {
	return &Watcher{Client: client, PollInterval: DefaultPollInterval, Log: log}
}

// WaitForCompletion returns nil the instant a poll snapshot has zero
// non-completed tasks (an empty job is vacuously complete), and
// ErrCompletionTimeout once elapsed wall clock exceeds timeout.
func (w *Watcher) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) error {
	w.Log.Info().Str("job", jobID).Dur("timeout", timeout).
		Msg("waiting for tasks to complete")

	err := WaitFor(ctx, w.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		tasks, err := w.Client.ListTaskStates(ctx, jobID)
		if err != nil {
			return false, fmt.Errorf("list tasks in %s: %w", jobID, err)
		}
		remaining := 0
		for _, t := range tasks {
			if t.State != TaskCompleted {
				remaining++
			}
		}
		w.Log.Debug().Str("job", jobID).Int("total", len(tasks)).
			Int("remaining", remaining).Msg("task state tick")
		return remaining == 0, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return fmt.Errorf("job %s tasks not completed after %s: %w", jobID, timeout, ErrCompletionTimeout)
	}
	if err == nil {
		w.Log.Info().Str("job", jobID).Msg("all tasks completed")
	}
	return err
}
