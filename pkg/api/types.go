package api

import "time"

// v0 contains public types for CLI output and the run history store.

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TaskResult is the collected outcome of one task. Exactly one of
// FailureMessage or Output is meaningful: a task the service failed to run
// has no output artifact to read.
type TaskResult struct {
	TaskID         string `json:"task_id" yaml:"task_id"`
	ExitCode       int    `json:"exit_code" yaml:"exit_code"`
	OutputFile     string `json:"output_file,omitempty" yaml:"output_file,omitempty"`
	Output         string `json:"output,omitempty" yaml:"output,omitempty"`
	FailureMessage string `json:"failure_message,omitempty" yaml:"failure_message,omitempty"`
}

// RunReport summarizes a single orchestrated run.
type RunReport struct {
	JobID    string       `json:"job_id" yaml:"job_id"`
	PoolID   string       `json:"pool_id" yaml:"pool_id"`
	Status   RunStatus    `json:"status" yaml:"status"`
	Started  time.Time    `json:"started" yaml:"started"`
	Finished time.Time    `json:"finished" yaml:"finished"`
	Results  []TaskResult `json:"results,omitempty" yaml:"results,omitempty"`
}
