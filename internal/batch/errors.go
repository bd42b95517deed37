package batch

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrProvisionTimeout  = errors.New("provision timeout")
	ErrCompletionTimeout = errors.New("completion timeout")
	ErrNoMatchingImage   = errors.New("no matching image")
)

// RemoteError is a request the service rejected, surfaced with the
// code/message/detail pairs from the error body.
type RemoteError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"values,omitempty"`
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote service error %s: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "; %s=%s", k, e.Details[k])
		}
	}
	return b.String()
}

// IsAlreadyExists reports whether err is the service telling us the
// resource is already there. Used for idempotent recovery on create.
func IsAlreadyExists(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Code {
	case "PoolExists", "JobExists", "ContainerAlreadyExists", "TaskExists":
		return true
	}
	return false
}

// SubmissionError wraps whatever went wrong while creating a job or its
// task batch. Partial batch failures surface as one of these, not as
// per-task retries.
type SubmissionError struct {
	JobID string
	Cause error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit job %s: %v", e.JobID, e.Cause)
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// LogRemoteError writes a rejected request at error level with its
// code/message/detail pairs broken out, so teardown noise stays readable.
func LogRemoteError(log zerolog.Logger, op string, err error) {
	var re *RemoteError
	if errors.As(err, &re) {
		ev := log.Error().Str("op", op).Str("code", re.Code).Str("message", re.Message)
		for k, v := range re.Details {
			ev = ev.Str("detail."+k, v)
		}
		ev.Msg("remote service rejected request")
		return
	}
	log.Error().Str("op", op).Err(err).Msg("remote call failed")
}
