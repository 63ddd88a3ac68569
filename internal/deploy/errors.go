package deploy

import (
	"errors"
	"fmt"
)

// ErrDeployTimeout indicates the configured wait ceiling elapsed while
// the remote job was still non-terminal. The job is not cancelled; the
// CLI only stops waiting.
var ErrDeployTimeout = errors.New("timed out waiting for deployment to complete")

// RemoteFailureError carries the backend's failure reason verbatim. The
// remote build failing is not a network condition, so it is never
// retried.
type RemoteFailureError struct {
	JobID   string
	Message string
}

func (e *RemoteFailureError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("deployment %s failed", e.JobID)
	}
	return fmt.Sprintf("deployment %s failed: %s", e.JobID, e.Message)
}

// StageError tags a pipeline failure with the stage it occurred in so
// the CLI can render a precise message.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
