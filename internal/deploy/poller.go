package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/orbit88/cube.js/internal/cloud"
	"github.com/orbit88/cube.js/internal/retry"
	"github.com/orbit88/cube.js/pkg/logger"
)

// StatusAPI is the slice of the backend client the poller needs.
type StatusAPI interface {
	GetDeployment(ctx context.Context, token, id string) (cloud.Job, error)
}

// Poller tracks a deployment until it reaches a terminal state. All
// transitions come from polling responses; the poller never infers one
// locally.
type Poller struct {
	api      StatusAPI
	policy   retry.Policy
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

// NewPoller creates a Poller. interval is the gap between polls, timeout
// the maximum total wait.
func NewPoller(api StatusAPI, policy retry.Policy, interval, timeout time.Duration, log *slog.Logger) *Poller {
	if log == nil {
		log = logger.Discard()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Poller{api: api, policy: policy, interval: interval, timeout: timeout, log: log}
}

// Wait polls until job reaches a terminal state, emitting an event on
// every status or progress change. Progress is kept monotonically
// non-decreasing within a state and resets only on a transition. It
// returns the terminal job, the total transient retry count across all
// polls, and an error for failure, timeout, or cancellation.
func (p *Poller) Wait(ctx context.Context, tokenValue string, job cloud.Job, sink Sink) (cloud.Job, int, error) {
	deadline := time.Now().Add(p.timeout)
	current := sanitize(job, cloud.Job{})
	publish(sink, Event{Stage: StageWait, Status: current.Status, Progress: current.Progress, Message: current.Message})
	totalRetries := 0

	for !current.Status.Terminal() {
		if time.Now().After(deadline) {
			p.log.Warn("deploy wait ceiling reached", "deployment_id", current.ID, "status", current.Status)
			return current, totalRetries, ErrDeployTimeout
		}
		if err := sleep(ctx, p.interval); err != nil {
			return current, totalRetries, err
		}

		var next cloud.Job
		retries, err := p.policy.Do(ctx, func() error {
			var opErr error
			next, opErr = p.api.GetDeployment(ctx, tokenValue, current.ID)
			if opErr != nil && !cloud.Transient(opErr) {
				return retry.Permanent(opErr)
			}
			return opErr
		})
		totalRetries += retries
		if err != nil {
			return current, totalRetries, err
		}

		next = sanitize(next, current)
		if next.Status != current.Status || next.Progress != current.Progress || next.Message != current.Message {
			publish(sink, Event{Stage: StageWait, Status: next.Status, Progress: next.Progress, Message: next.Message})
		}
		current = next
	}

	if current.Status == cloud.StatusFailed {
		return current, totalRetries, &RemoteFailureError{JobID: current.ID, Message: current.Message}
	}
	return current, totalRetries, nil
}

// sanitize normalizes a polled job against the previous observation:
// progress is clamped to [0,100] and never allowed to move backwards
// within the same state.
func sanitize(next, prev cloud.Job) cloud.Job {
	if next.ID == "" {
		next.ID = prev.ID
	}
	if next.Progress < 0 {
		next.Progress = 0
	}
	if next.Progress > 100 {
		next.Progress = 100
	}
	if next.Status == prev.Status && next.Progress < prev.Progress {
		next.Progress = prev.Progress
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
