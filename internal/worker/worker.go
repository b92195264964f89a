// Package worker runs background maintenance jobs on a fixed interval.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type JobStatus string

const (
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// Job is one unit of periodic work. RunOnce must be safe to repeat.
type Job interface {
	Name() string
	RunOnce(ctx context.Context) error
}

// Every runs job immediately and then on each tick until ctx is done.
// A failed run is logged and the next tick proceeds.
func Every(ctx context.Context, interval time.Duration, job Job, log *zap.SugaredLogger) error {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if status, err := Run(ctx, job); status == JobStatusFailed {
			log.Warnw("job failed", "job", job.Name(), "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run executes job once and reports how it ended.
func Run(ctx context.Context, job Job) (JobStatus, error) {
	err := job.RunOnce(ctx)
	switch {
	case err == nil:
		return JobStatusDone, nil
	case ctx.Err() != nil:
		return JobStatusCanceled, err
	default:
		return JobStatusFailed, err
	}
}
