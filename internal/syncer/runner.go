package syncer

import (
	"context"
	"log"
	"time"

	"safety-guardian/internal/utils"
)

// Runner owns the sync trigger and the retry loop. Requests made while
// an attempt is pending collapse into the already-queued one, so any
// number of snapshot inserts or network-regain nudges produce at most
// one queued sync at a time.
type Runner struct {
	worker        *Worker
	networkUp     func() bool
	trigger       chan struct{}
	retryInterval time.Duration
	maxBackoff    time.Duration
	attempts      int
}

func NewRunner(worker *Worker, networkUp func() bool, retryInterval, maxBackoff time.Duration) *Runner {
	return &Runner{
		worker:        worker,
		networkUp:     networkUp,
		trigger:       make(chan struct{}, 1),
		retryInterval: retryInterval,
		maxBackoff:    maxBackoff,
	}
}

// Request queues a sync if none is queued yet. Never blocks.
func (r *Runner) Request() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run services the trigger until the context is cancelled. Failed
// attempts are re-queued with exponential backoff; attempts reset on
// success. Nothing is ever given up on.
func (r *Runner) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
		}

		if !r.networkUp() {
			log.Printf("[SyncRunner] Network unavailable, deferring sync")
			continue
		}

		// The attempt runs on its own context: cancellation stops the
		// wait loop but lets an in-flight upload complete or fail on
		// its own, bounded by the worker's HTTP timeouts
		outcome, err := r.worker.RunOnce(context.Background())
		if outcome == OutcomeSuccess {
			r.attempts = 0
			continue
		}

		r.attempts++
		delay := utils.Backoff(r.attempts-1, r.retryInterval, r.maxBackoff)
		log.Printf("[SyncRunner] Sync attempt %d failed, retrying in %v: %v", r.attempts, delay, err)
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
				r.Request()
			}
		}()
	}
}
