package scheduler

import (
	"context"
	"log"
	"time"

	"safety-guardian/internal/models"
)

// SnapshotInserter is the slice of the snapshot store the scheduler needs
type SnapshotInserter interface {
	Insert(ctx context.Context, snap models.Snapshot) (int64, error)
}

// Scheduler captures the device state into the snapshot store on a fixed
// period and requests a sync pass after every capture. Each tick is
// scheduled from the completion of the previous one; drift is tolerated.
type Scheduler struct {
	state       *models.DeviceState
	store       SnapshotInserter
	interval    time.Duration
	requestSync func()
	now         func() time.Time
}

// New creates a snapshot scheduler
func New(state *models.DeviceState, store SnapshotInserter, interval time.Duration, requestSync func()) *Scheduler {
	return &Scheduler{
		state:       state,
		store:       store,
		interval:    interval,
		requestSync: requestSync,
		now:         time.Now,
	}
}

// Run ticks until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Capturing snapshots every %s", s.interval)

	for {
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("[Scheduler] Context cancelled, stopping")
			return
		case <-timer.C:
			if err := s.CaptureOnce(ctx); err != nil {
				log.Printf("[Scheduler] Capture failed: %v", err)
			}
		}
	}
}

// CaptureOnce performs one tick: persist the current state if it is
// complete and request a sync pass. An incomplete state (no battery
// reading or no fix yet) is skipped silently; that is expected at
// startup, not an error.
func (s *Scheduler) CaptureOnce(ctx context.Context) error {
	if !s.state.Valid() {
		log.Println("[Scheduler] Device state incomplete, skipping snapshot")
		return nil
	}

	snap := s.state.Capture(s.now())
	id, err := s.store.Insert(ctx, snap)
	if err != nil {
		return err
	}

	log.Printf("[Scheduler] Captured snapshot %d (battery=%d%%, network=%v)", id, snap.Battery, snap.Network)
	s.requestSync()
	return nil
}
