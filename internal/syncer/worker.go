package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"safety-guardian/internal/models"
)

// Outcome is the result of one sync attempt. There is no permanent
// failure: anything short of success is retried later.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
)

func (o Outcome) String() string {
	if o == OutcomeSuccess {
		return "success"
	}
	return "retry"
}

// SnapshotQueue is the slice of the snapshot store the worker needs
type SnapshotQueue interface {
	GetUnsynced(ctx context.Context) ([]models.Snapshot, error)
	MarkSynced(ctx context.Context, ids []int64) error
}

// Worker drains unsynced snapshots to the remote collector. One call to
// RunOnce is one attempt: a single batched upload, acknowledged ids
// marked synced, everything else left queued for the next pass.
type Worker struct {
	store  SnapshotQueue
	client *http.Client
	url    string
}

// NewWorker creates a sync worker for the configured collector
func NewWorker(store SnapshotQueue, config *models.SnapshotConfig) (*Worker, error) {
	connectTimeout, err := time.ParseDuration(config.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid connect_timeout: %v", err)
	}
	readTimeout, err := time.ParseDuration(config.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %v", err)
	}

	return &Worker{
		store: store,
		url:   config.CollectorURL,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
				ResponseHeaderTimeout: readTimeout,
			},
			Timeout: connectTimeout + readTimeout,
		},
	}, nil
}

// RunOnce performs one sync attempt. On OutcomeRetry the returned error
// says why; no ids have been marked synced unless the collector
// acknowledged them.
func (w *Worker) RunOnce(ctx context.Context) (Outcome, error) {
	unsynced, err := w.store.GetUnsynced(ctx)
	if err != nil {
		return OutcomeRetry, fmt.Errorf("failed to read unsynced snapshots: %v", err)
	}

	if len(unsynced) == 0 {
		return OutcomeSuccess, nil
	}

	payloads := make([]models.SnapshotPayload, len(unsynced))
	for i, snap := range unsynced {
		payloads[i] = snap.Payload()
	}

	acked, err := w.upload(ctx, payloads)
	if err != nil {
		return OutcomeRetry, err
	}

	if err := w.store.MarkSynced(ctx, acked); err != nil {
		// The collector has the batch but the acknowledgement is not
		// durable; the next pass re-sends and the collector's ids keep
		// that idempotent
		return OutcomeRetry, fmt.Errorf("failed to record acknowledgement: %v", err)
	}

	log.Printf("[SyncWorker] Uploaded %d snapshots, %d acknowledged", len(payloads), len(acked))
	return OutcomeSuccess, nil
}

// upload sends one ordered batch and returns the collector's
// acknowledged ids
func (w *Worker) upload(ctx context.Context, payloads []models.SnapshotPayload) ([]int64, error) {
	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload batch: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("collector returned status %d", resp.StatusCode)
	}

	var ack models.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, fmt.Errorf("malformed collector response: %v", err)
	}

	return ack.AckedIDs, nil
}
