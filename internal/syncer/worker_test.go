package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"safety-guardian/internal/models"
)

type fakeQueue struct {
	snapshots []models.Snapshot
	synced    []int64
	readErr   error
	markErr   error
}

func (q *fakeQueue) GetUnsynced(ctx context.Context) ([]models.Snapshot, error) {
	if q.readErr != nil {
		return nil, q.readErr
	}
	var out []models.Snapshot
	for _, s := range q.snapshots {
		if !s.Synced {
			out = append(out, s)
		}
	}
	return out, nil
}

func (q *fakeQueue) MarkSynced(ctx context.Context, ids []int64) error {
	if q.markErr != nil {
		return q.markErr
	}
	for _, id := range ids {
		for i := range q.snapshots {
			if q.snapshots[i].LocalID == id {
				q.snapshots[i].Synced = true
			}
		}
	}
	q.synced = append(q.synced, ids...)
	return nil
}

func testSnapshots(n int) []models.Snapshot {
	snaps := make([]models.Snapshot, n)
	for i := range snaps {
		lat, lng := 52.52, 13.405
		snaps[i] = models.Snapshot{
			LocalID:   int64(i + 1),
			Timestamp: int64(1700000000000 + i*30000),
			Battery:   80 - i,
			Network:   true,
			Lat:       &lat,
			Lng:       &lng,
		}
	}
	return snaps
}

func newTestWorker(t *testing.T, queue *fakeQueue, url string) *Worker {
	t.Helper()
	w, err := NewWorker(queue, &models.SnapshotConfig{
		CollectorURL:   url,
		ConnectTimeout: "1s",
		ReadTimeout:    "1s",
	})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	return w
}

func TestRunOncePartialAck(t *testing.T) {
	queue := &fakeQueue{snapshots: testSnapshots(3)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []models.SnapshotPayload
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("failed to decode batch: %v", err)
		}
		if len(batch) != 3 {
			t.Errorf("expected batch of 3, got %d", len(batch))
		}
		json.NewEncoder(w).Encode(models.SyncResponse{AckedIDs: []int64{1, 3}})
	}))
	defer server.Close()

	worker := newTestWorker(t, queue, server.URL)

	outcome, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Errorf("expected success, got %v", outcome)
	}

	remaining, _ := queue.GetUnsynced(context.Background())
	if len(remaining) != 1 || remaining[0].LocalID != 2 {
		t.Errorf("expected only snapshot 2 to remain unsynced, got %+v", remaining)
	}
}

func TestRunOnceEmptyQueueSkipsNetwork(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	worker := newTestWorker(t, &fakeQueue{}, server.URL)

	outcome, err := worker.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if outcome != OutcomeSuccess {
		t.Errorf("expected success, got %v", outcome)
	}
	if called {
		t.Error("expected no collector call for an empty queue")
	}
}

func TestRunOnceServerErrorRetries(t *testing.T) {
	queue := &fakeQueue{snapshots: testSnapshots(2)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	worker := newTestWorker(t, queue, server.URL)

	outcome, err := worker.RunOnce(context.Background())
	if outcome != OutcomeRetry {
		t.Errorf("expected retry, got %v", outcome)
	}
	if err == nil {
		t.Error("expected an error explaining the retry")
	}
	if len(queue.synced) != 0 {
		t.Errorf("expected nothing marked synced, got %v", queue.synced)
	}
}

func TestRunOnceMalformedResponseRetries(t *testing.T) {
	queue := &fakeQueue{snapshots: testSnapshots(1)}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	}))
	defer server.Close()

	worker := newTestWorker(t, queue, server.URL)

	outcome, _ := worker.RunOnce(context.Background())
	if outcome != OutcomeRetry {
		t.Errorf("expected retry, got %v", outcome)
	}
	if len(queue.synced) != 0 {
		t.Errorf("expected nothing marked synced, got %v", queue.synced)
	}
}

func TestRunOnceTransportFailureRetries(t *testing.T) {
	queue := &fakeQueue{snapshots: testSnapshots(1)}
	worker := newTestWorker(t, queue, "http://127.0.0.1:1")

	outcome, err := worker.RunOnce(context.Background())
	if outcome != OutcomeRetry {
		t.Errorf("expected retry, got %v", outcome)
	}
	if err == nil {
		t.Error("expected a transport error")
	}
}

func TestRunOnceStorageReadFaultRetries(t *testing.T) {
	queue := &fakeQueue{readErr: fmt.Errorf("redis down")}
	worker := newTestWorker(t, queue, "http://127.0.0.1:1")

	outcome, _ := worker.RunOnce(context.Background())
	if outcome != OutcomeRetry {
		t.Errorf("expected retry, got %v", outcome)
	}
}

func TestRunnerDeduplicatesRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(models.SyncResponse{AckedIDs: []int64{1}})
	}))
	defer server.Close()

	queue := &fakeQueue{snapshots: testSnapshots(1)}
	worker := newTestWorker(t, queue, server.URL)
	runner := NewRunner(worker, func() bool { return true }, 10*time.Millisecond, 100*time.Millisecond)

	// Burst of requests before the loop starts: at most one queued
	runner.Request()
	runner.Request()
	runner.Request()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected 1 collector call, got %d", n)
	}
}

func TestRunnerDefersWhileOffline(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	queue := &fakeQueue{snapshots: testSnapshots(1)}
	worker := newTestWorker(t, queue, server.URL)
	runner := NewRunner(worker, func() bool { return false }, 10*time.Millisecond, 100*time.Millisecond)

	runner.Request()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("expected no collector calls while offline, got %d", n)
	}
}

func TestRunnerLetsInFlightAttemptFinish(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		json.NewEncoder(w).Encode(models.SyncResponse{AckedIDs: []int64{1}})
	}))
	defer server.Close()

	queue := &fakeQueue{snapshots: testSnapshots(1)}
	worker := newTestWorker(t, queue, server.URL)
	runner := NewRunner(worker, func() bool { return true }, 10*time.Millisecond, 100*time.Millisecond)

	runner.Request()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	// Cancel while the upload is in flight; the attempt must still
	// complete and record the acknowledgement
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	remaining, _ := queue.GetUnsynced(context.Background())
	if len(remaining) != 0 {
		t.Errorf("in-flight attempt was aborted, %d snapshots still unsynced", len(remaining))
	}
}

func TestRunnerRetriesAfterFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(models.SyncResponse{AckedIDs: []int64{1}})
	}))
	defer server.Close()

	queue := &fakeQueue{snapshots: testSnapshots(1)}
	worker := newTestWorker(t, queue, server.URL)
	runner := NewRunner(worker, func() bool { return true }, 5*time.Millisecond, 20*time.Millisecond)

	runner.Request()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&calls) < 2 {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("expected a retry after failure, got %d calls", atomic.LoadInt32(&calls))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	remaining, _ := queue.GetUnsynced(context.Background())
	if len(remaining) != 0 {
		t.Errorf("expected queue drained after retry, got %+v", remaining)
	}
}
