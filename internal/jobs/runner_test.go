package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	created chan Run
	done    chan finishCall

	createErr error
	nextID    int64
}

type finishCall struct {
	jobRunID     int64
	status       string
	detailJSON   *string
	errorMessage *string
	ctxErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		created: make(chan Run, 1),
		done:    make(chan finishCall, 1),
	}
}

func (s *fakeStore) createRun(_ context.Context, jobRunUUID, kind string) (Run, error) {
	if s.createErr != nil {
		return Run{}, s.createErr
	}
	s.nextID++
	run := Run{
		JobRunID:   s.nextID,
		JobRunUUID: jobRunUUID,
		Kind:       kind,
		Status:     "running",
		StartedAt:  time.Now(),
	}
	s.created <- run
	return run, nil
}

func (s *fakeStore) finishRun(ctx context.Context, jobRunID int64, status string, detailJSON, errorMessage *string, _ time.Time) error {
	// ctxErr captures whether the bookkeeping context was still alive at
	// write time.
	s.done <- finishCall{
		jobRunID:     jobRunID,
		status:       status,
		detailJSON:   detailJSON,
		errorMessage: errorMessage,
		ctxErr:       ctx.Err(),
	}
	return nil
}

func newTestRunner(store store, timeout time.Duration) *Runner {
	return &Runner{
		store:   store,
		logger:  zerolog.Nop(),
		timeout: timeout,
	}
}

func waitForFinish(t *testing.T, store *fakeStore) finishCall {
	t.Helper()
	select {
	case call := <-store.done:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("job never recorded an outcome")
		return finishCall{}
	}
}

func TestLaunchRecordsTimedOutJobAsFailed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	runner := newTestRunner(store, 10*time.Millisecond)

	run, err := runner.Launch(context.Background(), KindCluster, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if run.Status != "running" {
		t.Fatalf("launched run status = %q, want running", run.Status)
	}

	call := waitForFinish(t, store)
	if call.jobRunID != run.JobRunID {
		t.Fatalf("finish recorded run %d, want %d", call.jobRunID, run.JobRunID)
	}
	if call.status != "failed" {
		t.Fatalf("timed-out job recorded as %q, want failed", call.status)
	}
	if call.errorMessage == nil || *call.errorMessage != context.DeadlineExceeded.Error() {
		t.Fatalf("error message = %v, want deadline exceeded", call.errorMessage)
	}
	// The write must run on its own context, not the expired job context.
	if call.ctxErr != nil {
		t.Fatalf("outcome written on a dead context: %v", call.ctxErr)
	}
}

func TestLaunchRecordsCompletionWithDetail(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	runner := newTestRunner(store, time.Minute)

	type detail struct {
		Processed int `json:"processed"`
	}
	run, err := runner.Launch(context.Background(), KindEmbed, func(context.Context) (any, error) {
		return detail{Processed: 7}, nil
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	call := waitForFinish(t, store)
	if call.jobRunID != run.JobRunID || call.status != "completed" {
		t.Fatalf("finish = run %d status %q, want run %d completed", call.jobRunID, call.status, run.JobRunID)
	}
	if call.detailJSON == nil || *call.detailJSON != `{"processed":7}` {
		t.Fatalf("detail = %v, want processed count", call.detailJSON)
	}
	if call.errorMessage != nil {
		t.Fatalf("completed job must not carry an error message, got %q", *call.errorMessage)
	}
}

func TestLaunchRecordsFailureMessage(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	runner := newTestRunner(store, time.Minute)

	cause := errors.New("embedding service unreachable")
	if _, err := runner.Launch(context.Background(), KindEmbed, func(context.Context) (any, error) {
		return nil, cause
	}); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	call := waitForFinish(t, store)
	if call.status != "failed" {
		t.Fatalf("status = %q, want failed", call.status)
	}
	if call.errorMessage == nil || *call.errorMessage != cause.Error() {
		t.Fatalf("error message = %v, want %q", call.errorMessage, cause.Error())
	}
	if call.detailJSON != nil {
		t.Fatalf("failed job must not store detail, got %q", *call.detailJSON)
	}
}

func TestLaunchCreateFailure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.createErr = errors.New("insert denied")
	runner := newTestRunner(store, time.Minute)

	started := false
	_, err := runner.Launch(context.Background(), KindDiscover, func(context.Context) (any, error) {
		started = true
		return nil, nil
	})
	if err == nil {
		t.Fatal("Launch must fail when the run row cannot be created")
	}
	if started {
		t.Fatal("job must not start without a run row")
	}
}
