package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if es.Enabled() {
		t.Fatal("expected ephemeral store to be disabled")
	}
	if err := es.AppendEvent(ctx, Event{JobID: "J", Type: EventJobStatus}); err != nil {
		t.Fatalf("append on ephemeral store should be a no-op: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.AppendJob(ctx, "job-123", 2); err != nil {
		t.Fatalf("append job: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "job-123", Type: EventJobSubmitted, Status: "queued", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "job-123", Type: EventJobStatus, Status: "processing"}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListJobEvents(ctx, "job-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Payload) != "hello" || events[0].Type != EventJobSubmitted {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[1].Status != "processing" {
		t.Fatalf("unexpected second event status: %s", events[1].Status)
	}
}

func TestAppendEventRequiresJob(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	if err := es.AppendEvent(context.Background(), Event{JobID: "ghost", Type: EventJobStatus}); err == nil {
		t.Fatal("expected foreign key violation for unknown job")
	}
}

func TestPruneByDaysAndJobs(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxJobs: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendJob(ctx, "old-job", 1); err != nil {
		t.Fatalf("append job: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "old-job", Type: EventJobSubmitted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendJob(ctx, "new-job", 1); err != nil {
		t.Fatalf("append job: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{JobID: "new-job", Type: EventJobSubmitted}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListJobEvents(ctx, "old-job", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old job pruned")
	}
	events, err = es.ListJobEvents(ctx, "new-job", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected new job kept, got %d events", len(events))
	}
}

func TestRecorderWritesLifecycle(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	rec := NewRecorder(es, newLogger())

	job := batch.JobRecord{
		ID:        "J2",
		Items:     []batch.Item{{ID: "item-1", Text: "hi", Language: "en"}},
		Status:    batch.StatusQueued,
		Progress:  batch.Progress{Total: 1},
		Results:   []batch.ItemResult{batch.Pending()},
		CreatedAt: time.Now().UTC(),
	}
	rec.JobSubmitted(job)

	next := job.Clone()
	next.Status = batch.StatusFailed
	next.Progress.Completed = 1
	next.Results[0] = batch.Failed("tracking abandoned before result")
	next.Failure = &batch.Failure{Kind: batch.FailureTrackingAbandoned, Reason: "tracking abandoned after 3 consecutive failed polls"}
	rec.JobTransitioned(job, next)
	rec.Close()

	events, err := es.ListJobEvents(context.Background(), "J2", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventJobSubmitted || events[1].Type != EventJobAbandoned {
		t.Fatalf("unexpected event types %s, %s", events[0].Type, events[1].Type)
	}
	var payload transitionPayload
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.From != batch.StatusQueued || payload.Failure == nil || payload.Failure.Kind != batch.FailureTrackingAbandoned {
		t.Fatalf("unexpected payload %+v", payload)
	}

	// Events after Close are ignored.
	rec.JobTransitioned(job, next)
}
