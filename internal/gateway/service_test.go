package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-batch/internal/backend"
	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/bus"
	"github.com/loqalabs/loqa-batch/internal/config"
	"github.com/loqalabs/loqa-batch/internal/natsserver"
	"github.com/loqalabs/loqa-batch/internal/protocol"
	"github.com/nats-io/nats.go"
)

type fixture struct {
	client  *bus.Client
	tracker *batch.Tracker
}

func startGateway(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client, err := bus.Connect(ctx, config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	tracker := batch.NewTracker(backend.NewMockClient(), batch.SchedulerConfig{Interval: 10 * time.Millisecond}, logger)
	tracker.Start(ctx)
	t.Cleanup(tracker.Close)

	svc := NewService(ctx, config.GatewayConfig{Enabled: true}, client, tracker, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("expected gateway to be healthy")
	}
	return fixture{client: client, tracker: tracker}
}

func request(t *testing.T, client *bus.Client, subject string, req, resp any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.RequestJSON(ctx, subject, req, resp); err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
}

func TestGatewaySubmitAndBroadcast(t *testing.T) {
	f := startGateway(t)

	snapshots := make(chan protocol.JobSnapshot, 64)
	sub, err := f.client.Conn().Subscribe(protocol.SubjectBatchJobs, func(msg *nats.Msg) {
		var snap protocol.JobSnapshot
		if err := json.Unmarshal(msg.Data, &snap); err == nil {
			select {
			case snapshots <- snap:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	f.client.Conn().Flush()

	var reply protocol.SubmitReply
	request(t, f.client, protocol.SubjectBatchSubmit, protocol.SubmitRequest{
		RequestID: "r-1",
		Items: []protocol.BatchItem{
			{ID: "greeting", Text: "Hello there", Language: "en", Avatar: &protocol.Avatar{Gender: "female"}},
		},
	}, &reply)
	if reply.Error != "" || reply.JobID == "" {
		t.Fatalf("unexpected submit reply %+v", reply)
	}
	if reply.RequestID != "r-1" {
		t.Fatalf("expected request id echoed, got %q", reply.RequestID)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-snapshots:
			if len(snap.Jobs) != 1 || snap.Jobs[0].Status != string(batch.StatusCompleted) {
				continue
			}
			job := snap.Jobs[0]
			if job.JobID != reply.JobID || job.Items[0].ID != "greeting" || job.Items[0].ArtifactRef == "" {
				t.Fatalf("unexpected completed view %+v", job)
			}
			if job.Polling {
				t.Fatal("expected completed job to be reported as not polling")
			}
			return
		case <-deadline:
			t.Fatal("did not receive completed snapshot")
		}
	}
}

func TestGatewaySubmitValidationError(t *testing.T) {
	f := startGateway(t)

	var reply protocol.SubmitReply
	request(t, f.client, protocol.SubjectBatchSubmit, protocol.SubmitRequest{}, &reply)
	if reply.Error == "" || reply.JobID != "" {
		t.Fatalf("expected submit error, got %+v", reply)
	}
}

func TestGatewayListCancelEvict(t *testing.T) {
	f := startGateway(t)

	id, err := f.tracker.SubmitBatch(context.Background(), []batch.Item{{Text: "one", Language: "en"}, {Text: "two", Language: "en"}})
	if err != nil {
		t.Fatalf("SubmitBatch returned error: %v", err)
	}

	var snap protocol.JobSnapshot
	request(t, f.client, protocol.SubjectBatchList, struct{}{}, &snap)
	if len(snap.Jobs) != 1 || snap.Jobs[0].JobID != id || snap.Jobs[0].Total != 2 {
		t.Fatalf("unexpected list reply %+v", snap)
	}

	var cmdReply protocol.JobCommandReply
	request(t, f.client, protocol.SubjectBatchCancel, protocol.JobCommand{JobID: "unknown"}, &cmdReply)
	if cmdReply.Found {
		t.Fatal("expected cancel of unknown job to report not found")
	}

	request(t, f.client, protocol.SubjectBatchEvict, protocol.JobCommand{JobID: id}, &cmdReply)
	if !cmdReply.Found {
		t.Fatal("expected evict to find the job")
	}
	request(t, f.client, protocol.SubjectBatchList, struct{}{}, &snap)
	if len(snap.Jobs) != 0 {
		t.Fatalf("expected empty list after evict, got %d jobs", len(snap.Jobs))
	}
}
