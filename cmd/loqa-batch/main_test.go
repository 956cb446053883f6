package main

import (
	"testing"

	"github.com/loqalabs/loqa-batch/internal/protocol"
)

func snapshotOf(id, status string, completed int) protocol.JobSnapshot {
	return protocol.JobSnapshot{Jobs: []protocol.JobView{{JobID: id, Status: status, Completed: completed, Total: 2}}}
}

func TestOfferLatestKeepsNewestSnapshot(t *testing.T) {
	ch := make(chan protocol.JobSnapshot, 1)
	offerLatest(ch, snapshotOf("J", "processing", 0))
	offerLatest(ch, snapshotOf("J", "processing", 1))
	offerLatest(ch, snapshotOf("J", "completed", 2))

	got := <-ch
	if got.Jobs[0].Status != "completed" {
		t.Fatalf("expected the terminal snapshot to survive, got %s", got.Jobs[0].Status)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected a single queued snapshot, got another %+v", extra)
	default:
	}
}

func TestFollowJobStopsAtTerminalStatus(t *testing.T) {
	last := -1
	if done, _ := followJob(snapshotOf("other", "completed", 2), "J", &last); done {
		t.Fatal("expected other jobs to be ignored")
	}
	if done, _ := followJob(snapshotOf("J", "processing", 1), "J", &last); done {
		t.Fatal("expected processing job to keep following")
	}
	if last != 1 {
		t.Fatalf("expected progress recorded, got %d", last)
	}
	if done, err := followJob(snapshotOf("J", "completed", 2), "J", &last); !done || err != nil {
		t.Fatalf("expected completion without error, got done=%v err=%v", done, err)
	}

	abandoned := snapshotOf("J", "failed", 0)
	abandoned.Jobs[0].FailureKind = "tracking_abandoned"
	abandoned.Jobs[0].FailureReason = "gave up"
	if done, err := followJob(abandoned, "J", &last); !done || err == nil {
		t.Fatalf("expected abandonment to surface as an error, got done=%v err=%v", done, err)
	}
}
