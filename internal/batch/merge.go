package batch

import (
	"fmt"
	"time"
)

const (
	reasonJobFailed     = "job failed on backend"
	reasonNoResult      = "no result reported"
	reasonAbandonedItem = "tracking abandoned before result"
)

// applyReport merges a status report into rec and returns the new record.
// Stored terminal item outcomes are never replaced and Completed never
// decreases. rec is not modified.
func applyReport(rec JobRecord, rep StatusReport, now time.Time) JobRecord {
	next := rec.Clone()
	if next.Status.Terminal() {
		return next
	}

	for i := range next.Results {
		if next.Results[i].Outcome.Terminal() {
			continue
		}
		if i < len(rep.Results) {
			next.Results[i] = normalizeResult(rep.Results[i])
		}
	}

	switch rep.Status {
	case RemoteFailed:
		failPending(next.Results, reasonJobFailed)
		next.Status = StatusFailed
		next.Failure = &Failure{Kind: FailureBackend, Reason: reasonJobFailed}
	case RemoteCompleted:
		failPending(next.Results, reasonNoResult)
		next.Status = StatusCompleted
	}

	completed := terminalCount(next.Results)
	if len(rep.Results) == 0 {
		// Counts are all we have when the backend omits per-item results.
		completed = maxInt(completed, rep.Completed)
	}
	next.Progress.Completed = maxInt(next.Progress.Completed, completed)
	if next.Progress.Completed > next.Progress.Total {
		next.Progress.Completed = next.Progress.Total
	}

	if !next.Status.Terminal() {
		if next.Progress.Completed == next.Progress.Total {
			failPending(next.Results, reasonNoResult)
			next.Status = StatusCompleted
		} else {
			next.Status = StatusProcessing
		}
	}

	ts := now
	next.LastPolledAt = &ts
	next.ConsecutiveFailures = 0
	return next
}

// recordFailure bumps the consecutive failure counter after a failed poll.
func recordFailure(rec JobRecord, failures int) JobRecord {
	next := rec.Clone()
	next.ConsecutiveFailures = failures
	return next
}

// abandon marks rec as failed because polling gave up after failures attempts.
func abandon(rec JobRecord, failures int, cause error) JobRecord {
	next := rec.Clone()
	if next.Status.Terminal() {
		return next
	}
	reason := fmt.Sprintf("%s after %d consecutive failed polls", ErrTrackingAbandoned, failures)
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	failPending(next.Results, reasonAbandonedItem)
	next.Progress.Completed = maxInt(next.Progress.Completed, terminalCount(next.Results))
	next.Status = StatusFailed
	next.ConsecutiveFailures = failures
	next.Failure = &Failure{Kind: FailureTrackingAbandoned, Reason: reason}
	return next
}

func normalizeResult(res ItemResult) ItemResult {
	switch res.Outcome {
	case OutcomeSucceeded:
		return Succeeded(res.ArtifactRef)
	case OutcomeFailed:
		if res.Reason == "" {
			res.Reason = "synthesis failed"
		}
		return Failed(res.Reason)
	case OutcomePending:
		return Pending()
	default:
		return Pending()
	}
}

func failPending(results []ItemResult, reason string) {
	for i := range results {
		if !results[i].Outcome.Terminal() {
			results[i] = Failed(reason)
		}
	}
}

func terminalCount(results []ItemResult) int {
	n := 0
	for _, res := range results {
		if res.Outcome.Terminal() {
			n++
		}
	}
	return n
}

func maxInt(first int, rest ...int) int {
	m := first
	for _, v := range rest {
		if v > m {
			m = v
		}
	}
	return m
}
