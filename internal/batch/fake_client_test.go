package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type step struct {
	report StatusReport
	err    error
}

// fakeClient replays a per-job script of status answers; the last step
// repeats once the script is exhausted.
type fakeClient struct {
	mu          sync.Mutex
	ids         []string
	submitErr   error
	submits     int
	submitted   [][]Item
	scripts     map[string][]step
	calls       map[string]int
	delay       time.Duration
	inFlight    int
	maxInFlight int
}

func newFakeClient(ids ...string) *fakeClient {
	return &fakeClient{
		ids:     ids,
		scripts: make(map[string][]step),
		calls:   make(map[string]int),
	}
}

func (f *fakeClient) script(id string, steps ...step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = steps
}

func (f *fakeClient) Submit(ctx context.Context, items []Item) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, items)
	if len(f.ids) == 0 {
		return fmt.Sprintf("job-%d", f.submits), nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

func (f *fakeClient) QueryStatus(ctx context.Context, jobID string) (StatusReport, error) {
	f.mu.Lock()
	f.calls[jobID]++
	n := f.calls[jobID]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	steps := f.scripts[jobID]
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return StatusReport{}, ctx.Err()
		}
	}
	if len(steps) == 0 {
		return StatusReport{Status: RemoteProcessing, Total: 1}, nil
	}
	if n > len(steps) {
		n = len(steps)
	}
	s := steps[n-1]
	return s.report, s.err
}

func (f *fakeClient) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeClient) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *fakeClient) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func twoItems() []Item {
	return []Item{
		{Text: "Welcome to our hotel.", Language: "en", Voice: &Voice{Gender: "female", Dialect: "en-US"}},
		{Text: "Bienvenido a nuestro hotel.", Language: "es"},
	}
}
