package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-batch/internal/backendsim"
	"github.com/loqalabs/loqa-batch/internal/batch"
)

type mockClient struct {
	sim *backendsim.Simulator
}

// NewMockClient returns an in-process backend that finishes one item per
// status query. Items whose text contains backendsim.FailMarker fail.
func NewMockClient() batch.StatusClient {
	return &mockClient{sim: backendsim.NewSimulator("")}
}

func (m *mockClient) Submit(ctx context.Context, items []batch.Item) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", batch.TransportError(err)
	}
	return m.sim.Submit(toWire(items))
}

func (m *mockClient) QueryStatus(ctx context.Context, jobID string) (batch.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return batch.StatusReport{}, batch.TransportError(err)
	}
	st, err := m.sim.Status(jobID)
	if errors.Is(err, backendsim.ErrUnknownJob) {
		return batch.StatusReport{}, fmt.Errorf("%w: %s", batch.ErrNotFound, jobID)
	}
	if err != nil {
		return batch.StatusReport{}, batch.TransportError(err)
	}
	return toReport(st)
}
