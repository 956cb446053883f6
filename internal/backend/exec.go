package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// ErrorNotFound is the error value an exec backend prints for unknown jobs.
const ErrorNotFound = "not_found"

type execClient struct {
	cmd []string
}

// execRequest is written to the command's stdin, one invocation per call.
type execRequest struct {
	Op    string               `json:"op"`
	Items []protocol.BatchItem `json:"items,omitempty"`
	JobID string               `json:"job_id,omitempty"`
}

type execResponse struct {
	protocol.BatchJobStatus
	Error string `json:"error,omitempty"`
}

func NewExecClient(command string) (batch.StatusClient, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse backend command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("backend command empty")
	}
	return &execClient{cmd: args}, nil
}

func (e *execClient) Submit(ctx context.Context, items []batch.Item) (string, error) {
	resp, err := e.run(ctx, execRequest{Op: "submit", Items: toWire(items)})
	if err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", batch.TransportError(fmt.Errorf("backend command: %s", resp.Error))
	}
	return resp.JobID, nil
}

func (e *execClient) QueryStatus(ctx context.Context, jobID string) (batch.StatusReport, error) {
	resp, err := e.run(ctx, execRequest{Op: "status", JobID: jobID})
	if err != nil {
		return batch.StatusReport{}, err
	}
	switch resp.Error {
	case "":
	case ErrorNotFound:
		return batch.StatusReport{}, fmt.Errorf("%w: %s", batch.ErrNotFound, jobID)
	default:
		return batch.StatusReport{}, batch.TransportError(fmt.Errorf("backend command: %s", resp.Error))
	}
	return toReport(resp.BatchJobStatus)
}

func (e *execClient) run(ctx context.Context, req execRequest) (execResponse, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return execResponse{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return execResponse{}, batch.TransportError(fmt.Errorf("backend command failed: %w", err))
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return execResponse{}, batch.TransportError(fmt.Errorf("decode backend command response: %w", err))
	}
	return resp, nil
}
