package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/protocol"
)

type httpClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClient talks to a backend serving the batch API under endpoint.
func NewHTTPClient(endpoint string, timeout time.Duration) batch.StatusClient {
	return &httpClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) Submit(ctx context.Context, items []batch.Item) (string, error) {
	body, err := json.Marshal(protocol.BatchSubmitRequest{Items: toWire(items)})
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/batch-tts", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", batch.TransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", batch.TransportError(statusError(resp))
	}

	var out protocol.BatchSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", batch.TransportError(fmt.Errorf("decode submit response: %w", err))
	}
	return out.JobID, nil
}

func (c *httpClient) QueryStatus(ctx context.Context, jobID string) (batch.StatusReport, error) {
	target := c.endpoint + "/batch-tts/" + url.PathEscape(jobID) + "/status"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return batch.StatusReport{}, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return batch.StatusReport{}, batch.TransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return batch.StatusReport{}, fmt.Errorf("%w: %s", batch.ErrNotFound, jobID)
	}
	if resp.StatusCode >= 300 {
		return batch.StatusReport{}, batch.TransportError(statusError(resp))
	}

	var st protocol.BatchJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return batch.StatusReport{}, batch.TransportError(fmt.Errorf("decode status response: %w", err))
	}
	return toReport(st)
}

func statusError(resp *http.Response) error {
	var detail struct {
		Detail string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
		return fmt.Errorf("backend returned status %s: %s", resp.Status, detail.Detail)
	}
	return fmt.Errorf("backend returned status %s", resp.Status)
}
