package backendsim

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-batch/internal/protocol"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(NewSimulator(""), logger).Router())
	t.Cleanup(srv.Close)
	return srv
}

func submit(t *testing.T, base string, items []protocol.BatchItem) string {
	t.Helper()
	body, _ := json.Marshal(protocol.BatchSubmitRequest{Items: items})
	resp, err := http.Post(base+"/batch-tts", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit returned %s", resp.Status)
	}
	var out protocol.BatchSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return out.JobID
}

func status(t *testing.T, base, id string) (int, protocol.BatchJobStatus) {
	t.Helper()
	resp, err := http.Get(base + "/batch-tts/" + id + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var out protocol.BatchJobStatus
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode status: %v", err)
		}
	}
	return resp.StatusCode, out
}

func TestServerAdvancesOneItemPerQuery(t *testing.T) {
	srv := newTestServer(t)
	id := submit(t, srv.URL, []protocol.BatchItem{
		{ID: "a", Text: "Hello", Language: "en", Avatar: &protocol.Avatar{Gender: "female"}},
		{ID: "b", Text: "Hola", Language: "es"},
	})
	if id == "" {
		t.Fatal("expected job id")
	}

	code, st := status(t, srv.URL, id)
	if code != http.StatusOK || st.Status != protocol.JobProcessing || st.CompletedItems != 0 {
		t.Fatalf("unexpected first status %d %+v", code, st)
	}

	_, st = status(t, srv.URL, id)
	if st.Status != protocol.JobProcessing || st.CompletedItems != 1 {
		t.Fatalf("unexpected second status %+v", st)
	}
	if st.Items[0].FileURL == "" {
		t.Fatal("expected file url for finished item")
	}

	_, st = status(t, srv.URL, id)
	if st.Status != protocol.JobCompleted || st.CompletedItems != 2 || st.TotalItems != 2 {
		t.Fatalf("unexpected final status %+v", st)
	}
}

func TestServerFailsMarkedItems(t *testing.T) {
	srv := newTestServer(t)
	id := submit(t, srv.URL, []protocol.BatchItem{{ID: "x", Text: "broken " + FailMarker, Language: "en"}})

	status(t, srv.URL, id)
	_, st := status(t, srv.URL, id)
	if st.Status != protocol.JobFailed || st.FailedItems != 1 {
		t.Fatalf("expected failed job, got %+v", st)
	}
	if st.Items[0].Error == "" {
		t.Fatal("expected item error")
	}
}

func TestServerUnknownJob(t *testing.T) {
	srv := newTestServer(t)
	code, _ := status(t, srv.URL, "missing")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestServerRejectsEmptyBatch(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/batch-tts", "application/json", bytes.NewReader([]byte(`{"items":[]}`)))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
