package backend

import (
	"fmt"

	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/protocol"
)

func toWire(items []batch.Item) []protocol.BatchItem {
	out := make([]protocol.BatchItem, len(items))
	for i, item := range items {
		out[i] = protocol.BatchItem{ID: item.ID, Text: item.Text, Language: item.Language}
		if item.Voice != nil {
			out[i].Avatar = &protocol.Avatar{Gender: item.Voice.Gender, Dialect: item.Voice.Dialect}
		}
	}
	return out
}

// toReport maps a backend job status onto the tracker's report. Items are
// matched by position; the backend lists them in submission order.
func toReport(st protocol.BatchJobStatus) (batch.StatusReport, error) {
	rep := batch.StatusReport{
		Completed: st.CompletedItems + st.FailedItems,
		Total:     st.TotalItems,
	}
	switch st.Status {
	case protocol.JobSubmitted:
		rep.Status = batch.RemoteSubmitted
	case protocol.JobProcessing:
		rep.Status = batch.RemoteProcessing
	case protocol.JobCompleted:
		rep.Status = batch.RemoteCompleted
	case protocol.JobFailed:
		rep.Status = batch.RemoteFailed
	default:
		return batch.StatusReport{}, batch.TransportError(fmt.Errorf("unknown job status %q", st.Status))
	}

	if len(st.Items) > 0 {
		rep.Results = make([]batch.ItemResult, len(st.Items))
		for i, item := range st.Items {
			switch item.Status {
			case protocol.ItemCompleted:
				rep.Results[i] = batch.Succeeded(item.FileURL)
			case protocol.ItemFailed:
				rep.Results[i] = batch.Failed(item.Error)
			default:
				rep.Results[i] = batch.Pending()
			}
		}
	}
	return rep, nil
}
