package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/bus"
	"github.com/loqalabs/loqa-batch/internal/config"
	"github.com/loqalabs/loqa-batch/internal/protocol"
	"github.com/nats-io/nats.go"
)

const submitTimeout = 30 * time.Second

// Tracker is the part of batch.Tracker the gateway drives.
type Tracker interface {
	SubmitBatch(ctx context.Context, items []batch.Item) (string, error)
	TrackedJobs() []batch.JobRecord
	CancelTracking(id string) bool
	Evict(id string) bool
	Polling(id string) bool
	Subscribe(fn batch.Listener) func()
}

// Service exposes the tracker on the bus and broadcasts job snapshots.
type Service struct {
	cfg         config.GatewayConfig
	bus         *bus.Client
	tracker     Tracker
	subs        []*nats.Subscription
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *slog.Logger
}

func NewService(parent context.Context, cfg config.GatewayConfig, busClient *bus.Client, tracker Tracker, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		tracker: tracker,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "gateway")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := map[string]nats.MsgHandler{
		protocol.SubjectBatchSubmit: s.handleSubmit,
		protocol.SubjectBatchCancel: s.handleCancel,
		protocol.SubjectBatchEvict:  s.handleEvict,
		protocol.SubjectBatchList:   s.handleList,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	s.unsubscribe = s.tracker.Subscribe(s.broadcast)
	s.logger.Info("gateway listening", slog.Int("subjects", len(handlers)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.drain()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleSubmit(msg *nats.Msg) {
	var req protocol.SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode submit request", slogError(err))
		s.reply(msg, protocol.SubmitReply{Error: "invalid request: " + err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, submitTimeout)
		defer cancel()

		reply := protocol.SubmitReply{RequestID: req.RequestID}
		id, err := s.tracker.SubmitBatch(ctx, fromWire(req.Items))
		if err != nil {
			reply.Error = err.Error()
			s.logger.Warn("submit via bus failed", slog.String("request_id", req.RequestID), slogError(err))
		} else {
			reply.JobID = id
		}
		s.reply(msg, reply)
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	s.handleCommand(msg, s.tracker.CancelTracking)
}

func (s *Service) handleEvict(msg *nats.Msg) {
	s.handleCommand(msg, s.tracker.Evict)
}

func (s *Service) handleCommand(msg *nats.Msg, apply func(string) bool) {
	var cmd protocol.JobCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode job command", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	found := apply(cmd.JobID)
	s.reply(msg, protocol.JobCommandReply{JobID: cmd.JobID, Found: found})
}

func (s *Service) handleList(msg *nats.Msg) {
	s.reply(msg, s.snapshot(s.tracker.TrackedJobs()))
}

func (s *Service) broadcast(jobs []batch.JobRecord) {
	if err := s.bus.PublishJSON(protocol.SubjectBatchJobs, s.snapshot(jobs)); err != nil {
		s.logger.Warn("failed to publish job snapshot", slogError(err))
	}
}

func (s *Service) snapshot(jobs []batch.JobRecord) protocol.JobSnapshot {
	views := make([]protocol.JobView, len(jobs))
	for i, rec := range jobs {
		views[i] = jobView(rec, s.tracker.Polling(rec.ID))
	}
	return protocol.JobSnapshot{Jobs: views, Timestamp: time.Now().UTC()}
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slog.String("subject", msg.Subject), slogError(err))
	}
}

func fromWire(items []protocol.BatchItem) []batch.Item {
	out := make([]batch.Item, len(items))
	for i, item := range items {
		out[i] = batch.Item{ID: item.ID, Text: item.Text, Language: item.Language}
		if item.Avatar != nil {
			out[i].Voice = &batch.Voice{Gender: item.Avatar.Gender, Dialect: item.Avatar.Dialect}
		}
	}
	return out
}

func jobView(rec batch.JobRecord, polling bool) protocol.JobView {
	view := protocol.JobView{
		JobID:               rec.ID,
		Status:              string(rec.Status),
		Completed:           rec.Progress.Completed,
		Total:               rec.Progress.Total,
		Items:               make([]protocol.JobItemView, len(rec.Results)),
		CreatedAt:           rec.CreatedAt,
		LastPolledAt:        rec.LastPolledAt,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		Polling:             polling,
	}
	for i, res := range rec.Results {
		item := protocol.JobItemView{
			Outcome:     string(res.Outcome),
			ArtifactRef: res.ArtifactRef,
			Reason:      res.Reason,
		}
		if i < len(rec.Items) {
			item.ID = rec.Items[i].ID
		}
		view.Items[i] = item
	}
	if rec.Failure != nil {
		view.FailureKind = string(rec.Failure.Kind)
		view.FailureReason = rec.Failure.Reason
	}
	return view
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
