package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-batch/internal/backend"
	"github.com/loqalabs/loqa-batch/internal/batch"
	"github.com/loqalabs/loqa-batch/internal/batchfile"
	"github.com/loqalabs/loqa-batch/internal/bus"
	"github.com/loqalabs/loqa-batch/internal/config"
	"github.com/loqalabs/loqa-batch/internal/protocol"
	"github.com/loqalabs/loqa-batch/internal/runtime"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

const listFallbackInterval = 2 * time.Second

func main() {
	var (
		filePath   string
		configPath string
		viaBus     bool
		verbose    bool
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&filePath, "file", "batch.yaml", "Path to batch file")

	submitCmd := flag.NewFlagSet("submit", flag.ExitOnError)
	submitCmd.StringVar(&filePath, "file", "batch.yaml", "Path to batch file")
	submitCmd.StringVar(&configPath, "config", "", "Path to configuration file")
	submitCmd.BoolVar(&viaBus, "bus", false, "Submit through a running loqa-batchd gateway instead of calling the backend directly")
	submitCmd.BoolVar(&verbose, "v", false, "Log tracker activity to stderr")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'submit', 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := loadItems(filePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("batch file valid")
	case "submit":
		submitCmd.Parse(os.Args[2:])
		items, err := loadItems(filePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var run func(context.Context, config.Config, []batch.Item, *slog.Logger) error = runDirect
		if viaBus {
			run = runViaBus
		}
		if err := run(ctx, cfg, items, newLogger(verbose)); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func newLogger(verbose bool) *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func loadItems(path string) ([]batch.Item, error) {
	f, err := batchfile.Load(path)
	if err != nil {
		return nil, err
	}
	if err := batchfile.Validate(f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f.ResolvedItems(), nil
}

// runDirect tracks the job in-process against the configured backend.
func runDirect(ctx context.Context, cfg config.Config, items []batch.Item, logger *slog.Logger) error {
	client, err := backend.New(cfg.Backend)
	if err != nil {
		return err
	}
	tracker := batch.NewTracker(client, runtime.SchedulerConfig(cfg.Tracker), logger)
	tracker.Start(ctx)
	defer tracker.Close()

	updates := make(chan struct{}, 1)
	unsubscribe := tracker.Subscribe(func([]batch.JobRecord) {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	id, err := tracker.SubmitBatch(ctx, items)
	if err != nil {
		return err
	}
	fmt.Printf("submitted job %s (%d items)\n", id, len(items))

	last := -1
	for {
		select {
		case <-ctx.Done():
			tracker.CancelTracking(id)
			return ctx.Err()
		case <-updates:
		}
		rec, ok := tracker.Job(id)
		if !ok {
			return fmt.Errorf("job %s disappeared", id)
		}
		if rec.Progress.Completed != last {
			last = rec.Progress.Completed
			fmt.Printf("%s: %d/%d %s\n", rec.ID, rec.Progress.Completed, rec.Progress.Total, rec.Status)
		}
		if rec.Status.Terminal() {
			return report(rec)
		}
	}
}

func report(rec batch.JobRecord) error {
	for i, res := range rec.Results {
		id := fmt.Sprintf("#%d", i+1)
		if i < len(rec.Items) {
			id = rec.Items[i].ID
		}
		switch res.Outcome {
		case batch.OutcomeSucceeded:
			fmt.Printf("  %s -> %s\n", id, res.ArtifactRef)
		default:
			fmt.Printf("  %s failed: %s\n", id, res.Reason)
		}
	}
	if rec.Failure != nil {
		return fmt.Errorf("job %s %s: %s", rec.ID, rec.Failure.Kind, rec.Failure.Reason)
	}
	return nil
}

// runViaBus submits through the daemon's gateway and follows its snapshots.
func runViaBus(ctx context.Context, cfg config.Config, items []batch.Item, logger *slog.Logger) error {
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	snapshots := make(chan protocol.JobSnapshot, 1)
	sub, err := client.Conn().Subscribe(protocol.SubjectBatchJobs, func(msg *nats.Msg) {
		var snap protocol.JobSnapshot
		if json.Unmarshal(msg.Data, &snap) != nil {
			return
		}
		offerLatest(snapshots, snap)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	wire := make([]protocol.BatchItem, len(items))
	for i, item := range items {
		wire[i] = protocol.BatchItem{ID: item.ID, Text: item.Text, Language: item.Language}
		if item.Voice != nil {
			wire[i].Avatar = &protocol.Avatar{Gender: item.Voice.Gender, Dialect: item.Voice.Dialect}
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	var reply protocol.SubmitReply
	if err := client.RequestJSON(reqCtx, protocol.SubjectBatchSubmit, protocol.SubmitRequest{Items: wire}, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	fmt.Printf("submitted job %s (%d items)\n", reply.JobID, len(items))

	// Broadcasts are the fast path; a periodic list request covers any
	// snapshot the subscription missed.
	ticker := time.NewTicker(listFallbackInterval)
	defer ticker.Stop()

	last := -1
	for {
		var snap protocol.JobSnapshot
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap = <-snapshots:
		case <-ticker.C:
			listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := client.RequestJSON(listCtx, protocol.SubjectBatchList, struct{}{}, &snap)
			cancel()
			if err != nil {
				logger.Debug("job list request failed", slog.String("error", err.Error()))
				continue
			}
		}
		if done, err := followJob(snap, reply.JobID, &last); done {
			return err
		}
	}
}

// offerLatest queues snap, replacing any snapshot not yet consumed. The
// newest snapshot supersedes older ones, so only the latest matters.
func offerLatest(ch chan protocol.JobSnapshot, snap protocol.JobSnapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// followJob prints progress for jobID from snap and reports whether the job
// is terminal, with an error when it failed outright or was abandoned.
func followJob(snap protocol.JobSnapshot, jobID string, last *int) (bool, error) {
	for _, job := range snap.Jobs {
		if job.JobID != jobID {
			continue
		}
		if job.Completed != *last {
			*last = job.Completed
			fmt.Printf("%s: %d/%d %s\n", job.JobID, job.Completed, job.Total, job.Status)
		}
		if !batch.Status(job.Status).Terminal() {
			return false, nil
		}
		for _, item := range job.Items {
			if item.ArtifactRef != "" {
				fmt.Printf("  %s -> %s\n", item.ID, item.ArtifactRef)
			} else {
				fmt.Printf("  %s failed: %s\n", item.ID, item.Reason)
			}
		}
		if job.FailureKind != "" {
			return true, fmt.Errorf("job %s %s: %s", job.JobID, job.FailureKind, job.FailureReason)
		}
		return true, nil
	}
	return false, nil
}
