package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/protravka/protravka/authority"
	"github.com/protravka/protravka/engine/storage"
	"github.com/protravka/protravka/execution"
	"github.com/protravka/protravka/gateway/queue"
	"github.com/protravka/protravka/logkeys"
	"github.com/protravka/protravka/metrics"

	"github.com/micromdm/nanolib/log"
)

const (
	// DefaultRetention is how long queued entries are retried before
	// they are dropped.
	DefaultRetention = 24 * time.Hour

	DefaultDuration = 30 * time.Second
)

// errUndeliverable marks entries that can never be delivered.
var errUndeliverable = errors.New("undeliverable entry")

// Media is replayed first so that snapshots reference uploaded media.
var channels = []string{queue.ChannelMedia, queue.ChannelRecord}

// Worker replays the offline queue on an interval.
type Worker struct {
	gw        *Gateway
	logger    log.Logger
	duration  time.Duration
	retention time.Duration
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the polling interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

// WithRetention configures how long entries are kept.
// Entries older than this are dropped without delivery.
func WithRetention(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retention = d
	}
}

func NewWorker(gw *Gateway, opts ...WorkerOption) *Worker {
	w := &Worker{
		gw:        gw,
		logger:    log.NopLogger,
		duration:  DefaultDuration,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Report summarizes one pass over a channel.
type Report struct {
	Channel   string
	Delivered int
	Rejected  int
	Expired   int
	Remaining int
}

// Flush makes one pass over every channel.
// A channel pass stops at the first entry that can not be delivered
// because the authority is unreachable; expired entries are still
// dropped.
func (w *Worker) Flush(ctx context.Context) ([]Report, error) {
	var reports []Report
	for _, ch := range channels {
		report, err := w.processChannel(ctx, ch)
		if err != nil {
			return reports, fmt.Errorf("processing channel %s: %w", ch, err)
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// RunOnce runs the processes of the worker and logs errors.
func (w *Worker) RunOnce(ctx context.Context) error {
	reports, err := w.Flush(ctx)
	if err != nil {
		return logAndError(err, w.logger, "flushing queue")
	}
	for _, r := range reports {
		if r.Delivered+r.Rejected+r.Expired+r.Remaining < 1 {
			continue
		}
		w.logger.Debug(
			logkeys.Message, "processed queue",
			logkeys.Channel, r.Channel,
			"delivered", r.Delivered,
			"rejected", r.Rejected,
			"expired", r.Expired,
			"remaining", r.Remaining,
		)
	}
	return nil
}

// Run starts and runs the worker forever on an interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "duration", w.duration)

	ticker := time.NewTicker(w.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) processChannel(ctx context.Context, ch string) (Report, error) {
	report := Report{Channel: ch}
	entries, err := w.gw.queue.RetrieveEntries(ctx, ch)
	if err != nil {
		return report, fmt.Errorf("retrieving entries: %w", err)
	}
	now := w.gw.now()
	var stopped bool
	for _, e := range entries {
		logger := w.logger.With(
			logkeys.Channel, ch,
			logkeys.EntryID, e.ID,
		)
		if w.retention > 0 && now.Sub(e.EnqueuedAt) > w.retention {
			if err = w.gw.queue.DeleteEntry(ctx, e.ID); err != nil {
				return report, fmt.Errorf("deleting expired entry %s: %w", e.ID, err)
			}
			report.Expired++
			w.gw.metrics.Replay(ch, metrics.OutcomeExpired)
			logger.Debug(logkeys.Message, "entry expired")
			continue
		}
		if stopped {
			report.Remaining++
			continue
		}
		err = w.replay(ctx, e)
		switch {
		case errors.Is(err, authority.ErrUnreachable):
			stopped = true
			report.Remaining++
			w.gw.metrics.Replay(ch, metrics.OutcomeUnreachable)
			logger.Debug(logkeys.Message, "authority unreachable", logkeys.Error, err)
			continue
		case err != nil && (authority.IsRejection(err) || errors.Is(err, errUndeliverable)):
			report.Rejected++
			w.gw.metrics.Replay(ch, metrics.OutcomeRejected)
			logger.Info(logkeys.Message, "dropping rejected entry", logkeys.Error, err)
		case err != nil:
			// local failure or refused request, try again next pass
			stopped = true
			report.Remaining++
			logger.Info(logkeys.Message, "replaying entry", logkeys.Error, err)
			continue
		default:
			report.Delivered++
			w.gw.metrics.Replay(ch, metrics.OutcomeDelivered)
			logger.Debug(logkeys.Message, "entry delivered")
		}
		if err = w.gw.queue.DeleteEntry(ctx, e.ID); err != nil {
			return report, fmt.Errorf("deleting entry %s: %w", e.ID, err)
		}
	}
	w.gw.metrics.QueueDepth(ch, report.Remaining)
	return report, nil
}

func (w *Worker) replay(ctx context.Context, e *queue.Entry) error {
	switch e.Channel {
	case queue.ChannelRecord:
		r := new(execution.ExecutionRecord)
		if err := r.UnmarshalBinary(e.Payload); err != nil {
			return fmt.Errorf("%w: %v", errUndeliverable, err)
		}
		return w.gw.saveRecord(ctx, r)
	case queue.ChannelMedia:
		var ref mediaRef
		if err := json.Unmarshal(e.Payload, &ref); err != nil {
			return fmt.Errorf("%w: %v", errUndeliverable, err)
		}
		data, err := w.gw.media.RetrieveMedia(ctx, ref.MediaID)
		if errors.Is(err, storage.ErrMediaNotFound) {
			return fmt.Errorf("%w: %v", errUndeliverable, err)
		} else if err != nil {
			return err
		}
		return w.gw.uploadMedia(ctx, ref, data)
	}
	return fmt.Errorf("%w: channel %s", errUndeliverable, e.Channel)
}
