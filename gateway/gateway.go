// Package gateway implements the persistence gateway: delivery of
// execution record snapshots and captured media to the remote
// authority, with an offline queue for when it can not be reached.
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
	"github.com/protravka/protravka/resilient"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Save kinds reported to metrics.
const (
	kindSnapshot   = "snapshot"
	kindCheckpoint = "checkpoint"
	kindMedia      = "media"
)

// Remote is the remote authority as seen by the gateway.
type Remote interface {
	// SaveRecord saves a full snapshot keyed by its order ID.
	SaveRecord(ctx context.Context, r *execution.ExecutionRecord) error

	UploadMedia(ctx context.Context, id, contentType string, data []byte) error
}

// mediaRef is the payload of media channel entries.
// The image itself stays in media storage until uploaded.
type mediaRef struct {
	MediaID     string `json:"media_id"`
	ContentType string `json:"content_type"`
}

// Gateway delivers snapshots and media to the remote authority.
type Gateway struct {
	remote  Remote
	queue   queue.Storage
	media   storage.MediaStorage
	caller  *resilient.Caller
	logger  log.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger log.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics records deliveries and queue replays in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithCaller sets the bounds of remote calls.
func WithCaller(c *resilient.Caller) Option {
	return func(g *Gateway) {
		g.caller = c
	}
}

// New creates a new gateway.
func New(remote Remote, q queue.Storage, media storage.MediaStorage, opts ...Option) *Gateway {
	g := &Gateway{
		remote: remote,
		queue:  q,
		media:  media,
		logger: log.NopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.caller == nil {
		g.caller = resilient.New(resilient.WithMetrics(g.metrics))
	}
	return g
}

func (g *Gateway) enqueue(ctx context.Context, channel string, payload []byte) (*queue.Entry, error) {
	e := &queue.Entry{
		Channel:    channel,
		EnqueuedAt: g.now(),
		Payload:    payload,
	}
	// queue even if the caller gave up waiting on the remote
	err := g.queue.Enqueue(context.WithoutCancel(ctx), e)
	return e, err
}

func (g *Gateway) saveRecord(ctx context.Context, r *execution.ExecutionRecord) error {
	_, err := resilient.Call(ctx, g.caller, "save_record", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.remote.SaveRecord(ctx, r)
	})
	return err
}

// Save delivers a full snapshot of r. If the authority can not be
// reached the snapshot is queued and Save succeeds. Rejections by the
// authority are returned.
func (g *Gateway) Save(ctx context.Context, r *execution.ExecutionRecord) error {
	raw, err := r.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	logger := ctxlog.Logger(ctx, g.logger).With(
		logkeys.OrderID, r.OrderID,
		logkeys.Seq, r.Seq,
		logkeys.Step, r.CurrentStep,
	)
	err = g.saveRecord(ctx, r)
	if errors.Is(err, authority.ErrUnreachable) {
		e, qErr := g.enqueue(ctx, queue.ChannelRecord, raw)
		if qErr != nil {
			g.metrics.Save(kindSnapshot, metrics.OutcomeFailed)
			return logAndError(qErr, logger, "queueing snapshot")
		}
		g.metrics.Save(kindSnapshot, metrics.OutcomeQueued)
		logger.Debug(
			logkeys.Message, "snapshot queued",
			logkeys.EntryID, e.ID,
			logkeys.Error, err,
		)
		return nil
	} else if err != nil {
		g.metrics.Save(kindSnapshot, metrics.OutcomeRejected)
		return logAndError(err, logger, "saving snapshot")
	}
	g.metrics.Save(kindSnapshot, metrics.OutcomeDelivered)
	logger.Debug(logkeys.Message, "snapshot saved")
	return nil
}

// SaveCheckpoint delivers a full snapshot of r synchronously.
// It is never queued: any failure is returned.
func (g *Gateway) SaveCheckpoint(ctx context.Context, r *execution.ExecutionRecord) error {
	logger := ctxlog.Logger(ctx, g.logger).With(
		logkeys.OrderID, r.OrderID,
		logkeys.Seq, r.Seq,
		logkeys.Step, r.CurrentStep,
	)
	err := g.saveRecord(ctx, r)
	if errors.Is(err, authority.ErrUnreachable) {
		g.metrics.Save(kindCheckpoint, metrics.OutcomeFailed)
		return logAndError(err, logger, "saving checkpoint")
	} else if err != nil {
		g.metrics.Save(kindCheckpoint, metrics.OutcomeRejected)
		return logAndError(err, logger, "saving checkpoint")
	}
	g.metrics.Save(kindCheckpoint, metrics.OutcomeDelivered)
	logger.Debug(logkeys.Message, "checkpoint saved")
	return nil
}

func (g *Gateway) uploadMedia(ctx context.Context, ref mediaRef, data []byte) error {
	_, err := resilient.Call(ctx, g.caller, "upload_media", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.remote.UploadMedia(ctx, ref.MediaID, ref.ContentType, data)
	})
	if err != nil {
		return err
	}
	if err = g.media.DeleteMedia(context.WithoutCancel(ctx), ref.MediaID); err != nil {
		// uploaded; a leftover local copy is harmless
		ctxlog.Logger(ctx, g.logger).Info(
			logkeys.Message, "deleting uploaded media",
			logkeys.MediaID, ref.MediaID,
			logkeys.Error, err,
		)
	}
	return nil
}

// SaveMedia stores a captured image locally and uploads it.
// If the authority can not be reached the upload is queued.
func (g *Gateway) SaveMedia(ctx context.Context, id, contentType string, data []byte) error {
	logger := ctxlog.Logger(ctx, g.logger).With(logkeys.MediaID, id)
	if err := g.media.StoreMedia(ctx, id, data); err != nil {
		return logAndError(err, logger, "storing media")
	}
	ref := mediaRef{MediaID: id, ContentType: contentType}
	err := g.uploadMedia(ctx, ref, data)
	if errors.Is(err, authority.ErrUnreachable) {
		raw, mErr := json.Marshal(ref)
		if mErr != nil {
			return fmt.Errorf("marshal media ref: %w", mErr)
		}
		e, qErr := g.enqueue(ctx, queue.ChannelMedia, raw)
		if qErr != nil {
			g.metrics.Save(kindMedia, metrics.OutcomeFailed)
			return logAndError(qErr, logger, "queueing media")
		}
		g.metrics.Save(kindMedia, metrics.OutcomeQueued)
		logger.Debug(
			logkeys.Message, "media queued",
			logkeys.EntryID, e.ID,
			logkeys.Error, err,
		)
		return nil
	} else if err != nil {
		g.metrics.Save(kindMedia, metrics.OutcomeRejected)
		return logAndError(err, logger, "uploading media")
	}
	g.metrics.Save(kindMedia, metrics.OutcomeDelivered)
	logger.Debug(logkeys.Message, "media uploaded")
	return nil
}

// logAndError logs err with msg and returns err wrapped with msg.
func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}
