package alertqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"aegis/internal/config"
	"aegis/internal/failure"
	"aegis/internal/logging"
)

const jobStreamMaxAge = 24 * time.Hour
const dlqStreamMaxAge = 7 * 24 * time.Hour

// NATSProducer publishes dispatch jobs into JetStream stream.
// Params: NATS connection and JetStream context.
// Returns: queue producer implementation.
type NATSProducer struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSProducer creates JetStream producer for dispatch queue.
// Params: queue config.
// Returns: initialized producer or setup error.
func NewNATSProducer(cfg config.QueueConfig) (*NATSProducer, error) {
	nc, js, err := openQueueJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js}, nil
}

// Enqueue publishes one job; job id doubles as Nats-Msg-Id for dedup.
// Params: context and job payload.
// Returns: validation or publish error.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return failure.Wrap(failure.InvalidInput, "enqueue dispatch job", err)
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal dispatch job: %w", err)
	}
	msg := nats.NewMsg(JobSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch job: %w", err)
	}
	return nil
}

// Close closes producer NATS connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes dispatch jobs via queue group consumer.
// Params: NATS connection, queue subscriptions, and DLQ toggle.
// Returns: worker lifecycle handle.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	subs       []*nats.Subscription
	logger     *slog.Logger
	dlq        bool
	maxDeliver int
	ackWait    time.Duration
	nackDelay  time.Duration
	now        func() time.Time
}

// NewNATSWorker starts queue consumers for dispatch jobs.
// Params: queue config, logger, and per-job handler.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.QueueConfig, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	if handler == nil {
		return nil, errors.New("dispatch worker handler is required")
	}
	nc, js, err := openQueueJetStream(cfg)
	if err != nil {
		return nil, err
	}

	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		logger:     logging.OrDiscard(logger),
		dlq:        cfg.DLQ,
		maxDeliver: cfg.MaxDeliver,
		ackWait:    time.Duration(cfg.AckWaitSec) * time.Second,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
		now:        time.Now,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(JobStream),
		nats.Durable(JobConsumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(worker.ackWait),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(JobSubject, JobDeliverGroup, func(message *nats.Msg) {
			worker.handle(message, handler)
		}, subOpts...)
		if err != nil {
			_ = worker.Close()
			return nil, fmt.Errorf("queue subscribe dispatch %q/%q: %w", JobSubject, JobDeliverGroup, err)
		}
		worker.subs = append(worker.subs, sub)
	}
	return worker, nil
}

// handle runs handler for one message and settles it.
func (w *NATSWorker) handle(message *nats.Msg, handler Handler) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("dispatch queue decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}

	ctx := context.Background()
	if w.ackWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.ackWait)
		defer cancel()
	}
	err := job.Validate()
	if err != nil {
		err = failure.MarkPermanent(err)
	} else {
		err = handler(ctx, job)
	}
	if err == nil {
		_ = message.Ack()
		return
	}

	w.logger.Error("dispatch queue handle failed", "job_id", job.ID, "user_id", job.UserID, "error", err.Error())
	attempts := deliveryAttempts(message)
	reason := DLQReason("")
	if failure.IsPermanent(err) {
		reason = DLQReasonPermanentError
	} else if isMaxDeliverExceeded(attempts, w.maxDeliver) {
		reason = DLQReasonMaxDeliverExceeded
	}
	if reason == "" {
		w.nack(message)
		return
	}
	if w.dlq {
		if dlqErr := w.publishDLQ(ctx, message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("dispatch queue dlq publish failed", "job_id", job.ID, "reason", reason, "error", dlqErr.Error())
			w.nack(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nack(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

// Close drains worker subscriptions and closes NATS connection.
// Params: none.
// Returns: first drain error.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	var firstErr error
	for _, sub := range w.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.nc.Close()
	return firstErr
}

// ensureStream ensures one JetStream stream exists with provided options.
// Params: JetStream context, stream name, subjects, retention, and max age.
// Returns: stream create/lookup error.
func ensureStream(js nats.JetStreamContext, streamName string, subjects []string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  subjects,
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// openQueueJetStream opens connection and ensures job (and DLQ) streams exist.
func openQueueJetStream(cfg config.QueueConfig) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, nil, fmt.Errorf("connect dispatch queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for dispatch queue: %w", err)
	}
	if err := ensureStream(js, JobStream, []string{JobSubject}, nats.WorkQueuePolicy, jobStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, DLQStream, []string{DLQSubject}, nats.LimitsPolicy, dlqStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
func deliveryAttempts(message *nats.Msg) uint64 {
	if message == nil {
		return 0
	}
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// isMaxDeliverExceeded reports if current attempt is the final allowed delivery.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	if maxDeliver <= 0 {
		return false
	}
	return attempts >= uint64(maxDeliver)
}

// publishDLQ publishes failed job metadata to dead-letter subject.
func (w *NATSWorker) publishDLQ(ctx context.Context, message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:        job,
		Reason:     reason,
		Error:      strings.TrimSpace(cause.Error()),
		Attempts:   attempts,
		MaxDeliver: w.maxDeliver,
		Subject:    message.Subject,
		FailedAt:   w.now().UTC(),
	}
	if message.Header != nil {
		entry.OriginalMsgID = strings.TrimSpace(message.Header.Get(nats.MsgIdHdr))
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dispatch dlq entry: %w", err)
	}
	msg := nats.NewMsg(DLQSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(nats.MsgIdHdr, fmt.Sprintf("%s:dlq:%s:%d", id, reason, attempts))
	}
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dispatch dlq entry: %w", err)
	}
	return nil
}
