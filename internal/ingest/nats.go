package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/failure"
	"aegis/internal/logging"
)

// NATSSubscriber consumes comments via JetStream queue consumer and forwards to sink.
// Params: NATS connection, JetStream queue subscriptions, and comment sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc     *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

// NewNATSSubscriber creates JetStream queue consumer for comment ingestion.
// Params: ingest NATS config, sink, and optional logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink CommentSink, logger *slog.Logger) (*NATSSubscriber, error) {
	logger = logging.OrDiscard(logger)
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureCommentStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{nc: nc, logger: logger}
	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	nackDelay := time.Duration(cfg.NackDelayMS) * time.Millisecond
	handler := func(message *nats.Msg) {
		subscriber.handle(message, cfg.DefaultUserID, sink, ackWait, nackDelay)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, handler,
			nats.BindStream(cfg.Stream),
			nats.Durable(cfg.ConsumerName),
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(ackWait),
			nats.MaxDeliver(cfg.MaxDeliver),
			nats.MaxAckPending(cfg.MaxAckPending),
			nats.DeliverAll(),
		)
		if err != nil {
			_ = subscriber.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
		}
		subscriber.subs = append(subscriber.subs, sub)
	}
	return subscriber, nil
}

// ensureCommentStream creates comment stream when it is absent.
// Params: JetStream context, stream name, and subject.
// Returns: stream lookup/create error.
func ensureCommentStream(js nats.JetStreamContext, stream, subject string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create comment stream %q: %w", stream, err)
	}
	return nil
}

// handle decodes one message and acks, naks, or drops it.
func (s *NATSSubscriber) handle(message *nats.Msg, defaultUserID string, sink CommentSink, ackWait, nackDelay time.Duration) {
	comment, err := domain.DecodeComment(message.Data)
	if err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}
	comment = comment.WithUser(defaultUserID)
	if strings.TrimSpace(comment.UserID) == "" {
		s.logger.Warn("nats ingest comment without owner dropped", "subject", message.Subject)
		s.ackMessage(message, "no_user")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ackWait)
	defer cancel()
	if err := sink.PushComment(ctx, comment); err != nil {
		if failure.Is(err, failure.InvalidInput) {
			s.logger.Warn("nats ingest comment rejected", "subject", message.Subject, "error", err.Error())
			s.ackMessage(message, "invalid")
			return
		}
		s.logger.Error("nats ingest push failed", "subject", message.Subject, "error", err.Error())
		s.nackMessage(message, nackDelay)
		return
	}
	s.ackMessage(message, "processed")
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
// Params: JetStream message and short reason.
// Returns: none.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if message == nil {
		return
	}
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
// Params: JetStream message and optional delay.
// Returns: none.
func (s *NATSSubscriber) nackMessage(message *nats.Msg, delay time.Duration) {
	if message == nil {
		return
	}
	var err error
	if delay > 0 {
		err = message.NakWithDelay(delay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains NATS subscriptions and closes connection.
// Params: none.
// Returns: first drain error.
func (s *NATSSubscriber) Close() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.nc.Close()
	return firstErr
}

// NATSPublisher publishes comments into the ingest stream.
// Params: NATS connection, JetStream context, and subject.
// Returns: CommentSink that enqueues instead of processing inline.
type NATSPublisher struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSPublisher connects publisher and ensures ingest stream exists.
// Params: ingest NATS config.
// Returns: publisher or setup error.
func NewNATSPublisher(cfg config.NATSIngestConfig) (*NATSPublisher, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest publisher: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest publisher: %w", err)
	}
	if err := ensureCommentStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSPublisher{nc: nc, js: js, subject: cfg.Subject}, nil
}

// PushComment publishes one comment and waits for stream ack.
// Params: context and comment.
// Returns: encode or publish error.
func (p *NATSPublisher) PushComment(ctx context.Context, comment domain.Comment) error {
	body, err := json.Marshal(comment)
	if err != nil {
		return fmt.Errorf("encode comment: %w", err)
	}
	if _, err := p.js.Publish(p.subject, body, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish comment: %w", err)
	}
	return nil
}

// Close closes publisher connection.
func (p *NATSPublisher) Close() error {
	p.nc.Close()
	return nil
}
