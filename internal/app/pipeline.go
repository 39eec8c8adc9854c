package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"aegis/internal/alertqueue"
	"aegis/internal/clock"
	"aegis/internal/domain"
	"aegis/internal/failure"
	"aegis/internal/logging"
	"aegis/internal/metrics"
	"aegis/internal/safecircle"
	"aegis/internal/scorer"
	"aegis/internal/store"
)

// Fanout delivers one trigger to the owner's contacts.
type Fanout interface {
	Dispatch(ctx context.Context, trigger *safecircle.Trigger, contacts []domain.Contact, urgency domain.Urgency) ([]domain.NotificationResult, error)
}

// PipelineOption configures Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineClock sets alert and emergency timestamp source.
func WithPipelineClock(c clock.Clock) PipelineOption {
	return func(p *Pipeline) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithPipelineLogger sets structured logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logging.OrDiscard(logger) }
}

// WithQueue routes fan-out through dispatch queue instead of running it inline.
func WithQueue(producer alertqueue.Producer) PipelineOption {
	return func(p *Pipeline) { p.producer = producer }
}

// WithFeed publishes alert changes to feed.
func WithFeed(feed alertqueue.Feed) PipelineOption {
	return func(p *Pipeline) { p.feed = feed }
}

// WithMetrics records pipeline counters.
func WithMetrics(m *metrics.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithMinSeverity sets lowest alert severity that triggers fan-out.
func WithMinSeverity(severity domain.Severity) PipelineOption {
	return func(p *Pipeline) {
		if severity.Rank() >= 0 {
			p.minSeverity = severity
		}
	}
}

// WithEntityIDs sets alert, emergency, and contact id source.
func WithEntityIDs(next func() string) PipelineOption {
	return func(p *Pipeline) {
		if next != nil {
			p.nextID = next
		}
	}
}

// Pipeline chains classification, persistence, change feed, and Safe Circle fan-out.
// Params: scorer, store, fan-out, and options.
// Returns: comment sink and API backend.
type Pipeline struct {
	scorer      *scorer.Scorer
	store       store.Store
	fanout      Fanout
	producer    alertqueue.Producer
	feed        alertqueue.Feed
	metrics     *metrics.Metrics
	logger      *slog.Logger
	clock       clock.Clock
	nextID      func() string
	minSeverity domain.Severity
}

// NewPipeline builds pipeline.
// Params: scorer, store, fan-out dispatcher, and options.
// Returns: pipeline or error when collaborator is missing.
func NewPipeline(sc *scorer.Scorer, st store.Store, fanout Fanout, opts ...PipelineOption) (*Pipeline, error) {
	if sc == nil || st == nil || fanout == nil {
		return nil, errors.New("pipeline needs scorer, store, and fan-out")
	}
	p := &Pipeline{
		scorer:      sc,
		store:       st,
		fanout:      fanout,
		logger:      logging.OrDiscard(nil),
		clock:       clock.RealClock{},
		nextID:      uuid.NewString,
		minSeverity: domain.SeverityMedium,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Classify scores comment without side effects.
func (p *Pipeline) Classify(comment domain.Comment) (domain.ThreatSignal, error) {
	return p.scorer.ClassifyComment(comment)
}

// PushComment implements ingest.CommentSink.
func (p *Pipeline) PushComment(ctx context.Context, comment domain.Comment) error {
	_, err := p.HandleComment(ctx, comment)
	return err
}

// HandleComment classifies comment, persists alert on detection, and fans out when severe enough.
// Params: context and comment with owner set.
// Returns: outcome or InvalidInput/Persistence failure; fan-out failures after
// persist are reported in outcome.DispatchError.
func (p *Pipeline) HandleComment(ctx context.Context, comment domain.Comment) (domain.CommentOutcome, error) {
	if strings.TrimSpace(comment.UserID) == "" {
		return domain.CommentOutcome{}, failure.Invalid("handle comment", "user_id is required")
	}
	signal, err := p.scorer.ClassifyComment(comment)
	if err != nil {
		return domain.CommentOutcome{}, err
	}
	p.metrics.ObserveComment(signal.Platform, signal.Category)
	outcome := domain.CommentOutcome{Signal: signal}
	if !signal.Detected() {
		return outcome, nil
	}

	at := comment.Timestamp
	if at.IsZero() {
		at = p.clock.Now()
	}
	alert := domain.NewAlert(p.nextID(), comment.UserID, signal, comment.PostURL, at)
	if err := p.store.InsertAlert(ctx, alert); err != nil {
		return outcome, failure.Wrap(failure.Persistence, "insert alert", err)
	}
	p.metrics.ObserveAlert(alert.Severity)
	outcome.Alert = &alert
	p.publish(ctx, alertqueue.Event{Kind: alertqueue.EventAlertCreated, UserID: alert.UserID, Alert: &alert, At: p.clock.Now().UTC()})
	p.logger.Info("alert created",
		"user_id", alert.UserID,
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"category", alert.Category,
		"platform", alert.Platform,
	)

	if !alert.Severity.AtLeast(p.minSeverity) {
		return outcome, nil
	}
	// Alert is persisted: fan-out failures go to outcome, never to caller.
	urgency := domain.UrgencyFor(alert.Severity)
	if p.producer != nil {
		if err := p.enqueue(ctx, alertqueue.AlertJob(alert, urgency, p.clock.Now())); err != nil {
			outcome.DispatchError = p.dispatchFailed("alert", alert.UserID, alert.ID, err)
			return outcome, nil
		}
		outcome.Queued = true
		return outcome, nil
	}
	results, err := p.dispatch(ctx, safecircle.AlertTrigger(alert), alert.UserID, urgency)
	if err != nil {
		outcome.DispatchError = p.dispatchFailed("alert", alert.UserID, alert.ID, err)
		return outcome, nil
	}
	outcome.Results = results
	return outcome, nil
}

// TriggerEmergency persists activation and broadcasts it to every contact.
// Params: context, owner, optional location, and notes.
// Returns: outcome or InvalidInput/Persistence failure; fan-out failures after
// persist are reported in outcome.DispatchError.
func (p *Pipeline) TriggerEmergency(ctx context.Context, userID, location, notes string) (domain.EmergencyOutcome, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.EmergencyOutcome{}, failure.Invalid("trigger emergency", "user_id is required")
	}
	event := domain.EmergencyEvent{
		ID:        p.nextID(),
		UserID:    userID,
		Location:  strings.TrimSpace(location),
		Notes:     strings.TrimSpace(notes),
		Timestamp: p.clock.Now().UTC(),
	}
	if err := p.store.InsertEmergency(ctx, event); err != nil {
		return domain.EmergencyOutcome{}, failure.Wrap(failure.Persistence, "insert emergency", err)
	}
	p.metrics.ObserveEmergency()
	p.publish(ctx, alertqueue.Event{Kind: alertqueue.EventEmergency, UserID: userID, Emergency: &event, At: event.Timestamp})
	p.logger.Warn("emergency protocol activated", "user_id", userID, "emergency_id", event.ID)

	outcome := domain.EmergencyOutcome{Event: event, Results: []domain.NotificationResult{}}
	if p.producer != nil {
		if err := p.enqueue(ctx, alertqueue.EmergencyJob(event, p.clock.Now())); err != nil {
			outcome.DispatchError = p.dispatchFailed("emergency", userID, event.ID, err)
			return outcome, nil
		}
		outcome.Queued = true
		return outcome, nil
	}
	results, err := p.dispatch(ctx, safecircle.EmergencyTrigger(event), userID, domain.UrgencyEmergency)
	if err != nil {
		outcome.DispatchError = p.dispatchFailed("emergency", userID, event.ID, err)
		return outcome, nil
	}
	outcome.Results = results
	return outcome, nil
}

// ProcessJob runs one queued fan-out; malformed jobs and contacts are permanent failures.
// Params: context and dequeued job.
// Returns: nil on completed fan-out, retryable or permanent error otherwise.
func (p *Pipeline) ProcessJob(ctx context.Context, job alertqueue.Job) error {
	var trigger *safecircle.Trigger
	switch {
	case job.Alert != nil:
		trigger = safecircle.AlertTrigger(*job.Alert)
	case job.Emergency != nil:
		trigger = safecircle.EmergencyTrigger(*job.Emergency)
	}
	_, err := p.dispatch(ctx, trigger, job.UserID, job.Urgency)
	if err != nil {
		p.metrics.ObserveQueueJob("failed")
		if failure.Is(err, failure.InvalidInput) {
			return failure.MarkPermanent(err)
		}
		return err
	}
	p.metrics.ObserveQueueJob("processed")
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, trigger *safecircle.Trigger, userID string, urgency domain.Urgency) ([]domain.NotificationResult, error) {
	contacts, err := p.store.ListContacts(ctx, userID)
	if err != nil {
		return nil, failure.Wrap(failure.Persistence, "list contacts", err)
	}
	if contacts == nil {
		contacts = []domain.Contact{}
	}
	return p.fanout.Dispatch(ctx, trigger, contacts, urgency)
}

func (p *Pipeline) enqueue(ctx context.Context, job alertqueue.Job) error {
	if err := p.producer.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue dispatch job: %w", err)
	}
	p.metrics.ObserveQueueJob("enqueued")
	return nil
}

// dispatchFailed logs and counts fan-out that could not start for persisted entity.
// Params: trigger kind, owner, persisted entity id, and cause.
// Returns: error text for outcome.
func (p *Pipeline) dispatchFailed(kind, userID, entityID string, err error) string {
	p.metrics.ObservePersistenceFailure("dispatch_" + kind)
	p.logger.Error("fan-out not started for persisted "+kind,
		"user_id", userID,
		"entity_id", entityID,
		"error", err.Error(),
	)
	return err.Error()
}

// publish sends feed event; feed failures never fail the pipeline.
func (p *Pipeline) publish(ctx context.Context, event alertqueue.Event) {
	if p.feed == nil {
		return
	}
	if err := p.feed.Publish(ctx, event); err != nil {
		p.logger.Warn("feed publish failed", "kind", event.Kind, "user_id", event.UserID, "error", err.Error())
	}
}

// Subscribe follows user change feed.
func (p *Pipeline) Subscribe(userID string) (<-chan alertqueue.Event, func(), error) {
	if p.feed == nil {
		return nil, nil, errors.New("change feed is disabled")
	}
	return p.feed.Subscribe(userID)
}

// ListAlerts returns user alerts newest first.
func (p *Pipeline) ListAlerts(ctx context.Context, userID string) ([]domain.Alert, error) {
	return p.store.ListAlerts(ctx, userID)
}

// UpdateAlertStatus applies forward-only review transition.
// Params: context, owner, alert id, and requested status.
// Returns: updated alert, store.ErrNotFound, or domain.ErrInvalidTransition.
func (p *Pipeline) UpdateAlertStatus(ctx context.Context, userID, alertID string, status domain.AlertStatus) (domain.Alert, error) {
	updated, err := p.store.UpdateAlertStatus(ctx, userID, alertID, status)
	if err != nil {
		return domain.Alert{}, err
	}
	p.publish(ctx, alertqueue.Event{Kind: alertqueue.EventAlertUpdated, UserID: userID, Alert: &updated, At: p.clock.Now().UTC()})
	return updated, nil
}

// AlertStats summarizes user alerts.
func (p *Pipeline) AlertStats(ctx context.Context, userID string) (domain.AlertStats, error) {
	alerts, err := p.store.ListAlerts(ctx, userID)
	if err != nil {
		return domain.AlertStats{}, err
	}
	return domain.SummarizeAlerts(alerts), nil
}

// ClearAlerts removes all user alerts.
func (p *Pipeline) ClearAlerts(ctx context.Context, userID string) (int, error) {
	n, err := p.store.ClearAlerts(ctx, userID)
	if err != nil {
		return 0, err
	}
	p.publish(ctx, alertqueue.Event{Kind: alertqueue.EventAlertsCleared, UserID: userID, At: p.clock.Now().UTC()})
	return n, nil
}

// ClearHistory removes all user notification records.
func (p *Pipeline) ClearHistory(ctx context.Context, userID string) (int, error) {
	return p.store.ClearNotifications(ctx, userID)
}

// ListNotifications returns user history newest first.
func (p *Pipeline) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error) {
	return p.store.ListNotifications(ctx, userID, limit)
}

// ListContacts returns user Safe Circle.
func (p *Pipeline) ListContacts(ctx context.Context, userID string) ([]domain.Contact, error) {
	return p.store.ListContacts(ctx, userID)
}

// SaveContact creates (empty id) or replaces contact owned by userID.
// Params: context, owner, and contact payload.
// Returns: stored contact or InvalidInput/store error.
func (p *Pipeline) SaveContact(ctx context.Context, userID string, contact domain.Contact) (domain.Contact, error) {
	contact.UserID = userID
	if strings.TrimSpace(contact.ID) == "" {
		contact.ID = p.nextID()
	} else if existing, err := p.store.GetContact(ctx, userID, contact.ID); err == nil {
		contact.LastNotified = existing.LastNotified
		contact.IsPrimary = existing.IsPrimary
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Contact{}, err
	}
	if contact.Relationship == "" {
		contact.Relationship = domain.RelationshipFriend
	}
	if contact.NotificationPreference == "" {
		contact.NotificationPreference = domain.PreferenceAllAlerts
	}
	if err := p.store.PutContact(ctx, contact); err != nil {
		return domain.Contact{}, err
	}
	return contact, nil
}

// DeleteContact removes contact.
func (p *Pipeline) DeleteContact(ctx context.Context, userID, contactID string) error {
	return p.store.DeleteContact(ctx, userID, contactID)
}

// SetPrimary marks contact primary.
func (p *Pipeline) SetPrimary(ctx context.Context, userID, contactID string) error {
	return p.store.SetPrimary(ctx, userID, contactID)
}
