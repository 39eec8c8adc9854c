package safecircle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"aegis/internal/clock"
	"aegis/internal/domain"
	"aegis/internal/failure"
	"aegis/internal/logging"
	"aegis/internal/notify"
	"aegis/internal/templatefmt"
)

const (
	// DefaultMaxParallel bounds concurrent deliveries of one dispatch.
	DefaultMaxParallel = 8
	// DefaultAttemptTimeout bounds one delivery attempt.
	DefaultAttemptTimeout = 10 * time.Second
)

// Sender delivers one rendered message; *notify.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, delivery notify.Delivery) (notify.SendResult, error)
}

// Ledger persists dispatch side effects.
// Params: record append and contact last-notified update.
// Returns: persistence errors.
type Ledger interface {
	AppendNotification(ctx context.Context, record domain.NotificationRecord) error
	TouchContact(ctx context.Context, userID, contactID string, at time.Time) error
}

// Observer receives per-attempt outcomes.
type Observer interface {
	ObserveDelivery(method domain.Method, status domain.DeliveryStatus, elapsed time.Duration)
	ObservePersistenceFailure(op string)
}

// Trigger is the event behind one dispatch: an alert or an emergency.
// Params: exactly one of Alert or Emergency.
// Returns: dispatch trigger.
type Trigger struct {
	Alert     *domain.Alert
	Emergency *domain.EmergencyEvent
}

// AlertTrigger wraps alert as dispatch trigger.
func AlertTrigger(alert domain.Alert) *Trigger {
	return &Trigger{Alert: &alert}
}

// EmergencyTrigger wraps emergency event as dispatch trigger.
func EmergencyTrigger(event domain.EmergencyEvent) *Trigger {
	return &Trigger{Emergency: &event}
}

// UserID returns owner of the trigger.
func (t *Trigger) UserID() string {
	switch {
	case t.Alert != nil:
		return t.Alert.UserID
	case t.Emergency != nil:
		return t.Emergency.UserID
	default:
		return ""
	}
}

// Type returns notification record type for the trigger.
func (t *Trigger) Type() domain.NotificationType {
	if t.Emergency != nil {
		return domain.NotificationEmergency
	}
	return domain.NotificationAlert
}

func (t *Trigger) validate() error {
	if t == nil {
		return failure.Invalid("dispatch", "trigger is required")
	}
	if (t.Alert == nil) == (t.Emergency == nil) {
		return failure.Invalid("dispatch", "trigger must carry exactly one of alert or emergency")
	}
	if strings.TrimSpace(t.UserID()) == "" {
		return failure.Invalid("dispatch", "trigger user id is required")
	}
	return nil
}

// Eligible reports whether contact preference admits urgency.
// Params: contact preference and dispatch urgency.
// Returns: true when contact must be attempted.
func Eligible(pref domain.NotificationPreference, urgency domain.Urgency) bool {
	switch urgency {
	case domain.UrgencyEmergency:
		return true
	case domain.UrgencyHigh:
		return pref == domain.PreferenceAllAlerts || pref == domain.PreferenceCriticalOnly
	case domain.UrgencyLow:
		return pref == domain.PreferenceAllAlerts
	default:
		return false
	}
}

// Option customizes Dispatcher.
type Option func(*Dispatcher)

// WithClock sets dispatch-time clock.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithLogger sets dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrDiscard(logger) }
}

// WithObserver sets outcome observer.
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) { d.observer = observer }
}

// WithMaxParallel bounds concurrent deliveries; values <= 0 keep default.
func WithMaxParallel(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxParallel = n
		}
	}
}

// WithAttemptTimeout bounds one delivery attempt; values <= 0 keep default.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.attemptTimeout = timeout
		}
	}
}

// WithDetailsURL sets link rendered into alert messages.
func WithDetailsURL(url string) Option {
	return func(d *Dispatcher) { d.detailsURL = strings.TrimSpace(url) }
}

// WithIDGenerator sets notification record id source.
func WithIDGenerator(next func() string) Option {
	return func(d *Dispatcher) {
		if next != nil {
			d.nextID = next
		}
	}
}

// Dispatcher fans one trigger out to the eligible Safe Circle contacts.
// Params: sender, ledger, renderer, and options.
// Returns: stateless dispatcher safe for concurrent Dispatch calls.
type Dispatcher struct {
	sender         Sender
	ledger         Ledger
	renderer       *templatefmt.Renderer
	clock          clock.Clock
	logger         *slog.Logger
	observer       Observer
	nextID         func() string
	maxParallel    int
	attemptTimeout time.Duration
	detailsURL     string
}

// New builds Safe Circle dispatcher.
// Params: channel sender, persistence ledger, message renderer, and options.
// Returns: dispatcher or error when required collaborator is missing.
func New(sender Sender, ledger Ledger, renderer *templatefmt.Renderer, opts ...Option) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("safecircle sender is required")
	}
	if ledger == nil {
		return nil, errors.New("safecircle ledger is required")
	}
	if renderer == nil {
		var err error
		if renderer, err = templatefmt.NewRenderer(templatefmt.Overrides{}); err != nil {
			return nil, fmt.Errorf("build default renderer: %w", err)
		}
	}
	d := &Dispatcher{
		sender:         sender,
		ledger:         ledger,
		renderer:       renderer,
		clock:          clock.RealClock{},
		logger:         logging.OrDiscard(nil),
		nextID:         uuid.NewString,
		maxParallel:    DefaultMaxParallel,
		attemptTimeout: DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch delivers trigger to every eligible contact and waits for all attempts.
// Params: context, trigger, full contact list of the owner, and urgency.
// Returns: one result per eligible contact in input order, or InvalidInput for malformed input.
func (d *Dispatcher) Dispatch(ctx context.Context, trigger *Trigger, contacts []domain.Contact, urgency domain.Urgency) ([]domain.NotificationResult, error) {
	if err := trigger.validate(); err != nil {
		return nil, err
	}
	if contacts == nil {
		return nil, failure.Invalid("dispatch", "contact list is required")
	}
	if !urgency.Valid() {
		return nil, failure.Invalid("dispatch", "unsupported urgency %q", urgency)
	}
	userID := trigger.UserID()
	for i, contact := range contacts {
		if err := contact.Validate(); err != nil {
			return nil, failure.Invalid("dispatch", "contacts[%d]: %v", i, err)
		}
		if contact.UserID != "" && contact.UserID != userID {
			return nil, failure.Invalid("dispatch", "contacts[%d]: belongs to another user", i)
		}
	}

	eligible := make([]domain.Contact, 0, len(contacts))
	for _, contact := range contacts {
		if Eligible(contact.NotificationPreference, urgency) {
			eligible = append(eligible, contact)
		}
	}

	// In-flight attempts are detached from caller cancellation; each is bounded by attemptTimeout.
	detached := context.WithoutCancel(ctx)
	results := make([]domain.NotificationResult, len(eligible))
	var group errgroup.Group
	group.SetLimit(d.maxParallel)
	for i := range eligible {
		contact := eligible[i]
		group.Go(func() error {
			results[i] = d.deliver(detached, trigger, userID, contact)
			return nil
		})
	}
	_ = group.Wait()

	d.logger.Info("safe circle dispatch completed",
		"user_id", userID,
		"type", trigger.Type(),
		"urgency", urgency,
		"contacts", len(contacts),
		"eligible", len(eligible),
		"failed", countFailed(results),
	)
	return results, nil
}

// deliver runs one contact attempt and its persistence side effects.
func (d *Dispatcher) deliver(ctx context.Context, trigger *Trigger, userID string, contact domain.Contact) domain.NotificationResult {
	method := contact.PreferredMethod()
	sentAt := d.clock.Now().UTC()

	message, sendErr := d.renderer.Render(templatefmt.View{
		ContactName: contact.Name,
		Alert:       trigger.Alert,
		Emergency:   trigger.Emergency,
		SentAt:      sentAt,
		DetailsURL:  d.detailsURL,
	})
	started := time.Now()
	if sendErr == nil {
		sendErr = d.send(ctx, notify.Delivery{
			Method:      method,
			Recipient:   contact.Address(method),
			ContactID:   contact.ID,
			ContactName: contact.Name,
			UserID:      userID,
			Subject:     message.Subject,
			Text:        message.Text,
			HTML:        message.HTML,
		})
	}

	result := domain.NotificationResult{
		ContactID: contact.ID,
		Status:    domain.DeliverySent,
		Timestamp: sentAt,
		Method:    method,
	}
	if sendErr != nil {
		result.Status = domain.DeliveryFailed
		result.Error = sendErr.Error()
		d.logger.Warn("safe circle delivery failed",
			"user_id", userID,
			"contact_id", contact.ID,
			"method", method,
			"recipient", contact.Address(method),
			"error", sendErr.Error(),
		)
	}
	if d.observer != nil {
		d.observer.ObserveDelivery(method, result.Status, time.Since(started))
	}

	record := domain.NotificationRecord{
		ID:        d.nextID(),
		UserID:    userID,
		ContactID: contact.ID,
		Type:      trigger.Type(),
		Method:    method,
		Status:    result.Status,
		Error:     result.Error,
		Message:   message.Text,
		Timestamp: sentAt,
	}
	if trigger.Alert != nil {
		record.AlertID = trigger.Alert.ID
	} else {
		record.EmergencyID = trigger.Emergency.ID
	}
	d.persist(ctx, "append notification", contact.ID, func() error {
		return d.ledger.AppendNotification(ctx, record)
	})
	if result.Status == domain.DeliverySent {
		d.persist(ctx, "touch contact", contact.ID, func() error {
			return d.ledger.TouchContact(ctx, userID, contact.ID, sentAt)
		})
	}
	return result
}

// send performs one bounded attempt; deadline expiry and sender panics become Delivery failures.
func (d *Dispatcher) send(ctx context.Context, delivery notify.Delivery) (err error) {
	op := "notify " + string(delivery.Method)
	attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.Delivery, op, "sender panic: %v", r)
		}
	}()

	_, err = d.sender.Send(attemptCtx, delivery)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return failure.New(failure.Delivery, op, "delivery timed out after %s", d.attemptTimeout)
	}
	return err
}

// persist runs write with one retry; failures are logged and never surface.
func (d *Dispatcher) persist(ctx context.Context, op, contactID string, write func() error) {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if err = write(); err == nil {
			return
		}
	}
	if d.observer != nil {
		d.observer.ObservePersistenceFailure(op)
	}
	d.logger.ErrorContext(ctx, "safe circle persistence failed",
		"op", op,
		"contact_id", contactID,
		"error", failure.Wrap(failure.Persistence, op, err).Error(),
	)
}

func countFailed(results []domain.NotificationResult) int {
	failed := 0
	for _, result := range results {
		if result.Status == domain.DeliveryFailed {
			failed++
		}
	}
	return failed
}
