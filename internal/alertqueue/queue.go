package alertqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"aegis/internal/domain"
)

const (
	// JobSubject carries Safe Circle dispatch jobs.
	JobSubject = "aegis.dispatch"
	// JobStream stores pending dispatch jobs with work-queue retention.
	JobStream = "AEGIS_DISPATCH"
	// JobConsumer is the durable consumer shared by dispatch workers.
	JobConsumer = "aegis-dispatch"
	// JobDeliverGroup is the queue group of dispatch workers.
	JobDeliverGroup = "aegis-dispatchers"
	// DLQSubject receives jobs that failed permanently or ran out of deliveries.
	DLQSubject = "aegis.dispatch.dlq"
	// DLQStream stores dead-lettered dispatch jobs.
	DLQStream = "AEGIS_DISPATCH_DLQ"
)

// Job is one deferred Safe Circle fan-out.
// Params: exactly one trigger (alert or emergency), urgency, and enqueue time.
// Returns: queue unit consumed by dispatch workers.
type Job struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Urgency   domain.Urgency         `json:"urgency"`
	Alert     *domain.Alert          `json:"alert,omitempty"`
	Emergency *domain.EmergencyEvent `json:"emergency,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// AlertJob builds dispatch job for one persisted alert.
// Params: alert, urgency, and enqueue time.
// Returns: job with deterministic id.
func AlertJob(alert domain.Alert, urgency domain.Urgency, at time.Time) Job {
	job := Job{UserID: alert.UserID, Urgency: urgency, Alert: &alert, CreatedAt: at.UTC()}
	job.ID = BuildJobID(job)
	return job
}

// EmergencyJob builds dispatch job for one emergency activation.
// Params: emergency event and enqueue time.
// Returns: job with deterministic id and emergency urgency.
func EmergencyJob(event domain.EmergencyEvent, at time.Time) Job {
	job := Job{UserID: event.UserID, Urgency: domain.UrgencyEmergency, Emergency: &event, CreatedAt: at.UTC()}
	job.ID = BuildJobID(job)
	return job
}

// Validate checks job carries exactly one trigger and known urgency.
func (j Job) Validate() error {
	if (j.Alert == nil) == (j.Emergency == nil) {
		return errors.New("job must carry exactly one trigger")
	}
	if strings.TrimSpace(j.UserID) == "" {
		return errors.New("job user_id is required")
	}
	if !j.Urgency.Valid() {
		return fmt.Errorf("job urgency %q is invalid", j.Urgency)
	}
	return nil
}

// BuildJobID creates deterministic id used as JetStream dedup key.
// Params: job with trigger set.
// Returns: stable SHA1-based id string.
func BuildJobID(job Job) string {
	kind, triggerID := "none", ""
	switch {
	case job.Alert != nil:
		kind, triggerID = string(domain.NotificationAlert), job.Alert.ID
	case job.Emergency != nil:
		kind, triggerID = string(domain.NotificationEmergency), job.Emergency.ID
	}
	raw := fmt.Sprintf("%s|%s|%s|%s", kind, job.UserID, triggerID, job.Urgency)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DLQReason identifies why job was moved to dead-letter queue.
type DLQReason string

const (
	// DLQReasonPermanentError marks non-retryable processing failures.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by max deliver policy.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is dead-letter payload for failed dispatch jobs.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// Producer enqueues dispatch jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Handler processes one dequeued job; permanent errors are dead-lettered.
type Handler func(ctx context.Context, job Job) error
