package domain

import "time"

// Method identifies delivery channel used for one contact.
type Method string

const (
	MethodEmail    Method = "email"
	MethodSMS      Method = "sms"
	MethodTelegram Method = "telegram"
)

// DeliveryStatus is outcome of one delivery attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// NotificationType separates alert fan-out from emergency broadcast.
type NotificationType string

const (
	NotificationAlert     NotificationType = "alert"
	NotificationEmergency NotificationType = "emergency"
)

// NotificationRecord is one append-only history entry.
// Params: identity, owner, contact, optional trigger references, outcome, and rendered body.
// Returns: audit row written once per attempted contact.
type NotificationRecord struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	ContactID   string           `json:"contact_id" db:"contact_id"`
	AlertID     string           `json:"alert_id,omitempty" db:"alert_id"`
	EmergencyID string           `json:"emergency_id,omitempty" db:"emergency_id"`
	Type        NotificationType `json:"type" db:"type"`
	Method      Method           `json:"method" db:"method"`
	Status      DeliveryStatus   `json:"status" db:"status"`
	Error       string           `json:"error,omitempty" db:"error"`
	Message     string           `json:"message" db:"message"`
	Timestamp   time.Time        `json:"timestamp" db:"timestamp"`
}

// NotificationResult reports delivery outcome for one eligible contact.
// Params: contact id, status, attempt time, method, and optional error text.
// Returns: dispatcher output element.
type NotificationResult struct {
	ContactID string         `json:"contact_id"`
	Status    DeliveryStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Method    Method         `json:"method"`
	Error     string         `json:"error,omitempty"`
}

// CommentOutcome reports what pipeline did with one comment.
// DispatchError is set when alert was persisted but its fan-out could not start.
type CommentOutcome struct {
	Signal        ThreatSignal         `json:"signal"`
	Alert         *Alert               `json:"alert,omitempty"`
	Queued        bool                 `json:"queued,omitempty"`
	Results       []NotificationResult `json:"results,omitempty"`
	DispatchError string               `json:"dispatch_error,omitempty"`
}

// EmergencyOutcome reports persisted activation and its fan-out.
type EmergencyOutcome struct {
	Event         EmergencyEvent       `json:"event"`
	Queued        bool                 `json:"queued,omitempty"`
	Results       []NotificationResult `json:"results"`
	DispatchError string               `json:"dispatch_error,omitempty"`
}
