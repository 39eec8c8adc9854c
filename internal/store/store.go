package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"aegis/internal/domain"
	"aegis/internal/failure"
)

var (
	// ErrNotFound indicates absent contact, alert, or user scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates duplicate id or revision mismatch on update.
	ErrConflict = errors.New("conflict")
)

// Store persists Safe Circle state scoped by user id.
// Params: contact, alert, notification, and emergency collections.
// Returns: backend persistence behavior shared by memory, NATS KV, and Postgres.
type Store interface {
	ListContacts(ctx context.Context, userID string) ([]domain.Contact, error)
	GetContact(ctx context.Context, userID, contactID string) (domain.Contact, error)
	PutContact(ctx context.Context, contact domain.Contact) error
	DeleteContact(ctx context.Context, userID, contactID string) error
	SetPrimary(ctx context.Context, userID, contactID string) error
	TouchContact(ctx context.Context, userID, contactID string, at time.Time) error

	InsertAlert(ctx context.Context, alert domain.Alert) error
	GetAlert(ctx context.Context, userID, alertID string) (domain.Alert, error)
	ListAlerts(ctx context.Context, userID string) ([]domain.Alert, error)
	UpdateAlertStatus(ctx context.Context, userID, alertID string, status domain.AlertStatus) (domain.Alert, error)
	ClearAlerts(ctx context.Context, userID string) (int, error)

	AppendNotification(ctx context.Context, record domain.NotificationRecord) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error)
	ClearNotifications(ctx context.Context, userID string) (int, error)

	InsertEmergency(ctx context.Context, event domain.EmergencyEvent) error

	Ping(ctx context.Context) error
	Close() error
}

// transitionAlert applies forward-only status change.
// Params: current alert and requested status.
// Returns: updated alert or domain.ErrInvalidTransition.
func transitionAlert(alert domain.Alert, status domain.AlertStatus) (domain.Alert, error) {
	if !domain.CanTransition(alert.Status, status) {
		return domain.Alert{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, alert.Status, status)
	}
	alert.Status = status
	return alert, nil
}

// checkContact validates contact before write.
func checkContact(contact domain.Contact) error {
	if contact.ID == "" || contact.UserID == "" {
		return failure.Invalid("put contact", "contact id and user id are required")
	}
	if err := contact.Validate(); err != nil {
		return failure.Wrap(failure.InvalidInput, "put contact", err)
	}
	return nil
}

// newestFirst orders by timestamp descending; equal timestamps put later inserts first.
func newestFirst[T any](items []T, at func(T) time.Time) []T {
	out := slices.Clone(items)
	slices.Reverse(out)
	slices.SortStableFunc(out, func(a, b T) int { return at(b).Compare(at(a)) })
	return out
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
