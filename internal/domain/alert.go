package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition indicates a disallowed alert status change.
var ErrInvalidTransition = errors.New("invalid alert status transition")

// AlertStatus is operator review state of one alert.
// Params: new/reviewed/resolved constants.
// Returns: forward-only lifecycle state.
type AlertStatus string

const (
	// AlertStatusNew is the initial state of every alert.
	AlertStatusNew AlertStatus = "new"
	// AlertStatusReviewed marks alert seen by the user.
	AlertStatusReviewed AlertStatus = "reviewed"
	// AlertStatusResolved closes the alert.
	AlertStatusResolved AlertStatus = "resolved"
)

// ParseAlertStatus normalizes and validates alert status.
// Params: raw status string.
// Returns: known status or error.
func ParseAlertStatus(raw string) (AlertStatus, error) {
	switch status := AlertStatus(strings.ToLower(strings.TrimSpace(raw))); status {
	case AlertStatusNew, AlertStatusReviewed, AlertStatusResolved:
		return status, nil
	default:
		return "", fmt.Errorf("unsupported alert status %q", raw)
	}
}

// CanTransition reports whether from -> to is allowed.
// Params: current and requested status.
// Returns: true only for new->reviewed and reviewed->resolved.
func CanTransition(from, to AlertStatus) bool {
	switch from {
	case AlertStatusNew:
		return to == AlertStatusReviewed
	case AlertStatusReviewed:
		return to == AlertStatusResolved
	default:
		return false
	}
}

// Alert is a persisted record of a detected threatening message.
// Params: identity, owner, classification copy, and content provenance.
// Returns: alert row shared by stores, dispatcher, and API.
type Alert struct {
	ID            string      `json:"id" db:"id"`
	UserID        string      `json:"user_id" db:"user_id"`
	Severity      Severity    `json:"severity" db:"severity"`
	Platform      Platform    `json:"platform" db:"platform"`
	Category      Category    `json:"category" db:"category"`
	ToxicityScore float64     `json:"toxicity_score" db:"toxicity_score"`
	Summary       string      `json:"summary" db:"summary"`
	Message       string      `json:"message" db:"message"`
	Author        string      `json:"author" db:"author"`
	PostURL       string      `json:"post_url,omitempty" db:"post_url"`
	Timestamp     time.Time   `json:"timestamp" db:"timestamp"`
	Status        AlertStatus `json:"status" db:"status"`
}

// NewAlert builds alert in status new from one signal.
// Params: id, owner, signal, optional post URL, and creation time.
// Returns: alert ready for persistence.
func NewAlert(id, userID string, signal ThreatSignal, postURL string, at time.Time) Alert {
	return Alert{
		ID:            id,
		UserID:        userID,
		Severity:      signal.Severity,
		Platform:      signal.Platform,
		Category:      signal.Category,
		ToxicityScore: signal.ToxicityScore,
		Summary:       fmt.Sprintf("%s severity %s detected", signal.Severity.Title(), signal.Category.Words()),
		Message:       signal.Text,
		Author:        signal.Author,
		PostURL:       postURL,
		Timestamp:     at.UTC(),
		Status:        AlertStatusNew,
	}
}

// AlertStats summarizes one user's alert stream.
// Params: counters by status, severity, and platform.
// Returns: dashboard summary payload.
type AlertStats struct {
	Total      int              `json:"total"`
	New        int              `json:"new"`
	Critical   int              `json:"critical"`
	ByPlatform map[Platform]int `json:"by_platform"`
}

// SummarizeAlerts computes stats over alert list.
// Params: alerts of one user.
// Returns: aggregated stats.
func SummarizeAlerts(alerts []Alert) AlertStats {
	stats := AlertStats{Total: len(alerts), ByPlatform: make(map[Platform]int)}
	for _, alert := range alerts {
		if alert.Status == AlertStatusNew {
			stats.New++
		}
		if alert.Severity == SeverityCritical {
			stats.Critical++
		}
		stats.ByPlatform[alert.Platform]++
	}
	return stats
}

// EmergencyEvent is one user-initiated emergency protocol activation.
// Params: identity, owner, optional location and notes, activation time.
// Returns: emergency trigger for Safe Circle broadcast.
type EmergencyEvent struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Location  string    `json:"location" db:"location"`
	Notes     string    `json:"notes" db:"notes"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}
