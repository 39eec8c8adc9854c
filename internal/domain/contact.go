package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Relationship is informational contact relation; it does not affect delivery.
type Relationship string

const (
	RelationshipFamily    Relationship = "family"
	RelationshipFriend    Relationship = "friend"
	RelationshipColleague Relationship = "colleague"
	RelationshipEmergency Relationship = "emergency_contact"
)

// NotificationPreference governs contact eligibility during fan-out.
// Params: all_alerts/critical_only/emergency_only constants.
// Returns: per-contact delivery filter.
type NotificationPreference string

const (
	PreferenceAllAlerts     NotificationPreference = "all_alerts"
	PreferenceCriticalOnly  NotificationPreference = "critical_only"
	PreferenceEmergencyOnly NotificationPreference = "emergency_only"
)

// Valid reports whether preference is known.
// Params: none.
// Returns: true for supported preferences.
func (p NotificationPreference) Valid() bool {
	switch p {
	case PreferenceAllAlerts, PreferenceCriticalOnly, PreferenceEmergencyOnly:
		return true
	default:
		return false
	}
}

// Contact is one trusted party in the user's Safe Circle.
// Params: identity, owner, addresses, relation, preference, flags, and last notify time.
// Returns: contact row for stores and dispatcher.
type Contact struct {
	ID                     string                 `json:"id" db:"id"`
	UserID                 string                 `json:"user_id" db:"user_id"`
	Name                   string                 `json:"name" db:"name"`
	Email                  string                 `json:"email,omitempty" db:"email"`
	Phone                  string                 `json:"phone,omitempty" db:"phone"`
	TelegramChatID         string                 `json:"telegram_chat_id,omitempty" db:"telegram_chat_id"`
	Relationship           Relationship           `json:"relationship" db:"relationship"`
	NotificationPreference NotificationPreference `json:"notification_preference" db:"notification_preference"`
	IsPrimary              bool                   `json:"is_primary" db:"is_primary"`
	IsVerified             bool                   `json:"is_verified" db:"is_verified"`
	LastNotified           *time.Time             `json:"last_notified,omitempty" db:"last_notified"`
}

// Validate checks contact shape before persistence or dispatch.
// Params: contact fields.
// Returns: validation error for missing name/address or unknown enums.
func (c Contact) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	if !c.HasAddress() {
		return errors.New("at least one of email, phone, or telegram_chat_id is required")
	}
	if !c.NotificationPreference.Valid() {
		return fmt.Errorf("unsupported notification_preference %q", c.NotificationPreference)
	}
	switch c.Relationship {
	case "", RelationshipFamily, RelationshipFriend, RelationshipColleague, RelationshipEmergency:
	default:
		return fmt.Errorf("unsupported relationship %q", c.Relationship)
	}
	return nil
}

// HasAddress reports whether contact has any deliverable address.
// Params: none.
// Returns: true when email, phone, or telegram chat id is set.
func (c Contact) HasAddress() bool {
	return strings.TrimSpace(c.Email) != "" ||
		strings.TrimSpace(c.Phone) != "" ||
		strings.TrimSpace(c.TelegramChatID) != ""
}

// PreferredMethod selects delivery method from available addresses.
// Params: none.
// Returns: email, then telegram, then sms.
func (c Contact) PreferredMethod() Method {
	switch {
	case strings.TrimSpace(c.Email) != "":
		return MethodEmail
	case strings.TrimSpace(c.TelegramChatID) != "":
		return MethodTelegram
	default:
		return MethodSMS
	}
}

// Address returns recipient address for delivery method.
// Params: method chosen for the contact.
// Returns: trimmed address or empty string.
func (c Contact) Address(method Method) string {
	switch method {
	case MethodEmail:
		return strings.TrimSpace(c.Email)
	case MethodTelegram:
		return strings.TrimSpace(c.TelegramChatID)
	case MethodSMS:
		return strings.TrimSpace(c.Phone)
	default:
		return ""
	}
}
