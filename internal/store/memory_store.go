package store

import (
	"context"
	"sync"
	"time"

	"aegis/internal/domain"
)

// MemoryStore keeps Safe Circle state in process memory for single-instance mode.
// Params: per-user maps guarded by one RW mutex.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu            sync.RWMutex
	contacts      map[string]map[string]domain.Contact
	contactOrder  map[string][]string
	alerts        map[string]map[string]domain.Alert
	alertOrder    map[string][]string
	notifications map[string][]domain.NotificationRecord
	emergencies   map[string][]domain.EmergencyEvent
}

// NewMemoryStore creates in-memory state store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contacts:      make(map[string]map[string]domain.Contact),
		contactOrder:  make(map[string][]string),
		alerts:        make(map[string]map[string]domain.Alert),
		alertOrder:    make(map[string][]string),
		notifications: make(map[string][]domain.NotificationRecord),
		emergencies:   make(map[string][]domain.EmergencyEvent),
	}
}

// ListContacts returns contacts in creation order.
func (s *MemoryStore) ListContacts(_ context.Context, userID string) ([]domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Contact, 0, len(s.contactOrder[userID]))
	for _, id := range s.contactOrder[userID] {
		out = append(out, s.contacts[userID][id])
	}
	return out, nil
}

// GetContact returns one contact or ErrNotFound.
func (s *MemoryStore) GetContact(_ context.Context, userID, contactID string) (domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	contact, ok := s.contacts[userID][contactID]
	if !ok {
		return domain.Contact{}, ErrNotFound
	}
	return contact, nil
}

// PutContact creates or replaces contact.
func (s *MemoryStore) PutContact(_ context.Context, contact domain.Contact) error {
	if err := checkContact(contact); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.contacts[contact.UserID]
	if !ok {
		byID = make(map[string]domain.Contact)
		s.contacts[contact.UserID] = byID
	}
	if _, exists := byID[contact.ID]; !exists {
		s.contactOrder[contact.UserID] = append(s.contactOrder[contact.UserID], contact.ID)
	}
	byID[contact.ID] = contact
	return nil
}

// DeleteContact removes contact or returns ErrNotFound.
func (s *MemoryStore) DeleteContact(_ context.Context, userID, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contacts[userID][contactID]; !ok {
		return ErrNotFound
	}
	delete(s.contacts[userID], contactID)
	order := s.contactOrder[userID]
	for i, id := range order {
		if id == contactID {
			s.contactOrder[userID] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	return nil
}

// SetPrimary marks one contact primary and clears the flag on the others.
func (s *MemoryStore) SetPrimary(_ context.Context, userID, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.contacts[userID]
	if _, ok := byID[contactID]; !ok {
		return ErrNotFound
	}
	for id, contact := range byID {
		contact.IsPrimary = id == contactID
		byID[id] = contact
	}
	return nil
}

// TouchContact sets LastNotified; last writer wins.
func (s *MemoryStore) TouchContact(_ context.Context, userID, contactID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	contact, ok := s.contacts[userID][contactID]
	if !ok {
		return ErrNotFound
	}
	stamp := at.UTC()
	contact.LastNotified = &stamp
	s.contacts[userID][contactID] = contact
	return nil
}

// InsertAlert stores new alert; duplicate id returns ErrConflict.
func (s *MemoryStore) InsertAlert(_ context.Context, alert domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.alerts[alert.UserID]
	if !ok {
		byID = make(map[string]domain.Alert)
		s.alerts[alert.UserID] = byID
	}
	if _, exists := byID[alert.ID]; exists {
		return ErrConflict
	}
	byID[alert.ID] = alert
	s.alertOrder[alert.UserID] = append(s.alertOrder[alert.UserID], alert.ID)
	return nil
}

// GetAlert returns one alert or ErrNotFound.
func (s *MemoryStore) GetAlert(_ context.Context, userID, alertID string) (domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[userID][alertID]
	if !ok {
		return domain.Alert{}, ErrNotFound
	}
	return alert, nil
}

// ListAlerts returns alerts newest first.
func (s *MemoryStore) ListAlerts(_ context.Context, userID string) ([]domain.Alert, error) {
	s.mu.RLock()
	items := make([]domain.Alert, 0, len(s.alertOrder[userID]))
	for _, id := range s.alertOrder[userID] {
		items = append(items, s.alerts[userID][id])
	}
	s.mu.RUnlock()
	return newestFirst(items, func(a domain.Alert) time.Time { return a.Timestamp }), nil
}

// UpdateAlertStatus applies forward-only transition.
func (s *MemoryStore) UpdateAlertStatus(_ context.Context, userID, alertID string, status domain.AlertStatus) (domain.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[userID][alertID]
	if !ok {
		return domain.Alert{}, ErrNotFound
	}
	updated, err := transitionAlert(alert, status)
	if err != nil {
		return domain.Alert{}, err
	}
	s.alerts[userID][alertID] = updated
	return updated, nil
}

// ClearAlerts removes every alert of user.
func (s *MemoryStore) ClearAlerts(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.alerts[userID])
	delete(s.alerts, userID)
	delete(s.alertOrder, userID)
	return n, nil
}

// AppendNotification appends one history record.
func (s *MemoryStore) AppendNotification(_ context.Context, record domain.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[record.UserID] = append(s.notifications[record.UserID], record)
	return nil
}

// ListNotifications returns history newest first, up to limit when limit > 0.
func (s *MemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]domain.NotificationRecord, error) {
	s.mu.RLock()
	items := append([]domain.NotificationRecord(nil), s.notifications[userID]...)
	s.mu.RUnlock()
	sorted := newestFirst(items, func(r domain.NotificationRecord) time.Time { return r.Timestamp })
	return limitSlice(sorted, limit), nil
}

// ClearNotifications removes every history record of user.
func (s *MemoryStore) ClearNotifications(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.notifications[userID])
	delete(s.notifications, userID)
	return n, nil
}

// InsertEmergency appends one emergency activation.
func (s *MemoryStore) InsertEmergency(_ context.Context, event domain.EmergencyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emergencies[event.UserID] = append(s.emergencies[event.UserID], event)
	return nil
}

// Emergencies returns user emergency activations in insertion order.
func (s *MemoryStore) Emergencies(userID string) []domain.EmergencyEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.EmergencyEvent(nil), s.emergencies[userID]...)
}

// Ping reports memory store readiness.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}
