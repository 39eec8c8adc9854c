package store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"aegis/internal/domain"
)

const (
	kvContactPrefix      = "contact"
	kvAlertPrefix        = "alert"
	kvNotificationPrefix = "notification"
	kvEmergencyPrefix    = "emergency"

	touchAttempts = 3
)

// NATSStore persists Safe Circle state in one JetStream KV bucket.
// Params: NATS connection, JetStream context, and KV bucket handle.
// Returns: KV-backed store; keys are "<kind>.<user>.<id>" with base64url tokens.
type NATSStore struct {
	nc *nats.Conn
	kv nats.KeyValue
}

// NewNATSStore connects to NATS and opens (or creates) the KV bucket.
// Params: NATS URLs and bucket name.
// Returns: initialized NATS store or setup error.
func NewNATSStore(urls []string, bucket string) (*NATSStore, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "aegis safe circle state",
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create kv bucket %q: %w", bucket, err)
		}
	}
	return &NATSStore{nc: nc, kv: kv}, nil
}

func keyToken(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

func kvKey(kind, userID, id string) string {
	return kind + "." + keyToken(userID) + "." + keyToken(id)
}

func kvUserFilter(kind, userID string) string {
	return kind + "." + keyToken(userID) + ".*"
}

// getJSON reads one key into dst.
// Params: key and decode target.
// Returns: KV revision, ErrNotFound, or decode error.
func (s *NATSStore) getJSON(key string, dst any) (uint64, error) {
	entry, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	if err := json.Unmarshal(entry.Value(), dst); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return entry.Revision(), nil
}

func (s *NATSStore) putJSON(key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := s.kv.Put(key, body); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// updateJSON writes value with revision CAS.
// Params: key, expected revision, and value.
// Returns: ErrConflict on revision mismatch.
func (s *NATSStore) updateJSON(key string, revision uint64, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if _, err := s.kv.Update(key, body, revision); err != nil {
		if isRevisionConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("kv update %s: %w", key, err)
	}
	return nil
}

func isRevisionConflict(err error) bool {
	return errors.Is(err, nats.ErrKeyExists) || strings.Contains(strings.ToLower(err.Error()), "wrong last sequence")
}

// scan loads all live entries matching user filter in stream order.
// Params: context, kind prefix, and user id.
// Returns: raw KV entries.
func (s *NATSStore) scan(ctx context.Context, kind, userID string) ([]nats.KeyValueEntry, error) {
	watcher, err := s.kv.Watch(kvUserFilter(kind, userID), nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", kind, err)
	}
	defer func() { _ = watcher.Stop() }()

	var entries []nats.KeyValueEntry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok || entry == nil {
				return entries, nil
			}
			entries = append(entries, entry)
		}
	}
}

func scanDecode[T any](ctx context.Context, s *NATSStore, kind, userID string) ([]T, error) {
	entries, err := s.scan(ctx, kind, userID)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, entry := range entries {
		var item T
		if err := json.Unmarshal(entry.Value(), &item); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Key(), err)
		}
		out = append(out, item)
	}
	return out, nil
}

// purgeAll removes every key of kind for user.
func (s *NATSStore) purgeAll(ctx context.Context, kind, userID string) (int, error) {
	entries, err := s.scan(ctx, kind, userID)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if err := s.kv.Purge(entry.Key()); err != nil {
			return 0, fmt.Errorf("kv purge %s: %w", entry.Key(), err)
		}
	}
	return len(entries), nil
}

// ListContacts returns contacts in last-write order.
func (s *NATSStore) ListContacts(ctx context.Context, userID string) ([]domain.Contact, error) {
	return scanDecode[domain.Contact](ctx, s, kvContactPrefix, userID)
}

// GetContact returns one contact or ErrNotFound.
func (s *NATSStore) GetContact(_ context.Context, userID, contactID string) (domain.Contact, error) {
	var contact domain.Contact
	if _, err := s.getJSON(kvKey(kvContactPrefix, userID, contactID), &contact); err != nil {
		return domain.Contact{}, err
	}
	return contact, nil
}

// PutContact creates or replaces contact.
func (s *NATSStore) PutContact(_ context.Context, contact domain.Contact) error {
	if err := checkContact(contact); err != nil {
		return err
	}
	return s.putJSON(kvKey(kvContactPrefix, contact.UserID, contact.ID), contact)
}

// DeleteContact removes contact or returns ErrNotFound.
func (s *NATSStore) DeleteContact(ctx context.Context, userID, contactID string) error {
	if _, err := s.GetContact(ctx, userID, contactID); err != nil {
		return err
	}
	if err := s.kv.Delete(kvKey(kvContactPrefix, userID, contactID)); err != nil {
		return fmt.Errorf("kv delete contact: %w", err)
	}
	return nil
}

// SetPrimary marks one contact primary and clears the flag on the others.
func (s *NATSStore) SetPrimary(ctx context.Context, userID, contactID string) error {
	contacts, err := s.ListContacts(ctx, userID)
	if err != nil {
		return err
	}
	found := false
	for _, contact := range contacts {
		if contact.ID == contactID {
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	for _, contact := range contacts {
		want := contact.ID == contactID
		if contact.IsPrimary == want {
			continue
		}
		contact.IsPrimary = want
		if err := s.putJSON(kvKey(kvContactPrefix, userID, contact.ID), contact); err != nil {
			return err
		}
	}
	return nil
}

// TouchContact sets LastNotified with CAS retries so concurrent edits survive.
func (s *NATSStore) TouchContact(_ context.Context, userID, contactID string, at time.Time) error {
	key := kvKey(kvContactPrefix, userID, contactID)
	for attempt := 0; attempt < touchAttempts; attempt++ {
		var contact domain.Contact
		revision, err := s.getJSON(key, &contact)
		if err != nil {
			return err
		}
		stamp := at.UTC()
		contact.LastNotified = &stamp
		err = s.updateJSON(key, revision, contact)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("touch contact %s: %w", contactID, ErrConflict)
}

// InsertAlert stores new alert; duplicate id returns ErrConflict.
func (s *NATSStore) InsertAlert(_ context.Context, alert domain.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if _, err := s.kv.Create(kvKey(kvAlertPrefix, alert.UserID, alert.ID), body); err != nil {
		if isRevisionConflict(err) {
			return ErrConflict
		}
		return fmt.Errorf("kv create alert: %w", err)
	}
	return nil
}

// GetAlert returns one alert or ErrNotFound.
func (s *NATSStore) GetAlert(_ context.Context, userID, alertID string) (domain.Alert, error) {
	var alert domain.Alert
	if _, err := s.getJSON(kvKey(kvAlertPrefix, userID, alertID), &alert); err != nil {
		return domain.Alert{}, err
	}
	return alert, nil
}

// ListAlerts returns alerts newest first.
func (s *NATSStore) ListAlerts(ctx context.Context, userID string) ([]domain.Alert, error) {
	alerts, err := scanDecode[domain.Alert](ctx, s, kvAlertPrefix, userID)
	if err != nil {
		return nil, err
	}
	return newestFirst(alerts, func(a domain.Alert) time.Time { return a.Timestamp }), nil
}

// UpdateAlertStatus applies forward-only transition with revision CAS.
func (s *NATSStore) UpdateAlertStatus(_ context.Context, userID, alertID string, status domain.AlertStatus) (domain.Alert, error) {
	key := kvKey(kvAlertPrefix, userID, alertID)
	var alert domain.Alert
	revision, err := s.getJSON(key, &alert)
	if err != nil {
		return domain.Alert{}, err
	}
	updated, err := transitionAlert(alert, status)
	if err != nil {
		return domain.Alert{}, err
	}
	if err := s.updateJSON(key, revision, updated); err != nil {
		return domain.Alert{}, err
	}
	return updated, nil
}

// ClearAlerts purges every alert of user.
func (s *NATSStore) ClearAlerts(ctx context.Context, userID string) (int, error) {
	return s.purgeAll(ctx, kvAlertPrefix, userID)
}

// AppendNotification writes one history record under its own key.
func (s *NATSStore) AppendNotification(_ context.Context, record domain.NotificationRecord) error {
	return s.putJSON(kvKey(kvNotificationPrefix, record.UserID, record.ID), record)
}

// ListNotifications returns history newest first, up to limit when limit > 0.
func (s *NATSStore) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.NotificationRecord, error) {
	records, err := scanDecode[domain.NotificationRecord](ctx, s, kvNotificationPrefix, userID)
	if err != nil {
		return nil, err
	}
	sorted := newestFirst(records, func(r domain.NotificationRecord) time.Time { return r.Timestamp })
	return limitSlice(sorted, limit), nil
}

// ClearNotifications purges every history record of user.
func (s *NATSStore) ClearNotifications(ctx context.Context, userID string) (int, error) {
	return s.purgeAll(ctx, kvNotificationPrefix, userID)
}

// InsertEmergency writes one emergency activation.
func (s *NATSStore) InsertEmergency(_ context.Context, event domain.EmergencyEvent) error {
	return s.putJSON(kvKey(kvEmergencyPrefix, event.UserID, event.ID), event)
}

// Ping reports NATS connection state.
func (s *NATSStore) Ping(context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("nats store: connection status %s", s.nc.Status())
	}
	return nil
}

// Close closes underlying NATS connection.
// Params: none.
// Returns: nil after connection close.
func (s *NATSStore) Close() error {
	s.nc.Close()
	return nil
}
