package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"aegis/internal/domain"
)

var baseTime = time.Date(2026, 2, 24, 12, 0, 0, 0, time.UTC)

func sampleContact(userID, id string) domain.Contact {
	return domain.Contact{
		ID:                     id,
		UserID:                 userID,
		Name:                   "Contact " + id,
		Email:                  id + "@example.com",
		Relationship:           domain.RelationshipFamily,
		NotificationPreference: domain.PreferenceAllAlerts,
	}
}

func sampleAlert(userID, id string, at time.Time) domain.Alert {
	return domain.Alert{
		ID:            id,
		UserID:        userID,
		Severity:      domain.SeverityHigh,
		Platform:      domain.PlatformTwitter,
		Category:      domain.CategoryHateSpeech,
		ToxicityScore: 0.7,
		Summary:       "High severity hate speech detected",
		Message:       "you are trash",
		Author:        "@troll",
		Timestamp:     at,
		Status:        domain.AlertStatusNew,
	}
}

// runStoreContract exercises behavior shared by every backend.
// Params: test handle and empty store; userID isolates runs sharing a backend.
func runStoreContract(t *testing.T, s Store, userID string) {
	t.Helper()
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	// contacts
	for _, id := range []string{"c1", "c2"} {
		if err := s.PutContact(ctx, sampleContact(userID, id)); err != nil {
			t.Fatalf("put contact %s: %v", id, err)
		}
	}
	if err := s.PutContact(ctx, domain.Contact{ID: "bad", UserID: userID, Name: "No address", NotificationPreference: domain.PreferenceAllAlerts}); err == nil {
		t.Fatalf("expected validation error")
	}
	contacts, err := s.ListContacts(ctx, userID)
	if err != nil || len(contacts) != 2 {
		t.Fatalf("list contacts: %v %+v", err, contacts)
	}
	if other, _ := s.ListContacts(ctx, userID+"-other"); len(other) != 0 {
		t.Fatalf("contacts must be user scoped: %+v", other)
	}

	if err := s.SetPrimary(ctx, userID, "c2"); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if err := s.SetPrimary(ctx, userID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	c1, _ := s.GetContact(ctx, userID, "c1")
	c2, _ := s.GetContact(ctx, userID, "c2")
	if c1.IsPrimary || !c2.IsPrimary {
		t.Fatalf("unexpected primary flags c1=%v c2=%v", c1.IsPrimary, c2.IsPrimary)
	}

	if err := s.TouchContact(ctx, userID, "c1", baseTime); err != nil {
		t.Fatalf("touch: %v", err)
	}
	c1, err = s.GetContact(ctx, userID, "c1")
	if err != nil || c1.LastNotified == nil || !c1.LastNotified.Equal(baseTime) {
		t.Fatalf("last notified not stored: %v %+v", err, c1)
	}
	if err := s.TouchContact(ctx, userID, "missing", baseTime); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := s.DeleteContact(ctx, userID, "c1"); err != nil {
		t.Fatalf("delete contact: %v", err)
	}
	if err := s.DeleteContact(ctx, userID, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := s.GetContact(ctx, userID, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	// alerts
	if err := s.InsertAlert(ctx, sampleAlert(userID, "a1", baseTime)); err != nil {
		t.Fatalf("insert a1: %v", err)
	}
	if err := s.InsertAlert(ctx, sampleAlert(userID, "a2", baseTime.Add(time.Minute))); err != nil {
		t.Fatalf("insert a2: %v", err)
	}
	if err := s.InsertAlert(ctx, sampleAlert(userID, "a1", baseTime)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	alerts, err := s.ListAlerts(ctx, userID)
	if err != nil || len(alerts) != 2 || alerts[0].ID != "a2" {
		t.Fatalf("alerts must be newest first: %v %+v", err, alerts)
	}

	updated, err := s.UpdateAlertStatus(ctx, userID, "a1", domain.AlertStatusReviewed)
	if err != nil || updated.Status != domain.AlertStatusReviewed {
		t.Fatalf("review: %v %+v", err, updated)
	}
	if _, err := s.UpdateAlertStatus(ctx, userID, "a2", domain.AlertStatusResolved); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := s.UpdateAlertStatus(ctx, userID, "a1", domain.AlertStatusNew); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("backward transition must fail, got %v", err)
	}
	if _, err := s.UpdateAlertStatus(ctx, userID, "missing", domain.AlertStatusReviewed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	loaded, err := s.GetAlert(ctx, userID, "a1")
	if err != nil || loaded.Status != domain.AlertStatusReviewed || !loaded.Timestamp.Equal(baseTime) {
		t.Fatalf("get alert: %v %+v", err, loaded)
	}

	// notifications
	for i := 0; i < 3; i++ {
		record := domain.NotificationRecord{
			ID:        fmt.Sprintf("%s-n%d", userID, i),
			UserID:    userID,
			ContactID: "c2",
			AlertID:   "a1",
			Type:      domain.NotificationAlert,
			Method:    domain.MethodEmail,
			Status:    domain.DeliverySent,
			Message:   "body",
			Timestamp: baseTime.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendNotification(ctx, record); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	records, err := s.ListNotifications(ctx, userID, 2)
	if err != nil || len(records) != 2 || records[0].ID != userID+"-n2" {
		t.Fatalf("notifications must be newest first and limited: %v %+v", err, records)
	}

	if err := s.InsertEmergency(ctx, domain.EmergencyEvent{ID: "e1", UserID: userID, Location: "home", Timestamp: baseTime}); err != nil {
		t.Fatalf("insert emergency: %v", err)
	}

	// bulk resets
	if n, err := s.ClearNotifications(ctx, userID); err != nil || n != 3 {
		t.Fatalf("clear notifications: n=%d err=%v", n, err)
	}
	if records, _ := s.ListNotifications(ctx, userID, 0); len(records) != 0 {
		t.Fatalf("expected no records after clear")
	}
	if n, err := s.ClearAlerts(ctx, userID); err != nil || n != 2 {
		t.Fatalf("clear alerts: n=%d err=%v", n, err)
	}
	if alerts, _ := s.ListAlerts(ctx, userID); len(alerts) != 0 {
		t.Fatalf("expected no alerts after clear")
	}
	if contacts, _ := s.ListContacts(ctx, userID); len(contacts) != 1 {
		t.Fatalf("clear must keep contacts: %+v", contacts)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	defer s.Close()
	runStoreContract(t, s, "u1")

	if got := s.Emergencies("u1"); len(got) != 1 || got[0].Location != "home" {
		t.Fatalf("unexpected emergencies: %+v", got)
	}
}

func TestMemoryStoreConcurrentAppends(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			_ = s.AppendNotification(context.Background(), domain.NotificationRecord{ID: fmt.Sprint(i), UserID: "u1", Timestamp: baseTime})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	records, _ := s.ListNotifications(context.Background(), "u1", 0)
	if len(records) != 20 {
		t.Fatalf("expected 20 records, got %d", len(records))
	}
}

func TestNewestFirstIsStable(t *testing.T) {
	t.Parallel()

	items := []domain.NotificationRecord{
		{ID: "old", Timestamp: baseTime},
		{ID: "same-1", Timestamp: baseTime.Add(time.Second)},
		{ID: "same-2", Timestamp: baseTime.Add(time.Second)},
	}
	got := newestFirst(items, func(r domain.NotificationRecord) time.Time { return r.Timestamp })
	if got[0].ID != "same-2" || got[1].ID != "same-1" || got[2].ID != "old" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if items[0].ID != "old" {
		t.Fatalf("input must not be mutated")
	}
}
