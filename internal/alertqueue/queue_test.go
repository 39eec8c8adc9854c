package alertqueue

import (
	"context"
	"testing"
	"time"

	"aegis/internal/domain"
)

var jobTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestBuildJobIDDeterministic(t *testing.T) {
	t.Parallel()

	alert := domain.Alert{ID: "a1", UserID: "u1", Severity: domain.SeverityHigh}
	jobA := AlertJob(alert, domain.UrgencyHigh, jobTime)
	jobB := AlertJob(alert, domain.UrgencyHigh, jobTime.Add(time.Hour))
	if jobA.ID == "" || jobA.ID != jobB.ID {
		t.Fatalf("expected deterministic ids: %q %q", jobA.ID, jobB.ID)
	}

	emergency := EmergencyJob(domain.EmergencyEvent{ID: "a1", UserID: "u1"}, jobTime)
	if emergency.ID == jobA.ID {
		t.Fatalf("alert and emergency ids must differ")
	}
	if emergency.Urgency != domain.UrgencyEmergency {
		t.Fatalf("unexpected urgency: %s", emergency.Urgency)
	}
}

func TestJobValidate(t *testing.T) {
	t.Parallel()

	alert := domain.Alert{ID: "a1", UserID: "u1"}
	event := domain.EmergencyEvent{ID: "e1", UserID: "u1"}
	cases := map[string]Job{
		"no trigger":   {UserID: "u1", Urgency: domain.UrgencyLow},
		"two triggers": {UserID: "u1", Urgency: domain.UrgencyLow, Alert: &alert, Emergency: &event},
		"no user":      {Urgency: domain.UrgencyLow, Alert: &alert},
		"bad urgency":  {UserID: "u1", Urgency: "panic", Alert: &alert},
	}
	for name, job := range cases {
		if err := job.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	if err := AlertJob(alert, domain.UrgencyLow, jobTime).Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}
}

func TestMaxDeliverExceeded(t *testing.T) {
	t.Parallel()

	if isMaxDeliverExceeded(10, -1) {
		t.Fatalf("unlimited deliveries must never be exceeded")
	}
	if isMaxDeliverExceeded(1, 2) || !isMaxDeliverExceeded(2, 2) {
		t.Fatalf("unexpected max deliver evaluation")
	}
}

func TestMemoryFeedScopesByUser(t *testing.T) {
	t.Parallel()

	feed := NewMemoryFeed()
	mine, cancelMine, err := feed.Subscribe("u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, cancelOther, _ := feed.Subscribe("u2")
	defer cancelOther()

	alert := domain.Alert{ID: "a1", UserID: "u1"}
	if err := feed.Publish(context.Background(), Event{Kind: EventAlertCreated, UserID: "u1", Alert: &alert, At: jobTime}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case event := <-mine:
		if event.Kind != EventAlertCreated || event.Alert.ID != "a1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for event")
	}
	select {
	case event := <-other:
		t.Fatalf("foreign user must not see event: %+v", event)
	default:
	}

	cancelMine()
	cancelMine()
	if _, ok := <-mine; ok {
		t.Fatalf("cancel must close channel")
	}
	if err := feed.Publish(context.Background(), Event{Kind: EventAlertsCleared, UserID: "u1"}); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestMemoryFeedDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	feed := NewMemoryFeed()
	ch, cancel, _ := feed.Subscribe("u1")
	defer cancel()
	for i := 0; i < feedSubscriberSize+5; i++ {
		_ = feed.Publish(context.Background(), Event{Kind: EventAlertUpdated, UserID: "u1"})
	}
	if len(ch) != feedSubscriberSize {
		t.Fatalf("expected buffered events capped at %d, got %d", feedSubscriberSize, len(ch))
	}
	if err := feed.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := feed.Subscribe("u1"); err == nil {
		t.Fatalf("subscribe after close must fail")
	}
}
