package domain

import (
	"strings"
	"testing"
	"time"
)

func TestUrgencyFor(t *testing.T) {
	t.Parallel()

	cases := map[Severity]Urgency{
		SeverityCritical: UrgencyEmergency,
		SeverityHigh:     UrgencyHigh,
		SeverityMedium:   UrgencyLow,
		SeverityLow:      UrgencyLow,
	}
	for severity, want := range cases {
		if got := UrgencyFor(severity); got != want {
			t.Fatalf("severity %s: got %s want %s", severity, got, want)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	t.Parallel()

	ordered := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if !ordered[i].AtLeast(ordered[i-1]) || ordered[i-1].AtLeast(ordered[i]) {
			t.Fatalf("order broken between %s and %s", ordered[i-1], ordered[i])
		}
	}
	if _, err := ParseSeverity("severe"); err == nil {
		t.Fatalf("expected unknown severity error")
	}
	if got, _ := ParseSeverity(" HIGH "); got != SeverityHigh {
		t.Fatalf("unexpected parsed severity %q", got)
	}
}

func TestCanTransitionForwardOnly(t *testing.T) {
	t.Parallel()

	allowed := [][2]AlertStatus{
		{AlertStatusNew, AlertStatusReviewed},
		{AlertStatusReviewed, AlertStatusResolved},
	}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s allowed", pair[0], pair[1])
		}
	}
	denied := [][2]AlertStatus{
		{AlertStatusNew, AlertStatusResolved},
		{AlertStatusNew, AlertStatusNew},
		{AlertStatusReviewed, AlertStatusNew},
		{AlertStatusResolved, AlertStatusReviewed},
		{AlertStatusResolved, AlertStatusNew},
	}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s denied", pair[0], pair[1])
		}
	}
}

func TestNewAlertSummary(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	alert := NewAlert("a1", "u1", ThreatSignal{
		Platform:      PlatformInstagram,
		Text:          "you are disgusting",
		Author:        "@x",
		Category:      CategoryHateSpeech,
		ToxicityScore: 0.72,
		Severity:      SeverityHigh,
	}, "", at)

	if alert.Status != AlertStatusNew {
		t.Fatalf("expected status new, got %s", alert.Status)
	}
	if alert.Summary != "High severity hate speech detected" {
		t.Fatalf("unexpected summary %q", alert.Summary)
	}
	if alert.Message != "you are disgusting" || alert.Author != "@x" {
		t.Fatalf("provenance not copied: %+v", alert)
	}
}

func TestContactValidate(t *testing.T) {
	t.Parallel()

	valid := Contact{Name: "Mom", Email: "mom@example.com", NotificationPreference: PreferenceAllAlerts}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	noAddress := Contact{Name: "Ghost", NotificationPreference: PreferenceAllAlerts}
	if err := noAddress.Validate(); err == nil || !strings.Contains(err.Error(), "email") {
		t.Fatalf("expected address error, got %v", err)
	}

	badPref := Contact{Name: "Pal", Phone: "+1", NotificationPreference: "sometimes"}
	if err := badPref.Validate(); err == nil {
		t.Fatalf("expected preference error")
	}
}

func TestContactPreferredMethod(t *testing.T) {
	t.Parallel()

	if got := (Contact{Email: "a@b.c", Phone: "+1"}).PreferredMethod(); got != MethodEmail {
		t.Fatalf("expected email, got %s", got)
	}
	if got := (Contact{TelegramChatID: "42", Phone: "+1"}).PreferredMethod(); got != MethodTelegram {
		t.Fatalf("expected telegram, got %s", got)
	}
	phoneOnly := Contact{Phone: " +1555 "}
	if got := phoneOnly.PreferredMethod(); got != MethodSMS {
		t.Fatalf("expected sms, got %s", got)
	}
	if got := phoneOnly.Address(MethodSMS); got != "+1555" {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestDecodeCommentRequiresText(t *testing.T) {
	t.Parallel()

	if _, err := DecodeComment([]byte(`{"platform":"twitter","author":"@a"}`)); err == nil {
		t.Fatalf("expected missing text error")
	}
	comment, err := DecodeComment([]byte(`{"platform":"twitter","text":"","author":"@a"}`))
	if err != nil {
		t.Fatalf("empty text must be legal: %v", err)
	}
	if comment.Body() != "" {
		t.Fatalf("expected empty body")
	}
	if _, err := DecodeComment([]byte(`{"platform":"myspace","text":"hi"}`)); err == nil {
		t.Fatalf("expected platform error")
	}
}

func TestDecodeCommentsRejectsEmptyBatch(t *testing.T) {
	t.Parallel()

	if _, err := DecodeComments([]byte("[]")); err == nil {
		t.Fatalf("expected empty batch error")
	}
	comments, err := DecodeComments([]byte(`[{"platform":"tiktok","text":"a"},{"platform":"web","text":"b"}]`))
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
}

func TestSummarizeAlerts(t *testing.T) {
	t.Parallel()

	stats := SummarizeAlerts([]Alert{
		{Platform: PlatformTwitter, Severity: SeverityCritical, Status: AlertStatusNew},
		{Platform: PlatformTwitter, Severity: SeverityHigh, Status: AlertStatusReviewed},
		{Platform: PlatformTikTok, Severity: SeverityLow, Status: AlertStatusNew},
	})
	if stats.Total != 3 || stats.New != 2 || stats.Critical != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.ByPlatform[PlatformTwitter] != 2 || stats.ByPlatform[PlatformTikTok] != 1 {
		t.Fatalf("unexpected platform counts %+v", stats.ByPlatform)
	}
}
