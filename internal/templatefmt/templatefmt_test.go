package templatefmt

import (
	"strings"
	"testing"
	"time"

	"aegis/internal/domain"
)

func TestRenderAlertDefaults(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer(Overrides{})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	detected := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	sent := detected.Add(3 * time.Minute)
	msg, err := renderer.Render(View{
		ContactName: "Mom",
		Alert: &domain.Alert{
			Severity:  domain.SeverityCritical,
			Platform:  domain.PlatformTwitter,
			Category:  domain.CategoryHateSpeech,
			Message:   "you are <trash>",
			Timestamp: detected,
		},
		SentAt: sent,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	for _, want := range []string{
		"Aegis Shield Alert for Mom",
		"Threat Level: CRITICAL",
		"Type: hate speech",
		`Message: "you are <trash>"`,
		"Detected: 2026-05-01 08:00:00 UTC",
		"Time: 2026-05-01 08:03:00 UTC",
	} {
		if !strings.Contains(msg.Text, want) {
			t.Fatalf("text body missing %q:\n%s", want, msg.Text)
		}
	}
	if strings.Contains(msg.Text, "View Details") {
		t.Fatalf("details line must be omitted without url")
	}
	if msg.Subject != "🔔 Aegis Shield Alert: Critical hate speech" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "you are &lt;trash&gt;") {
		t.Fatalf("html body must escape message: %s", msg.HTML)
	}
}

func TestRenderEmergencyDefaults(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer(Overrides{})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	msg, err := renderer.Render(View{
		ContactName: "Best Friend",
		Emergency:   &domain.EmergencyEvent{UserID: "u1"},
		SentAt:      time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(msg.Text, "Last Location: Unknown") || !strings.Contains(msg.Text, "Additional Info: None") {
		t.Fatalf("emergency defaults missing:\n%s", msg.Text)
	}
	if msg.Subject != DefaultEmergencySubject {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	if !strings.Contains(msg.HTML, "<strong>Best Friend</strong>") {
		t.Fatalf("unexpected html %s", msg.HTML)
	}
}

func TestRenderRequiresExactlyOneTrigger(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer(Overrides{})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	if _, err := renderer.Render(View{ContactName: "x"}); err == nil {
		t.Fatalf("expected error without trigger")
	}
	if _, err := renderer.Render(View{Alert: &domain.Alert{}, Emergency: &domain.EmergencyEvent{}}); err == nil {
		t.Fatalf("expected error with both triggers")
	}
}

func TestNewRendererOverrides(t *testing.T) {
	t.Parallel()

	renderer, err := NewRenderer(Overrides{Alert: "{{.ContactName}}: {{.Alert.Summary}}"})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	msg, err := renderer.Render(View{ContactName: "Pal", Alert: &domain.Alert{Summary: "High severity threat detected"}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if msg.Text != "Pal: High severity threat detected" {
		t.Fatalf("unexpected text %q", msg.Text)
	}

	if _, err := NewRenderer(Overrides{Emergency: "{{.Broken"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFormatTime(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	if got := FormatTime(at); got != "2026-01-02 02:04:05 UTC" {
		t.Fatalf("unexpected time %q", got)
	}
	if got := FormatTime((*time.Time)(nil)); got != "" {
		t.Fatalf("nil pointer must render empty, got %q", got)
	}
	if got := FormatTime("nope"); got != "" {
		t.Fatalf("unsupported type must render empty, got %q", got)
	}
}
