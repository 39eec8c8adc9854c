package domain

import (
	"fmt"
	"strings"
)

// Platform identifies the social or messaging surface a sample came from.
// Params: lower-case platform constants.
// Returns: provenance tag for signals and alerts.
type Platform string

const (
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformWhatsApp  Platform = "whatsapp"
	PlatformEmail     Platform = "email"
	PlatformWeb       Platform = "web"
)

// Platforms returns all supported platforms in stable order.
// Params: none.
// Returns: platform list.
func Platforms() []Platform {
	return []Platform{PlatformTwitter, PlatformInstagram, PlatformTikTok, PlatformWhatsApp, PlatformEmail, PlatformWeb}
}

// ParsePlatform normalizes and validates platform name.
// Params: raw platform string.
// Returns: known platform or error.
func ParsePlatform(raw string) (Platform, error) {
	candidate := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", fmt.Errorf("unsupported platform %q", raw)
}

// Valid reports whether platform is a known constant.
// Params: none.
// Returns: true for supported platforms.
func (p Platform) Valid() bool {
	for _, known := range Platforms() {
		if p == known {
			return true
		}
	}
	return false
}

// Category is the mutually exclusive threat class of one text sample.
// Params: harassment/hate_speech/threat/none constants.
// Returns: classification label.
type Category string

const (
	CategoryThreat     Category = "threat"
	CategoryHateSpeech Category = "hate_speech"
	CategoryHarassment Category = "harassment"
	CategoryNone       Category = "none"
)

// Words renders category in human form ("hate speech").
// Params: none.
// Returns: category with underscores replaced by spaces.
func (c Category) Words() string {
	return strings.ReplaceAll(string(c), "_", " ")
}

// Severity is four-level coarse classification derived from toxicity score.
// Params: low/medium/high/critical constants.
// Returns: ordered severity value.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes and validates severity name.
// Params: raw severity string.
// Returns: known severity or error.
func ParseSeverity(raw string) (Severity, error) {
	candidate := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Rank() < 0 {
		return "", fmt.Errorf("unsupported severity %q", raw)
	}
	return candidate, nil
}

// Rank returns position in order low < medium < high < critical.
// Params: none.
// Returns: 0..3, or -1 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether severity is not below threshold.
// Params: threshold severity.
// Returns: true when s >= threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// Title renders severity with upper-case first letter.
// Params: none.
// Returns: "Critical", "High", ...
func (s Severity) Title() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// Urgency governs contact eligibility at dispatch time.
// Params: low/high/emergency constants.
// Returns: dispatch urgency.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

// Valid reports whether urgency is known.
// Params: none.
// Returns: true for supported urgencies.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyHigh, UrgencyEmergency:
		return true
	default:
		return false
	}
}

// UrgencyFor maps alert severity to dispatch urgency.
// Params: severity of the triggering alert.
// Returns: emergency for critical, high for high, low otherwise.
func UrgencyFor(severity Severity) Urgency {
	switch severity {
	case SeverityCritical:
		return UrgencyEmergency
	case SeverityHigh:
		return UrgencyHigh
	default:
		return UrgencyLow
	}
}

// ThreatSignal is the ephemeral classification result for one text sample.
// Params: provenance, category, score, derived severity, and matched keywords.
// Returns: immutable scorer verdict.
type ThreatSignal struct {
	Platform      Platform `json:"platform"`
	Text          string   `json:"text"`
	Author        string   `json:"author"`
	Category      Category `json:"category"`
	ToxicityScore float64  `json:"toxicity_score"`
	Severity      Severity `json:"severity"`
	Keywords      []string `json:"keywords,omitempty"`
}

// Detected reports whether any keyword list matched.
// Params: none.
// Returns: true when category is not none.
func (s ThreatSignal) Detected() bool {
	return s.Category != CategoryNone && s.Category != ""
}
