package scorer

import (
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"aegis/internal/domain"
	"aegis/internal/failure"
)

const (
	// DefaultJitter is half-width of random score noise.
	DefaultJitter = 0.1
	// MaxJitter keeps threat scores at or above the high threshold.
	MaxJitter = 0.3
)

// Keywords holds ordered keyword lists for each category.
// Params: case-insensitive substrings per category.
// Returns: matching rules checked threats -> hate speech -> harassment.
type Keywords struct {
	Threats    []string
	HateSpeech []string
	Harassment []string
}

// DefaultKeywords returns built-in keyword lists.
// Params: none.
// Returns: fresh copy of default rules.
func DefaultKeywords() Keywords {
	return Keywords{
		Threats:    []string{"kill", "hurt", "watch your back", "know where you live", "find you", "die"},
		HateSpeech: []string{"hate", "disgusting", "trash", "worthless"},
		Harassment: []string{"stupid", "idiot", "pathetic", "ugly", "fat"},
	}
}

type rule struct {
	category domain.Category
	base     float64
	keywords []string
}

// Source yields uniform floats in [0,1).
type Source interface {
	Float64() float64
}

// lockedSource serializes access to a non-thread-safe generator.
type lockedSource struct {
	mu  sync.Mutex
	src Source
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

// Scorer classifies text against keyword lists.
// Params: ordered rules, jitter half-width, and random source.
// Returns: stateless classifier safe for concurrent use.
type Scorer struct {
	rules  []rule
	jitter float64
	rand   Source
}

// Option customizes scorer construction.
type Option func(*Scorer)

// WithKeywords replaces keyword lists; empty lists keep defaults.
// Params: custom keyword lists.
// Returns: scorer option.
func WithKeywords(keywords Keywords) Option {
	return func(s *Scorer) {
		for i := range s.rules {
			var custom []string
			switch s.rules[i].category {
			case domain.CategoryThreat:
				custom = keywords.Threats
			case domain.CategoryHateSpeech:
				custom = keywords.HateSpeech
			case domain.CategoryHarassment:
				custom = keywords.Harassment
			}
			if normalized := normalizeKeywords(custom); len(normalized) > 0 {
				s.rules[i].keywords = normalized
			}
		}
	}
}

// WithJitter sets score noise half-width, clamped to [0, MaxJitter].
// Params: jitter half-width.
// Returns: scorer option.
func WithJitter(jitter float64) Option {
	return func(s *Scorer) {
		s.jitter = clamp(jitter, 0, MaxJitter)
	}
}

// WithRand injects random source (tests pass a fixed one).
// Params: uniform [0,1) source.
// Returns: scorer option.
func WithRand(src Source) Option {
	return func(s *Scorer) {
		if src != nil {
			s.rand = &lockedSource{src: src}
		}
	}
}

// WithSeed seeds the default generator.
// Params: seed value.
// Returns: scorer option.
func WithSeed(seed int64) Option {
	return WithRand(rand.New(rand.NewSource(seed)))
}

// New builds scorer with default lists and time-seeded jitter.
// Params: options.
// Returns: configured scorer.
func New(opts ...Option) *Scorer {
	defaults := DefaultKeywords()
	s := &Scorer{
		rules: []rule{
			{category: domain.CategoryThreat, base: 0.9, keywords: normalizeKeywords(defaults.Threats)},
			{category: domain.CategoryHateSpeech, base: 0.7, keywords: normalizeKeywords(defaults.HateSpeech)},
			{category: domain.CategoryHarassment, base: 0.5, keywords: normalizeKeywords(defaults.Harassment)},
		},
		jitter: DefaultJitter,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rand == nil {
		s.rand = &lockedSource{src: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	return s
}

// Classify scores one text sample.
// Params: platform, message text, and author handle (provenance only).
// Returns: threat signal or InvalidInput failure.
func (s *Scorer) Classify(platform domain.Platform, text, author string) (domain.ThreatSignal, error) {
	if !platform.Valid() {
		return domain.ThreatSignal{}, failure.Invalid("classify", "unsupported platform %q", platform)
	}
	if !utf8.ValidString(text) {
		return domain.ThreatSignal{}, failure.Invalid("classify", "text is not valid UTF-8")
	}

	signal := domain.ThreatSignal{
		Platform: platform,
		Text:     text,
		Author:   author,
		Category: domain.CategoryNone,
		Severity: domain.SeverityLow,
	}
	category, base, matched := s.match(text)
	if category == domain.CategoryNone {
		return signal, nil
	}

	signal.Category = category
	signal.Keywords = matched
	signal.ToxicityScore = clamp(base+s.noise(), 0, 1)
	signal.Severity = SeverityOf(signal.ToxicityScore)
	return signal, nil
}

// ClassifyComment is Classify over a decoded comment.
// Params: validated comment.
// Returns: threat signal or InvalidInput failure when text is absent.
func (s *Scorer) ClassifyComment(comment domain.Comment) (domain.ThreatSignal, error) {
	if comment.Text == nil {
		return domain.ThreatSignal{}, failure.Invalid("classify", "text is required")
	}
	return s.Classify(comment.Platform, *comment.Text, comment.Author)
}

// match finds first rule with any keyword hit.
// Params: raw text.
// Returns: category, base score, and all matched keywords of the winning rule.
func (s *Scorer) match(text string) (domain.Category, float64, []string) {
	lowered := strings.ToLower(text)
	for _, r := range s.rules {
		var matched []string
		for _, keyword := range r.keywords {
			if strings.Contains(lowered, keyword) {
				matched = append(matched, keyword)
			}
		}
		if len(matched) > 0 {
			return r.category, r.base, matched
		}
	}
	return domain.CategoryNone, 0, nil
}

// noise returns symmetric jitter in [-jitter, +jitter).
func (s *Scorer) noise() float64 {
	if s.jitter == 0 {
		return 0
	}
	return (s.rand.Float64()*2 - 1) * s.jitter
}

// SeverityOf maps toxicity score to severity by fixed thresholds.
// Params: score in [0,1].
// Returns: critical >=0.8, high >=0.6, medium >=0.4, low otherwise.
func SeverityOf(score float64) domain.Severity {
	switch {
	case score >= 0.8:
		return domain.SeverityCritical
	case score >= 0.6:
		return domain.SeverityHigh
	case score >= 0.4:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		trimmed := strings.ToLower(strings.TrimSpace(keyword))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
