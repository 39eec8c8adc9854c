package scorer

import (
	"sync"
	"testing"

	"aegis/internal/domain"
	"aegis/internal/failure"
)

type fixedSource struct {
	value float64
}

func (f fixedSource) Float64() float64 { return f.value }

func TestClassifyThreatKeywords(t *testing.T) {
	t.Parallel()

	s := New(WithSeed(7))
	signal, err := s.Classify(domain.PlatformTwitter, "I know where you live, watch your back", "@user1")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if signal.Category != domain.CategoryThreat {
		t.Fatalf("expected threat, got %s", signal.Category)
	}
	if signal.Severity != domain.SeverityHigh && signal.Severity != domain.SeverityCritical {
		t.Fatalf("expected high or critical, got %s", signal.Severity)
	}
	if signal.ToxicityScore < 0.6 {
		t.Fatalf("score below jitter floor: %f", signal.ToxicityScore)
	}
	if len(signal.Keywords) != 2 {
		t.Fatalf("expected both threat keywords, got %v", signal.Keywords)
	}
	if signal.Author != "@user1" || signal.Platform != domain.PlatformTwitter {
		t.Fatalf("provenance not kept: %+v", signal)
	}
}

func TestClassifySafeText(t *testing.T) {
	t.Parallel()

	s := New(WithSeed(1))
	for _, text := range []string{"Great content!", ""} {
		signal, err := s.Classify(domain.PlatformTwitter, text, "@user2")
		if err != nil {
			t.Fatalf("classify %q: %v", text, err)
		}
		if signal.Category != domain.CategoryNone || signal.Severity != domain.SeverityLow || signal.ToxicityScore != 0 {
			t.Fatalf("unexpected signal for %q: %+v", text, signal)
		}
		if signal.Detected() {
			t.Fatalf("safe text must not be detected")
		}
	}
}

func TestClassifyCategoryIsDeterministic(t *testing.T) {
	t.Parallel()

	texts := []string{"you are pathetic", "total trash", "I will hurt you", "nice pic"}
	a := New(WithSeed(1))
	b := New(WithSeed(99))
	for _, text := range texts {
		first, err := a.Classify(domain.PlatformInstagram, text, "")
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		second, err := b.Classify(domain.PlatformInstagram, text, "")
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if first.Category != second.Category {
			t.Fatalf("category differs for %q: %s vs %s", text, first.Category, second.Category)
		}
	}
}

func TestClassifyPriorityOrdering(t *testing.T) {
	t.Parallel()

	s := New(WithJitter(0))
	cases := []struct {
		text string
		want domain.Category
	}{
		{text: "you stupid idiot, I hate you and will kill you", want: domain.CategoryThreat},
		{text: "you stupid worthless thing", want: domain.CategoryHateSpeech},
		{text: "UGLY and FAT", want: domain.CategoryHarassment},
	}
	for _, tc := range cases {
		signal, err := s.Classify(domain.PlatformTikTok, tc.text, "")
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if signal.Category != tc.want {
			t.Fatalf("%q: got %s want %s", tc.text, signal.Category, tc.want)
		}
	}
}

func TestClassifyJitterBoundsAndClamp(t *testing.T) {
	t.Parallel()

	low := New(WithRand(fixedSource{value: 0}))
	signal, _ := low.Classify(domain.PlatformWeb, "kill", "")
	if diff := signal.ToxicityScore - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected 0.8 at lower jitter bound, got %f", signal.ToxicityScore)
	}
	if signal.Severity != domain.SeverityCritical {
		t.Fatalf("expected critical, got %s", signal.Severity)
	}

	wide := New(WithJitter(0.3), WithRand(fixedSource{value: 0.999999}))
	signal, _ = wide.Classify(domain.PlatformWeb, "kill", "")
	if signal.ToxicityScore != 1 {
		t.Fatalf("expected clamp to 1, got %f", signal.ToxicityScore)
	}

	capped := New(WithJitter(5), WithRand(fixedSource{value: 0}))
	signal, _ = capped.Classify(domain.PlatformWeb, "you are ugly", "")
	if diff := signal.ToxicityScore - 0.2; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected jitter capped at 0.3, got %f", signal.ToxicityScore)
	}
	if signal.Severity != domain.SeverityLow {
		t.Fatalf("expected low, got %s", signal.Severity)
	}
}

func TestSeverityOfMonotonic(t *testing.T) {
	t.Parallel()

	prev := SeverityOf(0)
	for i := 1; i <= 100; i++ {
		current := SeverityOf(float64(i) / 100)
		if current.Rank() < prev.Rank() {
			t.Fatalf("severity decreased at %d: %s -> %s", i, prev, current)
		}
		prev = current
	}

	cases := map[float64]domain.Severity{
		0.39: domain.SeverityLow,
		0.4:  domain.SeverityMedium,
		0.6:  domain.SeverityHigh,
		0.79: domain.SeverityHigh,
		0.8:  domain.SeverityCritical,
		1:    domain.SeverityCritical,
	}
	for score, want := range cases {
		if got := SeverityOf(score); got != want {
			t.Fatalf("score %f: got %s want %s", score, got, want)
		}
	}
}

func TestClassifyRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := New()
	if _, err := s.Classify("myspace", "hello", ""); !failure.Is(err, failure.InvalidInput) {
		t.Fatalf("expected invalid input for platform, got %v", err)
	}
	if _, err := s.Classify(domain.PlatformEmail, string([]byte{0xff, 0xfe}), ""); !failure.Is(err, failure.InvalidInput) {
		t.Fatalf("expected invalid input for utf-8, got %v", err)
	}
	if _, err := s.ClassifyComment(domain.Comment{Platform: domain.PlatformEmail}); !failure.Is(err, failure.InvalidInput) {
		t.Fatalf("expected invalid input for nil text, got %v", err)
	}
}

func TestWithKeywordsOverridesNonEmptyLists(t *testing.T) {
	t.Parallel()

	s := New(WithJitter(0), WithKeywords(Keywords{Harassment: []string{" Clown "}}))
	signal, _ := s.Classify(domain.PlatformWhatsApp, "what a clown", "")
	if signal.Category != domain.CategoryHarassment {
		t.Fatalf("expected custom harassment keyword, got %s", signal.Category)
	}
	signal, _ = s.Classify(domain.PlatformWhatsApp, "you are stupid", "")
	if signal.Category != domain.CategoryNone {
		t.Fatalf("replaced list must drop defaults, got %s", signal.Category)
	}
	signal, _ = s.Classify(domain.PlatformWhatsApp, "I will find you", "")
	if signal.Category != domain.CategoryThreat {
		t.Fatalf("empty override must keep default threats, got %s", signal.Category)
	}
}

func TestClassifyConcurrentCallers(t *testing.T) {
	t.Parallel()

	s := New(WithSeed(3))
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				signal, err := s.Classify(domain.PlatformTwitter, "total trash", "")
				if err != nil || signal.ToxicityScore < 0.6 || signal.ToxicityScore >= 0.8 {
					t.Errorf("unexpected signal %+v err=%v", signal, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
