package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"aegis/internal/clock"
	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/ingest"
	"aegis/internal/logging"
)

// threatChance is share of generated comments drawn from threat pool.
const threatChance = 0.25

var (
	safePool = []string{
		"Great content! 👍",
		"Love this! 😍",
		"Thanks for sharing!",
		"Awesome!",
		"So cool!",
		"Keep it up!",
		"Nice work!",
		"Interesting perspective",
		"Totally agree!",
	}
	threatPool = []string{
		"You should delete this, it's trash 🗑️",
		"Nobody cares about your opinion 😒",
		"I know where you live, watch your back 👀",
		"You're pathetic and everyone hates you",
		"Ugly and stupid",
		"I'm going to find you",
		"Worst video ever",
		"You are disgusting",
		"Die",
	}
)

// Simulator emits demo comments into the pipeline on fixed interval.
// Params: sink, owner, platforms, emit probability, and seeded random source.
// Returns: background generator stopped by context.
type Simulator struct {
	sink        ingest.CommentSink
	userID      string
	platforms   []domain.Platform
	interval    time.Duration
	probability float64
	clock       clock.Clock
	logger      *slog.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// New builds simulator from config.
// Params: simulator config, sink, clock, and optional logger.
// Returns: simulator or error on invalid platform list.
func New(cfg config.SimulatorConfig, sink ingest.CommentSink, clk clock.Clock, logger *slog.Logger) (*Simulator, error) {
	if sink == nil {
		return nil, errors.New("simulator sink is required")
	}
	platforms := make([]domain.Platform, 0, len(cfg.Platforms))
	for _, raw := range cfg.Platforms {
		platform, err := domain.ParsePlatform(raw)
		if err != nil {
			return nil, fmt.Errorf("simulator platforms: %w", err)
		}
		platforms = append(platforms, platform)
	}
	if len(platforms) == 0 {
		return nil, errors.New("simulator needs at least one platform")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Simulator{
		sink:        sink,
		userID:      cfg.UserID,
		platforms:   platforms,
		interval:    time.Duration(cfg.IntervalMS) * time.Millisecond,
		probability: cfg.Probability,
		clock:       clk,
		logger:      logging.OrDiscard(logger),
		rand:        rand.New(rand.NewSource(seed)),
	}, nil
}

// Run ticks until ctx is done; each tick may emit one comment per platform.
// Params: lifecycle context.
// Returns: ctx error on stop.
func (s *Simulator) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one emission round.
// Params: context passed to sink.
// Returns: number of comments pushed.
func (s *Simulator) Tick(ctx context.Context) int {
	pushed := 0
	for _, platform := range s.platforms {
		if s.roll() >= s.probability {
			continue
		}
		comment := s.Generate(platform)
		if err := s.sink.PushComment(ctx, comment); err != nil {
			s.logger.Warn("simulated comment rejected", "platform", platform, "error", err.Error())
			continue
		}
		pushed++
	}
	return pushed
}

// Generate draws one random comment for platform.
// Params: platform.
// Returns: comment owned by simulator user.
func (s *Simulator) Generate(platform domain.Platform) domain.Comment {
	s.mu.Lock()
	pool := safePool
	if s.rand.Float64() < threatChance {
		pool = threatPool
	}
	text := pool[s.rand.Intn(len(pool))]
	author := fmt.Sprintf("user_%d", s.rand.Intn(1000))
	s.mu.Unlock()

	return domain.Comment{
		UserID:    s.userID,
		Platform:  platform,
		Text:      &text,
		Author:    author,
		PostURL:   "#",
		Timestamp: s.clock.Now().UTC(),
	}
}

func (s *Simulator) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64()
}
