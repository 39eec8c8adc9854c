package alertqueue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"aegis/internal/domain"
	"aegis/internal/logging"
)

const (
	// FeedSubjectPrefix prefixes change-feed subjects "<prefix>.<user>.<kind>".
	FeedSubjectPrefix = "aegis.feed"
	// FeedStream retains recent change-feed events for late consumers.
	FeedStream = "AEGIS_FEED"

	feedStreamMaxAge   = 24 * time.Hour
	feedSubscriberSize = 32
)

// EventKind names one alert lifecycle change.
type EventKind string

const (
	// EventAlertCreated is published after alert is persisted.
	EventAlertCreated EventKind = "alert_created"
	// EventAlertUpdated is published after alert status transition.
	EventAlertUpdated EventKind = "alert_updated"
	// EventAlertsCleared is published after bulk alert reset.
	EventAlertsCleared EventKind = "alerts_cleared"
	// EventEmergency is published after emergency activation is persisted.
	EventEmergency EventKind = "emergency_triggered"
)

// Event is one change-feed item scoped to one user.
type Event struct {
	Kind      EventKind              `json:"kind"`
	UserID    string                 `json:"user_id"`
	Alert     *domain.Alert          `json:"alert,omitempty"`
	Emergency *domain.EmergencyEvent `json:"emergency,omitempty"`
	At        time.Time              `json:"at"`
}

// Feed publishes alert changes and lets readers follow one user's stream.
type Feed interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(userID string) (<-chan Event, func(), error)
	Close() error
}

// MemoryFeed fans events out to in-process subscribers.
// Slow subscribers drop events instead of blocking publishers.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

// NewMemoryFeed creates in-process change feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[chan Event]struct{})}
}

// Publish delivers event to current subscribers of event user.
func (f *MemoryFeed) Publish(_ context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs[event.UserID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers buffered channel for user events.
// Params: user id.
// Returns: event channel and cancel func that closes it.
func (f *MemoryFeed) Subscribe(userID string) (<-chan Event, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, nil, fmt.Errorf("memory feed closed")
	}
	ch := make(chan Event, feedSubscriberSize)
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[chan Event]struct{})
	}
	f.subs[userID][ch] = struct{}{}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.subs[userID][ch]; ok {
				delete(f.subs[userID], ch)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// Close closes all subscriber channels.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for userID, chans := range f.subs {
		for ch := range chans {
			close(ch)
		}
		delete(f.subs, userID)
	}
	f.closed = true
	return nil
}

// NATSFeed publishes events into JetStream and follows them with core subscriptions.
type NATSFeed struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// NewNATSFeed connects to NATS and ensures feed stream.
// Params: NATS URLs and optional logger.
// Returns: feed or setup error.
func NewNATSFeed(urls []string, logger *slog.Logger) (*NATSFeed, error) {
	nc, err := nats.Connect(strings.Join(urls, ","))
	if err != nil {
		return nil, fmt.Errorf("connect feed nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for feed: %w", err)
	}
	if err := ensureStream(js, FeedStream, []string{FeedSubjectPrefix + ".>"}, nats.LimitsPolicy, feedStreamMaxAge); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSFeed{nc: nc, js: js, logger: logging.OrDiscard(logger)}, nil
}

// FeedSubject returns subject of one user event kind.
func FeedSubject(userID string, kind EventKind) string {
	return FeedSubjectPrefix + "." + base64.RawURLEncoding.EncodeToString([]byte(userID)) + "." + string(kind)
}

// Publish stores event in feed stream.
func (f *NATSFeed) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal feed event: %w", err)
	}
	if _, err := f.js.Publish(FeedSubject(event.UserID, event.Kind), body, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

// Subscribe follows live events of one user.
// Params: user id.
// Returns: event channel and cancel func that unsubscribes and closes it.
func (f *NATSFeed) Subscribe(userID string) (<-chan Event, func(), error) {
	out := make(chan Event, feedSubscriberSize)
	var mu sync.Mutex
	done := false
	subject := FeedSubjectPrefix + "." + base64.RawURLEncoding.EncodeToString([]byte(userID)) + ".*"
	sub, err := f.nc.Subscribe(subject, func(message *nats.Msg) {
		var event Event
		if err := json.Unmarshal(message.Data, &event); err != nil {
			f.logger.Warn("feed event decode failed", "subject", message.Subject, "error", err.Error())
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case out <- event:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe feed: %w", err)
	}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			done = true
			close(out)
			mu.Unlock()
		})
	}
	return out, cancel, nil
}

// Close closes feed NATS connection.
func (f *NATSFeed) Close() error {
	f.nc.Close()
	return nil
}
