package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/failure"
	"aegis/internal/logging"
)

// Delivery is one rendered message addressed to one contact.
// Params: method, recipient address, contact identity, and rendered bodies.
// Returns: channel-agnostic send request.
type Delivery struct {
	Method      domain.Method `json:"method"`
	Recipient   string        `json:"recipient"`
	ContactID   string        `json:"contact_id"`
	ContactName string        `json:"contact_name"`
	UserID      string        `json:"user_id"`
	Subject     string        `json:"subject"`
	Text        string        `json:"text"`
	HTML        string        `json:"html,omitempty"`
}

// SendResult returns channel-specific metadata after successful delivery.
// Params: sender-specific metadata fields.
// Returns: optional provider identifiers.
type SendResult struct {
	MessageID   int
	ExternalRef string
}

// ChannelSender sends one outbound delivery over one method.
// Params: context and delivery payload.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() domain.Method
	Send(ctx context.Context, delivery Delivery) (SendResult, error)
}

// Dispatcher delivers messages with configured retries/backoff.
// Params: sender set and retry policy per method.
// Returns: send helper for the Safe Circle dispatcher.
type Dispatcher struct {
	senders  map[domain.Method]ChannelSender
	channels []domain.Method
	retries  map[domain.Method]config.NotifyRetry
	logger   *slog.Logger
}

// NewDispatcher builds dispatcher from enabled channels.
// Params: notify config and optional logger.
// Returns: configured dispatcher or sender init error.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) (*Dispatcher, error) {
	var senders []ChannelSender
	retries := make(map[domain.Method]config.NotifyRetry)
	for _, channel := range config.NotifyChannelNames() {
		if !config.NotifyChannelEnabled(cfg, channel) {
			continue
		}
		sender, err := newSenderForChannel(channel, cfg)
		if err != nil {
			return nil, err
		}
		senders = append(senders, sender)
		retries[sender.Channel()] = config.NotifyChannelRetry(cfg, channel)
	}
	dispatcher := NewDispatcherWithSenders(logger, senders...)
	dispatcher.retries = retries
	return dispatcher, nil
}

// NewDispatcherWithSenders builds dispatcher over explicit senders without retries.
// Params: optional logger and senders (later senders replace earlier ones for the same method).
// Returns: dispatcher.
func NewDispatcherWithSenders(logger *slog.Logger, senders ...ChannelSender) *Dispatcher {
	d := &Dispatcher{
		senders: make(map[domain.Method]ChannelSender, len(senders)),
		retries: make(map[domain.Method]config.NotifyRetry),
		logger:  logging.OrDiscard(logger),
	}
	for _, sender := range senders {
		if sender == nil {
			continue
		}
		d.senders[sender.Channel()] = sender
	}
	for method := range d.senders {
		d.channels = append(d.channels, method)
	}
	sort.Slice(d.channels, func(i, j int) bool { return d.channels[i] < d.channels[j] })
	return d
}

// WithRetry sets retry policy for one method.
// Params: method and retry policy.
// Returns: same dispatcher for chaining.
func (d *Dispatcher) WithRetry(method domain.Method, retry config.NotifyRetry) *Dispatcher {
	d.retries[method] = retry
	return d
}

// newSenderForChannel builds transport sender implementation for one channel key.
// Params: channel key and full notify config.
// Returns: channel sender or init error.
func newSenderForChannel(channel string, cfg config.NotifyConfig) (ChannelSender, error) {
	switch channel {
	case config.NotifyChannelEmail:
		if cfg.Email.Provider == config.EmailProviderAPI {
			return NewEmailAPISender(cfg.Email), nil
		}
		return NewSMTPSender(cfg.Email)
	case config.NotifyChannelSMS:
		return NewSMSGatewaySender(cfg.SMS), nil
	case config.NotifyChannelTelegram:
		return NewTelegramSender(cfg.Telegram), nil
	default:
		return nil, fmt.Errorf("notify channel %q is not supported", channel)
	}
}

// Send delivers one message with the retry policy of its method.
// Params: context and delivery.
// Returns: channel metadata or Delivery failure after retries.
func (d *Dispatcher) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	sender, ok := d.senders[delivery.Method]
	if !ok {
		return SendResult{}, failure.New(failure.Delivery, "notify", "channel %q is not configured", delivery.Method)
	}
	if strings.TrimSpace(delivery.Recipient) == "" {
		return SendResult{}, failure.New(failure.Delivery, "notify", "%s recipient is empty", delivery.Method)
	}
	result, err := d.sendWithRetry(ctx, sender, delivery, d.retries[delivery.Method])
	if err != nil {
		return SendResult{}, failure.Wrap(failure.Delivery, "notify "+string(delivery.Method), err)
	}
	return result, nil
}

// Has reports whether method has a configured sender.
// Params: delivery method.
// Returns: true when sender exists.
func (d *Dispatcher) Has(method domain.Method) bool {
	_, ok := d.senders[method]
	return ok
}

// Channels returns configured channel list.
// Params: none.
// Returns: deterministic method keys.
func (d *Dispatcher) Channels() []domain.Method {
	return append([]domain.Method(nil), d.channels...)
}

// sendWithRetry sends one delivery with channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, delivery Delivery, retry config.NotifyRetry) (SendResult, error) {
	if !retry.Enabled {
		return sender.Send(ctx, delivery)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	for {
		attempt++
		result, err := sender.Send(ctx, delivery)
		if err == nil {
			if retry.LogEachAttempt && attempt > 1 {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return result, nil
		}
		if retry.LogEachAttempt {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
		if failure.IsPermanent(err) {
			return SendResult{}, err
		}
		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			return SendResult{}, fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		timer.Reset(backoff)
		select {
		case <-ctx.Done():
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Client errors other than 408/429 are marked permanent.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	var err error
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4<<10))
	trimmedBody := strings.TrimSpace(string(rawBody))
	switch {
	case readErr != nil:
		err = fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	case trimmedBody == "":
		err = fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	default:
		err = fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
	}
	if isPermanentStatus(response.StatusCode) {
		return failure.MarkPermanent(err)
	}
	return err
}

func isPermanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

var errSenderNotReady = errors.New("sender is not initialized")
