package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"

	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/failure"
)

// TelegramSender sends notifications to Telegram Bot API.
// Params: bot token and base URL; chat id comes from each delivery.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{}
	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}

	options := []tgbot.Option{tgbot.WithSkipGetMe()}
	if base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); base != "" {
		options = append(options, tgbot.WithServerURL(base))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender method key.
// Params: none.
// Returns: telegram.
func (s *TelegramSender) Channel() domain.Method {
	return domain.MethodTelegram
}

// Send posts one plain-text message to the contact chat.
// Params: context and delivery with chat id recipient.
// Returns: Telegram message id or transport error.
func (s *TelegramSender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, failure.MarkPermanent(s.initErr)
	}
	if s.client == nil {
		return SendResult{}, errSenderNotReady
	}

	sent, err := s.client.SendMessage(ctx, &tgbot.SendMessageParams{
		ChatID: normalizeChatID(delivery.Recipient),
		Text:   delivery.Text,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: sent.ID, ExternalRef: strconv.Itoa(sent.ID)}, nil
}

// normalizeChatID converts numeric chat IDs to int64 and keeps @channel names as string.
// Params: contact chat id.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// SMSGatewaySender posts SMS payload to an HTTP gateway.
// Params: endpoint URL, method, timeout, and headers.
// Returns: sms channel sender.
type SMSGatewaySender struct {
	cfg    config.SMSNotifier
	client *http.Client
}

// NewSMSGatewaySender creates HTTP SMS sender.
// Params: SMS notifier config.
// Returns: initialized sender.
func NewSMSGatewaySender(cfg config.SMSNotifier) *SMSGatewaySender {
	return &SMSGatewaySender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender method key.
// Params: none.
// Returns: sms.
func (s *SMSGatewaySender) Channel() domain.Method {
	return domain.MethodSMS
}

type smsPayload struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	ContactID string `json:"contact_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type smsResponse struct {
	ID string `json:"id"`
}

// Send delivers JSON payload to configured gateway.
// Params: context and delivery with phone recipient.
// Returns: gateway id when returned, or transport/HTTP error.
func (s *SMSGatewaySender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	body, err := json.Marshal(smsPayload{
		To:        strings.TrimSpace(delivery.Recipient),
		Message:   delivery.Text,
		ContactID: delivery.ContactID,
		UserID:    delivery.UserID,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("encode sms payload: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build sms request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("sms send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return SendResult{}, unexpectedHTTPStatusError("sms gateway", response)
	}
	var decoded smsResponse
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return SendResult{ExternalRef: decoded.ID}, nil
}
