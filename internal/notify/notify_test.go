package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/failure"
)

type flakySender struct {
	method    domain.Method
	fails     int
	permanent bool
	calls     int
}

func (s *flakySender) Channel() domain.Method { return s.method }

func (s *flakySender) Send(_ context.Context, _ Delivery) (SendResult, error) {
	s.calls++
	if s.calls <= s.fails {
		if s.permanent {
			return SendResult{}, failure.MarkPermanent(errors.New("rejected"))
		}
		return SendResult{}, errors.New("temporary error")
	}
	return SendResult{ExternalRef: "ok"}, nil
}

type captureSender struct {
	method domain.Method
	mu     sync.Mutex
	items  []Delivery
}

func (s *captureSender) Channel() domain.Method { return s.method }

func (s *captureSender) Send(_ context.Context, delivery Delivery) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, delivery)
	return SendResult{}, nil
}

func fastRetry(maxAttempts int) config.NotifyRetry {
	return config.NotifyRetry{
		Enabled:     true,
		Backoff:     "exponential",
		InitialMS:   1,
		MaxMS:       2,
		MaxAttempts: maxAttempts,
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &flakySender{method: domain.MethodTelegram, fails: 2}
	dispatcher := NewDispatcherWithSenders(nil, sender).WithRetry(domain.MethodTelegram, fastRetry(0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := dispatcher.Send(ctx, Delivery{Method: domain.MethodTelegram, Recipient: "42", Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", sender.calls)
	}
	if result.ExternalRef != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestDispatcherStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()

	sender := &flakySender{method: domain.MethodSMS, fails: 10}
	dispatcher := NewDispatcherWithSenders(nil, sender).WithRetry(domain.MethodSMS, fastRetry(3))

	_, err := dispatcher.Send(context.Background(), Delivery{Method: domain.MethodSMS, Recipient: "+1555"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", sender.calls)
	}
	if !failure.Is(err, failure.Delivery) {
		t.Fatalf("expected delivery failure, got %v", err)
	}
}

func TestDispatcherDoesNotRetryPermanent(t *testing.T) {
	t.Parallel()

	sender := &flakySender{method: domain.MethodEmail, fails: 5, permanent: true}
	dispatcher := NewDispatcherWithSenders(nil, sender).WithRetry(domain.MethodEmail, fastRetry(0))

	_, err := dispatcher.Send(context.Background(), Delivery{Method: domain.MethodEmail, Recipient: "a@b.io"})
	if err == nil || !failure.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected one call, got %d", sender.calls)
	}
}

func TestDispatcherRetryHonorsContext(t *testing.T) {
	t.Parallel()

	sender := &flakySender{method: domain.MethodSMS, fails: 1 << 20}
	retry := fastRetry(0)
	retry.InitialMS = 50
	retry.MaxMS = 50
	dispatcher := NewDispatcherWithSenders(nil, sender).WithRetry(domain.MethodSMS, retry)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dispatcher.Send(ctx, Delivery{Method: domain.MethodSMS, Recipient: "+1555"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestDispatcherReturnsUnknownChannel(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcherWithSenders(nil, &captureSender{method: domain.MethodEmail})
	_, err := dispatcher.Send(context.Background(), Delivery{Method: domain.MethodSMS, Recipient: "+1555"})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected unknown channel error, got %v", err)
	}
	if dispatcher.Has(domain.MethodSMS) || !dispatcher.Has(domain.MethodEmail) {
		t.Fatalf("unexpected Has result")
	}
}

func TestDispatcherRejectsEmptyRecipient(t *testing.T) {
	t.Parallel()

	sender := &captureSender{method: domain.MethodEmail}
	dispatcher := NewDispatcherWithSenders(nil, sender)
	if _, err := dispatcher.Send(context.Background(), Delivery{Method: domain.MethodEmail, Recipient: " "}); err == nil {
		t.Fatalf("expected empty recipient error")
	}
	if len(sender.items) != 0 {
		t.Fatalf("sender must not be called")
	}
}

func TestNewDispatcherChannels(t *testing.T) {
	t.Parallel()

	cfg := config.NotifyConfig{
		Email: config.EmailNotifier{
			Enabled:  true,
			Provider: config.EmailProviderAPI,
			From:     "Aegis <alerts@example.com>",
			API:      config.EmailAPI{URL: "http://127.0.0.1:1/emails", APIKey: "k", TimeoutSec: 1},
		},
		SMS: config.SMSNotifier{Enabled: true, URL: "http://127.0.0.1:1/sms", TimeoutSec: 1},
		Telegram: config.TelegramNotifier{
			Enabled:  true,
			BotToken: "123:abc",
			APIBase:  "http://127.0.0.1:1",
			Retry:    fastRetry(2),
		},
	}
	dispatcher, err := NewDispatcher(cfg, nil)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	got := dispatcher.Channels()
	want := []domain.Method{domain.MethodEmail, domain.MethodSMS, domain.MethodTelegram}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("unexpected channels: %v", got)
	}
	if _, ok := dispatcher.senders[domain.MethodEmail].(*EmailAPISender); !ok {
		t.Fatalf("expected api email sender")
	}
	if dispatcher.retries[domain.MethodTelegram].MaxAttempts != 2 {
		t.Fatalf("telegram retry not applied")
	}

	cfg.Email.Provider = config.EmailProviderSMTP
	cfg.Email.SMTP = config.SMTPConfig{Host: "smtp.example.com", Port: 587}
	cfg.SMS.Enabled = false
	cfg.Telegram.Enabled = false
	dispatcher, err = NewDispatcher(cfg, nil)
	if err != nil {
		t.Fatalf("new dispatcher smtp: %v", err)
	}
	if _, ok := dispatcher.senders[domain.MethodEmail].(*SMTPSender); !ok {
		t.Fatalf("expected smtp email sender")
	}
	if len(dispatcher.Channels()) != 1 {
		t.Fatalf("expected one channel, got %v", dispatcher.Channels())
	}

	cfg.Email.From = "not an address"
	if _, err := NewDispatcher(cfg, nil); err == nil {
		t.Fatalf("expected invalid from error")
	}
}

func TestTelegramSenderSend(t *testing.T) {
	t.Parallel()

	type requestPayload struct {
		ChatID string
		Text   string
	}

	var (
		mu       sync.Mutex
		requests []requestPayload
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot123:abc/sendMessage" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(2 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		mu.Lock()
		requests = append(requests, requestPayload{ChatID: r.FormValue("chat_id"), Text: r.FormValue("text")})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":77,"date":1,"chat":{"id":1,"type":"private"}}}`))
	}))
	defer server.Close()

	sender := NewTelegramSender(config.TelegramNotifier{BotToken: "123:abc", APIBase: server.URL})
	result, err := sender.Send(context.Background(), Delivery{
		Method:    domain.MethodTelegram,
		Recipient: " 100500 ",
		Text:      "Threat Level: CRITICAL <trash>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.MessageID != 77 || result.ExternalRef != "77" {
		t.Fatalf("unexpected result: %+v", result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	if requests[0].ChatID != "100500" || requests[0].Text != "Threat Level: CRITICAL <trash>" {
		t.Fatalf("unexpected request: %+v", requests[0])
	}
}

func TestTelegramSenderRequiresToken(t *testing.T) {
	t.Parallel()

	sender := NewTelegramSender(config.TelegramNotifier{})
	_, err := sender.Send(context.Background(), Delivery{Recipient: "1", Text: "x"})
	if err == nil || !failure.IsPermanent(err) {
		t.Fatalf("expected permanent token error, got %v", err)
	}
}

func TestNormalizeChatID(t *testing.T) {
	t.Parallel()

	if got := normalizeChatID(" -1001 "); got != int64(-1001) {
		t.Fatalf("expected int64, got %#v", got)
	}
	if got := normalizeChatID("@mom"); got != "@mom" {
		t.Fatalf("expected string, got %#v", got)
	}
}

func TestSMSGatewaySenderSend(t *testing.T) {
	t.Parallel()

	var (
		gotBody   smsPayload
		gotHeader string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("unexpected method %s", r.Method)
		}
		gotHeader = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"sms-1"}`))
	}))
	defer server.Close()

	sender := NewSMSGatewaySender(config.SMSNotifier{
		URL:        server.URL,
		Method:     "put",
		TimeoutSec: 2,
		Headers:    map[string]string{"X-Api-Key": "secret"},
	})
	result, err := sender.Send(context.Background(), Delivery{
		Method:    domain.MethodSMS,
		Recipient: "+15550100",
		ContactID: "c1",
		UserID:    "u1",
		Text:      "alert",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.ExternalRef != "sms-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotHeader != "secret" {
		t.Fatalf("missing header")
	}
	if gotBody.To != "+15550100" || gotBody.Message != "alert" || gotBody.ContactID != "c1" || gotBody.UserID != "u1" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestSMSGatewaySenderStatusError(t *testing.T) {
	t.Parallel()

	statuses := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusTooManyRequests:     false,
		http.StatusInternalServerError: false,
	}
	for status, permanent := range statuses {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("  nope \n"))
		}))
		sender := NewSMSGatewaySender(config.SMSNotifier{URL: server.URL, TimeoutSec: 2})
		_, err := sender.Send(context.Background(), Delivery{Recipient: "+1", Text: "x"})
		server.Close()

		want := fmt.Sprintf("sms gateway status=%d body=nope", status)
		if err == nil || err.Error() != want {
			t.Fatalf("status %d: got %v want %q", status, err, want)
		}
		if failure.IsPermanent(err) != permanent {
			t.Fatalf("status %d: permanent=%v", status, failure.IsPermanent(err))
		}
	}
}

func TestEmailAPISenderSend(t *testing.T) {
	t.Parallel()

	var (
		gotAuth string
		gotBody emailAPIRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"re_123"}`))
	}))
	defer server.Close()

	sender := NewEmailAPISender(config.EmailNotifier{
		From: "Aegis Emergency <onboarding@resend.dev>",
		API:  config.EmailAPI{URL: server.URL, APIKey: "re_key", TimeoutSec: 2},
	})
	result, err := sender.Send(context.Background(), Delivery{
		Recipient: "mom@example.com",
		Subject:   "🚨 EMERGENCY ALERT",
		Text:      "plain",
		HTML:      "<p>html</p>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.ExternalRef != "re_123" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotAuth != "Bearer re_key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotBody.From != "Aegis Emergency <onboarding@resend.dev>" || len(gotBody.To) != 1 || gotBody.To[0] != "mom@example.com" {
		t.Fatalf("unexpected envelope: %+v", gotBody)
	}
	if gotBody.Subject != "🚨 EMERGENCY ALERT" || gotBody.HTML != "<p>html</p>" || gotBody.Text != "plain" {
		t.Fatalf("unexpected content: %+v", gotBody)
	}
}

type bufferWriteCloser struct {
	bytes.Buffer
}

func (b *bufferWriteCloser) Close() error { return nil }

type fakeSMTPClient struct {
	from     string
	rcpt     []string
	data     bufferWriteCloser
	authed   bool
	quit     bool
	closed   bool
	rcptErr  error
	authExts bool
}

func (c *fakeSMTPClient) Mail(from string) error { c.from = from; return nil }
func (c *fakeSMTPClient) Rcpt(to string) error {
	if c.rcptErr != nil {
		return c.rcptErr
	}
	c.rcpt = append(c.rcpt, to)
	return nil
}
func (c *fakeSMTPClient) Data() (smtpDataWriter, error) { return &c.data, nil }
func (c *fakeSMTPClient) Quit() error                   { c.quit = true; return nil }
func (c *fakeSMTPClient) Close() error                  { c.closed = true; return nil }
func (c *fakeSMTPClient) Auth(smtp.Auth) error          { c.authed = true; return nil }
func (c *fakeSMTPClient) Extension(name string) (bool, string) {
	return name == "AUTH" && c.authExts, ""
}

func newTestSMTPSender(t *testing.T, client *fakeSMTPClient, cfg config.SMTPConfig) (*SMTPSender, *string) {
	t.Helper()

	sender, err := NewSMTPSender(config.EmailNotifier{From: "Aegis <alerts@example.com>", SMTP: cfg})
	if err != nil {
		t.Fatalf("new smtp sender: %v", err)
	}
	var dialed string
	sender.dialFn = func(_ context.Context, addr string, _ string, _ bool, _ time.Duration) (smtpClient, error) {
		dialed = addr
		return client, nil
	}
	sender.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return sender, &dialed
}

func TestSMTPSenderSend(t *testing.T) {
	t.Parallel()

	client := &fakeSMTPClient{authExts: true}
	sender, dialed := newTestSMTPSender(t, client, config.SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p"})

	result, err := sender.Send(context.Background(), Delivery{
		Recipient:   "Mom <mom@example.com>",
		ContactName: "Mom",
		Subject:     "Alert\r\nBcc: x@evil.io",
		Text:        "line1\nline2",
		HTML:        "<p>hi</p>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if *dialed != "smtp.example.com:587" {
		t.Fatalf("unexpected dial addr %q", *dialed)
	}
	if !client.authed || !client.quit || !client.closed {
		t.Fatalf("unexpected session flags: %+v", client)
	}
	if client.from != "alerts@example.com" || len(client.rcpt) != 1 || client.rcpt[0] != "mom@example.com" {
		t.Fatalf("unexpected envelope from=%q rcpt=%v", client.from, client.rcpt)
	}
	if !strings.HasPrefix(result.ExternalRef, "<") || !strings.HasSuffix(result.ExternalRef, "@example.com>") {
		t.Fatalf("unexpected message id %q", result.ExternalRef)
	}

	body := client.data.String()
	for _, want := range []string{
		"Subject: AlertBcc: x@evil.io\r\n",
		"Message-ID: " + result.ExternalRef,
		"multipart/alternative",
		"line1\r\nline2",
		"<p>hi</p>",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("message missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "\r\nBcc:") {
		t.Fatalf("header injection must be stripped")
	}
}

func TestSMTPSenderEncodesLongLines(t *testing.T) {
	t.Parallel()

	client := &fakeSMTPClient{}
	sender, _ := newTestSMTPSender(t, client, config.SMTPConfig{Host: "localhost", Port: 25})

	html := `<table style="width:100%">` + strings.Repeat("<td>cell</td>", 200) + "</table>"
	if _, err := sender.Send(context.Background(), Delivery{
		Recipient: "friend@example.com",
		Subject:   "s",
		Text:      strings.Repeat("a", 1500),
		HTML:      html,
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	body := client.data.String()
	if strings.Count(body, "Content-Transfer-Encoding: quoted-printable\r\n") != 2 {
		t.Fatalf("both parts must be quoted-printable:\n%s", body)
	}
	for i, line := range strings.Split(body, "\r\n") {
		if len(line) > 998 {
			t.Fatalf("line %d exceeds 998 characters (%d)", i, len(line))
		}
	}
	if !strings.Contains(body, `style=3D"width:100%"`) {
		t.Fatalf("html part must be encoded:\n%s", body)
	}
}

func TestSMTPSenderPlainTextWithoutAuth(t *testing.T) {
	t.Parallel()

	client := &fakeSMTPClient{}
	sender, _ := newTestSMTPSender(t, client, config.SMTPConfig{Host: "localhost", Port: 25})

	if _, err := sender.Send(context.Background(), Delivery{Recipient: "friend@example.com", Subject: "s", Text: "t"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if client.authed {
		t.Fatalf("auth must be skipped without username")
	}
	if !strings.Contains(client.data.String(), `Content-Type: text/plain; charset="utf-8"`) {
		t.Fatalf("expected plain text body:\n%s", client.data.String())
	}
}

func TestSMTPSenderErrors(t *testing.T) {
	t.Parallel()

	client := &fakeSMTPClient{}
	sender, _ := newTestSMTPSender(t, client, config.SMTPConfig{Host: "localhost", Port: 25})
	if _, err := sender.Send(context.Background(), Delivery{Recipient: "not-an-email"}); err == nil || !failure.IsPermanent(err) {
		t.Fatalf("expected permanent parse error, got %v", err)
	}

	client.rcptErr = errors.New("550 mailbox unavailable")
	_, err := sender.Send(context.Background(), Delivery{Recipient: "x@example.com", Text: "t"})
	if err == nil || !strings.Contains(err.Error(), "smtp rcpt to") {
		t.Fatalf("expected rcpt error, got %v", err)
	}
	if !client.closed {
		t.Fatalf("client must be closed on error")
	}
}

func TestUnexpectedHTTPStatusErrorNilResponse(t *testing.T) {
	t.Parallel()

	if err := unexpectedHTTPStatusError("x", nil); err == nil || err.Error() != "x status=0" {
		t.Fatalf("unexpected error: %v", err)
	}
	response := &http.Response{StatusCode: 503, Body: io.NopCloser(strings.NewReader(""))}
	if err := unexpectedHTTPStatusError("x", response); err == nil || err.Error() != "x status=503" || failure.IsPermanent(err) {
		t.Fatalf("unexpected error: %v", err)
	}
}
