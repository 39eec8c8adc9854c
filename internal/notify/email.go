package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/http"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/failure"
)

const defaultSMTPTimeout = 10 * time.Second

type smtpDialFunc func(ctx context.Context, addr string, host string, implicitTLS bool, timeout time.Duration) (smtpClient, error)

type smtpAuthFunc func(cfg config.SMTPConfig) smtp.Auth

type smtpClient interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (smtpDataWriter, error)
	Quit() error
	Close() error
	Auth(a smtp.Auth) error
	Extension(name string) (bool, string)
}

type smtpDataWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

type realSMTPClient struct {
	*smtp.Client
}

func (c realSMTPClient) Data() (smtpDataWriter, error) {
	return c.Client.Data()
}

// SMTPSender delivers email through an SMTP relay.
// Params: relay host/port/credentials and envelope sender.
// Returns: email channel sender.
type SMTPSender struct {
	cfg     config.SMTPConfig
	from    string
	timeout time.Duration
	dialFn  smtpDialFunc
	authFn  smtpAuthFunc
	now     func() time.Time
}

// NewSMTPSender builds SMTP email sender.
// Params: email notifier config with smtp section.
// Returns: sender or config error for invalid From address.
func NewSMTPSender(cfg config.EmailNotifier) (*SMTPSender, error) {
	if _, err := mail.ParseAddress(cfg.From); err != nil {
		return nil, fmt.Errorf("parse email from %q: %w", cfg.From, err)
	}
	return &SMTPSender{
		cfg:     cfg.SMTP,
		from:    cfg.From,
		timeout: defaultSMTPTimeout,
		dialFn:  defaultDialFunc,
		authFn:  defaultAuthFunc,
		now:     time.Now,
	}, nil
}

// Channel returns sender method key.
// Params: none.
// Returns: email.
func (s *SMTPSender) Channel() domain.Method {
	return domain.MethodEmail
}

// Send writes one message to the relay.
// Params: context and delivery with email recipient.
// Returns: generated Message-ID or SMTP error.
func (s *SMTPSender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	if s == nil || s.dialFn == nil {
		return SendResult{}, errSenderNotReady
	}
	recipient, err := mail.ParseAddress(delivery.Recipient)
	if err != nil {
		return SendResult{}, failure.MarkPermanent(fmt.Errorf("parse recipient: %w", err))
	}
	sender, _ := mail.ParseAddress(s.from)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	client, err := s.dialFn(ctx, addr, s.cfg.Host, s.cfg.Port == 465, s.timeout)
	if err != nil {
		return SendResult{}, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer client.Close()

	if auth := s.authFn(s.cfg); auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return SendResult{}, failure.MarkPermanent(fmt.Errorf("smtp auth: %w", err))
			}
		}
	}

	if err := client.Mail(sender.Address); err != nil {
		return SendResult{}, fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(recipient.Address); err != nil {
		return SendResult{}, fmt.Errorf("smtp rcpt to: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return SendResult{}, fmt.Errorf("smtp data: %w", err)
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), messageIDHost(sender.Address))
	message := formatMessage(s.from, recipient.String(), messageID, s.now(), delivery)
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return SendResult{}, fmt.Errorf("smtp write body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return SendResult{}, fmt.Errorf("smtp close body: %w", err)
	}
	if err := client.Quit(); err != nil {
		return SendResult{}, fmt.Errorf("smtp quit: %w", err)
	}
	return SendResult{ExternalRef: messageID}, nil
}

func defaultDialFunc(ctx context.Context, addr string, host string, implicitTLS bool, timeout time.Duration) (smtpClient, error) {
	dialer := &net.Dialer{Timeout: timeout}
	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	var (
		conn net.Conn
		err  error
	)
	if implicitTLS {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}
	return realSMTPClient{Client: client}, nil
}

func defaultAuthFunc(cfg config.SMTPConfig) smtp.Auth {
	if strings.TrimSpace(cfg.Username) == "" {
		return nil
	}
	return smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
}

// formatMessage renders RFC 5322 message with text part and optional HTML alternative.
func formatMessage(from, to, messageID string, now time.Time, delivery Delivery) []byte {
	var buf bytes.Buffer
	writeHeader := func(key, value string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}
	writeHeader("From", escapeHeader(from))
	writeHeader("To", escapeHeader(to))
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", escapeHeader(delivery.Subject)))
	writeHeader("Date", now.UTC().Format(time.RFC1123Z))
	writeHeader("Message-ID", messageID)
	writeHeader("MIME-Version", "1.0")

	text := normalizeNewlines(delivery.Text)
	if strings.TrimSpace(delivery.HTML) == "" {
		writeHeader("Content-Type", `text/plain; charset="utf-8"`)
		writeHeader("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		writeQuotedPrintable(&buf, text)
		return buf.Bytes()
	}

	boundary := "aegis-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	writeHeader("Content-Type", fmt.Sprintf(`multipart/alternative; boundary="%s"`, boundary))
	buf.WriteString("\r\n")
	writePart := func(contentType, body string) {
		buf.WriteString("--" + boundary + "\r\n")
		buf.WriteString("Content-Type: " + contentType + "\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		writeQuotedPrintable(&buf, body)
		buf.WriteString("\r\n")
	}
	writePart(`text/plain; charset="utf-8"`, text)
	writePart(`text/html; charset="utf-8"`, normalizeNewlines(delivery.HTML))
	buf.WriteString("--" + boundary + "--\r\n")
	return buf.Bytes()
}

// writeQuotedPrintable keeps every body line under the SMTP line limit.
func writeQuotedPrintable(buf *bytes.Buffer, body string) {
	w := quotedprintable.NewWriter(buf)
	_, _ = w.Write([]byte(body))
	_ = w.Close()
}

func escapeHeader(value string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(value)
}

func normalizeNewlines(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.ReplaceAll(body, "\n", "\r\n")
}

func messageIDHost(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return address[at+1:]
	}
	return "aegis.local"
}

// EmailAPISender delivers email through a JSON HTTP API (Resend-compatible).
// Params: endpoint, API key, sender address, and timeout.
// Returns: email channel sender.
type EmailAPISender struct {
	url    string
	apiKey string
	from   string
	client *http.Client
}

// NewEmailAPISender builds HTTP email sender.
// Params: email notifier config with api section.
// Returns: sender.
func NewEmailAPISender(cfg config.EmailNotifier) *EmailAPISender {
	timeout := time.Duration(cfg.API.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}
	return &EmailAPISender{
		url:    strings.TrimSpace(cfg.API.URL),
		apiKey: cfg.API.APIKey,
		from:   cfg.From,
		client: &http.Client{Timeout: timeout},
	}
}

// Channel returns sender method key.
// Params: none.
// Returns: email.
func (s *EmailAPISender) Channel() domain.Method {
	return domain.MethodEmail
}

type emailAPIRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text"`
}

type emailAPIResponse struct {
	ID string `json:"id"`
}

// Send posts one email to provider API.
// Params: context and delivery with email recipient.
// Returns: provider message id or HTTP error.
func (s *EmailAPISender) Send(ctx context.Context, delivery Delivery) (SendResult, error) {
	if s == nil || s.client == nil {
		return SendResult{}, errSenderNotReady
	}
	body, err := json.Marshal(emailAPIRequest{
		From:    s.from,
		To:      []string{strings.TrimSpace(delivery.Recipient)},
		Subject: delivery.Subject,
		HTML:    delivery.HTML,
		Text:    delivery.Text,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal email payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build email request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+s.apiKey)

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("send email request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return SendResult{}, unexpectedHTTPStatusError("email api", response)
	}
	var decoded emailAPIResponse
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return SendResult{ExternalRef: decoded.ID}, nil
}
