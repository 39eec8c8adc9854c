package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"aegis/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"

	redacted = "[redacted]"
)

var (
	stringPattern = regexp.MustCompile(`"[^"\n]*"`)
	numberPattern = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)

	secretKeys = map[string]struct{}{
		"bot_token":  {},
		"api_key":    {},
		"password":   {},
		"jwt_secret": {},
		"token":      {},
		"dsn":        {},
	}
	addressKeys = map[string]struct{}{
		"email":     {},
		"phone":     {},
		"recipient": {},
		"address":   {},
	}
)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings; service is attached to every record.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig, service string) (*slog.Logger, func(), error) {
	return NewWithWriter(cfg, service, os.Stdout)
}

// NewWithWriter is New with explicit console destination.
// Params: sink settings, service name, and console writer.
// Returns: slog logger, cleanup callback, and setup error.
func NewWithWriter(cfg config.LogConfig, service string, console io.Writer) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		handler, err := buildConsoleHandler(cfg.Console, console)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		handler, closer, err := buildFileHandler(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, closer)
	}

	if len(handlers) == 0 {
		return nil, nil, fmt.Errorf("no log sinks enabled")
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	var handler slog.Handler = teeHandler{handlers: handlers}
	if len(handlers) == 1 {
		handler = handlers[0]
	}
	logger := slog.New(handler)
	if strings.TrimSpace(service) != "" {
		logger = logger.With("service", service)
	}
	return logger, closeFn, nil
}

// OrDiscard returns logger or a logger that drops everything.
// Params: optional logger.
// Returns: non-nil logger.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// buildConsoleHandler creates a console sink handler.
// Params: sink contains enabled level and format; dst is output writer.
// Returns: configured slog handler or error.
func buildConsoleHandler(sink config.LogSinkConfig, dst io.Writer) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return redactAttr(groups, attr)
		},
	}

	switch sink.Format {
	case "line":
		return slog.NewTextHandler(&colorLineWriter{dst: dst}, opts), nil
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported console format %q", sink.Format)
	}
}

// buildFileHandler creates a file sink handler.
// Params: sink contains path, level, and format.
// Returns: handler, file closer, and error.
func buildFileHandler(sink config.LogSinkConfig) (slog.Handler, io.Closer, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %q: %w", sink.Path, err)
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redactAttr}
	switch sink.Format {
	case "line":
		return slog.NewTextHandler(file, opts), file, nil
	case "json":
		return slog.NewJSONHandler(file, opts), file, nil
	default:
		_ = file.Close()
		return nil, nil, fmt.Errorf("unsupported file format %q", sink.Format)
	}
}

// redactAttr hides credentials and masks contact addresses.
// Params: attribute groups and attribute.
// Returns: attribute safe to persist in logs.
func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(attr.Key)
	if _, ok := secretKeys[key]; ok {
		return slog.String(attr.Key, redacted)
	}
	if _, ok := addressKeys[key]; ok && attr.Value.Kind() == slog.KindString {
		return slog.String(attr.Key, MaskAddress(attr.Value.String()))
	}
	return attr
}

// MaskAddress keeps first character and domain/last digits of one recipient address.
// Params: email, phone, or chat id.
// Returns: masked address ("m***@example.com", "***7890").
func MaskAddress(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return ""
	}
	if at := strings.LastIndex(trimmed, "@"); at > 0 {
		return trimmed[:1] + "***" + trimmed[at:]
	}
	if len(trimmed) <= 4 {
		return "***"
	}
	return "***" + trimmed[len(trimmed)-4:]
}

// parseLevel converts configuration level into slog.Level.
// Params: value is lower-case log level name.
// Returns: slog level or error.
func parseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// teeHandler fan-outs one record to multiple handlers.
type teeHandler struct {
	handlers []slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range t.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range t.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, 0, len(t.handlers))
	for _, handler := range t.handlers {
		next = append(next, handler.WithAttrs(attrs))
	}
	return teeHandler{handlers: next}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, 0, len(t.handlers))
	for _, handler := range t.handlers {
		next = append(next, handler.WithGroup(name))
	}
	return teeHandler{handlers: next}
}

// colorLineWriter wraps console line logs with level-based color.
// Params: dst is output writer.
// Returns: bytes written or write error.
type colorLineWriter struct {
	dst io.Writer
}

// Write colors one line according to level marker, highlighting quoted values and numbers.
// Params: payload is rendered slog line.
// Returns: bytes written or write error.
func (w *colorLineWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone := levelColor(line)
	if tone == "" {
		return w.dst.Write(payload)
	}

	rendered := tone + highlight(line, tone) + ansiReset
	n, err := w.dst.Write([]byte(rendered))
	if n > len(payload) {
		n = len(payload)
	}
	return n, err
}

func levelColor(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=ERROR"):
		return ansiRed
	default:
		return ""
	}
}

// highlight colors quoted strings green and bare numbers yellow, restoring base tone after each.
func highlight(line, base string) string {
	quoted := stringPattern.FindAllStringIndex(line, -1)
	var builder strings.Builder
	builder.Grow(len(line) + 16)

	cursor := 0
	paint := func(segment string) {
		builder.WriteString(numberPattern.ReplaceAllStringFunc(segment, func(number string) string {
			return ansiYellow + number + ansiReset + base
		}))
	}
	for _, pair := range quoted {
		paint(line[cursor:pair[0]])
		builder.WriteString(ansiGreen + line[pair[0]:pair[1]] + ansiReset + base)
		cursor = pair[1]
	}
	paint(line[cursor:])
	return builder.String()
}
