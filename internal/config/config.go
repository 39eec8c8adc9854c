package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"aegis/internal/domain"
	"aegis/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName        = "aegis"
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultMetricsPath        = "/metrics"
	defaultAPIPrefix          = "/v1"
	defaultMaxBodyBytes       = 1 << 20
	defaultAuthHeader         = "X-User-ID"
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultKVBucket           = "aegis"
	defaultPostgresMaxConns   = 10
	defaultMinSeverity        = "medium"
	defaultMaxParallel        = 8
	defaultAttemptTimeoutMS   = 10000
	defaultNotifyTimeoutSec   = 10
	defaultSMTPPort           = 587
	defaultEmailAPIURL        = "https://api.resend.com/emails"
	defaultEmailFrom          = "Aegis Emergency <onboarding@resend.dev>"
	defaultCommentSubject     = "aegis.comments"
	defaultCommentStream      = "AEGIS_COMMENTS"
	defaultCommentConsumer    = "aegis-ingest"
	defaultCommentGroup       = "aegis-workers"
	defaultQueueWorkers       = 1
	defaultAckWaitSec         = 30
	defaultNackDelayMS        = 1000
	defaultMaxDeliver         = -1
	defaultMaxAckPending      = 2048
	defaultSimulatorUser      = "demo-user"
	defaultSimulatorInterval  = 5000
	defaultSimulatorChance    = 0.4
	defaultRetryInitialMS     = 500
	defaultRetryMaxMS         = 60000
	defaultRetryBackoff       = "exponential"
	defaultLogConsoleLevel    = "info"
	defaultLogConsoleFormat   = "line"
	defaultLogFileFormat      = "json"
	maxScorerJitter           = 0.3
	defaultScorerJitter       = 0.1
	defaultEmailProvider      = EmailProviderSMTP
	defaultStoreBackendSingle = StoreBackendMemory
	defaultStoreBackendNATS   = StoreBackendNATS

	// ServiceModeNATS enables JetStream ingest, queue, and KV store.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// StoreBackendMemory keeps state in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendNATS keeps state in JetStream KV buckets.
	StoreBackendNATS = "nats"
	// StoreBackendPostgres keeps state in PostgreSQL tables.
	StoreBackendPostgres = "postgres"

	// AuthModeHeader trusts user id from a request header.
	AuthModeHeader = "header"
	// AuthModeJWT requires HMAC-signed bearer token with sub claim.
	AuthModeJWT = "jwt"

	// EmailProviderSMTP sends email through an SMTP relay.
	EmailProviderSMTP = "smtp"
	// EmailProviderAPI sends email through an HTTP email API.
	EmailProviderAPI = "api"

	// NotifyChannelEmail identifies email transport.
	NotifyChannelEmail = "email"
	// NotifyChannelSMS identifies SMS gateway transport.
	NotifyChannelSMS = "sms"
	// NotifyChannelTelegram identifies Telegram transport.
	NotifyChannelTelegram = "telegram"
)

var (
	notifyChannelOrder = []string{
		NotifyChannelEmail,
		NotifyChannelSMS,
		NotifyChannelTelegram,
	}
	notifyChannelRegistry = map[string]notifyChannelDescriptor{
		NotifyChannelEmail: {
			enabled: func(cfg NotifyConfig) bool { return cfg.Email.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.Email.Retry },
		},
		NotifyChannelSMS: {
			enabled: func(cfg NotifyConfig) bool { return cfg.SMS.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.SMS.Retry },
		},
		NotifyChannelTelegram: {
			enabled: func(cfg NotifyConfig) bool { return cfg.Telegram.Enabled },
			retry:   func(cfg NotifyConfig) NotifyRetry { return cfg.Telegram.Retry },
		},
	}
	unsupportedFixedNATSKeysPattern = regexp.MustCompile(`(?mi)^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
	unsupportedContactTablePattern  = regexp.MustCompile(`(?m)^\s*\[\[?\s*contacts?\s*\]\]?`)
)

// notifyChannelDescriptor stores generic accessors for one notify transport.
// Params: config readers for enabled/retry fields.
// Returns: channel metadata used by generic helpers.
type notifyChannelDescriptor struct {
	enabled func(NotifyConfig) bool
	retry   func(NotifyConfig) NotifyRetry
}

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service    ServiceConfig    `toml:"service"`
	Log        LogConfig        `toml:"log"`
	HTTP       HTTPConfig       `toml:"http"`
	Auth       AuthConfig       `toml:"auth"`
	NATS       NATSConfig       `toml:"nats"`
	Store      StoreConfig      `toml:"store"`
	Scorer     ScorerConfig     `toml:"scorer"`
	SafeCircle SafeCircleConfig `toml:"safecircle"`
	Notify     NotifyConfig     `toml:"notify"`
	Queue      QueueConfig      `toml:"queue"`
	Ingest     IngestConfig     `toml:"ingest"`
	Simulator  SimulatorConfig  `toml:"simulator"`
}

// ServiceConfig contains process-level settings.
// Params: name and runtime mode.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name string `toml:"name"`
	Mode string `toml:"mode"`
}

// HTTPConfig configures the REST listener.
// Params: listen address, probe/metrics paths, API prefix, and body limit.
// Returns: HTTP server behavior.
type HTTPConfig struct {
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	MetricsPath  string `toml:"metrics_path"`
	APIPrefix    string `toml:"api_prefix"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// AuthConfig selects how API callers are identified.
// Params: mode, trusted header name, and JWT verification settings.
// Returns: auth middleware options.
type AuthConfig struct {
	Mode      string `toml:"mode"`
	Header    string `toml:"header"`
	JWTSecret string `toml:"jwt_secret"`
	JWTIssuer string `toml:"jwt_issuer"`
}

// NATSConfig lists broker URLs shared by ingest, queue, and KV store.
type NATSConfig struct {
	URL []string `toml:"url"`
}

// StoreConfig selects persistence backend.
// Params: backend name, KV bucket prefix, and postgres connection settings.
// Returns: store factory options.
type StoreConfig struct {
	Backend  string         `toml:"backend"`
	KVBucket string         `toml:"kv_bucket"`
	Postgres PostgresConfig `toml:"postgres"`
}

// PostgresConfig configures SQL store connection.
// Params: DSN, pool limit, and migration toggle.
// Returns: postgres store options.
type PostgresConfig struct {
	DSN            string `toml:"dsn"`
	MaxOpenConns   int    `toml:"max_open_conns"`
	MigrateOnStart *bool  `toml:"migrate_on_start"`
}

// ScorerConfig tunes classifier jitter and keyword lists.
// Params: jitter half-width, seed (0 = time based), and per-category keywords.
// Returns: scorer options.
type ScorerConfig struct {
	Jitter     *float64 `toml:"jitter"`
	Seed       int64    `toml:"seed"`
	Threats    []string `toml:"threats"`
	HateSpeech []string `toml:"hate_speech"`
	Harassment []string `toml:"harassment"`
}

// SafeCircleConfig tunes alert fan-out.
// Params: minimum dispatch severity, parallelism bound, and per-attempt timeout.
// Returns: dispatcher options.
type SafeCircleConfig struct {
	MinSeverity      string `toml:"min_severity"`
	MaxParallel      int    `toml:"max_parallel"`
	AttemptTimeoutMS int    `toml:"attempt_timeout_ms"`
	DetailsURL       string `toml:"details_url"`
}

// NotifyConfig defines outbound delivery channels.
// Params: per-channel transport settings and template overrides.
// Returns: notification controls.
type NotifyConfig struct {
	Email    EmailNotifier    `toml:"email"`
	SMS      SMSNotifier      `toml:"sms"`
	Telegram TelegramNotifier `toml:"telegram"`
	Template TemplateConfig   `toml:"template"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// EmailNotifier defines email channel settings.
// Params: provider, sender address, SMTP relay, HTTP API, and retry policy.
// Returns: email sender configuration.
type EmailNotifier struct {
	Enabled  bool        `toml:"enabled"`
	Provider string      `toml:"provider"`
	From     string      `toml:"from"`
	SMTP     SMTPConfig  `toml:"smtp"`
	API      EmailAPI    `toml:"api"`
	Retry    NotifyRetry `toml:"retry"`
}

// SMTPConfig configures SMTP relay.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// EmailAPI configures JSON email API (Resend-compatible).
type EmailAPI struct {
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key"`
	TimeoutSec int    `toml:"timeout_sec"`
}

// SMSNotifier defines outbound SMS gateway endpoint.
// Params: URL, method, timeout, optional static headers, and retry policy.
// Returns: SMS sender configuration.
type SMSNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
	Retry      NotifyRetry       `toml:"retry"`
}

// TelegramNotifier defines Telegram channel settings.
// Params: enabled flag, bot token, API base URL, and retry policy.
// Returns: Telegram sender configuration.
type TelegramNotifier struct {
	Enabled  bool        `toml:"enabled"`
	BotToken string      `toml:"bot_token"`
	APIBase  string      `toml:"api_base"`
	Retry    NotifyRetry `toml:"retry"`
}

// TemplateConfig overrides built-in message templates.
type TemplateConfig struct {
	Alert            string `toml:"alert"`
	Emergency        string `toml:"emergency"`
	AlertSubject     string `toml:"alert_subject"`
	EmergencySubject string `toml:"emergency_subject"`
	EmailHTML        string `toml:"email_html"`
}

// Overrides converts template config into renderer overrides.
// Params: none.
// Returns: templatefmt overrides.
func (t TemplateConfig) Overrides() templatefmt.Overrides {
	return templatefmt.Overrides{
		Alert:            t.Alert,
		Emergency:        t.Emergency,
		AlertSubject:     t.AlertSubject,
		EmergencySubject: t.EmergencySubject,
		EmailHTML:        t.EmailHTML,
	}
}

// QueueConfig defines asynchronous alert dispatch queue.
// Params: enable flag, worker/ack policy, and DLQ toggle; URL derived from nats.url.
// Returns: alert queue controls.
type QueueConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// IngestConfig defines inbound comment interfaces besides REST.
type IngestConfig struct {
	NATS NATSIngestConfig `toml:"nats"`
}

// NATSIngestConfig configures JetStream queue-consumer comment ingestion.
// Params: worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DefaultUserID string   `toml:"default_user_id"`
}

// SimulatorConfig configures demo comment generator.
// Params: enable flag, owner, tick interval, emit probability, platforms, and seed.
// Returns: simulator options.
type SimulatorConfig struct {
	Enabled     bool     `toml:"enabled"`
	UserID      string   `toml:"user_id"`
	IntervalMS  int      `toml:"interval_ms"`
	Probability float64  `toml:"probability"`
	Platforms   []string `toml:"platforms"`
	Seed        int64    `toml:"seed"`
}

// LogConfig contains console/file logging sinks.
// Params: sink settings for each output target.
// Returns: logger setup options.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns validated config with all defaults in single mode.
// Params: none.
// Returns: config usable without any TOML source.
func Default() Config {
	cfg := Config{Service: ServiceConfig{Mode: ServiceModeSingle}}
	applyDefaults(&cfg)
	return cfg
}

// configMergeHints carries explicit bool-presence markers used for directory overlays.
// Params: sparse fields decoded from one TOML fragment.
// Returns: merge behavior hints for zero-value bool overrides.
type configMergeHints struct {
	Notify    notifyMergeHints  `toml:"notify"`
	Queue     queueMergeHints   `toml:"queue"`
	Ingest    ingestMergeHints  `toml:"ingest"`
	Simulator channelMergeHints `toml:"simulator"`
}

// notifyMergeHints tracks explicit bool fields in notify channel sections.
type notifyMergeHints struct {
	Email    channelMergeHints `toml:"email"`
	SMS      channelMergeHints `toml:"sms"`
	Telegram channelMergeHints `toml:"telegram"`
}

// queueMergeHints tracks explicit bool fields in queue section.
type queueMergeHints struct {
	Enabled *bool `toml:"enabled"`
	DLQ     *bool `toml:"dlq"`
}

// ingestMergeHints tracks explicit bool fields in ingest section.
type ingestMergeHints struct {
	NATS channelMergeHints `toml:"nats"`
}

// channelMergeHints tracks explicit enabled flags in toggled sections.
type channelMergeHints struct {
	Enabled *bool `toml:"enabled"`
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if unsupportedFixedNATSKeysPattern.Match(body) {
		return errors.New("subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	if unsupportedContactTablePattern.Match(body) {
		return errors.New("contacts are managed through the API and store, not config")
	}
	return nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := loadFileForMerge(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, configMergeHints, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var cfg Config
	decoder := toml.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var hints configMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, configMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and explicit bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints configMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if src.HTTP != (HTTPConfig{}) {
		dst.HTTP = src.HTTP
	}
	if src.Auth != (AuthConfig{}) {
		dst.Auth = src.Auth
	}
	if len(src.NATS.URL) > 0 {
		dst.NATS.URL = append([]string(nil), src.NATS.URL...)
	}
	if src.Store != (StoreConfig{}) {
		dst.Store = src.Store
	}
	mergeScorerConfig(&dst.Scorer, src.Scorer)
	if src.SafeCircle != (SafeCircleConfig{}) {
		dst.SafeCircle = src.SafeCircle
	}
	mergeNotifyConfig(&dst.Notify, src.Notify, hints.Notify)
	mergeQueueConfig(&dst.Queue, src.Queue, hints.Queue)
	mergeNATSIngest(&dst.Ingest.NATS, src.Ingest.NATS, hints.Ingest.NATS)
	mergeSimulatorConfig(&dst.Simulator, src.Simulator, hints.Simulator)
}

// mergeScorerConfig overlays scorer fragment keeping earlier keyword lists when omitted.
func mergeScorerConfig(dst *ScorerConfig, src ScorerConfig) {
	if src.Jitter != nil {
		value := *src.Jitter
		dst.Jitter = &value
	}
	if src.Seed != 0 {
		dst.Seed = src.Seed
	}
	if len(src.Threats) > 0 {
		dst.Threats = append([]string(nil), src.Threats...)
	}
	if len(src.HateSpeech) > 0 {
		dst.HateSpeech = append([]string(nil), src.HateSpeech...)
	}
	if len(src.Harassment) > 0 {
		dst.Harassment = append([]string(nil), src.Harassment...)
	}
}

// mergeNotifyConfig overlays notify fragment into destination preserving existing sibling fields.
// Params: destination notify config and fragment from one source file.
// Returns: merged notify configuration side-effect in dst.
func mergeNotifyConfig(dst *NotifyConfig, src NotifyConfig, hints notifyMergeHints) {
	mergeEmailNotifier(&dst.Email, src.Email, hints.Email)
	mergeSMSNotifier(&dst.SMS, src.SMS, hints.SMS)
	mergeTelegramNotifier(&dst.Telegram, src.Telegram, hints.Telegram)
	if src.Template != (TemplateConfig{}) {
		dst.Template = src.Template
	}
}

// mergeEmailNotifier overlays email transport config.
// Params: destination email config, source fragment, and bool hints.
// Returns: merged email configuration side-effect in dst.
func mergeEmailNotifier(dst *EmailNotifier, src EmailNotifier, hints channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.Provider) != "" {
		dst.Provider = src.Provider
	}
	if strings.TrimSpace(src.From) != "" {
		dst.From = src.From
	}
	if src.SMTP != (SMTPConfig{}) {
		dst.SMTP = src.SMTP
	}
	if src.API != (EmailAPI{}) {
		dst.API = src.API
	}
	if src.Retry != (NotifyRetry{}) {
		dst.Retry = src.Retry
	}
}

// mergeSMSNotifier overlays SMS gateway config.
// Params: destination SMS config, source fragment, and bool hints.
// Returns: merged SMS configuration side-effect in dst.
func mergeSMSNotifier(dst *SMSNotifier, src SMSNotifier, hints channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.URL) != "" {
		dst.URL = src.URL
	}
	if strings.TrimSpace(src.Method) != "" {
		dst.Method = src.Method
	}
	if src.TimeoutSec != 0 {
		dst.TimeoutSec = src.TimeoutSec
	}
	if len(src.Headers) > 0 {
		if dst.Headers == nil {
			dst.Headers = make(map[string]string, len(src.Headers))
		}
		for key, value := range src.Headers {
			dst.Headers[key] = value
		}
	}
	if src.Retry != (NotifyRetry{}) {
		dst.Retry = src.Retry
	}
}

// mergeTelegramNotifier overlays telegram transport config.
// Params: destination telegram config, source fragment, and bool hints.
// Returns: merged telegram configuration side-effect in dst.
func mergeTelegramNotifier(dst *TelegramNotifier, src TelegramNotifier, hints channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.BotToken) != "" {
		dst.BotToken = src.BotToken
	}
	if strings.TrimSpace(src.APIBase) != "" {
		dst.APIBase = src.APIBase
	}
	if src.Retry != (NotifyRetry{}) {
		dst.Retry = src.Retry
	}
}

// mergeQueueConfig overlays alert queue config.
// Params: destination queue config, source fragment, and bool hints.
// Returns: merged queue config side-effect in dst.
func mergeQueueConfig(dst *QueueConfig, src QueueConfig, hints queueMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if src.Workers != 0 {
		dst.Workers = src.Workers
	}
	if src.AckWaitSec != 0 {
		dst.AckWaitSec = src.AckWaitSec
	}
	if src.NackDelayMS != 0 {
		dst.NackDelayMS = src.NackDelayMS
	}
	if src.MaxDeliver != 0 {
		dst.MaxDeliver = src.MaxDeliver
	}
	if src.MaxAckPending != 0 {
		dst.MaxAckPending = src.MaxAckPending
	}
	applyBoolMerge(&dst.DLQ, src.DLQ, hints.DLQ)
}

// mergeNATSIngest overlays NATS comment ingest config.
func mergeNATSIngest(dst *NATSIngestConfig, src NATSIngestConfig, hints channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if src.Workers != 0 {
		dst.Workers = src.Workers
	}
	if src.AckWaitSec != 0 {
		dst.AckWaitSec = src.AckWaitSec
	}
	if src.NackDelayMS != 0 {
		dst.NackDelayMS = src.NackDelayMS
	}
	if src.MaxDeliver != 0 {
		dst.MaxDeliver = src.MaxDeliver
	}
	if src.MaxAckPending != 0 {
		dst.MaxAckPending = src.MaxAckPending
	}
	if strings.TrimSpace(src.DefaultUserID) != "" {
		dst.DefaultUserID = src.DefaultUserID
	}
}

// mergeSimulatorConfig overlays demo simulator config.
func mergeSimulatorConfig(dst *SimulatorConfig, src SimulatorConfig, hints channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hints.Enabled)
	if strings.TrimSpace(src.UserID) != "" {
		dst.UserID = src.UserID
	}
	if src.IntervalMS != 0 {
		dst.IntervalMS = src.IntervalMS
	}
	if src.Probability != 0 {
		dst.Probability = src.Probability
	}
	if len(src.Platforms) > 0 {
		dst.Platforms = append([]string(nil), src.Platforms...)
	}
	if src.Seed != 0 {
		dst.Seed = src.Seed
	}
}

// applyBoolMerge merges bool with explicit-value awareness for directory overlays.
// Params: destination bool pointer, source decoded bool, and explicit source marker.
// Returns: merged bool side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

// applyDefaults fills omitted config fields with safe defaults.
// Params: cfg pointer to decoded snapshot.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = defaultServiceName
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = defaultLogConsoleLevel
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = defaultLogConsoleFormat
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = defaultLogConsoleLevel
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = defaultLogFileFormat
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	if strings.TrimSpace(cfg.HTTP.Listen) == "" {
		cfg.HTTP.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(cfg.HTTP.HealthPath) == "" {
		cfg.HTTP.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(cfg.HTTP.ReadyPath) == "" {
		cfg.HTTP.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(cfg.HTTP.MetricsPath) == "" {
		cfg.HTTP.MetricsPath = defaultMetricsPath
	}
	if strings.TrimSpace(cfg.HTTP.APIPrefix) == "" {
		cfg.HTTP.APIPrefix = defaultAPIPrefix
	}
	cfg.HTTP.APIPrefix = "/" + strings.Trim(strings.TrimSpace(cfg.HTTP.APIPrefix), "/")
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Auth.Mode))
	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = AuthModeHeader
	}
	if strings.TrimSpace(cfg.Auth.Header) == "" {
		cfg.Auth.Header = defaultAuthHeader
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		if cfg.Service.Mode == ServiceModeSingle {
			cfg.Store.Backend = defaultStoreBackendSingle
		} else {
			cfg.Store.Backend = defaultStoreBackendNATS
		}
	}
	if strings.TrimSpace(cfg.Store.KVBucket) == "" {
		cfg.Store.KVBucket = defaultKVBucket
	}
	if cfg.Store.Postgres.MaxOpenConns <= 0 {
		cfg.Store.Postgres.MaxOpenConns = defaultPostgresMaxConns
	}
	if cfg.Store.Postgres.MigrateOnStart == nil {
		migrate := true
		cfg.Store.Postgres.MigrateOnStart = &migrate
	}

	if cfg.Scorer.Jitter == nil {
		jitter := defaultScorerJitter
		cfg.Scorer.Jitter = &jitter
	}

	if strings.TrimSpace(cfg.SafeCircle.MinSeverity) == "" {
		cfg.SafeCircle.MinSeverity = defaultMinSeverity
	}
	cfg.SafeCircle.MinSeverity = strings.ToLower(strings.TrimSpace(cfg.SafeCircle.MinSeverity))
	if cfg.SafeCircle.MaxParallel <= 0 {
		cfg.SafeCircle.MaxParallel = defaultMaxParallel
	}
	if cfg.SafeCircle.AttemptTimeoutMS <= 0 {
		cfg.SafeCircle.AttemptTimeoutMS = defaultAttemptTimeoutMS
	}

	cfg.Notify.Email.Provider = strings.ToLower(strings.TrimSpace(cfg.Notify.Email.Provider))
	if cfg.Notify.Email.Provider == "" {
		cfg.Notify.Email.Provider = defaultEmailProvider
	}
	if strings.TrimSpace(cfg.Notify.Email.From) == "" {
		cfg.Notify.Email.From = defaultEmailFrom
	}
	if cfg.Notify.Email.SMTP.Port <= 0 {
		cfg.Notify.Email.SMTP.Port = defaultSMTPPort
	}
	if strings.TrimSpace(cfg.Notify.Email.API.URL) == "" {
		cfg.Notify.Email.API.URL = defaultEmailAPIURL
	}
	if cfg.Notify.Email.API.TimeoutSec <= 0 {
		cfg.Notify.Email.API.TimeoutSec = defaultNotifyTimeoutSec
	}
	fillNotifyRetryDefaults(&cfg.Notify.Email.Retry)
	if cfg.Notify.SMS.Method == "" {
		cfg.Notify.SMS.Method = "POST"
	}
	if cfg.Notify.SMS.TimeoutSec <= 0 {
		cfg.Notify.SMS.TimeoutSec = defaultNotifyTimeoutSec
	}
	fillNotifyRetryDefaults(&cfg.Notify.SMS.Retry)
	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = "https://api.telegram.org"
	}
	fillNotifyRetryDefaults(&cfg.Notify.Telegram.Retry)

	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.NATS.Enabled = false
		cfg.Queue.Enabled = false
		cfg.Queue.DLQ = false
		cfg.NATS.URL = nil
	} else {
		cfg.NATS.URL = normalizeNATSURLs(cfg.NATS.URL)
		if len(cfg.NATS.URL) == 0 {
			cfg.NATS.URL = []string{defaultNATSURL}
		}
	}
	cfg.Queue.URL = append([]string(nil), cfg.NATS.URL...)
	fillConsumerDefaults(&cfg.Queue.Workers, &cfg.Queue.AckWaitSec, &cfg.Queue.NackDelayMS, &cfg.Queue.MaxDeliver, &cfg.Queue.MaxAckPending)

	cfg.Ingest.NATS.URL = append([]string(nil), cfg.NATS.URL...)
	cfg.Ingest.NATS.Subject = defaultCommentSubject
	cfg.Ingest.NATS.Stream = defaultCommentStream
	cfg.Ingest.NATS.ConsumerName = defaultCommentConsumer
	cfg.Ingest.NATS.DeliverGroup = defaultCommentGroup
	fillConsumerDefaults(&cfg.Ingest.NATS.Workers, &cfg.Ingest.NATS.AckWaitSec, &cfg.Ingest.NATS.NackDelayMS, &cfg.Ingest.NATS.MaxDeliver, &cfg.Ingest.NATS.MaxAckPending)

	if strings.TrimSpace(cfg.Simulator.UserID) == "" {
		cfg.Simulator.UserID = defaultSimulatorUser
	}
	if cfg.Simulator.IntervalMS <= 0 {
		cfg.Simulator.IntervalMS = defaultSimulatorInterval
	}
	if cfg.Simulator.Probability == 0 {
		cfg.Simulator.Probability = defaultSimulatorChance
	}
	if len(cfg.Simulator.Platforms) == 0 {
		cfg.Simulator.Platforms = []string{
			string(domain.PlatformTwitter),
			string(domain.PlatformInstagram),
			string(domain.PlatformTikTok),
		}
	}
}

// fillConsumerDefaults normalizes JetStream consumer knobs shared by ingest and queue.
func fillConsumerDefaults(workers, ackWaitSec, nackDelayMS, maxDeliver, maxAckPending *int) {
	if *workers == 0 {
		*workers = defaultQueueWorkers
	}
	if *ackWaitSec <= 0 {
		*ackWaitSec = defaultAckWaitSec
	}
	if *nackDelayMS < 0 {
		*nackDelayMS = 0
	}
	if *nackDelayMS == 0 {
		*nackDelayMS = defaultNackDelayMS
	}
	if *maxDeliver == 0 {
		*maxDeliver = defaultMaxDeliver
	}
	if *maxAckPending <= 0 {
		*maxAckPending = defaultMaxAckPending
	}
}

// fillNotifyRetryDefaults normalizes retry policy fields for one channel.
// Params: retry policy pointer.
// Returns: policy defaults applied in place.
func fillNotifyRetryDefaults(retry *NotifyRetry) {
	if retry == nil {
		return
	}
	if retry.Backoff == "" {
		retry.Backoff = defaultRetryBackoff
	}
	if retry.InitialMS <= 0 {
		retry.InitialMS = defaultRetryInitialMS
	}
	if retry.MaxMS <= 0 {
		retry.MaxMS = defaultRetryMaxMS
	}
}

// validateConfig validates full runtime configuration.
// Params: cfg snapshot to validate.
// Returns: first validation error with section.key path.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}

	for path, value := range map[string]string{
		"http.listen":       cfg.HTTP.Listen,
		"http.health_path":  cfg.HTTP.HealthPath,
		"http.ready_path":   cfg.HTTP.ReadyPath,
		"http.metrics_path": cfg.HTTP.MetricsPath,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s is required", path)
		}
	}
	if cfg.HTTP.APIPrefix == "/" {
		return errors.New("http.api_prefix must not be root")
	}

	switch cfg.Auth.Mode {
	case AuthModeHeader:
	case AuthModeJWT:
		if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
			return errors.New("auth.jwt_secret is required when auth.mode=jwt")
		}
	default:
		return fmt.Errorf("auth.mode has unsupported value %q", cfg.Auth.Mode)
	}

	if mode == ServiceModeNATS {
		for i, url := range cfg.NATS.URL {
			if strings.TrimSpace(url) == "" {
				return fmt.Errorf("nats.url[%d] is empty", i)
			}
		}
	}

	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendNATS:
		if mode == ServiceModeSingle {
			return errors.New("store.backend=nats requires service.mode=nats")
		}
	case StoreBackendPostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			return errors.New("store.postgres.dsn is required when store.backend=postgres")
		}
	default:
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Store.Backend)
	}

	if jitter := *cfg.Scorer.Jitter; jitter < 0 || jitter > maxScorerJitter {
		return fmt.Errorf("scorer.jitter must be within [0, %.1f]", maxScorerJitter)
	}

	if _, err := domain.ParseSeverity(cfg.SafeCircle.MinSeverity); err != nil {
		return fmt.Errorf("safecircle.min_severity: %w", err)
	}

	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}

	if cfg.Queue.Enabled {
		if err := validateConsumer("queue", cfg.Queue.Workers, cfg.Queue.AckWaitSec, cfg.Queue.NackDelayMS, cfg.Queue.MaxDeliver, cfg.Queue.MaxAckPending); err != nil {
			return err
		}
	}
	if cfg.Queue.DLQ && !cfg.Queue.Enabled {
		return errors.New("queue.dlq requires queue.enabled=true")
	}
	if cfg.Ingest.NATS.Enabled {
		nats := cfg.Ingest.NATS
		if err := validateConsumer("ingest.nats", nats.Workers, nats.AckWaitSec, nats.NackDelayMS, nats.MaxDeliver, nats.MaxAckPending); err != nil {
			return err
		}
	}

	if cfg.Simulator.Enabled {
		if cfg.Simulator.Probability < 0 || cfg.Simulator.Probability > 1 {
			return errors.New("simulator.probability must be within [0, 1]")
		}
		for i, raw := range cfg.Simulator.Platforms {
			if _, err := domain.ParsePlatform(raw); err != nil {
				return fmt.Errorf("simulator.platforms[%d]: %w", i, err)
			}
		}
	}
	return nil
}

// validateNotify validates enabled channel transports and template overrides.
// Params: notify section.
// Returns: first channel validation error.
func validateNotify(cfg NotifyConfig) error {
	if cfg.Email.Enabled {
		switch cfg.Email.Provider {
		case EmailProviderSMTP:
			if strings.TrimSpace(cfg.Email.SMTP.Host) == "" {
				return errors.New("notify.email.smtp.host is required when notify.email.provider=smtp")
			}
		case EmailProviderAPI:
			if strings.TrimSpace(cfg.Email.API.APIKey) == "" {
				return errors.New("notify.email.api.api_key is required when notify.email.provider=api")
			}
		default:
			return fmt.Errorf("notify.email.provider has unsupported value %q", cfg.Email.Provider)
		}
	}
	if cfg.SMS.Enabled && strings.TrimSpace(cfg.SMS.URL) == "" {
		return errors.New("notify.sms.url is required when notify.sms.enabled=true")
	}
	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
	}
	for _, channel := range NotifyChannelNames() {
		retry := NotifyChannelRetry(cfg, channel)
		switch strings.ToLower(retry.Backoff) {
		case "exponential", "fixed":
		default:
			return fmt.Errorf("notify.%s.retry.backoff has unsupported value %q", channel, retry.Backoff)
		}
		if retry.MaxAttempts < 0 {
			return fmt.Errorf("notify.%s.retry.max_attempts must be >=0", channel)
		}
	}

	for path, body := range map[string]string{
		"notify.template.alert":             cfg.Template.Alert,
		"notify.template.emergency":         cfg.Template.Emergency,
		"notify.template.alert_subject":     cfg.Template.AlertSubject,
		"notify.template.emergency_subject": cfg.Template.EmergencySubject,
	} {
		if strings.TrimSpace(body) == "" {
			continue
		}
		if err := validateMessageTemplate(path, body); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cfg.Template.EmailHTML) != "" {
		if _, err := templatefmt.ParseHTMLTemplate("notify.template.email_html", cfg.Template.EmailHTML); err != nil {
			return fmt.Errorf("notify.template.email_html is invalid: %w", err)
		}
	}
	return nil
}

// validateConsumer validates JetStream consumer knobs for one section.
func validateConsumer(section string, workers, ackWaitSec, nackDelayMS, maxDeliver, maxAckPending int) error {
	if workers <= 0 {
		return fmt.Errorf("%s.workers must be >0", section)
	}
	if ackWaitSec <= 0 {
		return fmt.Errorf("%s.ack_wait_sec must be >0", section)
	}
	if nackDelayMS < 0 {
		return fmt.Errorf("%s.nack_delay_ms must be >=0", section)
	}
	if maxDeliver == 0 || maxDeliver < -1 {
		return fmt.Errorf("%s.max_deliver must be -1 or >0", section)
	}
	if maxAckPending <= 0 {
		return fmt.Errorf("%s.max_ack_pending must be >0", section)
	}
	return nil
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
// Params: normalized mode value.
// Returns: true for known modes.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}

// NotifyChannelNames returns deterministic list of supported channel keys.
// Params: none.
// Returns: ordered channel key list.
func NotifyChannelNames() []string {
	out := make([]string, len(notifyChannelOrder))
	copy(out, notifyChannelOrder)
	return out
}

// NotifyChannelEnabled checks if channel transport is enabled globally.
// Params: global notify config and channel key.
// Returns: true when corresponding transport section is enabled.
func NotifyChannelEnabled(cfg NotifyConfig, channel string) bool {
	descriptor, ok := notifyChannelRegistry[strings.ToLower(strings.TrimSpace(channel))]
	if !ok {
		return false
	}
	return descriptor.enabled(cfg)
}

// NotifyChannelRetry returns retry policy for one channel.
// Params: global notify config and channel key.
// Returns: retry policy for channel transport.
func NotifyChannelRetry(cfg NotifyConfig, channel string) NotifyRetry {
	descriptor, ok := notifyChannelRegistry[strings.ToLower(strings.TrimSpace(channel))]
	if !ok {
		return NotifyRetry{}
	}
	return descriptor.retry(cfg)
}

// validateMessageTemplate parses one text template and checks it is non-empty.
// Params: field path and template body.
// Returns: parse/empty error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return fmt.Errorf("%s is required", path)
	}
	if _, err := templatefmt.ParseNotificationTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
