package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"aegis/internal/alertqueue"
	"aegis/internal/clock"
	"aegis/internal/config"
	"aegis/internal/domain"
	"aegis/internal/httpapi"
	"aegis/internal/ingest"
	"aegis/internal/logging"
	"aegis/internal/metrics"
	"aegis/internal/notify"
	"aegis/internal/safecircle"
	"aegis/internal/scorer"
	"aegis/internal/simulate"
	"aegis/internal/store"
	"aegis/internal/templatefmt"
)

var metricNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable Aegis service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     store.Store
	metrics   *metrics.Metrics
	feed      alertqueue.Feed
	pipeline  *Pipeline
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	queueWork interface{ Close() error }
	queuePub  alertqueue.Producer
	simulator *simulate.Simulator
	simPub    interface{ Close() error }
	readyFlag atomic.Bool
	clock     clock.Clock
	workers   sync.WaitGroup
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	return NewServiceFromConfig(cfg, clk)
}

// NewServiceFromConfig builds service from an already loaded snapshot.
// Params: validated config and clock implementation.
// Returns: initialized service or setup error.
func NewServiceFromConfig(cfg config.Config, clk clock.Clock) (*Service, error) {
	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.New(metricNameSanitizer.ReplaceAllString(cfg.Service.Name, "_")),
		clock:    clk,
	}

	steps := []func() error{
		service.buildStore,
		service.buildFeed,
		service.buildQueueProducer,
		service.buildPipeline,
		service.buildQueueWorker,
		service.buildNATSSubscriber,
		service.buildSimulator,
		service.buildHTTPServer,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			service.cleanupInitResources()
			return nil, err
		}
	}
	return service, nil
}

// Handler returns root HTTP handler with probes, metrics, and API.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Pipeline returns wired comment pipeline.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// SetReady toggles readiness probe; Run flips it on after listeners start.
func (s *Service) SetReady(ready bool) {
	s.readyFlag.Store(ready)
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen, "mode", s.cfg.Service.Mode)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.simulator != nil {
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := s.simulator.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("simulator stopped", "error", err.Error())
			}
		}()
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		runCancel()
		return s.shutdown()
	case err := <-errChan:
		runCancel()
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		runCancel()
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" close failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s close: %w", name, err)
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		markErr("http server", err)
	}
	s.workers.Wait()
	if s.simPub != nil {
		markErr("simulator publisher", s.simPub.Close())
	}
	if s.natsSub != nil {
		markErr("nats subscriber", s.natsSub.Close())
	}
	if s.queueWork != nil {
		markErr("dispatch queue worker", s.queueWork.Close())
	}
	if s.queuePub != nil {
		markErr("dispatch queue producer", s.queuePub.Close())
	}
	if s.feed != nil {
		markErr("alert feed", s.feed.Close())
	}
	markErr("store", s.store.Close())
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.simPub != nil {
		_ = s.simPub.Close()
		s.simPub = nil
	}
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.queueWork != nil {
		_ = s.queueWork.Close()
		s.queueWork = nil
	}
	if s.queuePub != nil {
		_ = s.queuePub.Close()
		s.queuePub = nil
	}
	if s.feed != nil {
		_ = s.feed.Close()
		s.feed = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

func (s *Service) buildStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.Open(ctx, s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.store = st
	return nil
}

// buildFeed selects change feed: JetStream in nats mode, in-process otherwise.
func (s *Service) buildFeed() error {
	if isSingleMode(s.cfg) {
		s.feed = alertqueue.NewMemoryFeed()
		return nil
	}
	feed, err := alertqueue.NewNATSFeed(s.cfg.NATS.URL, s.logger)
	if err != nil {
		return err
	}
	s.feed = feed
	return nil
}

func (s *Service) buildQueueProducer() error {
	if isSingleMode(s.cfg) || !s.cfg.Queue.Enabled {
		return nil
	}
	producer, err := alertqueue.NewNATSProducer(s.cfg.Queue)
	if err != nil {
		return err
	}
	s.queuePub = producer
	return nil
}

// buildPipeline wires scorer, channel senders, and Safe Circle dispatcher.
// Params: none.
// Returns: setup error for templates, channels, or thresholds.
func (s *Service) buildPipeline() error {
	senders, err := notify.NewDispatcher(s.cfg.Notify, s.logger)
	if err != nil {
		return err
	}
	renderer, err := templatefmt.NewRenderer(s.cfg.Notify.Template.Overrides())
	if err != nil {
		return fmt.Errorf("build notification templates: %w", err)
	}
	fanout, err := safecircle.New(senders, s.store, renderer,
		safecircle.WithClock(s.clock),
		safecircle.WithLogger(s.logger),
		safecircle.WithObserver(s.metrics),
		safecircle.WithMaxParallel(s.cfg.SafeCircle.MaxParallel),
		safecircle.WithAttemptTimeout(time.Duration(s.cfg.SafeCircle.AttemptTimeoutMS)*time.Millisecond),
		safecircle.WithDetailsURL(s.cfg.SafeCircle.DetailsURL),
	)
	if err != nil {
		return err
	}

	minSeverity, err := domain.ParseSeverity(s.cfg.SafeCircle.MinSeverity)
	if err != nil {
		return fmt.Errorf("safecircle.min_severity: %w", err)
	}
	scorerOpts := []scorer.Option{
		scorer.WithKeywords(scorer.Keywords{
			Threats:    s.cfg.Scorer.Threats,
			HateSpeech: s.cfg.Scorer.HateSpeech,
			Harassment: s.cfg.Scorer.Harassment,
		}),
	}
	if s.cfg.Scorer.Jitter != nil {
		scorerOpts = append(scorerOpts, scorer.WithJitter(*s.cfg.Scorer.Jitter))
	}
	if s.cfg.Scorer.Seed != 0 {
		scorerOpts = append(scorerOpts, scorer.WithSeed(s.cfg.Scorer.Seed))
	}

	opts := []PipelineOption{
		WithPipelineClock(s.clock),
		WithPipelineLogger(s.logger),
		WithFeed(s.feed),
		WithMetrics(s.metrics),
		WithMinSeverity(minSeverity),
	}
	if s.queuePub != nil {
		opts = append(opts, WithQueue(s.queuePub))
	}
	pipeline, err := NewPipeline(scorer.New(scorerOpts...), s.store, fanout, opts...)
	if err != nil {
		return err
	}
	s.pipeline = pipeline
	return nil
}

func (s *Service) buildQueueWorker() error {
	if s.queuePub == nil {
		return nil
	}
	worker, err := alertqueue.NewNATSWorker(s.cfg.Queue, s.logger, s.pipeline.ProcessJob)
	if err != nil {
		return err
	}
	s.queueWork = worker
	return nil
}

// buildNATSSubscriber starts NATS comment ingest when enabled.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.pipeline, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildSimulator starts demo comment source; with NATS ingest it publishes
// into the comment stream instead of calling pipeline directly.
func (s *Service) buildSimulator() error {
	if !s.cfg.Simulator.Enabled {
		return nil
	}
	var sink ingest.CommentSink = s.pipeline
	if !isSingleMode(s.cfg) && s.cfg.Ingest.NATS.Enabled {
		publisher, err := ingest.NewNATSPublisher(s.cfg.Ingest.NATS)
		if err != nil {
			return err
		}
		s.simPub = publisher
		sink = publisher
	}
	simulator, err := simulate.New(s.cfg.Simulator, sink, s.clock, s.logger)
	if err != nil {
		return err
	}
	s.simulator = simulator
	return nil
}

// buildHTTPServer wires probes, metrics, and REST API onto one listener.
// Params: none.
// Returns: auth setup error.
func (s *Service) buildHTTPServer() error {
	auth, err := httpapi.NewAuthenticator(s.cfg.Auth)
	if err != nil {
		return err
	}
	api := httpapi.New(s.pipeline, httpapi.Options{
		Prefix:       s.cfg.HTTP.APIPrefix,
		MaxBodyBytes: s.cfg.HTTP.MaxBodyBytes,
		Auth:         auth,
		Metrics:      s.metrics,
		Logger:       s.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc("GET "+s.cfg.HTTP.ReadyPath, func(writer http.ResponseWriter, request *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		if err := s.store.Ping(request.Context()); err != nil {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("store-unavailable"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle("GET "+s.cfg.HTTP.MetricsPath, s.metrics.Handler())
	apiRoot := strings.TrimSuffix(s.cfg.HTTP.APIPrefix, "/") + "/"
	mux.Handle(apiRoot, api.Handler())

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
