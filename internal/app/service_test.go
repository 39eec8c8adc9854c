package app

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"aegis/internal/clock"
	"aegis/internal/config"
)

const singleModeTOML = `
[service]
mode = "single"

[log.console]
enabled = true
level = "error"

[scorer]
jitter = 0.0
`

func writeConfig(t *testing.T, body string) config.ConfigSource {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aegis.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return config.ConfigSource{File: path}
}

func TestServiceProbesAndAPI(t *testing.T) {
	t.Parallel()

	service, err := NewService(writeConfig(t, singleModeTOML), clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer func() { _ = service.shutdown() }()
	handler := service.Handler()

	probe := func(path string) *httptest.ResponseRecorder {
		response := httptest.NewRecorder()
		handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, path, nil))
		return response
	}

	if response := probe("/healthz"); response.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", response.Code)
	}
	if response := probe("/readyz"); response.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz must fail before start, got %d", response.Code)
	}
	service.SetReady(true)
	if response := probe("/readyz"); response.Code != http.StatusOK {
		t.Fatalf("readyz status=%d", response.Code)
	}

	request := httptest.NewRequest(http.MethodPost, "/v1/comments", strings.NewReader(`{"platform":"twitter","text":"I know where you live","author":"@x"}`))
	request.Header.Set("X-User-ID", "u1")
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, request)
	if response.Code != http.StatusCreated {
		t.Fatalf("comment status=%d body=%s", response.Code, response.Body.String())
	}

	metrics := probe("/metrics")
	if metrics.Code != http.StatusOK || !strings.Contains(metrics.Body.String(), `aegis_alerts_total{severity="critical"} 1`) {
		t.Fatalf("metrics must count alert: %s", metrics.Body.String())
	}
}

func TestServiceRejectsBadConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "min severity", mutate: func(cfg *config.Config) { cfg.SafeCircle.MinSeverity = "extreme" }},
		{name: "jwt without secret", mutate: func(cfg *config.Config) { cfg.Auth.Mode = config.AuthModeJWT }},
		{name: "simulator platform", mutate: func(cfg *config.Config) {
			cfg.Simulator.Enabled = true
			cfg.Simulator.Platforms = []string{"myspace"}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Log.Console.Level = "error"
			tc.mutate(&cfg)
			if _, err := NewServiceFromConfig(cfg, clock.RealClock{}); err == nil {
				t.Fatalf("expected setup error")
			}
		})
	}
}

func TestServiceRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	cfg, err := config.LoadSnapshot(writeConfig(t, singleModeTOML+"\n[http]\nlisten = \""+addr+"\"\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	service, err := NewServiceFromConfig(cfg, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		response, err := http.Get("http://" + addr + "/readyz")
		if err == nil {
			_ = response.Body.Close()
			if response.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("service never became ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}
