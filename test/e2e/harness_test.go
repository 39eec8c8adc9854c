package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"aegis/internal/app"
	"aegis/internal/clock"
	"aegis/internal/config"
	"aegis/test/testutil"
)

// newServiceFromConfig creates Service from TOML body written to a temp file.
// Params: test handle and config body.
// Returns: initialized service instance.
func newServiceFromConfig(t *testing.T, body string) *app.Service {
	t.Helper()

	path := filepath.Join(t.TempDir(), "aegis.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	source, err := config.FromCLI(path, "")
	if err != nil {
		t.Fatalf("config source: %v", err)
	}
	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

// runService starts service in background with cancellable context.
// Params: test handle and initialized service.
// Returns: cancel callback and done channel with Run result.
func runService(t *testing.T, service *app.Service) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- service.Run(ctx)
	}()
	return cancel, done
}

// waitReady waits for /readyz endpoint to return 200.
func waitReady(t *testing.T, baseURL string) {
	t.Helper()
	waitFor(t, 8*time.Second, func() bool {
		response, err := http.Get(baseURL + "/readyz")
		if err != nil {
			return false
		}
		defer response.Body.Close()
		return response.StatusCode == http.StatusOK
	})
}

// waitServiceStop asserts service Run exits without error after cancellation.
func waitServiceStop(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case runErr := <-done:
		if runErr != nil {
			t.Fatalf("service run error: %v", runErr)
		}
	case <-time.After(8 * time.Second):
		t.Fatalf("service did not stop after cancel")
	}
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition")
}

func freePort(t *testing.T) int {
	t.Helper()
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	return port
}

// gatewayCall is one request captured by the channel mock.
type gatewayCall struct {
	Path string
	Body map[string]any
}

// gatewayMock stands in for SMS gateway and email API.
type gatewayMock struct {
	server *httptest.Server
	mu     sync.Mutex
	calls  []gatewayCall
}

func newGatewayMock(t *testing.T) *gatewayMock {
	t.Helper()
	mock := &gatewayMock{}
	mock.server = httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		raw, _ := io.ReadAll(request.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		mock.mu.Lock()
		mock.calls = append(mock.calls, gatewayCall{Path: request.URL.Path, Body: body})
		n := len(mock.calls)
		mock.mu.Unlock()
		writer.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(writer, `{"id":"msg-%d"}`, n)
	}))
	t.Cleanup(mock.server.Close)
	return mock
}

func (m *gatewayMock) snapshot() []gatewayCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gatewayCall(nil), m.calls...)
}

func (m *gatewayMock) countPath(path string) int {
	n := 0
	for _, call := range m.snapshot() {
		if call.Path == path {
			n++
		}
	}
	return n
}

// notifyConfig renders channel sections pointing at the gateway mock.
func notifyConfig(gatewayURL string) string {
	return fmt.Sprintf(`
[notify.email]
enabled = true
provider = "api"

[notify.email.api]
url = "%[1]s/email"
api_key = "test-key"

[notify.sms]
enabled = true
url = "%[1]s/sms"
`, gatewayURL)
}

// apiCall sends one JSON request as user and decodes the response into out when non-nil.
func apiCall(t *testing.T, method, url, user, body string, out any) int {
	t.Helper()
	request, err := http.NewRequest(method, url, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-User-ID", user)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer response.Body.Close()
	raw, _ := io.ReadAll(response.Body)
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, url, raw, err)
		}
	}
	return response.StatusCode
}
