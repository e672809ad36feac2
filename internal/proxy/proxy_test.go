package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cors-proxy-go/internal/server"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoUpstream answers "upstream:<METHOD> <URI>".
func echoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "upstream:%s %s", r.Method, r.URL.RequestURI())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startProxy starts p on an ephemeral port and returns its base URL.
func startProxy(t *testing.T, p *Proxy) string {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(context.Background()) })

	port, err := p.Port()
	if err != nil {
		t.Fatalf("Port() error = %v", err)
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func newTestProxy(t *testing.T, cfg Config) *Proxy {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	p, err := New(cfg, discardLogger(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func do(t *testing.T, method, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return resp, string(body)
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing target", Config{}},
		{"ftp target", Config{Target: "ftp://example.com"}},
		{"negative port", Config{Target: "http://example.com", Port: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg, discardLogger(), nil); err == nil {
				t.Fatal("New() expected error, got nil")
			}
		})
	}
}

func TestProxy_Lifecycle(t *testing.T) {
	p := newTestProxy(t, Config{Target: "http://example.com"})

	if p.IsRunning() {
		t.Fatal("IsRunning() = true before Start")
	}
	if _, err := p.Port(); !errors.Is(err, server.ErrNotRunning) {
		t.Errorf("Port() before Start error = %v, want ErrNotRunning", err)
	}

	base := startProxy(t, p)
	if !p.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if !strings.HasPrefix(base, "http://127.0.0.1:") {
		t.Errorf("base = %q", base)
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("repeated Stop() error = %v", err)
	}
	if p.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if _, err := p.Port(); !errors.Is(err, server.ErrNotRunning) {
		t.Errorf("Port() after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestProxy_ForwardsGET(t *testing.T) {
	upstream := echoUpstream(t)
	base := startProxy(t, newTestProxy(t, Config{Target: upstream.URL}))

	resp, body := do(t, http.MethodGet, base+"/", nil)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if body != "upstream:GET /" {
		t.Errorf("body = %q, want %q", body, "upstream:GET /")
	}
	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
	if v := resp.Header.Get("Content-Type"); v != "text/plain" {
		t.Errorf("Content-Type = %q, want upstream's %q", v, "text/plain")
	}
}

func TestProxy_ForwardsPathAndQuery(t *testing.T) {
	upstream := echoUpstream(t)
	base := startProxy(t, newTestProxy(t, Config{Target: upstream.URL + "/v1?key=abc"}))

	resp, body := do(t, http.MethodDelete, base+"/users/5?key=mine&x=1", nil)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	want := "upstream:DELETE /v1/users/5?key=mine&x=1"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestProxy_ForwardsExtensionMethods(t *testing.T) {
	upstream := echoUpstream(t)
	base := startProxy(t, newTestProxy(t, Config{Target: upstream.URL}))

	for _, method := range []string{"PURGE", "LINK", "MKCOL", "QUERY"} {
		t.Run(method, func(t *testing.T) {
			resp, body := do(t, method, base+"/x", nil)

			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			if want := "upstream:" + method + " /x"; body != want {
				t.Errorf("body = %q, want %q", body, want)
			}
			if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
			}
		})
	}
}

func TestProxy_PassesUpstreamStatusAndHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Client"); got != "yes" {
			t.Errorf("upstream X-Client = %q, want %q", got, "yes")
		}
		w.Header().Set("Www-Authenticate", `Bearer realm="api"`)
		w.Header().Set("Access-Control-Allow-Origin", "https://upstream-only.example")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("denied"))
	}))
	defer upstream.Close()

	base := startProxy(t, newTestProxy(t, Config{Target: upstream.URL}))

	resp, body := do(t, http.MethodGet, base+"/secret", http.Header{"X-Client": {"yes"}})

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if body != "denied" {
		t.Errorf("body = %q, want %q", body, "denied")
	}
	if v := resp.Header.Get("Www-Authenticate"); v != `Bearer realm="api"` {
		t.Errorf("Www-Authenticate = %q", v)
	}
	if got := resp.Header.Values("Access-Control-Allow-Origin"); len(got) != 1 || got[0] != "*" {
		t.Errorf("Access-Control-Allow-Origin = %v, want [*]", got)
	}
	if v := resp.Header.Get("Access-Control-Expose-Headers"); !strings.Contains(v, "www-authenticate") {
		t.Errorf("Access-Control-Expose-Headers = %q, want www-authenticate", v)
	}
}

func TestProxy_StreamsRequestBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	}))
	defer upstream.Close()

	base := startProxy(t, newTestProxy(t, Config{Target: upstream.URL}))

	payload := strings.Repeat("stream-me;", 100_000)
	resp, err := http.Post(base+"/echo", "text/plain", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != payload {
		t.Errorf("echoed %d bytes, want %d", len(body), len(payload))
	}
}

func TestProxy_StreamsResponseIncrementally(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: first\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "data: second\n\n")
	}))
	defer upstream.Close()
	defer close(release)

	base := startProxy(t, newTestProxy(t, Config{Target: upstream.URL}))

	resp, err := http.Get(base + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The first event must arrive while the upstream is still holding the
	// stream open.
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if line != "data: first\n" {
		t.Errorf("first line = %q, want %q", line, "data: first\n")
	}
	if v := resp.Header.Get("Transfer-Encoding"); v != "" {
		t.Errorf("Transfer-Encoding header = %q, want none", v)
	}
}

func TestProxy_PreflightWildcard(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("preflight must not reach the upstream")
	}))
	defer upstream.Close()

	base := startProxy(t, newTestProxy(t, Config{Target: upstream.URL}))

	resp, body := do(t, http.MethodOptions, base+"/anything", http.Header{
		"Origin": {"http://caller.com"},
	})

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if body != "" {
		t.Errorf("body = %q, want empty", body)
	}
	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
	if v := resp.Header.Get("Access-Control-Allow-Credentials"); v != "" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want empty", v)
	}
}

func TestProxy_PreflightCredentials(t *testing.T) {
	base := startProxy(t, newTestProxy(t, Config{
		Target:           "http://127.0.0.1:1",
		AllowCredentials: true,
	}))

	resp, _ := do(t, http.MethodOptions, base+"/", http.Header{
		"Origin": {"http://caller.com"},
	})

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "http://caller.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "http://caller.com")
	}
	if v := resp.Header.Get("Access-Control-Allow-Credentials"); v != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want %q", v, "true")
	}
}

func TestNewMCP_PreflightAllowsMCPHeaders(t *testing.T) {
	p, err := NewMCP(Config{Target: "http://127.0.0.1:1", Host: "127.0.0.1"}, discardLogger(), nil)
	if err != nil {
		t.Fatalf("NewMCP() error = %v", err)
	}
	base := startProxy(t, p)

	resp, _ := do(t, http.MethodOptions, base+"/mcp", nil)

	allow := strings.ToLower(resp.Header.Get("Access-Control-Allow-Headers"))
	for _, name := range []string{"mcp-session-id", "mcp-protocol-version"} {
		if !strings.Contains(allow, name) {
			t.Errorf("Access-Control-Allow-Headers = %q, missing %q", allow, name)
		}
	}
	expose := resp.Header.Get("Access-Control-Expose-Headers")
	if !strings.Contains(expose, "mcp-session-id") {
		t.Errorf("Access-Control-Expose-Headers = %q, missing mcp-session-id", expose)
	}
}

func TestProxy_UnreachableUpstream(t *testing.T) {
	// Reserve a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dead := ln.Addr().String()
	_ = ln.Close()

	base := startProxy(t, newTestProxy(t, Config{
		Target:           "http://" + dead,
		AllowCredentials: true,
	}))

	resp, body := do(t, http.MethodGet, base+"/x", http.Header{"Origin": {"http://caller.com"}})

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "http://caller.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "http://caller.com")
	}
	if v := resp.Header.Get("Access-Control-Allow-Methods"); v == "" {
		t.Error("Access-Control-Allow-Methods missing on error response")
	}
	if !strings.HasPrefix(body, "proxy error: ") {
		t.Errorf("body = %q, want a proxy error description", body)
	}

	// The listener survives the failed exchange.
	if resp, _ := do(t, http.MethodOptions, base+"/", nil); resp.StatusCode != http.StatusNoContent {
		t.Errorf("follow-up preflight status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
}

func TestProxy_ConcurrentExchanges(t *testing.T) {
	upstream := echoUpstream(t)
	base := startProxy(t, newTestProxy(t, Config{Target: upstream.URL}))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(fmt.Sprintf("%s/item/%d", base, i))
			if err != nil {
				errs <- err
				return
			}
			defer func() { _ = resp.Body.Close() }()
			body, _ := io.ReadAll(resp.Body)
			if want := fmt.Sprintf("upstream:GET /item/%d", i); string(body) != want {
				errs <- fmt.Errorf("body = %q, want %q", body, want)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestProxy_StopAbandonsInFlight(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-r.Context().Done()
	}))
	defer upstream.Close()

	px := newTestProxy(t, Config{Target: upstream.URL})
	base := startProxy(t, px)

	done := make(chan error, 1)
	go func() {
		resp, err := http.Get(base + "/hang")
		if err == nil {
			_ = resp.Body.Close()
		}
		done <- err
	}()

	<-entered
	stopped := make(chan struct{})
	go func() {
		_ = px.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() waited for the in-flight exchange")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request hung after Stop")
	}
}
