package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/cors"
	"cors-proxy-go/internal/metrics"
	"cors-proxy-go/internal/middleware"
	"cors-proxy-go/internal/model"
	"cors-proxy-go/internal/service"
)

// userInfoPattern matches credentials embedded in URLs quoted by error messages.
var userInfoPattern = regexp.MustCompile(`(://[^:/@\s"]+:)[^@/\s"]+@`)

// Failure reasons used as log attributes and metric labels.
const (
	reasonTimeout    = "timeout"
	reasonCanceled   = "canceled"
	reasonDNS        = "dns"
	reasonConnection = "connection"
	reasonStream     = "stream"
	reasonOther      = "other"
)

// ProxyHandler forwards every non-preflight request to the target and
// streams the response back with CORS headers.
type ProxyHandler struct {
	service *service.ProxyService
	policy  *cors.Policy
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, policy *cors.Policy, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		policy:  policy,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to the target and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	logger := h.logger.With(
		"exchange_id", middleware.ExchangeID(c),
		"method", req.Method,
		"path", req.URL.Path,
	)

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URL:           req.URL,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, logger, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	for key, vals := range resp.Header {
		for _, v := range vals {
			res.Header().Add(key, v)
		}
	}
	h.policy.Apply(res.Header(), req.Header)

	res.WriteHeader(resp.StatusCode)

	var dst io.Writer = res
	if isStreaming(resp.Header) {
		dst = newFlushWriter(res)
	}

	// The status is already on the wire, so a failure from here on can
	// only truncate the body.
	if _, err := io.Copy(dst, resp.Body); err != nil {
		logger.Error("streaming response body", "err", sanitizeError(err))
		h.countError(reasonStream)
	}

	return nil
}

// mapError answers a failed exchange with 500, CORS headers and a plain
// text description so that browser code can read the failure.
func (h *ProxyHandler) mapError(c echo.Context, logger *slog.Logger, err error) error {
	reason := classifyError(err)
	msg := sanitizeError(err)

	logger.Error("proxy error", "err", msg, "reason", reason)
	h.countError(reason)

	h.policy.Apply(c.Response().Header(), c.Request().Header)
	return c.String(http.StatusInternalServerError, "proxy error: "+msg)
}

func (h *ProxyHandler) countError(reason string) {
	if h.metrics != nil {
		h.metrics.UpstreamErrors.WithLabelValues(reason).Inc()
	}
}

// classifyError maps an upstream failure to a bounded reason label.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return reasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return reasonCanceled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return reasonDNS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return reasonTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return reasonConnection
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return reasonConnection
	}

	return reasonOther
}

// sanitizeError redacts passwords from URLs embedded in error messages.
func sanitizeError(err error) string {
	return userInfoPattern.ReplaceAllString(err.Error(), "${1}xxxxx@")
}

// isStreaming reports whether a response body has to reach the caller chunk
// by chunk: event streams, and bodies of unknown length.
func isStreaming(h http.Header) bool {
	mediaType, _, _ := strings.Cut(h.Get(echo.HeaderContentType), ";")
	if strings.EqualFold(strings.TrimSpace(mediaType), "text/event-stream") {
		return true
	}
	return h.Get(echo.HeaderContentLength) == ""
}

// flushWriter flushes after every write so streamed responses reach the
// caller as the upstream produces them.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func newFlushWriter(res *echo.Response) *flushWriter {
	return &flushWriter{w: res, rc: http.NewResponseController(res.Writer)}
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if n > 0 {
		// Writers without flush support just buffer.
		_ = f.rc.Flush()
	}
	return n, err
}
