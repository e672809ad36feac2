// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"

	"cors-proxy-go/internal/client"
	"cors-proxy-go/internal/model"
)

// skippedRequestHeaders are never copied to the outbound request; the
// client derives Host from the target authority.
var skippedRequestHeaders = map[string]bool{
	"Host": true,
}

// skippedResponseHeaders are never copied back to the caller. The serving
// layer recomputes the transfer coding.
var skippedResponseHeaders = map[string]bool{
	"Transfer-Encoding": true,
}

// ProxyService forwards requests to the target.
type ProxyService struct {
	client *client.UpstreamClient
	target *Target
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, target *Target, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		target: target,
		logger: logger.With("component", "proxy_service"),
	}
}

// Forward sends a ProxyRequest to the target with the same method, headers
// and streamed body, and returns the response with filtered headers.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	targetURL := BuildTargetURI(s.target, pr.URL)
	header := s.filterRequestHeaders(pr.Header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.URL.Path,
		"target", targetURL.Redacted(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, targetURL.String(), header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	if dropped := CopyHeaders(dst, src, skippedRequestHeaders); len(dropped) > 0 {
		s.logger.Debug("dropped request headers", "headers", dropped)
	}
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	if dropped := CopyHeaders(dst, src, skippedResponseHeaders); len(dropped) > 0 {
		s.logger.Debug("dropped response headers", "headers", dropped)
	}
	return dst
}
