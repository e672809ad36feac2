// Package model defines the types exchanged between the proxy layers.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is an incoming request on its way to the target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	URL    *url.URL
	Header http.Header
	Body   io.ReadCloser
	// ContentLength follows http.Request: -1 means unknown.
	ContentLength int64
}

// ProxyResponse is the target's response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
