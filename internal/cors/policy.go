// Package cors computes the permissive CORS response headers the proxy adds
// to every answer it gives a browser.
package cors

import (
	"net/http"
	"strings"
)

// Response and request header names used by the policy.
const (
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderExposeHeaders    = "Access-Control-Expose-Headers"
	HeaderRequestHeaders   = "Access-Control-Request-Headers"
	HeaderOrigin           = "Origin"
)

// allowMethods is sent verbatim on every response.
const allowMethods = "GET, POST, PUT, DELETE, OPTIONS, PATCH"

// defaultAllowHeaders are always allowed, whatever the configuration.
var defaultAllowHeaders = []string{
	"Origin",
	"Content-Type",
	"Accept",
	"Authorization",
	"Authentication",
}

// defaultExposeHeaders let client code read authentication challenges.
var defaultExposeHeaders = []string{
	"authorization",
	"www-authenticate",
}

// MCPHeaders are the headers the MCP streamable HTTP transport needs to
// cross origins.
var MCPHeaders = []string{
	"Mcp-Session-Id",
	"Mcp-Protocol-Version",
	"Last-Event-Id",
}

// Policy holds the configuration-derived part of the CORS headers. It is
// immutable after construction and safe for concurrent use.
type Policy struct {
	allowCredentials bool
	extraHeaders     []string // lower-cased, de-duplicated, in configuration order
	exposeHeaders    string
}

// NewPolicy creates a Policy. Extra header names are lower-cased once here.
func NewPolicy(allowCredentials bool, extraHeaders []string) *Policy {
	extra := normalize(extraHeaders)
	expose := make([]string, 0, len(defaultExposeHeaders)+len(extra))
	expose = append(expose, defaultExposeHeaders...)
	expose = union(expose, extra)

	return &Policy{
		allowCredentials: allowCredentials,
		extraHeaders:     extra,
		exposeHeaders:    strings.Join(expose, ", "),
	}
}

// NewMCPPolicy creates a Policy whose extra headers are seeded with
// MCPHeaders before the caller-supplied ones.
func NewMCPPolicy(allowCredentials bool, extraHeaders []string) *Policy {
	seeded := make([]string, 0, len(MCPHeaders)+len(extraHeaders))
	seeded = append(seeded, MCPHeaders...)
	seeded = append(seeded, extraHeaders...)
	return NewPolicy(allowCredentials, seeded)
}

// AllowCredentials reports whether the request Origin is echoed together
// with Access-Control-Allow-Credentials.
func (p *Policy) AllowCredentials() bool {
	return p.allowCredentials
}

// ExtraHeaders returns a copy of the normalized extra header names.
func (p *Policy) ExtraHeaders() []string {
	return append([]string(nil), p.extraHeaders...)
}

// AllowHeaders returns the header names allowed for a request: the defaults,
// the configured extras and every name listed in the request's
// Access-Control-Request-Headers, without case-insensitive duplicates.
func (p *Policy) AllowHeaders(reqHeader http.Header) []string {
	allowed := make([]string, 0, len(defaultAllowHeaders)+len(p.extraHeaders))
	allowed = append(allowed, defaultAllowHeaders...)
	allowed = union(allowed, p.extraHeaders)
	return union(allowed, requestedHeaders(reqHeader))
}

// Apply sets the CORS headers on dst for a request carrying reqHeader.
// Values already present in dst (for example from an upstream response) are
// replaced.
func (p *Policy) Apply(dst, reqHeader http.Header) {
	origin := reqHeader.Get(HeaderOrigin)
	if p.allowCredentials && origin != "" {
		dst.Set(HeaderAllowOrigin, origin)
		dst.Set(HeaderAllowCredentials, "true")
	} else {
		// A wildcard origin must never be paired with credentials.
		dst.Set(HeaderAllowOrigin, "*")
		dst.Del(HeaderAllowCredentials)
	}

	dst.Set(HeaderAllowMethods, allowMethods)
	dst.Set(HeaderAllowHeaders, strings.Join(p.AllowHeaders(reqHeader), ", "))
	dst.Set(HeaderExposeHeaders, p.exposeHeaders)
}

// requestedHeaders splits every Access-Control-Request-Headers value on
// commas, trimming blanks and dropping empty entries.
func requestedHeaders(reqHeader http.Header) []string {
	var names []string
	for _, v := range reqHeader.Values(HeaderRequestHeaders) {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

func normalize(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			out = union(out, []string{name})
		}
	}
	return out
}

// union appends the names of add not yet present in set, comparing
// case-insensitively and keeping first-seen spelling.
func union(set, add []string) []string {
	for _, name := range add {
		found := false
		for _, have := range set {
			if strings.EqualFold(have, name) {
				found = true
				break
			}
		}
		if !found {
			set = append(set, name)
		}
	}
	return set
}
