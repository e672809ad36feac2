package service

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidTarget is returned when the target URI cannot be proxied to.
var ErrInvalidTarget = errors.New("invalid target URI")

// Target is a parsed target base URI. Its path is split into segments once
// so that building a request URI never re-parses it. A Target is immutable.
type Target struct {
	scheme   string
	user     *url.Userinfo
	hostname string
	port     int // explicit or scheme-implied; 0 when neither applies
	explicit bool

	segments []string // escaped, non-empty
	query    url.Values
}

// ParseTarget parses and validates a target base URI.
func ParseTarget(raw string) (*Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https; got %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, u.Redacted())
	}

	t := &Target{
		scheme:   scheme,
		user:     u.User,
		hostname: u.Hostname(),
		segments: splitSegments(u.EscapedPath()),
		query:    u.Query(),
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidTarget, p)
		}
		t.port = port
		t.explicit = true
	} else {
		t.port = defaultPort(scheme)
	}

	return t, nil
}

// Port returns the target's explicit port, else the scheme default
// (80 for http, 443 for https), else 0.
func (t *Target) Port() int {
	return t.port
}

// String returns the target base URI with any password redacted.
func (t *Target) String() string {
	u := &url.URL{
		Scheme: t.scheme,
		User:   t.user,
		Host:   t.host(),
	}
	if len(t.segments) > 0 {
		u.RawPath = "/" + strings.Join(t.segments, "/")
		u.Path, _ = url.PathUnescape(u.RawPath)
	}
	if len(t.query) > 0 {
		u.RawQuery = t.query.Encode()
	}
	return u.Redacted()
}

// host returns the authority host. A scheme-implied port is left implicit.
func (t *Target) host() string {
	if t.explicit {
		return net.JoinHostPort(t.hostname, strconv.Itoa(t.port))
	}
	if strings.Contains(t.hostname, ":") {
		return "[" + t.hostname + "]"
	}
	return t.hostname
}

// BuildTargetURI maps an incoming request URI onto the target. The path is
// the target's segments followed by the request's, each prefixed with "/"
// ("/" when there are none). The query is the target's parameters overlaid
// with the request's; a request parameter replaces every target value of
// the same name. Scheme, user info and host come from the target.
func BuildTargetURI(t *Target, reqURL *url.URL) *url.URL {
	segments := make([]string, 0, len(t.segments)+4)
	segments = append(segments, t.segments...)
	segments = append(segments, splitSegments(reqURL.EscapedPath())...)

	rawPath := "/" + strings.Join(segments, "/")
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		path = rawPath
	}

	u := &url.URL{
		Scheme:  t.scheme,
		User:    t.user,
		Host:    t.host(),
		Path:    path,
		RawPath: rawPath,
	}

	query := make(url.Values, len(t.query))
	for k, v := range t.query {
		query[k] = v
	}
	for k, v := range reqURL.Query() {
		query[k] = v
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	return u
}

func splitSegments(p string) []string {
	var segments []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func defaultPort(scheme string) int {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	default:
		return 0
	}
}
