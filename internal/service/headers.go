package service

import (
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// CopyHeaders adds every value of src to dst except the names listed in
// skip (canonical form). Names and values the HTTP transport would reject
// are dropped one by one rather than failing the whole header set; the
// dropped names are returned.
func CopyHeaders(dst, src http.Header, skip map[string]bool) []string {
	var dropped []string
	for key, vals := range src {
		if skip[http.CanonicalHeaderKey(key)] {
			continue
		}
		if !httpguts.ValidHeaderFieldName(key) {
			dropped = append(dropped, key)
			continue
		}
		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				dropped = append(dropped, key)
				continue
			}
			dst.Add(key, v)
		}
	}
	return dropped
}
