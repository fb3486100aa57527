package httpboundary

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// encodeHeaders serializes the subset of response headers worth replaying
// (everything except hop-by-hop framing headers set by the transport).
func encodeHeaders(h http.Header) string {
	clean := make(map[string][]string, len(h))
	for k, v := range h {
		if k == "Date" || k == "Content-Length" {
			continue
		}
		clean[k] = v
	}
	encoded, err := json.Marshal(clean)
	if err != nil {
		return "{}"
	}
	return string(encoded)
}

// decodeHeaders is the inverse of encodeHeaders; a malformed or empty blob
// decodes to no headers rather than an error, since a cache hit should
// never fail just because the stored header set is unreadable.
func decodeHeaders(raw string) map[string][]string {
	if raw == "" {
		return nil
	}
	var headers map[string][]string
	if err := json.Unmarshal([]byte(raw), &headers); err != nil {
		return nil
	}
	return headers
}

func newByteReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
