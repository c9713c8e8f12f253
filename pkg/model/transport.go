package model

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/odvcencio/hypogate/pkg/logging"
)

var redactedHeaders = map[string]bool{
	"Authorization": true,
	"X-Api-Key":     true,
	"Cookie":        true,
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// NewLoggingTransport wraps base so each round trip emits one debug record.
// Response bodies are left untouched so event streams flow through.
func NewLoggingTransport(base http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	log := logging.OrDiscard(logger, logging.CategoryModel)
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		started := time.Now()
		resp, err := base.RoundTrip(req)
		elapsed := time.Since(started)
		if err != nil {
			log.Debug("model round trip failed",
				"method", req.Method,
				"url", req.URL.Redacted(),
				"headers", headerSummary(req.Header),
				"elapsed", elapsed,
				"error", err)
			return nil, err
		}
		log.Debug("model round trip",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"status", resp.StatusCode,
			"request_id", resp.Header.Get("X-Request-Id"),
			"elapsed", elapsed)
		return resp, nil
	})
}

// headerSummary flattens headers for logging with credentials masked.
func headerSummary(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key := range h {
		canonical := http.CanonicalHeaderKey(key)
		if redactedHeaders[canonical] {
			out[canonical] = "***"
			continue
		}
		out[canonical] = h.Get(key)
	}
	return out
}
