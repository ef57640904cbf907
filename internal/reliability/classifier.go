package reliability

import "net/http"

// IsSuccessStatus reports whether a backend write was accepted. The transcript
// and memory endpoints acknowledge with exactly 200.
func IsSuccessStatus(code int) bool {
	return code == http.StatusOK
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes. Writes are never
// retried; this only shapes how a dropped write is logged.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// StatusClass buckets an HTTP status for metrics labels.
func StatusClass(code int) string {
	switch {
	case IsSuccessStatus(code):
		return "ok"
	case IsRetryableHTTPStatus(code):
		return "transient"
	case code >= 200 && code < 300:
		return "unexpected_2xx"
	default:
		return "rejected"
	}
}
