package httpx

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"

	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
)

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an error response with the given status code and error message.
func RespondError(w http.ResponseWriter, status int, err error) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
	}
	RespondJSON(w, status, response)
}

// RespondErrorString writes an error response with the given status code and error message string.
func RespondErrorString(w http.ResponseWriter, status int, message string) {
	response := ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	RespondJSON(w, status, response)
}

// RespondText writes a plain-text response.
func RespondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		logging.Debug().Err(err).Msg("Failed to write text response")
	}
}

// CachePolicy describes shared-cache headers for a response.
type CachePolicy struct {
	SMaxAge              int // seconds
	StaleWhileRevalidate int // seconds, 0 omits the directive
	CDN                  bool
}

// Apply sets Cache-Control (and CDN-Cache-Control when CDN is set).
func (p CachePolicy) Apply(h http.Header) {
	cc := "public, s-maxage=" + strconv.Itoa(p.SMaxAge)
	if p.StaleWhileRevalidate > 0 {
		cc += ", stale-while-revalidate=" + strconv.Itoa(p.StaleWhileRevalidate)
	}
	h.Set("Cache-Control", cc)
	if p.CDN {
		cdn := "public, s-maxage=" + strconv.Itoa(p.SMaxAge)
		h.Set("CDN-Cache-Control", cdn)
		h.Set("Vercel-CDN-Cache-Control", cdn)
	}
}

// ETag returns a strong entity tag for body.
func ETag(body []byte) string {
	return `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
}

// NotModified reports whether the request's If-None-Match matches etag.
func NotModified(r *http.Request, etag string) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	for _, tag := range strings.Split(inm, ",") {
		tag = strings.TrimSpace(tag)
		if tag == "*" || tag == etag || strings.TrimPrefix(tag, "W/") == etag {
			return true
		}
	}
	return false
}

// RespondCachedJSON encodes data once, tags it and honours If-None-Match.
func RespondCachedJSON(w http.ResponseWriter, r *http.Request, data interface{}, policy CachePolicy) {
	body, err := json.Marshal(data)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, err)
		return
	}

	etag := ETag(body)
	h := w.Header()
	policy.Apply(h)
	h.Set("ETag", etag)

	if NotModified(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logging.Debug().Err(err).Msg("Failed to write JSON response")
	}
}
