package httpx

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/sdk"
)

// SessionCookie holds the tracker session ID
const SessionCookie = "analytics_session"

const sessionMaxAge = 30 * time.Minute

var (
	numericSegment = regexp.MustCompile(`^\d+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

// Middleware returns HTTP middleware that tracks a page view per request.
// Each page view carries the normalized path, a coarse device type and
// the referrer: empty for direct visits, left out for navigation within
// the site so the session keeps its landing source. Requests without a
// session cookie get a new one.
//
// Usage:
//
//	client, _ := sdk.New(sdk.Config{...})
//	client.Start(ctx)
//	defer client.Stop()
//
//	handler := httpx.Middleware(client)(mux)
//	http.ListenAndServe(":8000", handler)
func Middleware(client *sdk.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := sessionID(w, r)

			next.ServeHTTP(w, r)

			data := map[string]any{
				"path":       normalizePath(r.URL.Path),
				"deviceType": deviceType(r.UserAgent()),
			}
			if ref, external := referrer(r); external {
				data["referrer"] = ref
			}
			client.Track(session, analytics.EventPageView, data)
		})
	}
}

// sessionID returns the request's session cookie, setting a fresh one if
// it is missing. The cookie is refreshed on every request.
func sessionID(w http.ResponseWriter, r *http.Request) string {
	id := ""
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		id = c.Value
	} else {
		id = uuid.NewString()
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// referrer returns the request's referrer and false when it points at
// the site itself. A missing referrer is a direct visit and returns "".
func referrer(r *http.Request) (string, bool) {
	ref := r.Referer()
	if ref == "" {
		return "", true
	}
	u, err := url.Parse(ref)
	if err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host) {
		return "", false
	}
	return ref, true
}

// deviceType buckets a user agent into mobile, tablet or desktop
func deviceType(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return "tablet"
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}

// normalizePath collapses whole-segment IDs so top-content lists group
// by page. Examples:
//   - /products/123 → /products/{id}
//   - /orders/3f2504e0-4f89-11d3-9a0c-0305e82c3301 → /orders/{id}
//   - /account/2fa → /account/2fa
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if numericSegment.MatchString(seg) || uuidSegment.MatchString(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}
