package main

import (
	"context"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/jkristoffer/bs-display-analytics/pkg/analytics"
	"github.com/jkristoffer/bs-display-analytics/pkg/logging"
	"github.com/jkristoffer/bs-display-analytics/pkg/sdk"
	"github.com/jkristoffer/bs-display-analytics/pkg/sdk/httpx"
)

var (
	paths = []string{"/", "/products", "/products/55", "/products/65", "/products/75", "/guides/classroom-setup", "/quiz"}

	referrers = []string{"", "https://www.google.com/", "https://www.bing.com/", "https://www.linkedin.com/"}

	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148",
		"Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X)",
	}
)

// runShopper browses the storefront with its own cookie jar so the
// middleware sees one session, and occasionally tracks an interaction,
// a quiz step or a conversion directly through the client.
func runShopper(ctx context.Context, client *sdk.Client, base string, every time.Duration, id int64) {
	log := logging.Component("shopper").With().Int64("shopper", id).Logger()

	jar, _ := cookiejar.New(nil)
	hc := &http.Client{Jar: jar, Timeout: 5 * time.Second}
	ua := userAgents[rand.IntN(len(userAgents))]
	ref := referrers[rand.IntN(len(referrers))]

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	views := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		path := paths[rand.IntN(len(paths))]
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			continue
		}
		req.Header.Set("User-Agent", ua)
		if views == 0 && ref != "" {
			req.Header.Set("Referer", ref)
		}

		resp, err := hc.Do(req)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Page view failed")
			continue
		}
		resp.Body.Close()
		views++

		session := sessionFrom(jar, base)
		if session == "" {
			continue
		}

		switch roll := rand.Float64(); {
		case roll < 0.05:
			client.Track(session, analytics.EventConversion, map[string]any{"path": path, "value": float64(100 + rand.IntN(900))})
			log.Info().Str("session", session).Msg("Conversion")
		case roll < 0.15 && path == "/quiz":
			client.Track(session, analytics.EventQuiz, map[string]any{"step": "completed"})
		case roll < 0.5:
			client.Track(session, analytics.EventInteraction, map[string]any{"path": path, "target": "cta"})
		}
	}
}

func sessionFrom(jar http.CookieJar, base string) string {
	req, err := http.NewRequest(http.MethodGet, base, nil)
	if err != nil {
		return ""
	}
	for _, c := range jar.Cookies(req.URL) {
		if c.Name == httpx.SessionCookie {
			return c.Value
		}
	}
	return ""
}
