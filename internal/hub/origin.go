// internal/hub/origin.go
package hub

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/erilali/relay/internal/logger"
)

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// originChecker builds an upgrader CheckOrigin from an allow-list. Requests
// without an Origin header come from non-browser clients and are accepted.
func originChecker(origins []string, log *logger.Logger) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := false
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "*" {
			allowAll = true
			continue
		}
		if normalized, ok := normalizeOrigin(trimmed); ok {
			allowed[normalized] = struct{}{}
		} else if trimmed != "" {
			log.Warnf("Ignoring invalid origin in configuration: %q", origin)
		}
	}

	return func(r *http.Request) bool {
		header := r.Header.Get("Origin")
		if allowAll || header == "" {
			return true
		}
		normalized, ok := normalizeOrigin(header)
		if ok {
			if _, exists := allowed[normalized]; exists {
				return true
			}
		}
		log.Warnf("Blocked WebSocket connection from disallowed origin: %q", header)
		return false
	}
}
