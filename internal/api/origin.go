// internal/api/origin.go
// Normalizes configured origins and checks WebSocket upgrade requests against them.
package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/erilali/fanout/internal/logger"
)

// OriginChecker decides whether an upgrade request's Origin is allowed.
type OriginChecker struct {
	allowAll bool
	origins  map[string]struct{}
	logger   *logger.Logger
}

// NewOriginChecker builds a checker from configured origins. "*" allows
// every origin, including requests without an Origin header.
func NewOriginChecker(origins []string, log *logger.Logger) *OriginChecker {
	if log == nil {
		log = logger.Nop()
	}
	oc := &OriginChecker{origins: make(map[string]struct{}), logger: log}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			oc.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warnf("Ignoring invalid origin in configuration: %q", origin)
			continue
		}
		oc.origins[normalized] = struct{}{}
	}
	return oc
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (oc *OriginChecker) allows(header string) bool {
	if oc.allowAll {
		return true
	}
	if header == "" {
		return false
	}
	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	_, exists := oc.origins[normalized]
	return exists
}

// Check has the signature of websocket.Upgrader.CheckOrigin.
func (oc *OriginChecker) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if oc.allows(origin) {
		return true
	}
	oc.logger.Warnf("Blocked WebSocket connection from disallowed origin: %q", origin)
	return false
}
