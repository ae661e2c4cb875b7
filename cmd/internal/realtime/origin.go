package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// enforceOrigin applies the allowlist before the upgrade.
func enforceOrigin(r *http.Request, required bool, allowed []string) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if required {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(allowed) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match ignores scheme and port.
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns turns the allowlist into websocket.Accept host patterns
// so the accept-time check agrees with enforceOrigin for cross-origin peers.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

func allowsAnyOrigin(allowed []string) bool {
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return true
		}
	}
	return false
}
