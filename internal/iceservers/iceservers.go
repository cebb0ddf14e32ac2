// Package iceservers turns loosely specified STUN/TURN server descriptors into
// canonical URIs and checks that they answer.
package iceservers

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	defaultPort    = 3478
	defaultTLSPort = 5349
)

// Server is one ICE server descriptor as it arrives from the room API or the
// config file. URLs accepts either a single string or a list in JSON.
type Server struct {
	URLs       URLList `json:"urls" yaml:"urls"`
	Username   string  `json:"username,omitempty" yaml:"username"`
	Credential string  `json:"credential,omitempty" yaml:"credential"`
}

// HasCredentials reports whether the descriptor carries TURN credentials.
func (s Server) HasCredentials() bool {
	return s.Username != "" || s.Credential != ""
}

// URLList is one-or-many URIs.
type URLList []string

func (l *URLList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*l = nil
			return nil
		}
		*l = URLList{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or a list of strings: %w", err)
	}
	*l = many
	return nil
}

// knownSTUNHosts are public services that never relay.
var knownSTUNHosts = map[string]struct{}{
	"stun.l.google.com":         {},
	"stun1.l.google.com":        {},
	"stun2.l.google.com":        {},
	"stun3.l.google.com":        {},
	"stun4.l.google.com":        {},
	"stun.cloudflare.com":       {},
	"global.stun.twilio.com":    {},
	"stun.services.mozilla.com": {},
	"stun.stunprotocol.org":     {},
	"stun.nextcloud.com":        {},
}

func isKnownSTUNHost(host string) bool {
	host = strings.ToLower(host)
	if _, ok := knownSTUNHosts[host]; ok {
		return true
	}
	label, _, _ := strings.Cut(host, ".")
	return strings.HasPrefix(label, "stun")
}

// Normalize rewrites every URI to carry an explicit stun:, turn: or turns:
// scheme and a port. Entries that cannot produce a host are dropped, and
// servers left with no URIs are dropped with them. Normalize is idempotent.
func Normalize(servers []Server) []Server {
	logger := zap.L().Named("iceservers")

	out := make([]Server, 0, len(servers))
	for _, server := range servers {
		urls := make(URLList, 0, len(server.URLs))
		for _, raw := range server.URLs {
			normalized, ok := normalizeURL(logger, raw, server.HasCredentials())
			if !ok {
				continue
			}
			urls = append(urls, normalized)
		}
		if len(urls) == 0 {
			logger.Warn("dropping ICE server without usable URLs", zap.Strings("urls", server.URLs))
			continue
		}
		out = append(out, Server{
			URLs:       urls,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return out
}

func normalizeURL(logger *zap.Logger, raw string, hasCredentials bool) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	if scheme, rest, ok := cutScheme(s); ok {
		return normalizePrefixed(logger, s, scheme, rest)
	}
	if scheme, rest, ok := cutSlashedScheme(s); ok {
		if base, query, found := strings.Cut(rest, "?"); found {
			rest = strings.TrimSuffix(base, "/") + "?" + query
		} else {
			rest = strings.TrimSuffix(rest, "/")
		}
		return normalizePrefixed(logger, scheme+":"+rest, scheme, rest)
	}

	tlsHint := false
	lower := strings.ToLower(s)
	for _, prefix := range []string{"tls://", "ssl://", "dtls://"} {
		if strings.HasPrefix(lower, prefix) {
			tlsHint = true
			s = s[len(prefix):]
			lower = lower[len(prefix):]
			break
		}
	}
	for _, prefix := range []string{"udp://", "tcp://", "//"} {
		if strings.HasPrefix(lower, prefix) {
			s = s[len(prefix):]
			break
		}
	}

	transport := ""
	if base, query, found := strings.Cut(s, "?"); found {
		s = base
		for _, kv := range strings.Split(query, "&") {
			key, value, _ := strings.Cut(kv, "=")
			if !strings.EqualFold(key, "transport") {
				continue
			}
			switch strings.ToLower(value) {
			case "tls", "ssl":
				tlsHint = true
			case "udp", "tcp":
				transport = strings.ToLower(value)
			}
		}
	}
	s = strings.TrimSuffix(s, "/")

	host, port, portErr := splitHostPort(s)
	if host == "" || strings.ContainsAny(host, "/@ \t") {
		logger.Warn("dropping unparseable ICE URL", zap.String("url", raw))
		return "", false
	}

	if portErr != nil {
		logger.Warn("unclassifiable ICE URL, treating as STUN",
			zap.String("url", raw), zap.Error(portErr))
		return formatURI("stun", host, defaultPort, ""), true
	}

	switch {
	case isKnownSTUNHost(host) || !hasCredentials:
		if port == 0 {
			port = defaultPort
		}
		return formatURI("stun", host, port, ""), true
	case port == defaultTLSPort || tlsHint:
		if port == 0 {
			port = defaultTLSPort
		}
		query := ""
		if transport == "tcp" {
			query = "transport=tcp"
		}
		return formatURI("turns", host, port, query), true
	default:
		if port == 0 {
			port = defaultPort
		}
		query := ""
		if transport != "" {
			query = "transport=" + transport
		}
		return formatURI("turn", host, port, query), true
	}
}

// normalizePrefixed leaves a scheme-prefixed URI untouched when it already
// names a port, and fills in the scheme default otherwise.
func normalizePrefixed(logger *zap.Logger, raw, scheme, rest string) (string, bool) {
	hostport, query, _ := strings.Cut(rest, "?")
	host, port, err := splitHostPort(hostport)
	if err == nil && port != 0 {
		if _, perr := stun.ParseURI(raw); perr != nil {
			logger.Warn("prefixed ICE URL does not parse", zap.String("url", raw), zap.Error(perr))
		}
		return raw, true
	}
	if host == "" {
		logger.Warn("dropping prefixed ICE URL without host", zap.String("url", raw))
		return "", false
	}

	port = defaultPort
	if scheme == "turns" {
		port = defaultTLSPort
	}
	if err != nil {
		logger.Warn("prefixed ICE URL has an invalid port, using default",
			zap.String("url", raw), zap.Int("port", port))
	}
	return formatURI(scheme, host, port, query), true
}

func cutScheme(s string) (scheme, rest string, ok bool) {
	lower := strings.ToLower(s)
	for _, candidate := range []string{"stun", "turn", "turns"} {
		prefix := candidate + ":"
		if strings.HasPrefix(lower, prefix) && !strings.HasPrefix(lower, prefix+"//") {
			return candidate, s[len(prefix):], true
		}
	}
	return "", "", false
}

// cutSlashedScheme accepts the URL-style stun://, turn:// and turns:// forms.
func cutSlashedScheme(s string) (scheme, rest string, ok bool) {
	lower := strings.ToLower(s)
	for _, candidate := range []string{"stun", "turn", "turns"} {
		prefix := candidate + "://"
		if strings.HasPrefix(lower, prefix) {
			return candidate, s[len(prefix):], true
		}
	}
	return "", "", false
}

// splitHostPort returns port 0 when none is present. Bare IPv6 literals are
// accepted without brackets.
func splitHostPort(s string) (string, int, error) {
	if strings.HasPrefix(s, "[") {
		end := strings.Index(s, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated IPv6 literal in %q", s)
		}
		host := s[1:end]
		rest := s[end+1:]
		if rest == "" {
			return host, 0, nil
		}
		if !strings.HasPrefix(rest, ":") {
			return host, 0, fmt.Errorf("unexpected %q after IPv6 literal", rest)
		}
		port, err := parsePort(rest[1:])
		return host, port, err
	}

	switch strings.Count(s, ":") {
	case 0:
		return s, 0, nil
	case 1:
		host, portStr, _ := strings.Cut(s, ":")
		port, err := parsePort(portStr)
		return host, port, err
	default:
		if ip := net.ParseIP(s); ip != nil {
			return s, 0, nil
		}
		host, _, _ := strings.Cut(s, ":")
		return host, 0, fmt.Errorf("too many colons in %q", s)
	}
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

func formatURI(scheme, host string, port int, query string) string {
	uri := scheme + ":" + net.JoinHostPort(host, strconv.Itoa(port))
	if query != "" {
		uri += "?" + query
	}
	return uri
}

// ToWebRTC converts normalized descriptors for webrtc.Configuration. TURN URIs
// without credentials are skipped because pion refuses them.
func ToWebRTC(servers []Server) []webrtc.ICEServer {
	logger := zap.L().Named("iceservers")

	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, server := range servers {
		urls := make([]string, 0, len(server.URLs))
		for _, u := range server.URLs {
			if isTURN(u) && !server.HasCredentials() {
				logger.Warn("skipping TURN URL without credentials", zap.String("url", u))
				continue
			}
			urls = append(urls, u)
		}
		if len(urls) == 0 {
			continue
		}
		ice := webrtc.ICEServer{URLs: urls}
		if server.HasCredentials() {
			ice.Username = server.Username
			ice.Credential = server.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, ice)
	}
	return out
}

func isTURN(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "turn:") || strings.HasPrefix(lower, "turns:")
}
