package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/calder-b/kernelbook/internal/errdefs"
)

// ParseError reports why a pasted connection URL could not be understood.
// It wraps errdefs.ErrParse so callers can match with errors.Is.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error { return errdefs.ErrParse }

// ParseConnectionURL turns a pasted Jupyter or Kaggle URL into server
// coordinates. Accepted shapes include:
//
//	http://localhost:8888/?token=abc
//	https://example.org/user/jovyan/?token=abc   (path prefix kept out of the key)
//	localhost:8888?token=abc                     (scheme optional)
//	https://host/proxy/8889/lab                  (Kaggle-style proxied port)
//
// The token may appear in the query string or the fragment. Missing ports
// default to 8888 for http and 443 for https.
//
// The scheme itself is not kept: server identity is {ip, port, token}, and
// Server.BaseURL reconstructs https only for port 443. An https URL with an
// explicit non-443 port (https://host:8443) therefore comes back as plain
// http, token included, so such servers need a 443-terminated front.
func ParseConnectionURL(raw string) (Server, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Server{}, &ParseError{Input: raw, Reason: "empty input"}
	}

	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "http://" + raw
	}

	u, err := url.Parse(withScheme)
	if err != nil {
		return Server{}, &ParseError{Input: raw, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Server{}, &ParseError{Input: raw, Reason: "unsupported scheme " + u.Scheme}
	}
	host := u.Hostname()
	if host == "" || strings.ContainsAny(host, " \t") {
		return Server{}, &ParseError{Input: raw, Reason: "no host"}
	}
	// url.Parse is lenient; require something that looks like a hostname.
	if net.ParseIP(host) == nil && !validHostname(host) {
		return Server{}, &ParseError{Input: raw, Reason: "invalid host " + host}
	}

	port := u.Port()
	if port == "" {
		// Kaggle and similar proxies tunnel the kernel port through the path.
		if p := proxiedPort(u.Path); p != "" {
			port = p
		} else if u.Scheme == "https" {
			port = "443"
		} else {
			port = "8888"
		}
	}

	token := u.Query().Get("token")
	if token == "" && u.Fragment != "" {
		if fv, err := url.ParseQuery(u.Fragment); err == nil {
			token = fv.Get("token")
		}
	}

	return Server{IP: host, Port: port, Token: token}, nil
}

func validHostname(h string) bool {
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '-', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}

// proxiedPort extracts a port from paths like /proxy/8889/lab.
func proxiedPort(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "proxy" && i+1 < len(parts) {
			cand := parts[i+1]
			if cand != "" && isDigits(cand) {
				return cand
			}
		}
	}
	return ""
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
