package proxy

import (
	"net"
	"net/url"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Bypassed reports whether target matches one of patterns.
//
// Patterns are matched case-insensitively against the forms host, host:port,
// scheme://host, scheme://host:port and their user@ variants, with * and ?
// wildcards that never cross a '/'. Three special forms exist: "<local>"
// matches plain host names, a leading dot matches the domain and all its
// subdomains, and a CIDR matches IP literals inside the network.
func Bypassed(patterns []string, target *url.URL) bool {
	if len(patterns) == 0 || target == nil {
		return false
	}

	host := strings.ToLower(target.Hostname())
	port := target.Port()
	if port == "" {
		port = defaultPort(target.Scheme)
	}
	forms := candidateForms(strings.ToLower(target.Scheme), host, port, target.User)
	ip := net.ParseIP(host)

	for _, raw := range patterns {
		pattern := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case pattern == "":
			continue
		case pattern == "<local>":
			if !strings.Contains(host, ".") && ip == nil {
				return true
			}
			continue
		case strings.HasPrefix(pattern, "."):
			if host == pattern[1:] || strings.HasSuffix(host, pattern) {
				return true
			}
			continue
		}

		if ip != nil && strings.Contains(pattern, "/") && !strings.Contains(pattern, "://") {
			if _, network, err := net.ParseCIDR(pattern); err == nil && network.Contains(ip) {
				return true
			}
		}

		for _, form := range forms {
			if ok, err := doublestar.Match(pattern, form); err == nil && ok {
				return true
			}
		}
	}
	return false
}

func candidateForms(scheme, host, port string, user *url.Userinfo) []string {
	hostPort := net.JoinHostPort(host, port)
	forms := []string{
		host,
		hostPort,
		scheme + "://" + host,
		scheme + "://" + hostPort,
	}
	if user != nil && user.Username() != "" {
		name := strings.ToLower(user.Username())
		forms = append(forms,
			name+"@"+host,
			name+"@"+hostPort,
			scheme+"://"+name+"@"+host,
			scheme+"://"+name+"@"+hostPort,
		)
	}
	return forms
}

func defaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "https", "wss":
		return "443"
	case "ftp":
		return "21"
	default:
		return "80"
	}
}
