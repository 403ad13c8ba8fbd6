// Package proxy resolves the ordered proxy candidates for a request URL.
//
// Sources are consulted in a fixed order: the bypass list, a PAC script,
// the explicit proxy URL, the process environment and finally a host-supplied
// system source. The first source that applies decides; with nothing
// configured every URL connects directly.
//
// A candidate list may contain nil entries, each standing for a direct
// connection attempt at that position.
package proxy

import (
	"net/url"
	"strings"
	"sync"
)

// Descriptor is the proxy configuration applying to a request.
type Descriptor struct {
	// URL is the explicit proxy, e.g. "http://proxy.corp:3128". A missing
	// scheme means http.
	URL      string
	Username string
	Password string

	// Bypass lists host patterns that always connect directly.
	Bypass []string

	// PACURL locates a proxy auto-config script. PACScript, when set, is the
	// script text itself and takes precedence over PACURL.
	PACURL    string
	PACScript string
}

// IsZero reports whether no source is configured
func (d *Descriptor) IsZero() bool {
	return d == nil || (d.URL == "" && len(d.Bypass) == 0 && d.PACURL == "" && d.PACScript == "")
}

// UsesPAC reports whether resolution goes through a PAC script
func (d *Descriptor) UsesPAC() bool {
	return d != nil && (d.PACURL != "" || d.PACScript != "")
}

// Clone returns a deep copy
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Bypass = append([]string(nil), d.Bypass...)
	return &c
}

// ProxyURL parses the explicit proxy and attaches the descriptor credentials.
func (d *Descriptor) ProxyURL() (*url.URL, error) {
	raw := strings.TrimSpace(d.URL)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return d.withCredentials(u), nil
}

func (d *Descriptor) withCredentials(u *url.URL) *url.URL {
	if d == nil || u == nil || u.User != nil || (d.Username == "" && d.Password == "") {
		return u
	}
	c := *u
	c.User = url.UserPassword(d.Username, d.Password)
	return &c
}

// Holder stores the process-wide default descriptor.
type Holder struct {
	mu sync.RWMutex
	d  *Descriptor
}

// NewHolder creates a holder with an initial default
func NewHolder(d *Descriptor) *Holder {
	return &Holder{d: d.Clone()}
}

// Get returns a copy of the current default, nil when unset
func (h *Holder) Get() *Descriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.d.Clone()
}

// Set replaces the default
func (h *Holder) Set(d *Descriptor) {
	h.mu.Lock()
	h.d = d.Clone()
	h.mu.Unlock()
}
