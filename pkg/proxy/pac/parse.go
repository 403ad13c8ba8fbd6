package pac

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseResult converts a FindProxyForURL answer into an ordered candidate
// list. A nil entry stands for a direct connection. An answer consisting only
// of DIRECT yields an empty list.
func ParseResult(result string) ([]*url.URL, error) {
	var (
		out       []*url.URL
		sawDirect bool
	)

	for _, entry := range strings.Split(result, ";") {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}

		kind := strings.ToUpper(fields[0])
		if kind == "DIRECT" {
			sawDirect = true
			out = append(out, nil)
			continue
		}
		if len(fields) < 2 {
			continue
		}

		var scheme string
		switch kind {
		case "PROXY", "HTTP":
			scheme = "http"
		case "HTTPS":
			scheme = "https"
		case "SOCKS", "SOCKS5":
			scheme = "socks5"
		default:
			// SOCKS4 and unknown kinds cannot be dialed
			continue
		}

		u, err := url.Parse(scheme + "://" + fields[1])
		if err != nil || u.Host == "" {
			continue
		}
		out = append(out, u)
	}

	if len(out) == 0 {
		if sawDirect {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}

	direct := true
	for _, u := range out {
		if u != nil {
			direct = false
			break
		}
	}
	if direct {
		return nil, nil
	}
	return out, nil
}
