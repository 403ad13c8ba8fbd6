package execution

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const upperhex = "0123456789ABCDEF"

// escapeURL percent-escapes bytes that may not appear in a request URL.
// Existing escapes and reserved delimiters are left alone.
func escapeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if shouldEscape(c) {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
			continue
		}
		b.WriteByte(c)
	}
	escaped := b.String()

	u, err := url.Parse(escaped)
	if err != nil {
		return "", fmt.Errorf("parse request url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("request url %q is not absolute", escaped)
	}
	return escaped, nil
}

func shouldEscape(c byte) bool {
	if c <= 0x20 || c >= 0x7f {
		return true
	}
	switch c {
	case '"', '<', '>', '\\', '^', '`', '{', '|', '}':
		return true
	}
	return false
}

// strongETag returns the validator usable in If-Range. Weak validators
// cannot guard a byte range and yield "".
func strongETag(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "W/") {
		return ""
	}
	return v
}

// parseContentRange parses "bytes start-end/total". total is -1 for "*".
func parseContentRange(v string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid content range %q", v)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid content range %q", v)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid content range %q", v)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid range start: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid range end: %w", err)
	}
	if end < start {
		return 0, 0, 0, fmt.Errorf("invalid content range %q", v)
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid range total: %w", err)
		}
	}
	return start, end, total, nil
}
