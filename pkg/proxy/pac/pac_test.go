package pac

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]string

func (s staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := s[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 500 * time.Millisecond
	cfg.Resolver = staticResolver{
		"intranet.corp": {"10.1.2.3"},
		"v6only.corp":   {"fd00::1"},
	}
	// Wednesday 2026-06-10 14:30:00 UTC
	cfg.Now = func() time.Time { return time.Date(2026, time.June, 10, 14, 30, 0, 0, time.UTC) }
	cfg.MyIP = func() string { return "192.168.1.20" }
	return cfg
}

func TestRuntimeHelpers(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want string
	}{
		{"plain host", `isPlainHostName("www")`, "true"},
		{"dotted host", `isPlainHostName("www.corp")`, "false"},
		{"domain match", `dnsDomainIs("www.Corp.com", ".corp.com")`, "true"},
		{"domain mismatch", `dnsDomainIs("www.corp.org", ".corp.com")`, "false"},
		{"local host or domain", `localHostOrDomainIs("www", "www.corp.com")`, "true"},
		{"domain levels", `dnsDomainLevels("a.b.c")`, "2"},
		{"shell match", `shExpMatch("http://svc.internal/x", "*.internal/*")`, "true"},
		{"shell match literal dot", `shExpMatch("svcXinternal", "svc.internal")`, "false"},
		{"resolve", `dnsResolve("intranet.corp")`, "10.1.2.3"},
		{"resolve failure", `String(dnsResolve("missing.corp"))`, "null"},
		{"resolvable", `isResolvable("intranet.corp")`, "true"},
		{"in net", `isInNet("intranet.corp", "10.0.0.0", "255.0.0.0")`, "true"},
		{"not in net", `isInNet("192.168.0.1", "10.0.0.0", "255.0.0.0")`, "false"},
		{"ipv6 only is not in v4 net", `isInNet("v6only.corp", "10.0.0.0", "255.0.0.0")`, "false"},
		{"my ip", `myIpAddress()`, "192.168.1.20"},
		{"weekday", `weekdayRange("MON", "FRI", "GMT")`, "true"},
		{"weekday wrap", `weekdayRange("SAT", "TUE", "GMT")`, "false"},
		{"single weekday", `weekdayRange("WED", "GMT")`, "true"},
		{"time hour", `timeRange(14, "GMT")`, "true"},
		{"time hours range", `timeRange(9, 17, "GMT")`, "true"},
		{"time minutes range", `timeRange(14, 0, 14, 15, "GMT")`, "false"},
		{"time wrap", `timeRange(22, 6, "GMT")`, "false"},
		{"date month", `dateRange("JUN", "GMT")`, "true"},
		{"date day range", `dateRange(1, 15, "GMT")`, "true"},
		{"date month range", `dateRange("JUL", "DEC", "GMT")`, "false"},
		{"date wrap", `dateRange("NOV", "FEB", "GMT")`, "false"},
		{"date full range", `dateRange(1, "JAN", 2026, 31, "DEC", 2026, "GMT")`, "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := "function FindProxyForURL(url, host) { return String(" + tt.expr + "); }"
			rt, err := New(script, testConfig())
			require.NoError(t, err)
			defer rt.Close()

			got, err := rt.FindProxyForURL(context.Background(), "http://x/", "x")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRuntimeErrors(t *testing.T) {
	t.Run("syntax error", func(t *testing.T) {
		_, err := New("function FindProxyForURL(url, host) {", testConfig())
		assert.Error(t, err)
	})

	t.Run("missing entry point", func(t *testing.T) {
		_, err := New("var x = 1;", testConfig())
		assert.ErrorIs(t, err, ErrNoFindProxy)
	})

	t.Run("runaway script", func(t *testing.T) {
		cfg := testConfig()
		cfg.Timeout = 50 * time.Millisecond
		rt, err := New("function FindProxyForURL(url, host) { while (true) {} }", cfg)
		require.NoError(t, err)

		_, err = rt.FindProxyForURL(context.Background(), "http://x/", "x")
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("runaway top level", func(t *testing.T) {
		cfg := testConfig()
		cfg.Timeout = 50 * time.Millisecond
		_, err := New(`while (true) {}; function FindProxyForURL(url, host) { return "DIRECT"; }`, cfg)
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("canceled context", func(t *testing.T) {
		rt, err := New("function FindProxyForURL(url, host) { while (true) {} }", testConfig())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = rt.FindProxyForURL(ctx, "http://x/", "x")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("host environment removed", func(t *testing.T) {
		rt, err := New("function FindProxyForURL(url, host) { return typeof require; }", testConfig())
		require.NoError(t, err)

		got, err := rt.FindProxyForURL(context.Background(), "http://x/", "x")
		require.NoError(t, err)
		assert.Equal(t, "undefined", got)
	})
}

func TestRuntimeUsableAfterInterrupt(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	rt, err := New(`
		function FindProxyForURL(url, host) {
			if (host == "loop") { while (true) {} }
			return "DIRECT";
		}`, cfg)
	require.NoError(t, err)

	_, err = rt.FindProxyForURL(context.Background(), "http://loop/", "loop")
	require.Error(t, err)

	got, err := rt.FindProxyForURL(context.Background(), "http://ok/", "ok")
	require.NoError(t, err)
	assert.Equal(t, "DIRECT", got)
}

func TestPool(t *testing.T) {
	script := `
		function FindProxyForURL(url, host) {
			if (dnsDomainIs(host, ".internal")) return "DIRECT";
			return "PROXY proxy.corp:3128; DIRECT";
		}`
	pool, err := NewPool(script, testConfig())
	require.NoError(t, err)

	got, err := pool.FindProxyForURL(context.Background(), "http://svc.internal/", "svc.internal")
	require.NoError(t, err)
	assert.Equal(t, "DIRECT", got)

	got, err = pool.FindProxyForURL(context.Background(), "http://example.com/", "example.com")
	require.NoError(t, err)
	assert.Equal(t, "PROXY proxy.corp:3128; DIRECT", got)

	assert.Equal(t, PoolStats{Size: 2, Available: 2}, pool.Stats())

	require.NoError(t, pool.Close())
	_, err = pool.FindProxyForURL(context.Background(), "http://example.com/", "example.com")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNewPoolRejectsBadScript(t *testing.T) {
	_, err := NewPool("var nothing;", testConfig())
	assert.ErrorIs(t, err, ErrNoFindProxy)
}

func TestNewPoolTimesOutRunawayScript(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := NewPool(`for (;;) {} function FindProxyForURL(url, host) { return "DIRECT"; }`, cfg)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		want    []string // "" marks DIRECT
		wantErr bool
	}{
		{name: "direct only", result: "DIRECT", want: nil},
		{name: "single proxy", result: "PROXY proxy:3128", want: []string{"http://proxy:3128"}},
		{name: "fallback chain", result: "PROXY a:8080; HTTPS b:443; SOCKS5 c:1080; DIRECT",
			want: []string{"http://a:8080", "https://b:443", "socks5://c:1080", ""}},
		{name: "socks alias", result: "SOCKS s:1080", want: []string{"socks5://s:1080"}},
		{name: "lowercase and spacing", result: "  proxy   p:1 ;direct ", want: []string{"http://p:1", ""}},
		{name: "socks4 skipped", result: "SOCKS4 s:1080; PROXY p:1", want: []string{"http://p:1"}},
		{name: "garbage", result: "NONSENSE", wantErr: true},
		{name: "empty", result: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(tt.result)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidResult)
				return
			}
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i, w := range tt.want {
				if w == "" {
					assert.Nil(t, got[i])
					continue
				}
				assert.Equal(t, mustURL(t, w), got[i])
			}
		})
	}
}
