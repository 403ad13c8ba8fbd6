package pac

import (
	"net"
	"strings"
	"time"

	"github.com/dop251/goja"
)

var defaultResolver Resolver = net.DefaultResolver

// prelude holds the helpers that need no host access.
const prelude = `
function dnsDomainIs(host, domain) {
	host = String(host).toLowerCase();
	domain = String(domain).toLowerCase();
	return host.length >= domain.length &&
		host.substring(host.length - domain.length) == domain;
}

function isPlainHostName(host) {
	return String(host).indexOf('.') < 0;
}

function localHostOrDomainIs(host, hostdom) {
	host = String(host).toLowerCase();
	hostdom = String(hostdom).toLowerCase();
	return host == hostdom || hostdom.lastIndexOf(host + '.', 0) == 0;
}

function dnsDomainLevels(host) {
	return String(host).split('.').length - 1;
}

function isResolvable(host) {
	return dnsResolve(host) !== null;
}

function shExpMatch(str, pattern) {
	var re = String(pattern)
		.replace(/[.+^${}()|[\]\\]/g, '\\$&')
		.replace(/\*/g, '.*')
		.replace(/\?/g, '.');
	return new RegExp('^' + re + '$').test(String(str));
}
`

func (r *Runtime) resolve(host string) net.IP {
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	addrs, err := r.config.Resolver.LookupHost(r.ctx, host)
	if err != nil {
		return nil
	}
	var fallback net.IP
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		if ip.To4() != nil {
			return ip
		}
		if fallback == nil {
			fallback = ip
		}
	}
	return fallback
}

func (r *Runtime) dnsResolve(call goja.FunctionCall) goja.Value {
	ip := r.resolve(call.Argument(0).String())
	if ip == nil {
		return goja.Null()
	}
	return r.vm.ToValue(ip.String())
}

func (r *Runtime) myIPAddress(goja.FunctionCall) goja.Value {
	return r.vm.ToValue(r.config.MyIP())
}

func (r *Runtime) isInNet(call goja.FunctionCall) goja.Value {
	ip := r.resolve(call.Argument(0).String()).To4()
	pattern := net.ParseIP(call.Argument(1).String()).To4()
	mask := net.ParseIP(call.Argument(2).String()).To4()
	if ip == nil || pattern == nil || mask == nil {
		return r.vm.ToValue(false)
	}

	m := net.IPv4Mask(mask[0], mask[1], mask[2], mask[3])
	return r.vm.ToValue(ip.Mask(m).Equal(pattern.Mask(m)))
}

var weekdays = map[string]int{"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6}

var months = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

// clockArgs splits a trailing "GMT" off args and returns the matching clock reading.
func (r *Runtime) clockArgs(call goja.FunctionCall) ([]goja.Value, time.Time) {
	args := call.Arguments
	now := r.config.Now()
	if n := len(args); n > 0 && strings.EqualFold(args[n-1].String(), "GMT") {
		return args[:n-1], now.UTC()
	}
	return args, now.Local()
}

func inRange(v, start, end int) bool {
	if start <= end {
		return v >= start && v <= end
	}
	return v >= start || v <= end
}

func (r *Runtime) weekdayRange(call goja.FunctionCall) goja.Value {
	args, now := r.clockArgs(call)
	if len(args) == 0 {
		return r.vm.ToValue(false)
	}

	start, ok := weekdays[strings.ToUpper(args[0].String())]
	if !ok {
		return r.vm.ToValue(false)
	}
	end := start
	if len(args) > 1 {
		if end, ok = weekdays[strings.ToUpper(args[1].String())]; !ok {
			return r.vm.ToValue(false)
		}
	}
	return r.vm.ToValue(inRange(int(now.Weekday()), start, end))
}

func (r *Runtime) timeRange(call goja.FunctionCall) goja.Value {
	args, now := r.clockArgs(call)
	nums := make([]int, len(args))
	for i, a := range args {
		nums[i] = int(a.ToInteger())
	}

	current := now.Hour()*3600 + now.Minute()*60 + now.Second()
	var start, end int
	switch len(nums) {
	case 1:
		return r.vm.ToValue(now.Hour() == nums[0])
	case 2:
		start, end = nums[0]*3600, nums[1]*3600
	case 4:
		start, end = nums[0]*3600+nums[1]*60, nums[2]*3600+nums[3]*60
	case 6:
		start = nums[0]*3600 + nums[1]*60 + nums[2]
		end = nums[3]*3600 + nums[4]*60 + nums[5]
	default:
		return r.vm.ToValue(false)
	}

	if start <= end {
		return r.vm.ToValue(current >= start && current < end)
	}
	return r.vm.ToValue(current >= start || current < end)
}

type dateField int

const (
	fieldDay dateField = iota
	fieldMonth
	fieldYear
)

type datePart struct {
	field dateField
	value int
}

func parseDatePart(v goja.Value) (datePart, bool) {
	if m, ok := months[strings.ToUpper(v.String())]; ok {
		return datePart{fieldMonth, m}, true
	}
	n := int(v.ToInteger())
	switch {
	case n >= 1 && n <= 31:
		return datePart{fieldDay, n}, true
	case n >= 1000:
		return datePart{fieldYear, n}, true
	}
	return datePart{}, false
}

// dateKey orders a date by the fields present in parts, most significant first.
func dateKey(parts []datePart, year, month, day int) (bound, current int) {
	have := map[dateField]int{}
	for _, p := range parts {
		have[p.field] = p.value
	}
	for _, f := range []dateField{fieldYear, fieldMonth, fieldDay} {
		v, ok := have[f]
		if !ok {
			continue
		}
		var now, scale int
		switch f {
		case fieldYear:
			now, scale = year, 10000
		case fieldMonth:
			now, scale = month, 100
		default:
			now, scale = day, 1
		}
		bound += v * scale
		current += now * scale
	}
	return bound, current
}

func (r *Runtime) dateRange(call goja.FunctionCall) goja.Value {
	args, now := r.clockArgs(call)
	parts := make([]datePart, 0, len(args))
	for _, a := range args {
		p, ok := parseDatePart(a)
		if !ok {
			return r.vm.ToValue(false)
		}
		parts = append(parts, p)
	}

	year, month, day := now.Year(), int(now.Month()), now.Day()
	switch n := len(parts); {
	case n == 1:
		bound, current := dateKey(parts, year, month, day)
		return r.vm.ToValue(bound == current)
	case n == 2 || n == 4 || n == 6:
		half := n / 2
		for i := 0; i < half; i++ {
			if parts[i].field != parts[i+half].field {
				return r.vm.ToValue(false)
			}
		}
		start, current := dateKey(parts[:half], year, month, day)
		end, _ := dateKey(parts[half:], year, month, day)
		if start <= end {
			return r.vm.ToValue(current >= start && current <= end)
		}
		// Wrapping ranges are only meaningful without a year
		for _, p := range parts {
			if p.field == fieldYear {
				return r.vm.ToValue(false)
			}
		}
		return r.vm.ToValue(current >= start || current <= end)
	}
	return r.vm.ToValue(false)
}

// localAddress returns the first non-loopback IPv4 address of this host.
func localAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip := ipNet.IP.To4(); ip != nil {
			return ip.String()
		}
	}
	return "127.0.0.1"
}
