/*
Package pac evaluates proxy auto-config scripts.

# Overview

A PAC script is JavaScript defining FindProxyForURL(url, host). Scripts run in
goja runtimes with the standard helper functions installed and the host
environment stripped:

  - isPlainHostName, dnsDomainIs, localHostOrDomainIs, dnsDomainLevels, shExpMatch
  - isResolvable, isInNet, dnsResolve, myIpAddress (DNS backed by a Resolver)
  - weekdayRange, dateRange, timeRange (clock backed by Config.Now)

Every evaluation is bounded by Config.Timeout and by the caller's context;
a script stuck in a loop is interrupted.

# Usage

	pool, err := pac.NewPool(script, pac.DefaultConfig())
	if err != nil {
		return err
	}
	defer pool.Close()

	result, err := pool.FindProxyForURL(ctx, "http://example.com/", "example.com")
	proxies, err := pac.ParseResult(result)
*/
package pac
