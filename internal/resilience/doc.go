/*
Package resilience guards calls to an unreliable dependency with a circuit breaker.

# Overview

The engine fetches PAC scripts over the network on demand. When the PAC host is
down every proxy resolution would otherwise block on a fresh fetch attempt. The
breaker remembers recent failures and rejects calls quickly while the
dependency cools down.

# States

- Closed: calls pass through, consecutive failures are counted
- Open: calls fail with ErrCircuitOpen until the cooldown elapses
- Half-Open: a single probe call decides between Closed and Open

	Closed --[threshold failures]-> Open --[cooldown]-> Half-Open --[success]-> Closed
	                                                        |
	                                                    [failure]
	                                                        v
	                                                      Open

# Usage

	breaker := resilience.New("pac", resilience.Settings{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	})

	script, err := resilience.Do(breaker, func() (string, error) {
		return fetch(ctx, pacURL)
	})
*/
package resilience
