/*
Package handlepool provides reusable native transfer handles and the pool that caches them.

# Overview

A Handle executes one configured HTTP exchange at a time and reports the
outcome as a Code instead of a Go error. It streams the response body through
a Write callback, announces the response head through a Header callback and
polls a Progress callback on a fixed tick. Returning an error from Progress
aborts the exchange, which is how cancellation and force-reset reach a
transfer that is blocked on the network.

Handles share connection pools through a Share. Handles created for a fresh
connection get a private transport with keep-alives disabled and are dropped
after use.

# Usage

	share := handlepool.NewShare(handlepool.ShareOptions{MaxConnsPerHost: 6})
	pool := handlepool.New(share, 16, logger)

	h, err := pool.Acquire(false)
	if err != nil {
		return err
	}
	defer pool.Release(h)

	h.Configure(handlepool.Config{
		Method: http.MethodGet,
		URL:    "https://example.com/file.bin",
		Callbacks: handlepool.Callbacks{
			Write: sink.Write,
		},
	})
	res := h.Perform(ctx)
	if res.Code != handlepool.OK {
		log.Printf("transfer failed: %s: %v", res.Code, res.Err)
	}

# Thread Safety

A Handle belongs to one transfer at a time. Progress runs on a monitor
goroutine concurrently with Header and Write; the callbacks must synchronize
any state they share.
*/
package handlepool
