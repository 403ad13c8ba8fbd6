// Package engine is the embeddable HTTP transport.
//
// An Engine owns one handle pool, one event loop for multiplexed transfers
// and one gate of worker goroutines for methods that must not be replayed
// through the shared loop. Both paths share the suspension gate driven by
// the host's lifecycle signals:
//
//	EnterBackground          Suspend: no new attempt starts
//	EnterForeground          Resume
//	BackgroundTimeExpiring   Suspend, force-reset everything in flight,
//	                         then call the host back once drained
//
// PAC scripts download through a second, private Engine that connects
// directly and shares nothing with its owner.
//
// Example:
//
//	eng, err := engine.New(engine.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer eng.Close(ctx)
//
//	req := transfer.NewRequest(http.MethodGet, "https://example.com/file")
//	resp := eng.Do(ctx, req.WithRetry(transfer.ResumeTransfer, 3))
//	if !resp.OK() {
//	    log.Printf("download failed: %s", resp.Status)
//	}
package engine
