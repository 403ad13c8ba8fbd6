// Package transfer defines the values exchanged with the transport engine.
//
// A Request is borrowed by the engine for the duration of one logical call.
// The engine snapshots what it needs at submission, so mutating a Request
// after handing it over has no effect on the transfer in flight.
//
// Request and response payloads are carried by Body implementations:
//   - MemoryBody: an in-memory buffer usable as upload source or download sink
//   - FileBody: a file-backed body that supports resuming downloads
//
// Transport failures never surface as Go errors. They are reported through
// Response.Status as one of the ConnectionStatus values:
//
//	resp := eng.Do(ctx, transfer.NewRequest(http.MethodGet, "https://example.com/a.bin"))
//	if resp.Status != transfer.StatusOK {
//		log.Printf("transfer failed: %s", resp.Status)
//	}
package transfer
