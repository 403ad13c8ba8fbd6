package transfer

import "net/http"

// Response is the terminal result of a logical request.
type Response struct {
	Status ConnectionStatus
	// HTTPStatus is zero when no HTTP exchange completed.
	HTTPStatus   int
	Header       http.Header
	Body         Body
	EffectiveURL string
	// Attempts counts the transfers performed for this request.
	Attempts int
}

// OK reports whether the transfer completed at the connection level.
func (r *Response) OK() bool {
	return r != nil && r.Status == StatusOK
}

// Bytes returns the body content when the body is held in memory.
func (r *Response) Bytes() []byte {
	if r == nil || r.Body == nil {
		return nil
	}
	if m, ok := r.Body.(*MemoryBody); ok {
		return m.Bytes()
	}
	return nil
}
