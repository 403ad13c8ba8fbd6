package engine

import (
	"net/http"
	"strings"

	"github.com/GriffinCanCode/netengine/pkg/transfer"
)

var idempotent = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

type router struct {
	gated            map[string]bool
	allNonIdempotent bool
}

func newRouter(methods []string, allNonIdempotent bool) router {
	r := router{gated: make(map[string]bool, len(methods)), allNonIdempotent: allNonIdempotent}
	for _, m := range methods {
		r.gated[strings.ToUpper(m)] = true
	}
	return r
}

// route picks the execution path for req.
func (r router) route(req *transfer.Request) transfer.Route {
	if req.Route != transfer.RouteAuto {
		return req.Route
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if r.gated[method] || (r.allNonIdempotent && !idempotent[method]) {
		return transfer.RouteGate
	}
	return transfer.RouteEventLoop
}
