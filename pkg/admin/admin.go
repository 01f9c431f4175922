// Package admin serves the scrapable metrics and liveness endpoints shared
// by clusterd, and the read-only cluster introspection API clusterctl uses.
package admin

import (
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type handler struct {
	promHandler http.Handler
	enablePprof bool
	api         http.Handler
}

// NewServer returns an initialized *http.Server configured to listen on
// addr. api, if non-nil, is mounted under /cluster/ and serves the
// introspection routes registered by internal/cluster/httpapi.
func NewServer(addr string, enablePprof bool, api http.Handler) *http.Server {
	h := &handler{
		promHandler: promhttp.Handler(),
		enablePprof: enablePprof,
		api:         api,
	}

	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	const debugPathPrefix = "/debug/pprof/"
	if h.enablePprof && strings.HasPrefix(req.URL.Path, debugPathPrefix) {
		switch req.URL.Path {
		case debugPathPrefix + "cmdline":
			pprof.Cmdline(w, req)
		case debugPathPrefix + "profile":
			pprof.Profile(w, req)
		case debugPathPrefix + "trace":
			pprof.Trace(w, req)
		case debugPathPrefix + "symbol":
			pprof.Symbol(w, req)
		default:
			pprof.Index(w, req)
		}
		return
	}

	switch {
	case req.URL.Path == "/metrics":
		h.promHandler.ServeHTTP(w, req)
	case req.URL.Path == "/ping":
		w.Write([]byte("pong\n"))
	case req.URL.Path == "/ready":
		w.Write([]byte("ok\n"))
	case h.api != nil && strings.HasPrefix(req.URL.Path, "/cluster/"):
		h.api.ServeHTTP(w, req)
	default:
		http.NotFound(w, req)
	}
}

// NewRouter returns an httprouter.Router with no routes registered; callers
// register the /cluster/* introspection endpoints on it.
func NewRouter() *httprouter.Router {
	return httprouter.New()
}
