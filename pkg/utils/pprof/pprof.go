package pprof

import (
	"context"
	"expvar"
	"net/http"
	"net/http/pprof"

	"kubegems.io/jobflow/pkg/utils/system"
)

// Handler serves the runtime profiles and expvar on a mux of its own, so
// nothing registered on the default mux is exposed.
func Handler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/debug/vars", expvar.Handler())
	m.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	m.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	m.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	m.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	m.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	return m
}

// Run serves the debug endpoints until ctx is done. An empty listen
// address disables them.
func Run(ctx context.Context, listen string) error {
	if listen == "" {
		return nil
	}
	return system.ListenAndServeContext(ctx, listen, Handler())
}
