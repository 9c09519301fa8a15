package inspect

import (
	hpprof "net/http/pprof"

	"github.com/gorilla/mux"
)

func mountPprof(r *mux.Router) {
	r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(hpprof.Index)
}
