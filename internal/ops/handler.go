package ops

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the routes for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		r.Use(requireToken(tok))
	}
	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if cfg.Pprof {
		r.Mount("/debug/pprof", pprofRoutes())
	}
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func pprofRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", hpprof.Index)
	r.Get("/cmdline", hpprof.Cmdline)
	r.Get("/profile", hpprof.Profile)
	r.Get("/symbol", hpprof.Symbol)
	r.Post("/symbol", hpprof.Symbol)
	r.Get("/trace", hpprof.Trace)
	r.Get("/{name}", hpprof.Index)
	return r
}

// requireToken accepts the token as a bearer header or a token query param.
func requireToken(tok string) func(http.Handler) http.Handler {
	want := []byte(tok)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="chanpost"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IsLoopbackAddr reports whether host:port binds only to the local machine.
// An empty host means every interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
