package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/skeinlabs/skein/internal/coordinator"
	"github.com/skeinlabs/skein/internal/credit"
	"github.com/skeinlabs/skein/internal/metrics"
	"github.com/skeinlabs/skein/internal/server/http/controllers"
	logpkg "github.com/skeinlabs/skein/pkg/log"
)

// Server is the JSON+SSE gateway over the coordinator.
type Server struct {
	srv *http.Server
	lis net.Listener
}

// Options carries the collaborators the handlers need. Accounts is nil when
// an external ledger serves the credit API.
type Options struct {
	Coordinator *coordinator.Coordinator
	Accounts    *credit.LocalLedger
	Metrics     *metrics.Metrics
	Logger      logpkg.Logger
}

// New wires the controller routes onto a fresh mux.
func New(opts Options) *Server {
	mux := http.NewServeMux()
	registry := controllers.NewControllerRegistry(opts.Coordinator, opts.Accounts, opts.Metrics, opts.Logger)
	registry.RegisterAllRoutes(mux)
	return &Server{srv: &http.Server{Handler: cors(mux)}}
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address, useful with ":0".
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
