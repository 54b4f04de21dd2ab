package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"
)

// Server wraps net/http's TLS listener. EMFILE-class accept backoff
// (spec §5) is already implemented inside net/http's Server.Serve loop
// (its accept retry uses an exponential backoff capped at 1s on
// temporary Accept errors), so no bespoke accept loop is needed here —
// this wrapper only supplies the TLS 1.2 configuration and graceful
// shutdown spec §6 calls for.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server bound to addr, presenting cert, dispatching
// to handler (the spec §6 endpoint router built by internal/httpapi).
func NewServer(addr string, cert tls.Certificate, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			TLSConfig:         ServerTLSConfig(cert),
			ReadHeaderTimeout: 10 * time.Second,
			// Session-deadline timer (spec §5, default 60s) bounds the
			// whole request including any long-poll suspension.
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// ListenAndServe blocks serving TLS until Shutdown is called or a fatal
// listener error occurs.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServeTLS("", "")
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests (including suspended long-polls) to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
