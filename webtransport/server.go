package webtransport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	wt "github.com/quic-go/webtransport-go"
)

// Session, Stream, SendStream, ReceiveStream and SessionErrorCode are the
// exact surface the session supervisor and forwarder consume: accept and
// open bidirectional streams, accept and open unidirectional streams, and
// send/receive datagrams.
type (
	Session          = wt.Session
	Stream           = wt.Stream
	SendStream       = wt.SendStream
	ReceiveStream    = wt.ReceiveStream
	SessionErrorCode = wt.SessionErrorCode
)

// Server accepts WebTransport-over-HTTP/3 sessions for a single mux
// pattern, mirroring the teacher's distribution server setup.
type Server struct {
	wt *wt.Server
}

// Config configures the listener: address, TLS certificate or
// GetCertificate callback, and the CheckOrigin policy applied to every
// upgrade request.
type Config struct {
	Addr        string
	TLSConfig   *tls.Config
	Handler     http.Handler
	CheckOrigin func(*http.Request) bool
	IdleTimeout time.Duration
}

// NewServer builds a Server from cfg. A nil CheckOrigin accepts every
// origin, matching the teacher's development-mode default; production
// deployments should supply an allowlist.
func NewServer(cfg Config) *Server {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 30 * time.Second
	}

	return &Server{
		wt: &wt.Server{
			H3: http3.Server{
				Addr:      cfg.Addr,
				Handler:   cfg.Handler,
				TLSConfig: cfg.TLSConfig,
				QUICConfig: &quic.Config{
					MaxIdleTimeout: idle,
					Allow0RTT:      true,
				},
			},
			CheckOrigin: checkOrigin,
		},
	}
}

// Upgrade upgrades an HTTP request to a WebTransport session.
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request) (*Session, error) {
	return s.wt.Upgrade(w, r)
}

// ListenAndServe blocks until ctx is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("webtransport server listening", "addr", s.wt.H3.Addr)

	stop := context.AfterFunc(ctx, func() { s.wt.Close() })
	defer stop()

	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Close shuts down the underlying HTTP/3 and QUIC listeners.
func (s *Server) Close() error {
	return s.wt.Close()
}
