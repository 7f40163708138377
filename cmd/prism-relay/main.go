package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/moqrelay/certs"
	"github.com/zsiec/moqrelay/config"
	"github.com/zsiec/moqrelay/forward"
	"github.com/zsiec/moqrelay/metrics"
	"github.com/zsiec/moqrelay/objcache"
	"github.com/zsiec/moqrelay/relation"
	"github.com/zsiec/moqrelay/relayctl"
	"github.com/zsiec/moqrelay/session"
	"github.com/zsiec/moqrelay/webtransport"
)

var version = "dev"

// errCodeTooManySessions is the WebTransport session-close code used when
// the relay is at its configured session cap. It lives in the transport's
// application-error-code space, distinct from MoQT's own control-message
// error codes.
const errCodeTooManySessions webtransport.SessionErrorCode = 0x01

func main() {
	cfgPath := os.Getenv("MOQRELAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	tlsConfig, certLabel, err := loadServerCert(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up TLS certificate", "error", err)
		os.Exit(1)
	}

	key, err := loadJWTKey(cfg.JWTPublicKeyPath)
	if err != nil {
		slog.Error("failed to load JWT public key", "error", err)
		os.Exit(1)
	}

	reg := metrics.New()
	relMgr := relation.NewManager(ctx)
	cache := objcache.NewCache(ctx, cfg.CacheCapacity)
	registry := session.NewRegistry(cfg.MaxSessions)
	fwdMgr := forward.NewManager(cache, registry, registry, reg, slog.Default(), 0)
	auth := relayctl.NewAuthorizer(key)
	states := relayctl.NewStateTracker()
	handler := relayctl.NewHandler(relMgr, cache, registry, fwdMgr, auth, states, reg, slog.Default(), cfg.DefaultCacheTTL)

	mux := http.NewServeMux()
	wtServer := webtransport.NewServer(webtransport.Config{
		Addr:      cfg.ListenAddr,
		TLSConfig: tlsConfig,
		Handler:   mux,
	})
	mux.HandleFunc("/moq", newSessionHandler(wtServer, registry, handler, cache, cfg))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", reg.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	slog.Info("moqrelay starting",
		"version", version,
		"listen", cfg.ListenAddr,
		"metrics", cfg.MetricsAddr,
		"max_sessions", cfg.MaxSessions,
		"cert", certLabel,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wtServer.ListenAndServe(ctx, slog.Default())
	})

	g.Go(func() error {
		slog.Info("metrics server listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// loadServerCert uses cfg.CertPath/KeyPath with hot-reload via
// certs.Watcher when both are set, otherwise generates and holds a
// single self-signed certificate for the process lifetime.
func loadServerCert(ctx context.Context, cfg config.Config) (*tls.Config, string, error) {
	if cfg.CertPath != "" && cfg.KeyPath != "" {
		w, err := certs.NewWatcher(ctx, cfg.CertPath, cfg.KeyPath, slog.Default())
		if err != nil {
			return nil, "", err
		}
		return &tls.Config{GetCertificate: w.GetCertificate}, fmt.Sprintf("watched(%s)", cfg.CertPath), nil
	}

	slog.Info("no cert/key configured, generating self-signed certificate")
	cert, err := certs.Generate(0)
	if err != nil {
		return nil, "", err
	}
	slog.Info("certificate generated", "fingerprint", cert.FingerprintBase64(), "expires", cert.NotAfter.Format(time.RFC3339))
	return &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}, "self-signed(" + cert.FingerprintBase64() + ")", nil
}

func loadJWTKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("jwt public key: no PEM block found in %s", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("jwt public key: %w", err)
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("jwt public key: expected RSA public key, got %T", pub)
	}
	return key, nil
}

// newSessionHandler upgrades each incoming request to a WebTransport
// session, accepts its first bidirectional stream as the MoQT control
// stream, and runs the session supervisor until it disconnects.
func newSessionHandler(wtServer *webtransport.Server, registry *session.Registry, handler *relayctl.Handler, cache *objcache.Cache, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wtSess, err := wtServer.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "error", err)
			return
		}

		ctx := r.Context()
		control, err := wtSess.AcceptStream(ctx)
		if err != nil {
			slog.Warn("accept control stream failed", "error", err)
			return
		}

		id := registry.NextID()
		sess := session.New(id, wtSess, control, handler, cache, slog.Default(), cfg.DefaultCacheTTL)
		if !registry.Register(sess) {
			slog.Warn("rejecting session, at capacity", "session", id)
			wtSess.CloseWithError(errCodeTooManySessions, "relay at capacity")
			return
		}
		defer registry.Unregister(id)

		if err := sess.Run(ctx); err != nil {
			slog.Debug("session ended", "session", id, "error", err)
		}
	}
}
