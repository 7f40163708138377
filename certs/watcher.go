package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher holds the currently active certificate for a listener and
// reloads it from disk whenever CertPath or KeyPath changes, serving the
// latest pair through tls.Config.GetCertificate without restarting the
// listener.
type Watcher struct {
	certPath, keyPath string
	logger            *slog.Logger
	current           atomic.Pointer[tls.Certificate]
}

// NewWatcher loads the initial certificate from certPath/keyPath and
// starts watching both files for changes.
func NewWatcher(ctx context.Context, certPath, keyPath string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{certPath: certPath, keyPath: keyPath, logger: logger.With("component", "certs.watcher")}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("certs: load initial keypair: %w", err)
	}
	w.current.Store(&cert)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("certs: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(certPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("certs: watch %s: %w", certPath, err)
	}
	if err := fsw.Add(keyPath); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("certs: watch %s: %w", keyPath, err)
	}

	go w.run(ctx, fsw)
	return w, nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cert, err := tls.LoadX509KeyPair(w.certPath, w.keyPath)
	if err != nil {
		w.logger.Error("reload certificate failed, keeping previous", "error", err)
		return
	}
	w.current.Store(&cert)
	w.logger.Info("reloaded TLS certificate")
}

// GetCertificate is suitable for tls.Config.GetCertificate: it always
// returns the most recently loaded certificate.
func (w *Watcher) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return w.current.Load(), nil
}
