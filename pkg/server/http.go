package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"charter-loyalty/pkg/config"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewHTTPServer),
	fx.Invoke(RegisterHTTPServer),
)

type certReloader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
}

func newCertReloader(certPath, keyPath string) (*certReloader, error) {
	r := &certReloader{certPath: certPath, keyPath: keyPath}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *certReloader) reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// watch re-reads the key pair when the cert file changes on disk, so
// certificate rotation does not require a restart.
func (r *certReloader) watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.certPath); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					zap.L().Error("tls certificate reload failed", zap.Error(err))
					continue
				}
				zap.L().Info("tls certificate reloaded", zap.String("path", r.certPath))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				zap.L().Error("tls certificate watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func NewHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

type httpServerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Server    *http.Server
	Config    *config.Config
}

func RegisterHTTPServer(p httpServerParams) error {
	watchCtx, cancelWatch := context.WithCancel(context.Background())

	serve := func() error { return p.Server.ListenAndServe() }
	if p.Config.TLS.Enable {
		reloader, err := newCertReloader(p.Config.TLS.CertPath, p.Config.TLS.KeyPath)
		if err != nil {
			cancelWatch()
			return err
		}
		if err := reloader.watch(watchCtx); err != nil {
			cancelWatch()
			return err
		}
		p.Server.TLSConfig = &tls.Config{
			GetCertificate: reloader.getCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		serve = func() error { return p.Server.ListenAndServeTLS("", "") }
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			zap.L().Info("http server listening",
				zap.String("addr", p.Server.Addr),
				zap.Bool("tls", p.Config.TLS.Enable),
			)
			go func() {
				if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelWatch()
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return p.Server.Shutdown(shutdownCtx)
		},
	})
	return nil
}
