package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fishmmo/zonegrid/internal/logging"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("server closed")

// Config configures the client-facing listener.
type Config struct {
	ListenAddr string
	// TLSCertFile and TLSKeyFile enable TLS with hot reload.
	TLSCertFile       string
	TLSKeyFile        string
	CertCheckInterval time.Duration
	ReadHeaderTimeout time.Duration
}

// Server serves the websocket endpoints. Websocket connections are
// hijacked out of net/http, so Server tracks them itself to be able to
// wait for and close them.
type Server struct {
	cfg     Config
	handler http.Handler
	logger  *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	reloader *CertReloader
	conns    map[net.Conn]struct{}
	connWg   sync.WaitGroup
	closed   atomic.Bool
}

type connKey struct{}

// New creates a Server that routes every request to handler.
func New(cfg Config, handler http.Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
	s.http = &http.Server{
		Handler:           http.HandlerFunc(s.serveTracked),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connKey{}, c)
		},
	}
	return s
}

// Listen binds the configured address, wrapping it in TLS when a key
// pair is configured.
func (s *Server) Listen() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	if s.cfg.TLSCertFile != "" {
		reloader, err := NewCertReloader(s.cfg.TLSCertFile, s.cfg.TLSKeyFile, s.logger)
		if err != nil {
			ln.Close()
			return err
		}
		reloader.Watch(s.cfg.CertCheckInterval)
		s.mu.Lock()
		s.reloader = reloader
		s.mu.Unlock()
		ln = tls.NewListener(ln, reloader.tlsConfig())
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Shutdown or Close. Listen must have
// succeeded.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}
	s.logger.Infof("client listener started", map[string]any{
		"addr": ln.Addr().String(),
		"tls":  s.cfg.TLSCertFile != "",
	})
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections counts requests being served, including upgraded
// websockets.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serveTracked(w http.ResponseWriter, r *http.Request) {
	c, _ := r.Context().Value(connKey{}).(net.Conn)
	if c != nil {
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		s.conns[c] = struct{}{}
		s.connWg.Add(1)
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
			s.connWg.Done()
		}()
	}
	s.handler.ServeHTTP(w, r)
}

// Shutdown stops accepting, then waits for connected clients to leave
// until ctx expires, after which the remaining ones are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.markClosed() {
		return ErrServerClosed
	}
	err := s.http.Shutdown(ctx)
	s.closeListener()

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.closeConns()
		<-done
		if err == nil {
			err = ctx.Err()
		}
	}
	s.stopReloader()
	return err
}

// Close drops every connection immediately.
func (s *Server) Close() error {
	if !s.markClosed() {
		return ErrServerClosed
	}
	err := s.http.Close()
	s.closeListener()
	s.closeConns()
	s.connWg.Wait()
	s.stopReloader()
	return err
}

// ReloadCertificate rereads the key pair now instead of waiting for the
// watcher.
func (s *Server) ReloadCertificate() error {
	s.mu.Lock()
	r := s.reloader
	s.mu.Unlock()
	if r == nil {
		return errors.New("server: TLS is not enabled")
	}
	return r.Reload()
}

// markClosed flips closed under mu so no request can join connWg once a
// wait has begun.
func (s *Server) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed.CompareAndSwap(false, true)
}

// closeListener covers a Listen that was never followed by Serve.
func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) stopReloader() {
	s.mu.Lock()
	r := s.reloader
	s.mu.Unlock()
	if r != nil {
		r.Stop()
	}
}
