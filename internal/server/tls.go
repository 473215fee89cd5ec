package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fishmmo/zonegrid/internal/logging"
)

// DefaultCertCheckInterval is how often the watcher stats the key pair.
const DefaultCertCheckInterval = 30 * time.Second

// CertReloader hands out the newest certificate pair on disk so a
// rotated certificate takes effect without dropping connected players.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	logger   *logging.Logger

	mu       sync.Mutex
	lastMod  time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCertReloader loads the pair once and fails if it cannot.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if certFile == "" || keyFile == "" {
		return nil, errors.New("server: certificate and key files are required")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	r.lastMod, _ = r.modTime()
	return r, nil
}

func (r *CertReloader) load() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("server: load key pair: %w", err)
	}
	r.cert.Store(&cert)
	return nil
}

// modTime is the newer of the two files' modification times.
func (r *CertReloader) modTime() (time.Time, error) {
	certInfo, err := os.Stat(r.certFile)
	if err != nil {
		return time.Time{}, err
	}
	keyInfo, err := os.Stat(r.keyFile)
	if err != nil {
		return time.Time{}, err
	}
	if keyInfo.ModTime().After(certInfo.ModTime()) {
		return keyInfo.ModTime(), nil
	}
	return certInfo.ModTime(), nil
}

// GetCertificate is the tls.Config callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("server: no certificate loaded")
	}
	return cert, nil
}

// Reload reads the pair again. The previous certificate stays in use if
// the new one does not parse.
func (r *CertReloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		r.logger.Errorf("certificate reload failed", map[string]any{"error": err.Error()})
		return err
	}
	r.logger.Infof("certificate reloaded", map[string]any{"certFile": r.certFile})
	return nil
}

// changed reports whether either file is newer than the last load.
func (r *CertReloader) changed() bool {
	mod, err := r.modTime()
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !mod.After(r.lastMod) {
		return false
	}
	r.lastMod = mod
	return true
}

// Watch polls the files every interval and reloads on change until Stop.
func (r *CertReloader) Watch(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCertCheckInterval
	}
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if r.changed() {
					_ = r.Reload()
				}
			}
		}
	}()
}

// Stop ends the watcher. It must only be called after Watch.
func (r *CertReloader) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *CertReloader) tlsConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}
