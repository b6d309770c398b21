package tls

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader serves a certificate pair and reloads it when either file
// changes on disk.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
}

// NewReloader loads the initial pair and starts watching the directories
// holding it. Run must be called to process changes.
func NewReloader(certFile, keyFile string, logger *slog.Logger) (*Reloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reloader{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger.With("component", "tls.reloader"),
		now:      time.Now,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate watcher: %w", err)
	}
	// Watch directories so atomic renames of the files are seen.
	dirs := map[string]bool{filepath.Dir(r.certFile): true, filepath.Dir(r.keyFile): true}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	r.watcher = w
	return r, nil
}

// Reload loads the pair from disk. On failure the current certificate is
// kept.
func (r *Reloader) Reload() error {
	cert, err := LoadKeyPair(r.certFile, r.keyFile, r.now())
	if err != nil {
		return err
	}
	leaf, err := Leaf(cert)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cert = cert
	r.mu.Unlock()

	if left, soon := ExpiresSoon(leaf, r.now()); soon {
		r.logger.Warn("certificate expiring soon",
			"subject", leaf.Subject.CommonName,
			"expires_at", leaf.NotAfter.Format(time.RFC3339),
			"remaining", left.Round(time.Hour).String(),
		)
	} else {
		r.logger.Info("certificate loaded",
			"subject", leaf.Subject.CommonName,
			"expires_at", leaf.NotAfter.Format(time.RFC3339),
		)
	}
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// Run processes file events until ctx is done, then closes the watcher.
func (r *Reloader) Run(ctx context.Context) {
	defer r.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			name := filepath.Clean(ev.Name)
			if name != r.certFile && name != r.keyFile {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Error("failed to reload certificate", "file", name, "error", err)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("certificate watcher error", "error", err)
		}
	}
}

// Close stops watching without running.
func (r *Reloader) Close() error {
	return r.watcher.Close()
}
