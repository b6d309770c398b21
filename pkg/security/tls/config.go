package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	"mercator-hq/concord/pkg/config"
)

// NewServerConfig builds the listener configuration for cfg. It returns a
// nil config when TLS is disabled, and a non-nil Reloader when cfg.Reload
// is set; the caller runs the Reloader for as long as the listener is up.
func NewServerConfig(cfg *config.TLSConfig, logger *slog.Logger) (*tls.Config, *Reloader, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil, fmt.Errorf("cert_file and key_file are required when TLS is enabled")
	}

	tlsCfg := &tls.Config{MinVersion: parseVersion(cfg.MinVersion)}

	var reloader *Reloader
	if cfg.Reload {
		r, err := NewReloader(cfg.CertFile, cfg.KeyFile, logger)
		if err != nil {
			return nil, nil, err
		}
		reloader = r
		tlsCfg.GetCertificate = r.GetCertificate
	} else {
		cert, err := LoadKeyPair(cfg.CertFile, cfg.KeyFile, time.Now())
		if err != nil {
			return nil, nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{*cert}
	}

	if cfg.ClientCAFile != "" {
		pool, err := loadPool(cfg.ClientCAFile)
		if err != nil {
			return nil, nil, fmt.Errorf("client CA: %w", err)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = parseClientAuth(cfg.ClientAuth)
	}
	return tlsCfg, reloader, nil
}

// NewClientConfig builds the dialing configuration for peers. It returns
// nil when cfg sets nothing, leaving the system defaults in place.
func NewClientConfig(cfg config.ClientTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.ServerName,
	}
	if cfg.CAFile != "" {
		pool, err := loadPool(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("peer CA: %w", err)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := LoadKeyPair(cfg.CertFile, cfg.KeyFile, time.Now())
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{*cert}
	}
	return tlsCfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func parseVersion(v string) uint16 {
	if v == "1.2" {
		return tls.VersionTLS12
	}
	return tls.VersionTLS13
}

func parseClientAuth(v string) tls.ClientAuthType {
	switch v {
	case "request":
		return tls.RequestClientCert
	case "verify_if_given":
		return tls.VerifyClientCertIfGiven
	default:
		return tls.RequireAndVerifyClientCert
	}
}
