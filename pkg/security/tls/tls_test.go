package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/telemetry/logging"
)

// writeTestCert writes a self-signed certificate and key for cn valid
// until notAfter and returns their paths.
func writeTestCert(t *testing.T, dir, cn string, notAfter time.Time) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate failed: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey failed: %v", err)
	}

	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return certPath, keyPath
}

func TestValidateCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, "node-a", time.Now().Add(24*time.Hour))
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadX509KeyPair failed: %v", err)
	}

	tests := []struct {
		name    string
		cert    *tls.Certificate
		now     time.Time
		wantErr bool
	}{
		{"valid", &cert, time.Now(), false},
		{"expired", &cert, time.Now().Add(48 * time.Hour), true},
		{"not yet valid", &cert, time.Now().Add(-48 * time.Hour), true},
		{"nil", nil, time.Now(), true},
		{"empty chain", &tls.Certificate{}, time.Now(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCertificate(tt.cert, tt.now)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCertificate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExpiresSoon(t *testing.T) {
	now := time.Now()
	if _, soon := ExpiresSoon(&x509.Certificate{NotAfter: now.Add(10 * 24 * time.Hour)}, now); !soon {
		t.Error("certificate expiring in 10 days should be flagged")
	}
	if _, soon := ExpiresSoon(&x509.Certificate{NotAfter: now.Add(90 * 24 * time.Hour)}, now); soon {
		t.Error("certificate expiring in 90 days should not be flagged")
	}
}

func TestNewServerConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, "node-a", time.Now().Add(24*time.Hour))

	tests := []struct {
		name           string
		cfg            *config.TLSConfig
		wantNil        bool
		wantErr        bool
		wantMinVersion uint16
		wantClientAuth tls.ClientAuthType
	}{
		{name: "disabled", cfg: &config.TLSConfig{}, wantNil: true},
		{name: "nil", cfg: nil, wantNil: true},
		{
			name:           "defaults to TLS 1.3",
			cfg:            &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath},
			wantMinVersion: tls.VersionTLS13,
		},
		{
			name:           "TLS 1.2",
			cfg:            &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, MinVersion: "1.2"},
			wantMinVersion: tls.VersionTLS12,
		},
		{
			name: "client certificates",
			cfg: &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath,
				ClientCAFile: certPath, ClientAuth: "verify_if_given"},
			wantMinVersion: tls.VersionTLS13,
			wantClientAuth: tls.VerifyClientCertIfGiven,
		},
		{name: "missing key", cfg: &config.TLSConfig{Enabled: true, CertFile: certPath}, wantErr: true},
		{name: "unreadable cert", cfg: &config.TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "nope"), KeyFile: keyPath}, wantErr: true},
		{name: "bad client CA", cfg: &config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, ClientCAFile: keyPath}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reloader, err := NewServerConfig(tt.cfg, logging.Discard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewServerConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if reloader != nil {
				t.Error("reloader returned without reload enabled")
			}
			if tt.wantNil {
				if got != nil {
					t.Error("expected nil config")
				}
				return
			}
			if got.MinVersion != tt.wantMinVersion {
				t.Errorf("MinVersion = %x, want %x", got.MinVersion, tt.wantMinVersion)
			}
			if len(got.Certificates) != 1 {
				t.Errorf("Certificates = %d, want 1", len(got.Certificates))
			}
			if got.ClientAuth != tt.wantClientAuth {
				t.Errorf("ClientAuth = %v, want %v", got.ClientAuth, tt.wantClientAuth)
			}
		})
	}
}

func TestNewClientConfig(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, "node-a", time.Now().Add(24*time.Hour))

	got, err := NewClientConfig(config.ClientTLSConfig{})
	if err != nil || got != nil {
		t.Fatalf("empty config = %v, %v; want nil, nil", got, err)
	}

	got, err = NewClientConfig(config.ClientTLSConfig{CAFile: certPath, CertFile: certPath, KeyFile: keyPath, ServerName: "node-b"})
	if err != nil {
		t.Fatalf("NewClientConfig() error = %v", err)
	}
	if got.RootCAs == nil {
		t.Error("RootCAs not set")
	}
	if len(got.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(got.Certificates))
	}
	if got.ServerName != "node-b" {
		t.Errorf("ServerName = %q, want node-b", got.ServerName)
	}

	if _, err := NewClientConfig(config.ClientTLSConfig{CertFile: certPath}); err == nil {
		t.Error("certificate without key should fail")
	}
}

func TestReloaderPicksUpNewCertificate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, "first", time.Now().Add(24*time.Hour))

	r, err := NewReloader(certPath, keyPath, logging.Discard())
	if err != nil {
		t.Fatalf("NewReloader() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	subject := func() string {
		cert, _ := r.GetCertificate(nil)
		leaf, err := Leaf(cert)
		if err != nil {
			t.Fatalf("Leaf failed: %v", err)
		}
		return leaf.Subject.CommonName
	}
	if got := subject(); got != "first" {
		t.Fatalf("initial subject = %q, want first", got)
	}

	writeTestCert(t, dir, "second", time.Now().Add(24*time.Hour))

	deadline := time.Now().Add(5 * time.Second)
	for subject() != "second" {
		if time.Now().After(deadline) {
			t.Fatal("certificate was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReloaderKeepsCertificateOnBadReload(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCert(t, dir, "first", time.Now().Add(24*time.Hour))

	r, err := NewReloader(certPath, keyPath, logging.Discard())
	if err != nil {
		t.Fatalf("NewReloader() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })

	if err := os.WriteFile(certPath, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Reload(); err == nil {
		t.Fatal("Reload() of a corrupt certificate should fail")
	}
	cert, _ := r.GetCertificate(nil)
	if leaf, err := Leaf(cert); err != nil || leaf.Subject.CommonName != "first" {
		t.Errorf("certificate after failed reload = %v, %v; want first", leaf, err)
	}
}
