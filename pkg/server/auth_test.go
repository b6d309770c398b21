package server

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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mercator-hq/concord/pkg/concord"
	"mercator-hq/concord/pkg/config"
	"mercator-hq/concord/pkg/security/auth"
	"mercator-hq/concord/pkg/telemetry/logging"
)

func TestOperatorAuth(t *testing.T) {
	node, err := concord.New(context.Background(), concord.Options{NodeID: "node-a", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("concord.New failed: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	tokens, err := auth.NewTokenSet([]config.TokenConfig{{Operator: "ops", Token: "ops-token-0123456789"}})
	if err != nil {
		t.Fatalf("NewTokenSet failed: %v", err)
	}
	srv := NewServer(&config.ServerConfig{}, node, Options{Logger: logging.Discard(), Tokens: tokens})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	tests := []struct {
		name   string
		path   string
		token  string
		want   int
		method string
	}{
		{"operator route without token", "/v1/status", "", http.StatusUnauthorized, http.MethodGet},
		{"operator route with wrong token", "/v1/status", "nope", http.StatusUnauthorized, http.MethodGet},
		{"operator route with token", "/v1/status", "ops-token-0123456789", http.StatusOK, http.MethodGet},
		{"health is open", "/health", "", http.StatusOK, http.MethodGet},
		{"replication is not covered", "/v1/replication", "", http.StatusMethodNotAllowed, http.MethodGet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if resp.StatusCode == http.StatusUnauthorized {
				if body := decodeBody[ErrorResponse](t, resp); body.Error.Code != "unauthorized" {
					t.Errorf("code = %q, want unauthorized", body.Error.Code)
				}
			}
		})
	}
}

func TestSettleUsesAuthenticatedOperator(t *testing.T) {
	node, err := concord.New(context.Background(), concord.Options{NodeID: "node-a", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("concord.New failed: %v", err)
	}
	t.Cleanup(func() { node.Close() })
	tokens, _ := auth.NewTokenSet([]config.TokenConfig{{Operator: "ops", Token: "ops-token-0123456789"}})
	srv := NewServer(&config.ServerConfig{}, node, Options{Logger: logging.Discard(), Tokens: tokens})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// The operator comes from the token, so the body passes validation and
	// the unknown conflict id is what fails.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/conflicts/missing/settle",
		strings.NewReader(`{"winner":"a"}`))
	req.Header.Set(auth.TokenHeader, "ops-token-0123456789")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func writeServerCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
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
	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

func TestServerTLS(t *testing.T) {
	node, err := concord.New(context.Background(), concord.Options{NodeID: "node-a", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("concord.New failed: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	certPath, keyPath := writeServerCert(t, t.TempDir())
	srv := NewServer(&config.ServerConfig{
		ListenAddress:   "127.0.0.1:0",
		ShutdownTimeout: time.Second,
		TLS:             config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath},
	}, node, Options{Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	pemData, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(pemData)
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{
			RootCAs:    pool,
			ServerName: "localhost",
			MinVersion: tls.VersionTLS13,
		}},
	}

	resp, err := client.Get("https://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("https health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.TLS == nil || resp.TLS.Version != tls.VersionTLS13 {
		t.Errorf("connection state = %+v, want TLS 1.3", resp.TLS)
	}
}

func TestServerTLSMisconfigured(t *testing.T) {
	node, err := concord.New(context.Background(), concord.Options{NodeID: "node-a", Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("concord.New failed: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	srv := NewServer(&config.ServerConfig{
		ListenAddress: "127.0.0.1:0",
		TLS:           config.TLSConfig{Enabled: true, CertFile: filepath.Join(t.TempDir(), "missing.crt"), KeyFile: "missing.key"},
	}, node, Options{Logger: logging.Discard()})

	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("Start with a missing certificate should fail")
	}
	if srv.IsRunning() {
		t.Error("IsRunning = true after a failed start")
	}
}
