package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTLSClientDisabled(t *testing.T) {
	cfg, err := TLS{}.Client()
	if err != nil || cfg != nil {
		t.Fatalf("expected no tls config, got %v %v", cfg, err)
	}
}

func TestTLSClientInsecure(t *testing.T) {
	cfg, err := TLS{Insecure: true, ServerName: "bus.internal"}.Client()
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify || cfg.ServerName != "bus.internal" {
		t.Fatalf("unexpected tls config %+v", cfg)
	}
}

func TestTLSClientWithCAAndCert(t *testing.T) {
	certPath, keyPath := writeTestCert(t, t.TempDir())
	cfg, err := TLS{CAFile: certPath, CertFile: certPath, KeyFile: keyPath}.Client()
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected root CAs and client certificate")
	}
}

func TestTLSClientErrors(t *testing.T) {
	certPath, _ := writeTestCert(t, t.TempDir())
	if _, err := (TLS{CertFile: certPath}).Client(); err == nil {
		t.Fatalf("expected error for cert without key")
	}
	if _, err := (TLS{CAFile: filepath.Join(t.TempDir(), "missing.pem")}).Client(); err == nil {
		t.Fatalf("expected error for missing ca")
	}
	junk := filepath.Join(t.TempDir(), "junk.pem")
	_ = os.WriteFile(junk, []byte("junk"), 0o600)
	if _, err := (TLS{CAFile: junk}).Client(); err == nil {
		t.Fatalf("expected error for unparsable ca")
	}
}

// writeTestCert writes a self-signed CA certificate and its key into dir.
func writeTestCert(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	certPath := filepath.Join(dir, "tls.crt")
	keyPath := filepath.Join(dir, "tls.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
