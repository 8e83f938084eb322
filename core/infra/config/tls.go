package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLS holds client TLS settings for one outbound connection (Redis or NATS).
// The zero value means plain TCP.
type TLS struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
	Insecure   bool
}

func loadTLS(prefix string) TLS {
	return TLS{
		CAFile:     envOr(prefix+"_TLS_CA", ""),
		CertFile:   envOr(prefix+"_TLS_CERT", ""),
		KeyFile:    envOr(prefix+"_TLS_KEY", ""),
		ServerName: envOr(prefix+"_TLS_SERVER_NAME", ""),
		Insecure:   envBool(prefix + "_TLS_INSECURE"),
	}
}

// Enabled reports whether any TLS setting is present.
func (t TLS) Enabled() bool {
	return t.CAFile != "" || t.CertFile != "" || t.KeyFile != "" || t.ServerName != "" || t.Insecure
}

// Client builds a *tls.Config, or nil when TLS is not enabled.
func (t TLS) Client() (*tls.Config, error) {
	if !t.Enabled() {
		return nil, nil
	}
	// #nosec G402 -- insecure mode is an explicit operator opt-in.
	cfg := &tls.Config{ServerName: t.ServerName, InsecureSkipVerify: t.Insecure, MinVersion: tls.VersionTLS12}
	if t.CAFile != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("tls ca read: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls ca parse: %s", t.CAFile)
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" || t.KeyFile != "" {
		if t.CertFile == "" || t.KeyFile == "" {
			return nil, errors.New("tls cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
