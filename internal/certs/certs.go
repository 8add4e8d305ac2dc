// Package certs resolves a *tls.Config for the server's in-band STARTTLS
// upgrade. Two providers are offered: a filesystem-loaded PEM pair for
// production, and a self-signed development certificate gated behind an
// explicit opt-in so it can never be reached accidentally in production
// configuration. The self-signed key is freshly random per run; clients may
// choose to accept it without pinning in development.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// Provider resolves a server-side *tls.Config on demand. Returning one per
// call (rather than caching) lets an implementation pick up a rotated
// certificate without a server restart.
type Provider interface {
	ServerConfig() (*tls.Config, error)
}

const minTLSVersion = tls.VersionTLS12

// FileProvider loads a certificate/key pair from disk on every call.
type FileProvider struct {
	CertPath string
	KeyPath  string
}

func (p FileProvider) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(p.CertPath, p.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("certs: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minTLSVersion,
		NextProtos:   []string{"krypton"},
	}, nil
}

// SelfSignedDevProvider generates a throwaway self-signed certificate once
// and reuses it for the process lifetime. Operators must opt in explicitly;
// wiring this provider instead of FileProvider is that choice.
type SelfSignedDevProvider struct {
	cfg *tls.Config
}

func NewSelfSignedDevProvider() (*SelfSignedDevProvider, error) {
	cfg, err := generateSelfSigned()
	if err != nil {
		return nil, err
	}
	return &SelfSignedDevProvider{cfg: cfg}, nil
}

func (p *SelfSignedDevProvider) ServerConfig() (*tls.Config, error) { return p.cfg, nil }

func generateSelfSigned() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certs: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certs: generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "krypton-dev"},
		DNSNames:              []string{"krypton-dev", "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("certs: create certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minTLSVersion,
		NextProtos:   []string{"krypton"},
	}, nil
}
