// Package certs loads the server's TLS key pair and reports on its validity.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/harrylevesque/hcsguard/internal/utils"
)

// RenewWindow is how far ahead of expiry the manager starts warning.
const RenewWindow = 14 * 24 * time.Hour

var ErrExpired = errors.New("certificate expired")

// CertManager holds the serving key pair.
type CertManager struct {
	certFile string
	keyFile  string
	now      func() time.Time
	log      *slog.Logger

	cert *tls.Certificate
	leaf *x509.Certificate
}

// NewCertManager creates a CertManager for the given PEM files.
func NewCertManager(certFile, keyFile string, log *slog.Logger) *CertManager {
	return &CertManager{certFile: certFile, keyFile: keyFile, now: time.Now, log: utils.Component(log, "certs")}
}

// Load reads and parses the key pair. An expired leaf is rejected; one inside
// RenewWindow is loaded with a warning.
func (cm *CertManager) Load() error {
	pair, err := tls.LoadX509KeyPair(cm.certFile, cm.keyFile)
	if err != nil {
		return fmt.Errorf("certs: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("certs: parse leaf: %w", err)
	}
	if cm.IsExpired(leaf) {
		return fmt.Errorf("certs: %s: %w (not after %s)", cm.certFile, ErrExpired, leaf.NotAfter.Format(time.RFC3339))
	}
	if left := leaf.NotAfter.Sub(cm.now()); left < RenewWindow {
		cm.log.Warn("certificate expires soon", "subject", leaf.Subject.CommonName, "notAfter", leaf.NotAfter)
	}
	pair.Leaf = leaf
	cm.cert, cm.leaf = &pair, leaf
	return nil
}

// IsExpired checks if a certificate is expired.
func (cm *CertManager) IsExpired(cert *x509.Certificate) bool {
	return cert.NotAfter.Before(cm.now())
}

// Leaf returns the loaded certificate, or nil before Load.
func (cm *CertManager) Leaf() *x509.Certificate { return cm.leaf }

// TLSConfig returns a TLS 1.2+ server config for the loaded pair.
func (cm *CertManager) TLSConfig() (*tls.Config, error) {
	if cm.cert == nil {
		return nil, errors.New("certs: key pair not loaded")
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*cm.cert},
	}, nil
}
