package certs

import (
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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePair(t *testing.T, notAfter time.Time) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "hcs.local"},
		NotBefore:    notAfter.Add(-365 * 24 * time.Hour),
		NotAfter:     notAfter,
		DNSNames:     []string{"hcs.local"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func TestLoadValidPair(t *testing.T) {
	certFile, keyFile := writePair(t, time.Now().Add(90*24*time.Hour))
	cm := NewCertManager(certFile, keyFile, nil)

	_, err := cm.TLSConfig()
	require.Error(t, err)

	require.NoError(t, cm.Load())
	assert.Equal(t, "hcs.local", cm.Leaf().Subject.CommonName)
	cfg, err := cm.TLSConfig()
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Len(t, cfg.Certificates, 1)
}

func TestLoadRejectsExpired(t *testing.T) {
	certFile, keyFile := writePair(t, time.Now().Add(-time.Hour))
	cm := NewCertManager(certFile, keyFile, nil)
	assert.ErrorIs(t, cm.Load(), ErrExpired)
}

func TestLoadMissingFiles(t *testing.T) {
	cm := NewCertManager(filepath.Join(t.TempDir(), "nope.crt"), "nope.key", nil)
	assert.Error(t, cm.Load())
}
