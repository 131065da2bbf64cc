package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	standardtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("mx.example.com", "10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, cert)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.Equal(t, "mx.example.com", leaf.Subject.CommonName)
	assert.Equal(t, leaf.Subject.CommonName, leaf.Issuer.CommonName)
	assert.ElementsMatch(t, []string{"mx.example.com", "localhost"}, leaf.DNSNames)

	var ips []string
	for _, ip := range leaf.IPAddresses {
		ips = append(ips, ip.String())
	}
	assert.ElementsMatch(t, []string{"10.0.0.5", "127.0.0.1"}, ips)

	valid := leaf.NotAfter.Sub(leaf.NotBefore)
	assert.InDelta(t, float64(certValidity), float64(valid), float64(time.Hour))

	ecKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok, "public key is not ECDSA")
	assert.Equal(t, elliptic.P256(), ecKey.Curve)

	require.NoError(t, leaf.VerifyHostname("mx.example.com"))
}

func TestGenerateSelfSignedCert_DefaultsToLocalhost(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Equal(t, []string{"localhost"}, leaf.DNSNames)
}

func TestLoadOrGenerateTLS_SelfSigned(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrGenerateTLS("", "", "mx.test")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(standardtls.VersionTLS12), cfg.MinVersion)
}

func TestLoadOrGenerateTLS_FromFiles(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("files.test")
	require.NoError(t, err)

	require.NotNil(t, cert.Leaf)
	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))

	cfg, err := LoadOrGenerateTLS(certFile, keyFile, "ignored.test")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, cert.Certificate[0], cfg.Certificates[0].Certificate[0])
}

func TestLoadOrGenerateTLS_Errors(t *testing.T) {
	t.Parallel()

	_, err := LoadOrGenerateTLS("/nonexistent/cert.pem", "/nonexistent/key.pem", "")
	assert.ErrorContains(t, err, "loading key pair")

	_, err = LoadOrGenerateTLS("/some/cert.pem", "", "")
	assert.ErrorContains(t, err, "must be set together")
}
