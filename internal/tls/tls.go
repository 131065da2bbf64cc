// Package tls builds the STARTTLS configuration for the LMTP/SMTP listener.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// certValidity is the lifetime of a generated certificate.
const certValidity = 365 * 24 * time.Hour

// LoadOrGenerateTLS returns a server config using the key pair in certFile and
// keyFile. With neither set it generates a self-signed certificate for
// hostname instead; setting only one of them is an error.
func LoadOrGenerateTLS(certFile, keyFile, hostname string) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case certFile != "" && keyFile != "":
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading key pair %s: %w", certFile, err)
		}
	case certFile != "" || keyFile != "":
		return nil, errors.New("cert_file and key_file must be set together")
	default:
		generated, err := GenerateSelfSignedCert(hostname)
		if err != nil {
			return nil, err
		}
		cert = *generated
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// GenerateSelfSignedCert creates an in-memory ECDSA P-256 certificate signed
// by its own key. The first non-empty host is the subject CN; all hosts plus
// localhost and 127.0.0.1 become SANs. Nothing is written to disk.
func GenerateSelfSignedCert(hosts ...string) (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	names := append(append([]string(nil), hosts...), "localhost", "127.0.0.1")
	dnsNames, ips := subjectAltNames(names)

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: dnsNames[0], Organization: []string{"maildrop-lite"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing generated certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// subjectAltNames splits hosts into unique DNS names and IP addresses,
// keeping their order. localhost is always among the DNS names.
func subjectAltNames(hosts []string) ([]string, []net.IP) {
	var (
		dnsNames []string
		ips      []net.IP
	)
	seen := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}
	return dnsNames, ips
}
