// Package pki derives stable identities from X.509 certificates.
package pki

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoCertificate is returned when a PEM document contains no certificate block.
var ErrNoCertificate = errors.New("no certificate found in PEM data")

// Identity is the pinned form of a certificate.
type Identity struct {
	Fingerprint string
	Subject     string
	Issuer      string
}

// Fingerprint returns the upper-case hex SHA-256 digest of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// IdentityOf returns the fingerprint, subject and issuer of cert.
func IdentityOf(cert *x509.Certificate) Identity {
	return Identity{
		Fingerprint: Fingerprint(cert),
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
	}
}

// ParsePEM parses the first CERTIFICATE block in data.
func ParsePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, ErrNoCertificate
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		return cert, nil
	}
}

// ParseHeader parses a URL-encoded PEM certificate as forwarded by a
// TLS-terminating proxy.
func ParseHeader(value string) (*x509.Certificate, error) {
	decoded, err := url.QueryUnescape(value)
	if err != nil {
		return nil, fmt.Errorf("decode certificate header: %w", err)
	}
	return ParsePEM([]byte(decoded))
}
