package agent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"
)

// CertIssuer mints short-lived client certificates under the vault's own
// issuing key (spec §4.7 authenticate_with_approle: "issue a short-lived
// client certificate (self-signed under the vault's issuing key, subject=
// agent external_id, validity configurable)"). No library in the retrieval
// pack offers a simpler self-signed-cert path than stdlib crypto/x509 (see
// DESIGN.md C7): this is a deliberately stdlib-only component.
type CertIssuer struct {
	caKey    *ecdsa.PrivateKey
	caCert   *x509.Certificate
	validity time.Duration
}

// NewCertIssuer builds a CertIssuer from an already-generated issuing CA
// keypair/certificate (see NewSelfSignedCA) and the validity period granted
// to every agent certificate it issues.
func NewCertIssuer(caKey *ecdsa.PrivateKey, caCert *x509.Certificate, validity time.Duration) *CertIssuer {
	return &CertIssuer{caKey: caKey, caCert: caCert, validity: validity}
}

// NewSelfSignedCA generates the vault's own issuing keypair and a
// self-signed CA certificate under it, used once at vault bootstrap to seed
// CertIssuer.
func NewSelfSignedCA(commonName string, validity time.Duration) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: generating CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: creating CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: parsing CA certificate: %w", err)
	}
	return key, cert, nil
}

// IssueClientCert mints a client-auth certificate for subject, signed by
// the issuing CA. It returns the DER-encoded certificate and its SHA-256
// fingerprint (hex), which is what Agent.CertFingerprint records.
func (c *CertIssuer) IssueClientCert(subject string) (der []byte, fingerprint string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("agent: generating client key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, "", err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subject},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(c.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, c.caCert, &key.PublicKey, c.caKey)
	if err != nil {
		return nil, "", fmt.Errorf("agent: issuing client certificate: %w", err)
	}
	sum := sha256.Sum256(der)
	return der, hex.EncodeToString(sum[:]), nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("agent: generating certificate serial: %w", err)
	}
	return serial, nil
}
