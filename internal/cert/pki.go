// Package cert maintains the small private CA used for transport security
// between agents and the fleet server.
package cert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	organization = "Silo Fleet"
)

type PKI struct {
	CACertPath string
	CAKeyPath  string
}

func New(caCertPath, caKeyPath string) *PKI {
	return &PKI{CACertPath: caCertPath, CAKeyPath: caKeyPath}
}

// EnsureCA loads the CA, generating and saving one when either file is missing.
func (p *PKI) EnsureCA() (*x509.Certificate, crypto.Signer, error) {
	if fileExists(p.CACertPath) && fileExists(p.CAKeyPath) {
		slog.Debug("Using existing CA certificate", "cert_path", p.CACertPath)
		caCert, caKey, err := loadCA(p.CACertPath, p.CAKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
		return caCert, caKey, nil
	}

	slog.Info("CA certificate not found, generating new CA", "cert_path", p.CACertPath)
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization + " CA"},
			CommonName:   organization + " Root CA",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	caCert, err := sign(template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	if err := writePair(caCert, caKey, p.CACertPath, p.CAKeyPath); err != nil {
		return nil, nil, err
	}
	slog.Info("Generated CA certificate", "cert_path", p.CACertPath, "key_path", p.CAKeyPath)
	return caCert, caKey, nil
}

// EnsureServerCert issues a server certificate signed by the CA unless both
// files already exist. Empty names default to localhost.
func (p *PKI) EnsureServerCert(certPath, keyPath string, domainNames []string, ipAddresses []net.IP) error {
	if fileExists(certPath) && fileExists(keyPath) {
		slog.Debug("Using existing server certificate", "cert_path", certPath)
		return nil
	}
	if len(domainNames) == 0 {
		domainNames = []string{"localhost"}
	}
	if len(ipAddresses) == 0 {
		ipAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	slog.Info("Server certificate not found, generating new server certificate",
		"cert_path", certPath,
		"domains", domainNames,
		"ips", ipAddresses)

	return p.issue(certPath, keyPath, func(t *x509.Certificate) {
		t.Subject.CommonName = domainNames[0]
		t.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		t.DNSNames = domainNames
		t.IPAddresses = ipAddresses
	})
}

// IssueClientCert issues an agent certificate whose common name is the
// agent's client id. Existing files are overwritten.
func (p *PKI) IssueClientCert(clientID, certPath, keyPath string) error {
	if clientID == "" {
		return fmt.Errorf("client id is required")
	}
	slog.Info("Generating agent certificate", "client_id", clientID)
	return p.issue(certPath, keyPath, func(t *x509.Certificate) {
		t.Subject.CommonName = clientID
		t.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	})
}

func (p *PKI) issue(certPath, keyPath string, customize func(*x509.Certificate)) error {
	caCert, caKey, err := p.EnsureCA()
	if err != nil {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{organization}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	customize(template)

	leaf, err := sign(template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate %s: %w", template.Subject.CommonName, err)
	}
	if err := writePair(leaf, key, certPath, keyPath); err != nil {
		return err
	}
	slog.Info("Generated certificate",
		"common_name", template.Subject.CommonName,
		"cert_path", certPath,
		"key_path", keyPath)
	return nil
}

func sign(template, parent *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}
