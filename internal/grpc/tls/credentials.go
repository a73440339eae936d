package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// Config describes optional transport security for either side of the
// contact RPC.
type Config struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	ClientAuth         string `mapstructure:"client_auth"`
	ServerNameOverride string `mapstructure:"server_name_override"`

	// Server only: generate the CA and server certificate when missing.
	AutoGenerate bool   `mapstructure:"auto_generate"`
	CAKeyFile    string `mapstructure:"ca_key_file"`
	DomainNames  string `mapstructure:"domain_names"`
	IPAddresses  string `mapstructure:"ip_addresses"`
}

// ServerCredentials returns nil credentials when TLS is disabled.
func ServerCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	clientAuth, err := ParseClientAuthType(cfg.ClientAuth)
	if err != nil {
		return nil, err
	}
	return LoadServerCredentials(cfg.CertFile, cfg.KeyFile, cfg.CAFile, clientAuth)
}

// ClientCredentials returns nil credentials when TLS is disabled.
func ClientCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return LoadClientCredentials(cfg.CertFile, cfg.KeyFile, cfg.CAFile, cfg.ServerNameOverride)
}

func LoadServerCredentials(certFile, keyFile, caFile string, clientAuth tls.ClientAuthType) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}

	if clientAuth != tls.NoClientCert {
		pool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = pool
	}

	return credentials.NewTLS(config), nil
}

// LoadClientCredentials loads a client certificate when certFile is set and
// trusts caFile when set, falling back to the system roots.
func LoadClientCredentials(certFile, keyFile, caFile, serverNameOverride string) (credentials.TransportCredentials, error) {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverNameOverride,
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}

	return credentials.NewTLS(config), nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	ca, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	return pool, nil
}

func ParseClientAuthType(authType string) (tls.ClientAuthType, error) {
	switch authType {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAndVerifyClientCert, nil
	default:
		return tls.NoClientCert, fmt.Errorf("invalid client auth type: %s (valid: none, request, require)", authType)
	}
}
