package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/cert"
	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
)

func ParseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ensureServerCertificates creates the CA and server certificate named in
// cfg when auto generation is enabled and the files do not exist yet.
func ensureServerCertificates(cfg grpctls.Config) error {
	if !cfg.Enabled || !cfg.AutoGenerate {
		return nil
	}
	if cfg.CAFile == "" || cfg.CAKeyFile == "" || cfg.CertFile == "" || cfg.KeyFile == "" {
		return fmt.Errorf("auto_generate requires ca_file, ca_key_file, cert_file and key_file")
	}

	var ips []net.IP
	for _, s := range ParseCommaSeparated(cfg.IPAddresses) {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid ip address %q", s)
		}
		ips = append(ips, ip)
	}

	pki := cert.New(cfg.CAFile, cfg.CAKeyFile)
	return pki.EnsureServerCert(cfg.CertFile, cfg.KeyFile, ParseCommaSeparated(cfg.DomainNames), ips)
}

// runIssueAgentCert writes a client certificate for one agent, signed by the
// configured CA, for use with client_auth: require.
func runIssueAgentCert(args []string) error {
	fs := flag.NewFlagSet("issue-agent-cert", flag.ExitOnError)
	clientID := fs.String("client-id", "", "Agent client id (certificate common name)")
	outDir := fs.String("out", "./certs/agents", "Directory to save the certificate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return fmt.Errorf("--client-id is required")
	}

	tlsCfg := config.Grpc.TLS
	if tlsCfg.CAFile == "" || tlsCfg.CAKeyFile == "" {
		return fmt.Errorf("grpc.tls.ca_file and grpc.tls.ca_key_file must be configured")
	}

	dir := filepath.Join(*outDir, *clientID)
	certPath := filepath.Join(dir, *clientID+"-cert.pem")
	keyPath := filepath.Join(dir, *clientID+"-key.pem")
	if err := cert.New(tlsCfg.CAFile, tlsCfg.CAKeyFile).IssueClientCert(*clientID, certPath, keyPath); err != nil {
		return err
	}

	slog.Info("Agent certificate issued", "client_id", *clientID, "cert_path", certPath, "key_path", keyPath)
	fmt.Printf("Certificate: %s\nKey:         %s\nCA:          %s\n", certPath, keyPath, tlsCfg.CAFile)
	return nil
}
