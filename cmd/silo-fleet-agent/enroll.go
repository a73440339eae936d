package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	grpcclient "github.com/EternisAI/silo-fleet/internal/grpc/client"
	grpctls "github.com/EternisAI/silo-fleet/internal/grpc/tls"
)

// runEnroll performs a single contact with an enrollment token and writes
// the assigned client id into the agent config.
func runEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	server := fs.String("server", "", "Server gRPC address (e.g., fleet.example.com:9090)")
	token := fs.String("token", "", "Enrollment token")
	clientID := fs.String("client-id", "", "Requested client id (server assigns one when empty)")
	cfgPath := fs.String("config", "application.yaml", "Agent config file to update")
	timeout := fs.Duration("timeout", 30*time.Second, "Enrollment timeout")
	caFile := fs.String("ca-file", "", "CA certificate; enables TLS")
	certFile := fs.String("cert-file", "", "Client certificate for mTLS")
	keyFile := fs.String("key-file", "", "Client key for mTLS")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server is required")
	}
	if *token == "" {
		return fmt.Errorf("--token is required")
	}

	c := grpcclient.NewClient(grpcclient.Config{
		ServerAddr:      *server,
		ClientID:        *clientID,
		EnrollmentToken: *token,
		AgentVersion:    AppVersion,
		TLS: grpctls.Config{
			Enabled:  *caFile != "",
			CAFile:   *caFile,
			CertFile: *certFile,
			KeyFile:  *keyFile,
		},
	}, *cfgPath)
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := c.ContactOnce(ctx); err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	fmt.Printf("Enrolled as %s\n", c.GetClientID())
	fmt.Printf("Config updated: %s\n", *cfgPath)
	return nil
}
