package gatewayclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// IdentityTLS describes the mTLS material for one wallet identity: a
// client certificate/key pair plus the shared peer TLS CA, loaded from the
// stable wallet paths (<wallet>/<name>-cert, <wallet>/<name>-key,
// <wallet>/tlsca-cert).
type IdentityTLS struct {
	CertPath   string
	KeyPath    string
	CACertPath string
	ServerName string
	Insecure   bool
}

// dialOptions builds the grpc.DialOption slice for one identity's
// connection: mutual TLS loaded from disk (or plaintext, for local
// development only), plus a keep-alive policy suited to a long-lived
// worker connection that may sit idle between poll ticks.
func dialOptions(tlsCfg IdentityTLS, keepAlive time.Duration) ([]grpc.DialOption, error) {
	var transport credentials.TransportCredentials
	if tlsCfg.Insecure {
		transport = insecure.NewCredentials()
	} else {
		creds, err := loadMutualTLS(tlsCfg)
		if err != nil {
			return nil, err
		}
		transport = creds
	}

	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	return []grpc.DialOption{
		grpc.WithTransportCredentials(transport),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepAlive,
			Timeout:             keepAlive / 2,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, nil
}

func loadMutualTLS(tlsCfg IdentityTLS) (credentials.TransportCredentials, error) {
	certPath := strings.TrimSpace(tlsCfg.CertPath)
	keyPath := strings.TrimSpace(tlsCfg.KeyPath)
	caPath := strings.TrimSpace(tlsCfg.CACertPath)

	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("gatewayclient: client certificate and key are required for mutual TLS")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: load client certificate: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}

	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("gatewayclient: read ca certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("gatewayclient: parse ca certificate: invalid pem data")
		}
		cfg.RootCAs = pool
	}

	if tlsCfg.ServerName != "" {
		cfg.ServerName = tlsCfg.ServerName
	}

	return credentials.NewTLS(cfg), nil
}
