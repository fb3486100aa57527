// Package platformconfig loads the environment-variable configuration
// shared by the submitter and projector worker binaries.
package platformconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// IdentityConfig captures the mTLS material for a single ledger identity
// (one entry per wallet role referenced by §6 of the operating spec:
// org1-super-admin, org1-admin, org1-partner-api, org2-super-admin).
type IdentityConfig struct {
	Name              string
	PeerEndpoint      string
	TLSServerOverride string
	CertPath          string
	KeyPath           string
	CACertPath        string
	MSPID             string
}

// Config is the flat runtime configuration for both worker binaries.
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	LockTimeout  time.Duration
	MetricsPort  string

	ChannelName   string
	ChaincodeName string
	WalletPath    string

	Identities map[string]IdentityConfig

	DatabaseURL string

	OTelEndpoint string
	OTelInsecure bool
	Environment  string
}

// FromEnv loads configuration from the process environment, applying the
// defaults named in §4.3/§4.4/§6 of the operating spec.
func FromEnv(serviceName string) (*Config, error) {
	workerID := getEnvDefault("WORKER_ID", serviceName+"-"+randomSuffix())

	pollMS := parseIntEnv("POLL_INTERVAL", 100)
	batchSize := parseIntEnv("BATCH_SIZE", 10)
	maxRetries := parseIntEnv("MAX_RETRIES", 5)
	lockTimeoutSeconds := parseIntEnv("LOCK_TIMEOUT", 300)
	metricsPort := getEnvDefault("METRICS_PORT", "9090")

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("platformconfig: DATABASE_URL is required")
	}

	channel := getEnvDefault("FABRIC_CHANNEL_NAME", "")
	if channel == "" {
		return nil, fmt.Errorf("platformconfig: FABRIC_CHANNEL_NAME is required")
	}
	chaincode := getEnvDefault("FABRIC_CHAINCODE_NAME", "")
	if chaincode == "" {
		return nil, fmt.Errorf("platformconfig: FABRIC_CHAINCODE_NAME is required")
	}
	walletPath := getEnvDefault("FABRIC_WALLET_PATH", "")
	if walletPath == "" {
		return nil, fmt.Errorf("platformconfig: FABRIC_WALLET_PATH is required")
	}

	identities, err := buildIdentities(walletPath)
	if err != nil {
		return nil, err
	}

	return &Config{
		WorkerID:      workerID,
		PollInterval:  time.Duration(pollMS) * time.Millisecond,
		BatchSize:     batchSize,
		MaxRetries:    maxRetries,
		LockTimeout:   time.Duration(lockTimeoutSeconds) * time.Second,
		MetricsPort:   normalizePort(metricsPort),
		ChannelName:   channel,
		ChaincodeName: chaincode,
		WalletPath:    walletPath,
		Identities:    identities,
		DatabaseURL:   dbURL,
		OTelEndpoint:  getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTelInsecure:  parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", true),
		Environment:   getEnvDefault("DEPLOY_ENV", "development"),
	}, nil
}

// buildIdentities resolves the four named wallet identities to the stable
// per-identity file paths: <wallet>/<name>-cert, <wallet>/<name>-key, plus
// the shared <wallet>/tlsca-cert.
func buildIdentities(walletPath string) (map[string]IdentityConfig, error) {
	caCertPath := walletPath + "/tlsca-cert"

	roles := []struct {
		name           string
		endpointEnv    string
		overrideEnv    string
		mspEnv         string
		defaultMSP     string
		requireEndpoint bool
	}{
		{"org1-super-admin", "FABRIC_PEER_ENDPOINT", "FABRIC_TLS_SERVER_NAME_OVERRIDE", "FABRIC_MSP_ID", "Org1MSP", true},
		{"org1-admin", "FABRIC_PEER_ENDPOINT", "FABRIC_TLS_SERVER_NAME_OVERRIDE", "FABRIC_MSP_ID", "Org1MSP", true},
		{"org1-partner-api", "FABRIC_PEER_ENDPOINT", "FABRIC_TLS_SERVER_NAME_OVERRIDE", "FABRIC_MSP_ID", "Org1MSP", true},
		{"org2-super-admin", "FABRIC_ORG2_PEER_ENDPOINT", "FABRIC_ORG2_TLS_SERVER_NAME_OVERRIDE", "FABRIC_ORG2_MSP_ID", "Org2MSP", false},
	}

	identities := make(map[string]IdentityConfig, len(roles))
	for _, role := range roles {
		endpoint := os.Getenv(role.endpointEnv)
		if endpoint == "" {
			if role.requireEndpoint {
				return nil, fmt.Errorf("platformconfig: %s is required", role.endpointEnv)
			}
			continue
		}
		identities[role.name] = IdentityConfig{
			Name:              role.name,
			PeerEndpoint:      endpoint,
			TLSServerOverride: os.Getenv(role.overrideEnv),
			CertPath:          walletPath + "/" + role.name + "-cert",
			KeyPath:           walletPath + "/" + role.name + "-key",
			CACertPath:        caCertPath,
			MSPID:             getEnvDefault(role.mspEnv, role.defaultMSP),
		}
	}
	return identities, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" {
		return "9090"
	}
	if strings.HasPrefix(port, ":") {
		return port[1:]
	}
	return port
}

func randomSuffix() string {
	return strconv.FormatInt(time.Now().UnixNano()%100000, 10)
}
