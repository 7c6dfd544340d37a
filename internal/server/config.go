package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vaultline/payguard/internal/crypto"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	AdminToken  string
	MasterKey   [32]byte
	DBPath      string
	ListenAddr  string
	ChainsPath  string
	CORSOrigins []string

	RateLimit   int
	RateWindow  time.Duration
	RateMaxKeys int
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	adminToken := os.Getenv("PAYGUARD_ADMIN_TOKEN")
	if adminToken == "" {
		return nil, fmt.Errorf("PAYGUARD_ADMIN_TOKEN is required")
	}
	if len(adminToken) < 16 {
		return nil, fmt.Errorf("PAYGUARD_ADMIN_TOKEN must be at least 16 characters")
	}

	masterKey, err := crypto.ParseMasterKey(os.Getenv("PAYGUARD_MASTER_KEY"))
	if err != nil {
		return nil, fmt.Errorf("PAYGUARD_MASTER_KEY: %w", err)
	}

	dbPath := os.Getenv("PAYGUARD_DB_PATH")
	if dbPath == "" {
		dbPath = "payguard.db"
	}

	listenAddr := os.Getenv("PAYGUARD_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	chainsPath := os.Getenv("PAYGUARD_CHAINS_PATH")
	if chainsPath == "" {
		chainsPath = "chains.yaml"
	}

	var corsOrigins []string
	if v := os.Getenv("PAYGUARD_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				corsOrigins = append(corsOrigins, o)
			}
		}
	}

	rateLimit := 60
	if v := os.Getenv("PAYGUARD_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("PAYGUARD_RATE_LIMIT must be a positive integer")
		}
		rateLimit = n
	}

	rateWindow := time.Minute
	if v := os.Getenv("PAYGUARD_RATE_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("PAYGUARD_RATE_WINDOW must be a positive duration, e.g. 1m")
		}
		rateWindow = d
	}

	rateMaxKeys := 10000
	if v := os.Getenv("PAYGUARD_RATE_MAX_KEYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("PAYGUARD_RATE_MAX_KEYS must be a positive integer")
		}
		rateMaxKeys = n
	}

	return &Config{
		AdminToken:  adminToken,
		MasterKey:   masterKey,
		DBPath:      dbPath,
		ListenAddr:  listenAddr,
		ChainsPath:  chainsPath,
		CORSOrigins: corsOrigins,
		RateLimit:   rateLimit,
		RateWindow:  rateWindow,
		RateMaxKeys: rateMaxKeys,
	}, nil
}
