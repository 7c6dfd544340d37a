package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vaultline/payguard/internal/chain"
	"github.com/vaultline/payguard/internal/executor"
	"github.com/vaultline/payguard/internal/logx"
	"github.com/vaultline/payguard/internal/metrics"
	"github.com/vaultline/payguard/internal/payment"
	"github.com/vaultline/payguard/internal/policy"
	"github.com/vaultline/payguard/internal/rpchealth"
	"github.com/vaultline/payguard/internal/server"
	"github.com/vaultline/payguard/internal/server/db"
	"github.com/vaultline/payguard/internal/sessionkey"
	"github.com/vaultline/payguard/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or PAYGUARD_LOG_LEVEL)")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("payguard-server"))
		fmt.Fprintf(os.Stderr, "Payguard server authorizes agent payments under human-set policies and spend limits.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_MASTER_KEY   Master encryption key for sealed session keys (64 hex chars, required)\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_ADMIN_TOKEN  Admin Bearer token for the approval surface (min 16 chars, required)\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_DB_PATH      SQLite database path (default: payguard.db)\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_LISTEN_ADDR  Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_CHAINS_PATH  Chain registry YAML path (default: chains.yaml)\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_CORS_ORIGINS Comma-separated allowed CORS origins\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_RATE_LIMIT   Requests per window per caller (default: 60)\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_RATE_WINDOW  Rate limit window (default: 1m)\n")
		fmt.Fprintf(os.Stderr, "  PAYGUARD_LOG_LEVEL    Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("payguard-server"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	registry, err := chain.Load(cfg.ChainsPath)
	if err != nil {
		log.Fatalf("load chain registry: %v", err)
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewPrometheusRecorder(promRegistry)

	tracker := rpchealth.NewTracker(recorder)
	policies := policy.NewEngine(store, registry, recorder)
	signer := sessionkey.NewService(store, registry, cfg.MasterKey, recorder)
	exec := executor.NewFacilitatorClient(registry, tracker)
	machine := payment.NewMachine(store, registry, policies, signer, exec, recorder)

	r := server.NewRouter(server.Deps{
		Store:    store,
		Registry: registry,
		Policies: policies,
		Signer:   signer,
		Machine:  machine,
		Health:   tracker,
		Metrics:  promRegistry,
	}, cfg)

	logx.Infof("server config: chains=%v rate_limit=%d/%s", registry.IDs(), cfg.RateLimit, cfg.RateWindow)
	log.Printf("payguard-server listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
