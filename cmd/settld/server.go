package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/settld-labs/settld/pkg/api"
	"github.com/settld-labs/settld/pkg/config"
	"github.com/settld-labs/settld/pkg/crypto"
	"github.com/settld-labs/settld/pkg/eventlog"
	"github.com/settld-labs/settld/pkg/export"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/grants"
	"github.com/settld-labs/settld/pkg/idempotency"
	"github.com/settld-labs/settld/pkg/identity"
	"github.com/settld-labs/settld/pkg/ledger"
	"github.com/settld-labs/settld/pkg/observability"
	"github.com/settld-labs/settld/pkg/policy"
	"github.com/settld-labs/settld/pkg/rail"
	"github.com/settld-labs/settld/pkg/sessions"
	"github.com/settld-labs/settld/pkg/settlement"
	"github.com/settld-labs/settld/pkg/store"
	"github.com/settld-labs/settld/pkg/tenants"
)

const exportInterval = time.Hour

func runServer(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	environment := "development"
	if cfg.ReserveMode == rail.ModeProduction {
		environment = "production"
	}

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		var err error
		obs, err = observability.New(ctx, &observability.Config{
			ServiceName:    "settld",
			ServiceVersion: "1.0.0",
			Environment:    environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       true,
		})
		if err != nil {
			fmt.Fprintf(stderr, "observability init failed: %v\n", err)
			return 1
		}
		defer func() {
			sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(sdCtx)
		}()
	}

	keyring := crypto.NewKeyring()

	// Settlement signer: ephemeral per process. Receipts stay verifiable as
	// long as the public key is exported alongside them.
	signer, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(stderr, "signer keygen failed: %v\n", err)
		return 1
	}
	if err := keyring.Register(signer.KeyID, signer.PublicPEM, time.Now().UTC()); err != nil {
		fmt.Fprintf(stderr, "signer registration failed: %v\n", err)
		return 1
	}
	logger.Info("settlement signer ready", "keyId", signer.KeyID)

	tenantReg := tenants.NewRegistry()
	tenantReg.LoadOpsTokens(cfg.OpsTokens)

	var (
		gateStore   gate.Store
		receipts    export.Source
		walletStore ledger.WalletStore
		eventStore  eventlog.Store
		sessStore   sessions.Store
		idemStore   idempotency.Store
		dailySpend  gate.DailySpendTracker
		burns       gate.OverrideBurns
	)

	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, running in-memory")
		ms := gate.NewMemoryStore()
		gateStore, receipts = ms, ms
		walletStore = ledger.NewMemoryWalletStore()
		eventStore = eventlog.NewMemoryStore()
		sessStore = sessions.NewMemoryStore()
		idemStore = idempotency.NewMemoryStore(24 * time.Hour)
		dailySpend = gate.NewMemoryDailySpend()
		burns = gate.NewMemoryOverrideBurns()

		// Dev convenience: a ready tenant with a printed key.
		if _, err := tenantReg.CreateTenant("dev", "Development"); err == nil {
			if _, plaintext, err := tenantReg.IssueKey("dev", "bootstrap"); err == nil {
				fmt.Fprintf(stdout, "dev tenant key: %s\n", plaintext)
			}
		}
	} else {
		db, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(stderr, "store open failed: %v\n", err)
			return 1
		}
		defer db.Close()
		if err := db.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "store init failed: %v\n", err)
			return 1
		}
		logger.Info("relational store ready")
		gs := db.Gates()
		gateStore, receipts = gs, gs
		walletStore = db.Wallets()
		eventStore = db.Events()
		sessStore = db.Sessions()
		idemStore = db.Idempotency()
		dailySpend = db.DailySpend()
		burns = db.OverrideBurns()
	}

	var throttle identity.Throttle
	if cfg.RedisAddr != "" {
		throttle = identity.NewRedisThrottle(cfg.RedisAddr, cfg.RedisPassword, 0)
		logger.Info("redis throttle ready", "addr", cfg.RedisAddr)
	} else {
		throttle = identity.NewLocalThrottle()
	}

	policies := policy.NewRegistry()
	if cfg.PolicyDir != "" {
		if err := policies.LoadDir(cfg.PolicyDir); err != nil {
			fmt.Fprintf(stderr, "policy load failed: %v\n", err)
			return 1
		}
	}
	engine, err := policy.NewEngine()
	if err != nil {
		fmt.Fprintf(stderr, "policy engine init failed: %v\n", err)
		return 1
	}

	railAdapter, err := rail.New(rail.Config{
		Mode:    cfg.ReserveMode,
		BaseURL: cfg.RailBaseURL,
		APIKey:  cfg.RailAPIKey,
	})
	if err != nil {
		fmt.Fprintf(stderr, "rail init failed: %v\n", err)
		return 1
	}

	kernel := settlement.NewKernel(keyring, signer.KeyID, signer.PrivatePEM)
	tokens := gate.NewTokenIssuer([]byte(cfg.TokenSecret))
	ledgerMgr := ledger.NewManager(walletStore)
	gateMgr := gate.NewManager(gateStore, ledgerMgr, railAdapter, policies, engine,
		kernel, tokens, keyring, dailySpend, gate.Options{
			RequireExternalReserve: cfg.RequireExternalReserve,
			Logger:                 logger,
			Burns:                  burns,
		})
	sessMgr := sessions.NewManager(sessStore, eventlog.New(eventStore, keyring, nil))

	srv, err := api.NewServer(api.Deps{
		Tenants:        tenantReg,
		Agents:         identity.NewRegistry(keyring),
		Throttle:       throttle,
		Ledger:         ledgerMgr,
		Gates:          gateMgr,
		Receipts:       receipts,
		Sessions:       sessMgr,
		Idempotency:    idemStore,
		Tokens:         tokens,
		Policies:       policies,
		GrantValidator: grants.NewValidator(keyring, grants.NewMemoryRevocations()),
		Keyring:        keyring,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "server init failed: %v\n", err)
		return 1
	}

	handler := srv.Handler()
	if obs != nil {
		handler = obs.Middleware(handler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/", handler)

	if cfg.ExportBucket != "" {
		sink, prefix, err := export.OpenSink(ctx, cfg.ExportBucket)
		if err != nil {
			fmt.Fprintf(stderr, "export sink init failed: %v\n", err)
			return 1
		}
		go runExportLoop(ctx, logger, export.NewExporter(receipts, sink, prefix))
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port, "reserveMode", string(cfg.ReserveMode))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		sdCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sdCtx); err != nil {
			logger.Error("shutdown failed", "err", err)
			return 1
		}
	}
	return 0
}

// runExportLoop snapshots receipts to the configured bucket on a fixed
// interval until the context ends.
func runExportLoop(ctx context.Context, logger *slog.Logger, exporter *export.Exporter) {
	ticker := time.NewTicker(exportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key, err := exporter.Run(ctx, 0)
			if err != nil {
				logger.Error("receipt export failed", "err", err)
				continue
			}
			logger.Info("receipts exported", "key", key)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
