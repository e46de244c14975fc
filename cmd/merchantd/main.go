// Package main provides the merchantd daemon - the merchant payment
// backend.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talerforge/merchantd/internal/api"
	"github.com/talerforge/merchantd/internal/config"
	"github.com/talerforge/merchantd/internal/crypto"
	"github.com/talerforge/merchantd/internal/exchange"
	"github.com/talerforge/merchantd/internal/longpoll"
	"github.com/talerforge/merchantd/internal/order"
	"github.com/talerforge/merchantd/internal/pay"
	"github.com/talerforge/merchantd/internal/refund"
	"github.com/talerforge/merchantd/internal/storage"
	"github.com/talerforge/merchantd/internal/tip"
	"github.com/talerforge/merchantd/internal/track"
	"github.com/talerforge/merchantd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// Exit codes: 0 ok, 1 fatal, 2 bad configuration.
const exitBadConfig = 2

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.merchantd", "Data directory")
		apiAddr     = flag.String("api", "127.0.0.1:9966", "HTTP API address")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		purgeEvery  = flag.Duration("purge-interval", time.Hour, "Expired order purge interval")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("merchantd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	dataPath := expandPath(*dataDir)
	cfg, err := config.Load(dataPath)
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(exitBadConfig)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(dataPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	if err := provisionInstances(cfg, store, log); err != nil {
		log.Fatal("Failed to provision instances", "error", err)
	}

	registry := exchange.NewRegistry()
	for _, ex := range cfg.Exchanges {
		registry.Add(ex.BaseURL, ex.MasterPub)
		log.Info("Exchange registered", "url", ex.BaseURL)
	}
	if len(cfg.Exchanges) == 0 {
		log.Warn("No exchanges configured; payments will be rejected")
	}

	lp := longpoll.NewRegistry()
	ledger := refund.NewLedger(store, lp)
	orders := order.NewManager(store, cfg)
	payments := pay.NewCoordinator(store, registry, lp, ledger, cfg)
	tracker := track.NewReconciler(store, registry)
	tips := tip.NewManager(store, registry)

	server := api.NewServer(store, orders, payments, ledger, tracker, tips, lp)
	if err := server.Start(*apiAddr); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	// Reap expired unclaimed orders in the background.
	go func() {
		ticker := time.NewTicker(*purgeEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := orders.PurgeExpired(time.Now())
				if err != nil {
					log.Warn("Order purge failed", "error", err)
				} else if n > 0 {
					log.Info("Purged expired orders", "count", n)
				}
			}
		}
	}()

	printBanner(log, cfg, *apiAddr, dataPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")
	cancel()

	if err := server.Stop(); err != nil {
		log.Error("Error stopping API server", "error", err)
	}
	log.Info("Goodbye!")
}

// provisionInstances reconciles the configured instances and accounts
// into the store. Signing keys are generated on first run and never
// replaced; accounts get a fresh salt when first seen.
func provisionInstances(cfg *config.Config, store *storage.Storage, log *logging.Logger) error {
	for _, ic := range cfg.Instances {
		inst, err := store.GetInstance(ic.ID)
		if err == storage.ErrInstanceNotFound {
			kp, kerr := crypto.GenerateKeyPair()
			if kerr != nil {
				return kerr
			}
			inst = &storage.Instance{ID: ic.ID, KeySeed: kp.Seed(), CreatedAt: time.Now()}
			log.Info("Instance key generated", "instance", ic.ID)
		} else if err != nil {
			return err
		}

		inst.Name = ic.Name
		inst.Active = true
		if ic.TipReservePriv != "" {
			seed, derr := hex.DecodeString(ic.TipReservePriv)
			if derr != nil {
				return fmt.Errorf("instance %s: bad tip_reserve_priv: %w", ic.ID, derr)
			}
			inst.TipReserveSeed = seed
			inst.TipExchange = ic.TipExchange
		}
		if err := store.UpsertInstance(inst); err != nil {
			return err
		}

		existing, err := store.ListAccounts(ic.ID, false)
		if err != nil {
			return err
		}
		known := make(map[string]bool, len(existing))
		for _, acc := range existing {
			known[acc.PaytoURI] = true
		}

		for _, payto := range ic.Accounts {
			if known[payto] {
				continue
			}
			salt, err := randomSalt()
			if err != nil {
				return err
			}
			hWire, err := crypto.WireHashHex(payto, salt)
			if err != nil {
				return err
			}
			if err := store.AddAccount(&storage.Account{
				InstanceID: ic.ID,
				PaytoURI:   payto,
				Salt:       salt,
				HWire:      hWire,
				Active:     true,
			}); err != nil {
				return err
			}
			log.Info("Account provisioned", "instance", ic.ID, "payto", payto)
		}
	}
	return nil
}

// randomSalt returns 16 random bytes as hex.
func randomSalt() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, apiAddr, dataPath string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Merchant Backend (%s)", cfg.Currency)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Instances: %d | Exchanges: %d", len(cfg.Instances), len(cfg.Exchanges))
	log.Infof("  Data dir: %s", dataPath)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
