package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/optionbook/params"
	"github.com/uhyunpark/optionbook/pkg/api"
	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/app/core/instrument"
	"github.com/uhyunpark/optionbook/pkg/app/core/vault"
	"github.com/uhyunpark/optionbook/pkg/app/optex"
	"github.com/uhyunpark/optionbook/pkg/p2p"
	"github.com/uhyunpark/optionbook/pkg/storage"
	"github.com/uhyunpark/optionbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.LogFile, cfg.Verbose)
	} else {
		logger, err = util.NewLogger(cfg.Verbose)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile, "verbose", cfg.Verbose)

	if cfg.P2P.Replica {
		runReplica(cfg, logger)
		return
	}

	// ---- Storage ----
	var store storage.Store
	if cfg.Storage.DataDir == "" {
		store = storage.NewMemoryStore()
		sugar.Warnw("storage_in_memory", "reason", "DATA_DIR empty, state is lost on exit")
	} else {
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			sugar.Fatalw("data_dir_failed", "dir", cfg.Storage.DataDir, "err", err)
		}
		ps, err := storage.NewPebbleStore(cfg.Storage.DataDir)
		if err != nil {
			sugar.Fatalw("storage_open_failed", "dir", cfg.Storage.DataDir, "err", err)
		}
		store = ps
	}
	defer store.Close()

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Storage.JournalFile != "" {
		fj, err := storage.NewFileJournal(cfg.Storage.JournalFile)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "file", cfg.Storage.JournalFile, "err", err)
		}
		journal = fj
		defer fj.Close()
	}

	// ---- Genesis ----
	genesis, err := params.LoadGenesis(cfg.Storage.GenesisFile)
	if err != nil {
		sugar.Fatalw("genesis_failed", "file", cfg.Storage.GenesisFile, "err", err)
	}
	registry := instrument.NewRegistry()
	if err := optex.ApplyGenesis(genesis, registry, store); err != nil {
		sugar.Fatalw("genesis_failed", "file", cfg.Storage.GenesisFile, "err", err)
	}
	sugar.Infow("genesis_loaded",
		"file", cfg.Storage.GenesisFile,
		"instruments", len(genesis.Instruments),
		"funded_accounts", len(genesis.Funding))

	// ---- Sequencer ----
	app, err := optex.New(optex.Config{
		ChainID:     cfg.Exchange.ChainID,
		Address:     cfg.Exchange.Address,
		Admin:       cfg.Exchange.Admin,
		StartPaused: cfg.Exchange.StartPaused,
		InboxSize:   cfg.Exchange.InboxSize,
		Registry:    registry,
		Bank:        vault.NewMemory(),
		Store:       store,
		Journal:     journal,
		Logger:      logger.Named("optex"),
	})
	if err != nil {
		sugar.Fatalw("sequencer_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(app, api.Options{
		CORSOrigins: cfg.API.CORSOrigins,
		Faucet:      cfg.API.FaucetEnabled,
		Logger:      logger.Named("api"),
	})
	app.OnCommit(apiServer.BroadcastReceipt)
	if cfg.API.FaucetEnabled {
		sugar.Warnw("faucet_enabled", "route", "/api/v1/faucet")
	}

	// ---- Event gossip (optional) ----
	if cfg.P2P.Listen != "" {
		gossip, err := p2p.NewGossip(ctx, p2p.Config{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			Source:     store,
			Logger:     sugar.Named("p2p"),
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer gossip.Close()
		sugar.Infow("gossip_ready", "addrs", gossip.Addrs())
		app.OnCommit(func(r *exchange.Receipt) {
			if err := gossip.PublishReceipt(ctx, r); err != nil {
				sugar.Warnw("gossip_publish_failed", "seq", r.Seq, "err", err)
			}
		})
	}

	st, err := app.Status()
	if err == nil {
		sugar.Infow("node_started",
			"exchange", st.Exchange.Hex(),
			"admin", cfg.Exchange.Admin.Hex(),
			"chain_id", cfg.Exchange.ChainID,
			"seq", st.Seq,
			"paused", st.Paused,
			"instruments", st.Instruments,
			"state_root", st.StateRoot.Hex())
	}

	seqDone := make(chan error, 1)
	go func() { seqDone <- app.Run(ctx) }()

	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutdown_requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	<-seqDone
	sugar.Info("node_stopped")
}
