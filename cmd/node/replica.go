package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/optionbook/params"
	"github.com/uhyunpark/optionbook/pkg/api"
	"github.com/uhyunpark/optionbook/pkg/app/core/exchange"
	"github.com/uhyunpark/optionbook/pkg/p2p"
)

// runReplica follows the sequencer at the first bootstrap peer and relays
// its events to this node's websocket clients. It owns no state.
func runReplica(cfg params.Config, logger *zap.Logger) {
	sugar := logger.Sugar()
	if len(cfg.P2P.Bootstrap) == 0 {
		sugar.Fatalw("replica_needs_bootstrap", "env", "P2P_BOOTSTRAP")
	}
	leader, err := p2p.ParsePeer(cfg.P2P.Bootstrap[0])
	if err != nil {
		sugar.Fatalw("replica_bad_leader", "addr", cfg.P2P.Bootstrap[0], "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gossip, err := p2p.NewGossip(ctx, p2p.Config{
		ListenAddr: cfg.P2P.Listen,
		Bootstrap:  cfg.P2P.Bootstrap,
		Logger:     sugar.Named("p2p"),
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer gossip.Close()

	relay := api.NewRelay(api.Options{
		CORSOrigins: cfg.API.CORSOrigins,
		Logger:      logger.Named("api"),
	})
	go func() {
		if err := relay.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()
	sugar.Infow("replica_started", "leader", leader.String(), "addrs", gossip.Addrs(), "api", cfg.API.Addr)

	followDone := make(chan struct{})
	go func() {
		defer close(followDone)
		var next uint64
		for {
			err := gossip.Follow(ctx, leader, next, func(seq uint64, events []exchange.Event) {
				relay.BroadcastReceipt(&exchange.Receipt{Seq: seq, Events: events})
				next = seq + 1
			})
			if ctx.Err() != nil {
				return
			}
			sugar.Warnw("follow_interrupted", "next_seq", next, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	<-ctx.Done()
	sugar.Info("shutdown_requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := relay.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	<-followDone
	sugar.Info("replica_stopped")
}
