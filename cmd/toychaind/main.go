// Command toychaind runs a single toychain node: the ledger engine, an
// optional background miner, and the HTTP surface that exposes both to
// peers and clients.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/toychain-go/toychaind/config"
	"github.com/toychain-go/toychaind/internal/httpapi"
	"github.com/toychain-go/toychaind/internal/ledger"
	"github.com/toychain-go/toychaind/internal/log"
	"github.com/toychain-go/toychaind/internal/node"
	"github.com/toychain-go/toychaind/internal/p2p"
	"github.com/toychain-go/toychaind/internal/storage"
	"github.com/toychain-go/toychaind/internal/utxo"
	"github.com/toychain-go/toychaind/pkg/crypto"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "toychaind:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.LogLevel, false, ""); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	var db storage.DB
	if cfg.DataDir != "" {
		badgerDB, err := storage.NewBadger(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open utxo store: %w", err)
		}
		defer badgerDB.Close()
		db = badgerDB
	} else {
		db = storage.NewMemory()
	}
	index := utxo.New(db)

	p2pClient := p2p.NewClient(10 * time.Second)

	n := node.New(node.Config{
		Ledger: ledger.Config{
			BaseDifficulty:  cfg.BaseDifficulty,
			BaseBlockReward: cfg.BlockReward,
			Confirmations:   cfg.Confirmations,
		},
		MinerAddress: cfg.MinerAddress,
		TxsPerBlock:  cfg.TxsPerBlock,
		PollInterval: cfg.PollInterval,
		Peers:        cfg.Peers,
	}, index, p2pClient)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.BlockchainFile != "" {
		if data, err := os.ReadFile(cfg.BlockchainFile); err == nil {
			if err := n.Ledger.LoadFromBytes(data); err != nil {
				log.Logger.Warn().Err(err).Str("file", cfg.BlockchainFile).Msg("ignoring unreadable persisted chain")
			} else {
				log.Logger.Info().Str("file", cfg.BlockchainFile).Msg("loaded persisted chain")
			}
		}
	}

	if cfg.Synchronize && len(cfg.Peers) > 0 {
		tip := func() (h crypto.Hash, hasTip bool) {
			h = n.Ledger.TipHash()
			return h, h != crypto.ZeroHash
		}
		if err := p2p.Synchronize(ctx, p2pClient, cfg.Peers, tip, n.Ledger); err != nil {
			log.Logger.Warn().Err(err).Msg("startup synchronize failed")
		}
	}

	if cfg.PubSubListen != "" {
		ps, err := p2p.NewPubSub(ctx, cfg.PubSubListen)
		if err != nil {
			return fmt.Errorf("start libp2p pubsub: %w", err)
		}
		defer ps.Close()
		n.SetBroadcaster(ps)
		go ps.Run(ctx, n.Ledger)
		for _, addr := range cfg.PubSubPeers {
			if err := ps.Connect(ctx, addr); err != nil {
				log.Logger.Warn().Err(err).Str("peer", addr).Msg("pubsub: dialing configured peer")
			}
		}
		log.Logger.Info().Strs("addrs", ps.Addrs()).Msg("pubsub listening")
	}

	n.Start(ctx)
	defer n.Stop()

	server := http.Server{
		Addr:    cfg.RPCAddr,
		Handler: httpapi.New(n, p2pClient, cfg.BlockchainFile).Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Logger.Info().Str("addr", cfg.RPCAddr).Msg("toychaind listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
