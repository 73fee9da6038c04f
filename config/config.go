// Package config resolves toychaind's runtime configuration from command
// line flags and environment variables, following this project's
// convention of a flag.FlagSet parsed in main and a plain struct carried
// everywhere else.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the protocol parameters. These must match across every node
// sharing a chain; they are not meant to be tuned per-node in production,
// only for exercising the scenarios this project is built to run.
const (
	DefaultBaseDifficulty  = 16
	DefaultBaseBlockReward = 50
	DefaultConfirmations   = 6
	DefaultTxsPerBlock     = 16
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultRPCAddr         = ":8080"
)

// Config is the fully resolved configuration for one toychaind process.
type Config struct {
	RPCAddr        string
	MinerAddress   string
	BaseDifficulty uint64
	BlockReward    uint64
	Confirmations  uint64
	TxsPerBlock    int
	PollInterval   time.Duration
	Peers          []string
	BlockchainFile string
	Synchronize    bool
	LogLevel       string
	DataDir        string // Badger directory for the UTXO index; empty = in-memory
	PubSubListen   string // non-empty enables the optional libp2p GossipSub publish path
	PubSubPeers    []string
}

// Parse builds a Config from args (typically os.Args[1:]), falling back to
// the TOYCHAIN_BLOCKCHAIN_FILE, TOYCHAIN_PEERS, and TOYCHAIN_SYNCHRONIZE
// environment variables where the corresponding flag isn't given.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("toychaind", flag.ContinueOnError)

	rpcAddr := fs.String("rpc-addr", DefaultRPCAddr, "address the HTTP surface listens on")
	minerAddress := fs.String("miner-address", "", "address mined coinbase rewards pay out to; empty disables mining")
	baseDifficulty := fs.Uint64("base-difficulty", DefaultBaseDifficulty, "proof-of-work difficulty exponent at height 0")
	blockReward := fs.Uint64("block-reward", DefaultBaseBlockReward, "coinbase reward at height 0")
	confirmations := fs.Uint64("confirmations", DefaultConfirmations, "blocks a branch must lead by to win reconvergence")
	txsPerBlock := fs.Int("txs-per-block", DefaultTxsPerBlock, "max non-coinbase transactions per mined block")
	pollInterval := fs.Duration("poll-interval", DefaultPollInterval, "miner idle poll interval")
	peers := fs.String("peers", envOr("TOYCHAIN_PEERS", ""), "space-separated peer base URLs")
	blockchainFile := fs.String("blockchain-file", envOr("TOYCHAIN_BLOCKCHAIN_FILE", ""), "default path for persistence save/load")
	synchronize := fs.Bool("synchronize", envBoolOr("TOYCHAIN_SYNCHRONIZE", false), "synchronize with peers from genesis on startup")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	dataDir := fs.String("datadir", "", "directory for the Badger-backed UTXO index; empty runs in-memory")
	pubsubListen := fs.String("pubsub-listen", "", "libp2p multiaddr to listen on for GossipSub block publication; empty disables it")
	pubsubPeers := fs.String("pubsub-peers", "", "space-separated libp2p multiaddrs to dial for GossipSub")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return Config{
		RPCAddr:        *rpcAddr,
		MinerAddress:   *minerAddress,
		BaseDifficulty: *baseDifficulty,
		BlockReward:    *blockReward,
		Confirmations:  *confirmations,
		TxsPerBlock:    *txsPerBlock,
		PollInterval:   *pollInterval,
		Peers:          splitPeers(*peers),
		BlockchainFile: *blockchainFile,
		Synchronize:    *synchronize,
		LogLevel:       *logLevel,
		DataDir:        *dataDir,
		PubSubListen:   *pubsubListen,
		PubSubPeers:    splitPeers(*pubsubPeers),
	}, nil
}

func splitPeers(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Fields(s)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
