// Package node is the façade gluing together a ledger, a miner, and the
// transport-agnostic notion of a peer set: it is the thing the HTTP surface
// and the CLI entrypoint hold, and the thing that owns the publish-to-peers
// callback the ledger calls on every newly accepted block.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/toychain-go/toychaind/internal/ledger"
	"github.com/toychain-go/toychaind/internal/log"
	"github.com/toychain-go/toychaind/internal/mempool"
	"github.com/toychain-go/toychaind/internal/miner"
	"github.com/toychain-go/toychaind/internal/utxo"
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

// errNoMinerConfigured is returned by MineOnce when the node was created
// without a miner address.
var errNoMinerConfigured = errors.New("node: no miner address configured")

// Publisher delivers a newly accepted block to one peer, best-effort. It is
// supplied by whatever transport the node is wired to (HTTP client today;
// nothing stops a libp2p-pubsub implementation from satisfying the same
// signature).
type Publisher interface {
	Publish(ctx context.Context, peer string, b *block.Block)
}

// Broadcaster fans a newly accepted block out once, to whatever topic or
// swarm it represents, rather than per named peer. This is the optional,
// non-default GossipSub half of "publish_block" (internal/p2p.PubSub);
// the per-peer Publisher above remains the default (plain HTTP POST).
type Broadcaster interface {
	Broadcast(ctx context.Context, b *block.Block)
}

// Config carries everything needed to stand up a Node.
type Config struct {
	Ledger       ledger.Config
	MinerAddress string // empty disables the background miner
	TxsPerBlock  int
	PollInterval time.Duration
	Peers        []string
}

// Node owns one ledger, its mempool and UTXO index, an optional background
// miner, and the peer set the publish callback fans out to.
type Node struct {
	Ledger *ledger.Ledger
	miner  *miner.Miner

	mu    sync.RWMutex
	peers []string
	pub   Publisher
	bcast Broadcaster

	cancelMiner context.CancelFunc
	wg          sync.WaitGroup

	log zerolog.Logger
}

// New wires a fresh Node: an empty ledger backed by a new in-memory mempool
// and the caller-supplied UTXO index, and — if cfg.MinerAddress is set — a
// background miner ready to be started with Start.
func New(cfg Config, index *utxo.Index, pub Publisher) *Node {
	pool := mempool.New()
	l := ledger.New(cfg.Ledger, pool, index)

	n := &Node{
		Ledger: l,
		peers:  append([]string(nil), cfg.Peers...),
		pub:    pub,
		log:    log.Node,
	}
	l.SetPublish(n.publishLocal)

	if cfg.MinerAddress != "" {
		txsPerBlock := cfg.TxsPerBlock
		if txsPerBlock <= 0 {
			txsPerBlock = 16
		}
		pollInterval := cfg.PollInterval
		if pollInterval <= 0 {
			pollInterval = 500 * time.Millisecond
		}
		n.miner = miner.New(l, cfg.MinerAddress, txsPerBlock, pollInterval)
	}
	return n
}

// Start launches the background miner, if one is configured. It is a no-op
// if no miner address was supplied or Start was already called.
func (n *Node) Start(ctx context.Context) {
	if n.miner == nil || n.cancelMiner != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	n.cancelMiner = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.miner.Run(runCtx)
	}()
}

// Stop signals the background miner to exit and waits for it to do so.
func (n *Node) Stop() {
	if n.cancelMiner == nil {
		return
	}
	n.cancelMiner()
	n.wg.Wait()
	n.cancelMiner = nil
}

// MineOnce mines a single block, independent of whether the background
// miner is running, for the one-shot /mine operation. It requires a miner
// address to have been configured.
func (n *Node) MineOnce(ctx context.Context) (*block.Block, error) {
	if n.miner == nil {
		return nil, errNoMinerConfigured
	}
	return n.miner.MineOnce(ctx)
}

// Peers returns a snapshot of the currently known peer addresses.
func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]string(nil), n.peers...)
}

// SetBroadcaster installs an additional, non-default publish path (a
// GossipSub topic, typically) that receives every accepted block once,
// alongside whatever per-peer Publisher is configured.
func (n *Node) SetBroadcaster(b Broadcaster) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bcast = b
}

// AddPeer registers a peer address for publication and synchronization.
func (n *Node) AddPeer(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		if p == addr {
			return
		}
	}
	n.peers = append(n.peers, addr)
}

// publishLocal is installed as the ledger's publish callback: it fans the
// block out to every known peer, best-effort, via the configured Publisher.
func (n *Node) publishLocal(b *block.Block) {
	n.mu.RLock()
	bcast := n.bcast
	n.mu.RUnlock()
	if bcast != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		bcast.Broadcast(ctx, b)
		cancel()
	}
	if n.pub == nil {
		return
	}
	for _, p := range n.Peers() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		n.pub.Publish(ctx, p, b)
		cancel()
	}
}

// SignTransaction is the server-side "diagnostic" signing operation
// described for /transactions/sign: it signs t's hashable image with priv
// and, if addToPool is set, verifies and admits it.
func (n *Node) SignTransaction(priv *crypto.PrivateKey, t *tx.Transaction, addToPool bool) (fee uint64, admitted bool, err error) {
	t.PublicKey = priv.PublicKey()
	if err := t.Sign(priv); err != nil {
		return 0, false, err
	}
	if !addToPool {
		return 0, false, nil
	}
	fee, err = n.Ledger.AddTransaction(t)
	if err != nil {
		return 0, false, err
	}
	return fee, true, nil
}
