package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"

	"github.com/toychain-go/toychaind/internal/log"
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/wire"
)

// topicBlocks is the single GossipSub topic this node publishes accepted
// blocks to and subscribes to for inbound ones. Peer *discovery* (DHT,
// mDNS, seed lists) is out of scope for this project — see DESIGN.md — so
// PubSub only ever talks to hosts the caller has already dialed directly.
const topicBlocks = "toychain/blocks/v1"

// PubSub is an optional, non-default publish backend wrapping a libp2p
// GossipSub topic: the HTTP-based Client remains the primary implementation
// of the peer sync protocol, but accepted blocks can additionally (or
// instead) fan out over GossipSub for nodes that dial each other directly.
type PubSub struct {
	host  host.Host
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	log   zerolog.Logger
}

// NewPubSub starts a libp2p host listening on listenAddr (e.g.
// "/ip4/0.0.0.0/tcp/0" for an ephemeral port), joins the blocks topic, and
// subscribes to it.
func NewPubSub(ctx context.Context, listenAddr string) (*PubSub, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("p2p: create libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}
	topic, err := ps.Join(topicBlocks)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("p2p: join blocks topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		h.Close()
		return nil, fmt.Errorf("p2p: subscribe blocks topic: %w", err)
	}
	return &PubSub{host: h, topic: topic, sub: sub, log: log.P2P}, nil
}

// Addrs returns this host's dialable multiaddrs, each suffixed with its
// peer id, for an operator to hand to another node as a direct dial target.
func (p *PubSub) Addrs() []string {
	id := p.host.ID()
	out := make([]string, 0, len(p.host.Addrs()))
	for _, a := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, id))
	}
	return out
}

// Connect dials a peer named by its full multiaddr (host/port/p2p/id), the
// minimal substitute for the discovery this project deliberately omits.
func (p *PubSub) Connect(ctx context.Context, maddr string) error {
	addr, err := ma.NewMultiaddr(maddr)
	if err != nil {
		return fmt.Errorf("p2p: parse peer address %q: %w", maddr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("p2p: peer address %q carries no peer id: %w", maddr, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, pubsubDialTimeout)
	defer cancel()
	return p.host.Connect(dialCtx, *info)
}

// Broadcast publishes a newly accepted block to the topic, best-effort: a
// publish failure is logged and otherwise swallowed, matching the
// fire-and-forget publication contract the rest of the node's publish path
// follows.
func (p *PubSub) Broadcast(ctx context.Context, b *block.Block) {
	wb, err := wire.FromBlock(b)
	if err != nil {
		p.log.Error().Err(err).Msg("pubsub: encoding block for broadcast")
		return
	}
	data, err := json.Marshal(wb)
	if err != nil {
		p.log.Error().Err(err).Msg("pubsub: marshaling block for broadcast")
		return
	}
	if err := p.topic.Publish(ctx, data); err != nil {
		p.log.Warn().Err(err).Msg("pubsub: publishing block")
	}
}

// Run drains the blocks subscription until ctx is cancelled, feeding every
// message (other than this host's own) into receiver.ReceiveBlock. Receiver
// is the same interface the HTTP sync loop feeds.
func (p *PubSub) Run(ctx context.Context, receiver Receiver) {
	for {
		msg, err := p.sub.Next(ctx)
		if err != nil {
			return // context cancelled, or the subscription was closed.
		}
		if msg.ReceivedFrom == p.host.ID() {
			continue
		}
		var wb wire.Block
		if err := json.Unmarshal(msg.Data, &wb); err != nil {
			p.log.Warn().Err(err).Msg("pubsub: decoding inbound block")
			continue
		}
		b, err := wire.Verify(wb)
		if err != nil {
			p.log.Warn().Err(err).Msg("pubsub: inbound block failed hash check")
			continue
		}
		if err := receiver.ReceiveBlock(b); err != nil {
			p.log.Warn().Err(err).Msg("pubsub: receiving inbound block")
		}
	}
}

// Close shuts the subscription, topic, and host down.
func (p *PubSub) Close() error {
	p.sub.Cancel()
	if err := p.topic.Close(); err != nil {
		return err
	}
	return p.host.Close()
}

// pubsubDialTimeout bounds how long Connect (and callers building on it)
// wait for a direct dial to the configured peer to complete.
const pubsubDialTimeout = 10 * time.Second
