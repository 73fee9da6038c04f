// Package p2p implements the peer-facing transport the node façade uses to
// publish newly mined blocks and to pull missing blocks from peers: a plain
// HTTP client speaking the wire formats in pkg/wire, following the peer
// sync protocol (poll get-next from the local tip, moving on to the next
// peer once the current one stops making progress), plus the optional
// GossipSub publisher in pubsub.go.
package p2p

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/toychain-go/toychaind/internal/log"
	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/wire"
)

// Receiver is the subset of the ledger the sync loop needs: feed in
// candidate blocks pulled from peers.
type Receiver interface {
	ReceiveBlock(b *block.Block) error
}

// Client is an HTTP peer client. Each peer is addressed by its base URL
// (e.g. http://host:port), matching the HTTP surface this project exposes
// to itself.
type Client struct {
	http *http.Client
	log  zerolog.Logger
}

// NewClient creates a Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{Timeout: timeout},
		log:  log.P2P,
	}
}

// Publish best-effort delivers a newly accepted block to one peer via
// POST /blocks. Failures are logged and otherwise swallowed: publication
// never rolls back local acceptance.
func (c *Client) Publish(ctx context.Context, peer string, b *block.Block) {
	wb, err := wire.FromBlock(b)
	if err != nil {
		c.log.Error().Err(err).Msg("encoding block for publish")
		return
	}
	body, err := json.Marshal(wb)
	if err != nil {
		c.log.Error().Err(err).Msg("marshaling block for publish")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peer+"/blocks", bytes.NewReader(body))
	if err != nil {
		c.log.Error().Err(err).Str("peer", peer).Msg("building publish request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("peer", peer).Msg("publishing block to peer")
		return
	}
	resp.Body.Close()
}

// GetNext fetches the block immediately after currentTip from peer. hasTip
// false requests genesis. ok is false on a 404 (currentTip is already the
// peer's tip, or the peer has no genesis yet), and err is non-nil on
// transport or protocol failure, including a currentTip the peer does not
// have on its main chain.
func (c *Client) GetNext(ctx context.Context, peer string, currentTip crypto.Hash, hasTip bool) (b *block.Block, ok bool, err error) {
	u := peer + "/blocks/get-next"
	if hasTip {
		u += "?current-tip=" + url.QueryEscape(currentTip.Hex())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var wb wire.Block
		if err := json.NewDecoder(resp.Body).Decode(&wb); err != nil {
			return nil, false, fmt.Errorf("p2p: decode block from %s: %w", peer, err)
		}
		blk, err := wire.Verify(wb)
		if err != nil {
			return nil, false, fmt.Errorf("p2p: %s: %w", peer, err)
		}
		return blk, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("p2p: %s responded %d", peer, resp.StatusCode)
	}
}

// Synchronize implements the peer sync protocol: for each peer in
// order, repeatedly GET get-next and feed the result to the receiver,
// starting from the receiver's reported tip, advancing to the next peer
// once the current one stops making progress.
func Synchronize(ctx context.Context, c *Client, peers []string, tip func() (crypto.Hash, bool), receiver Receiver) error {
	for _, peer := range peers {
		for {
			currentTip, hasTip := tip()
			blk, ok, err := c.GetNext(ctx, peer, currentTip, hasTip)
			if err != nil {
				c.log.Warn().Err(err).Str("peer", peer).Msg("sync: advancing to next peer after error")
				break
			}
			if !ok {
				break
			}
			if err := receiver.ReceiveBlock(blk); err != nil {
				c.log.Warn().Err(err).Str("peer", peer).Msg("sync: receiving block")
				break
			}
		}
	}
	return nil
}
