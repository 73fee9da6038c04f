package wire

import (
	"encoding/json"
	"testing"

	"github.com/toychain-go/toychaind/pkg/block"
	"github.com/toychain-go/toychaind/pkg/crypto"
	"github.com/toychain-go/toychaind/pkg/tx"
)

func TestBlockRoundTrip(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	spend := &tx.Transaction{
		Inputs:    []tx.Input{{SourceTxID: crypto.Digest([]byte("src")), Vout: 1}},
		Outputs:   []tx.Output{{Address: priv.Address(), Amount: 10}},
		Timestamp: 5,
	}
	if err := spend.Sign(priv); err != nil {
		t.Fatal(err)
	}
	coinbase := &tx.Transaction{Outputs: []tx.Output{{Address: priv.Address(), Amount: 50}}, Timestamp: 5}

	b := &block.Block{Prev: crypto.ZeroHash, Nonce: 7, Timestamp: 9, Transactions: []*tx.Transaction{spend, coinbase}}

	wb, err := FromBlock(b)
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(wb)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Block
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	verified, err := Verify(decoded)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	id, _ := b.ID()
	verifiedID, _ := verified.ID()
	if id != verifiedID {
		t.Fatal("round-tripped block id does not match original")
	}
}

func TestVerifyRejectsTamperedHash(t *testing.T) {
	coinbase := &tx.Transaction{Outputs: []tx.Output{{Address: "a", Amount: 50}}, Timestamp: 1}
	b := &block.Block{Prev: crypto.ZeroHash, Timestamp: 1, Transactions: []*tx.Transaction{coinbase}}
	wb, err := FromBlock(b)
	if err != nil {
		t.Fatal(err)
	}
	wb.Hash = crypto.Digest([]byte("wrong"))
	if _, err := Verify(wb); err == nil {
		t.Fatal("Verify must reject a block whose claimed hash does not match its content")
	}
}

func TestTransactionSignatureIsBase64OnWire(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	spend := &tx.Transaction{
		Inputs:    []tx.Input{{SourceTxID: crypto.Digest([]byte("src")), Vout: 0}},
		Outputs:   []tx.Output{{Address: priv.Address(), Amount: 1}},
		Timestamp: 1,
	}
	if err := spend.Sign(priv); err != nil {
		t.Fatal(err)
	}
	wt, err := FromTransaction(spend)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(wt)
	if err != nil {
		t.Fatal(err)
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatal(err)
	}
	if _, ok := generic["signature"].(string); !ok {
		t.Fatal("signature must serialize as a JSON string (base64), not a byte array")
	}
}
