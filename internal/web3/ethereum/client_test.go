package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"AgentCustody/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestClientDispatchCalls(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := crypto.PubkeyToAddress(key.PublicKey)

	chainID := big.NewInt(1337)
	alloc := core.GenesisAlloc{
		sender: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	client := NewSimulatedClient("simulated", chainID, backend)
	t.Cleanup(client.Close)

	payeeA := common.HexToAddress("0xa0")
	payeeB := common.HexToAddress("0xb0")
	calls := []web3.Call{
		{To: payeeA, Value: big.NewInt(1_000), Gas: 21_000},
		{To: payeeB, Value: big.NewInt(2_000), Gas: 21_000},
	}

	hashes, err := client.DispatchCalls(ctx, key, calls)
	if err != nil {
		t.Fatalf("dispatch calls: %v", err)
	}
	if len(hashes) != 2 {
		t.Fatalf("expected 2 hashes, got %d", len(hashes))
	}
	backend.Commit()

	balance, err := client.QueryBalance(ctx, payeeA)
	if err != nil {
		t.Fatalf("query balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("payee A balance = %s, want 1000", balance)
	}
	balance, err = client.QueryBalance(ctx, payeeB)
	if err != nil {
		t.Fatalf("query balance: %v", err)
	}
	if balance.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("payee B balance = %s, want 2000", balance)
	}

	nonce, err := client.PendingNonce(ctx, sender)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	if nonce != 2 {
		t.Fatalf("expected nonce 2 after two transfers, got %d", nonce)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+chainID.Text(16) {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after dispatch")
	}
}

func TestDispatchCallsRequiresKey(t *testing.T) {
	t.Parallel()

	backend := backends.NewSimulatedBackend(core.GenesisAlloc{}, 8_000_000)
	client := NewSimulatedClient("simulated", big.NewInt(1337), backend)
	t.Cleanup(client.Close)

	if _, err := client.DispatchCalls(context.Background(), nil, []web3.Call{{}}); err == nil {
		t.Fatal("expected error without a signing key")
	}
	key, _ := crypto.GenerateKey()
	if _, err := client.DispatchCalls(context.Background(), key, nil); err == nil {
		t.Fatal("expected error without calls")
	}
}

var _ web3.Client = (*Client)(nil)
