package identity

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	regWallet = common.HexToAddress("0x4000")
	regOwner  = common.HexToAddress("0x1000")
	regOther  = common.HexToAddress("0xaaaa")
)

func seededRegistry(t *testing.T) *MemoryRegistry {
	t.Helper()
	reg, err := NewMemoryRegistry([]Binding{{
		AgentID: "agent-1",
		Wallet:  regWallet,
		Owners:  []common.Address{regOwner},
	}})
	if err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	return reg
}

func TestMemoryRegistryResolveAndOwnership(t *testing.T) {
	ctx := context.Background()
	reg := seededRegistry(t)

	wallet, err := reg.ResolveAgentWallet(ctx, "agent-1")
	if err != nil {
		t.Fatalf("resolve wallet: %v", err)
	}
	if wallet != regWallet {
		t.Fatalf("wrong wallet: %s", wallet.Hex())
	}
	// Identifiers are trimmed before lookup.
	if _, err := reg.ResolveAgentWallet(ctx, "  agent-1  "); err != nil {
		t.Fatalf("trimmed identifier should resolve: %v", err)
	}
	if _, err := reg.ResolveAgentWallet(ctx, "agent-9"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	ok, err := reg.IsAuthorizedOwner(ctx, regOwner, "agent-1")
	if err != nil || !ok {
		t.Fatalf("registered owner must be authorized: ok=%v err=%v", ok, err)
	}
	ok, err = reg.IsAuthorizedOwner(ctx, regOther, "agent-1")
	if err != nil || ok {
		t.Fatalf("stranger must not be authorized: ok=%v err=%v", ok, err)
	}
	if _, err := reg.IsAuthorizedOwner(ctx, regOwner, "agent-9"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryRegistryRevocationFailsClosed(t *testing.T) {
	ctx := context.Background()
	reg := seededRegistry(t)

	if err := reg.Revoke("agent-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := reg.ResolveAgentWallet(ctx, "agent-1"); !errors.Is(err, ErrAgentRevoked) {
		t.Fatalf("revoked binding must not resolve, got %v", err)
	}
	if _, err := reg.IsAuthorizedOwner(ctx, regOwner, "agent-1"); !errors.Is(err, ErrAgentRevoked) {
		t.Fatalf("revoked binding must not authorize, got %v", err)
	}
	if err := reg.Revoke("agent-9"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("revoking unknown agent: %v", err)
	}

	// Re-binding the identifier lifts the revocation.
	if err := reg.Bind(Binding{AgentID: "agent-1", Wallet: regWallet, Owners: []common.Address{regOwner}}); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if _, err := reg.ResolveAgentWallet(ctx, "agent-1"); err != nil {
		t.Fatalf("rebound agent should resolve: %v", err)
	}
}

func TestMemoryRegistryRejectsInvalidBindings(t *testing.T) {
	reg := seededRegistry(t)
	if err := reg.Bind(Binding{AgentID: "   ", Wallet: regWallet}); err == nil {
		t.Fatalf("blank agent id must be rejected")
	}
	if err := reg.Bind(Binding{AgentID: "agent-2"}); err == nil {
		t.Fatalf("zero wallet must be rejected")
	}

	// The registry keeps its own copy of the owner slice.
	owners := []common.Address{regOwner}
	if err := reg.Bind(Binding{AgentID: "agent-2", Wallet: regWallet, Owners: owners}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	owners[0] = regOther
	ok, err := reg.IsAuthorizedOwner(context.Background(), regOwner, "agent-2")
	if err != nil || !ok {
		t.Fatalf("mutating the caller's slice must not affect the registry: ok=%v err=%v", ok, err)
	}
}
