package commitment

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/internal/schema"
)

func allowAll(common.Address) bool { return true }

func leafFor(t *testing.T, in schema.Instruction, target common.Address) common.Hash {
	t.Helper()
	cat := schema.NewCatalogue()
	s, err := cat.Lookup(schema.RefTokenMove)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addrs, err := s.Extract(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return Leaf(s.Ref(), target, false, in.EffectiveSelector(), addrs)
}

func TestMerkleRoundTrip(t *testing.T) {
	leaves := []common.Hash{
		common.HexToHash("0x01"),
		common.HexToHash("0x02"),
		common.HexToHash("0x03"),
		common.HexToHash("0x04"),
		common.HexToHash("0x05"),
	}
	root := BuildRoot(leaves)
	verifier := KeccakProofVerifier{}
	for i, leaf := range leaves {
		proof := ProofFor(leaves, i)
		if !verifier.Verify(leaf, proof, root) {
			t.Fatalf("leaf %d failed verification", i)
		}
	}
	if verifier.Verify(common.HexToHash("0xff"), ProofFor(leaves, 0), root) {
		t.Fatalf("foreign leaf must not verify")
	}
}

func TestVerifyActionWithoutRoot(t *testing.T) {
	cat := schema.NewCatalogue()
	s, _ := cat.Lookup(schema.RefTokenMove)
	v := NewVerifier(nil)

	in := schema.Instruction{
		Kind:   schema.KindTransfer,
		Token:  common.HexToAddress("0x10"),
		To:     common.HexToAddress("0x20"),
		Amount: big.NewInt(5),
	}
	// 未配置承诺根时只做地址安全检查。
	if err := v.VerifyAction(s, common.HexToAddress("0x10"), false, in, common.Hash{}, nil, allowAll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deny := func(addr common.Address) bool { return addr != common.HexToAddress("0x20") }
	err := v.VerifyAction(s, common.HexToAddress("0x10"), false, in, common.Hash{}, nil, deny)
	if !errors.Is(err, ErrActionNotCommitted) {
		t.Fatalf("expected ACTION_NOT_COMMITTED, got %v", err)
	}
}

func TestVerifyActionWithRoot(t *testing.T) {
	cat := schema.NewCatalogue()
	s, _ := cat.Lookup(schema.RefTokenMove)
	v := NewVerifier(nil)
	target := common.HexToAddress("0x10")

	committed := schema.Instruction{
		Kind:   schema.KindTransfer,
		Token:  target,
		To:     common.HexToAddress("0x20"),
		Amount: big.NewInt(5),
	}
	other := common.HexToHash("0xabcd")
	leaves := []common.Hash{leafFor(t, committed, target), other}
	root := BuildRoot(leaves)

	if err := v.VerifyAction(s, target, false, committed, root, ProofFor(leaves, 0), allowAll); err != nil {
		t.Fatalf("committed action should pass: %v", err)
	}

	// 缺少证明时同样失败。
	if err := v.VerifyAction(s, target, false, committed, root, nil, allowAll); !errors.Is(err, ErrActionNotCommitted) {
		t.Fatalf("missing proof must fail, got %v", err)
	}

	uncommitted := committed
	uncommitted.To = common.HexToAddress("0x99")
	if err := v.VerifyAction(s, target, false, uncommitted, root, ProofFor(leaves, 0), allowAll); !errors.Is(err, ErrActionNotCommitted) {
		t.Fatalf("uncommitted action must fail, got %v", err)
	}
}
