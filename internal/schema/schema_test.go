package schema

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentCustody/internal/errors"
)

func TestTokenMoveExtract(t *testing.T) {
	cat := NewCatalogue()
	s, err := cat.Lookup(RefTokenMove)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token := common.HexToAddress("0x01")
	from := common.HexToAddress("0x02")
	to := common.HexToAddress("0x03")

	addrs, err := s.Extract(Instruction{Kind: KindTransferFrom, Token: token, From: from, To: to, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 3 || addrs[0] != token || addrs[1] != from || addrs[2] != to {
		t.Fatalf("unexpected extraction: %v", addrs)
	}
}

func TestTokenMoveRejectsCallKind(t *testing.T) {
	s := tokenMoveSchema{}
	_, err := s.Extract(Instruction{Kind: KindCall})
	if err == nil {
		t.Fatalf("expected mismatch error")
	}
	if !errors.Is(err, xerrors.New(CodeSchemaMismatch, "")) {
		t.Fatalf("expected SCHEMA_MISMATCH, got %v", err)
	}
}

func TestRouterCallExtract(t *testing.T) {
	s := routerCallSchema{}
	params := []common.Address{common.HexToAddress("0x0a"), common.HexToAddress("0x0b")}
	addrs, err := s.Extract(Instruction{Kind: KindCall, Params: params})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 2 || addrs[0] != params[0] || addrs[1] != params[1] {
		t.Fatalf("unexpected extraction: %v", addrs)
	}
}

func TestCatalogueLookupUnknown(t *testing.T) {
	cat := NewCatalogue()
	if _, err := cat.Lookup("no-such-schema"); err == nil {
		t.Fatalf("expected lookup failure")
	}
}

func TestEffectiveSelector(t *testing.T) {
	if (Instruction{Kind: KindTransfer}).EffectiveSelector() != SelectorTransfer {
		t.Fatalf("transfer selector mismatch")
	}
	custom := [4]byte{0xde, 0xad, 0xbe, 0xef}
	if (Instruction{Kind: KindCall, Selector: custom}).EffectiveSelector() != custom {
		t.Fatalf("call selector must pass through")
	}
}
