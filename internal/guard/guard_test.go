package guard

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentCustody/internal/account"
	"AgentCustody/internal/commitment"
	xerrors "AgentCustody/internal/errors"
	"AgentCustody/internal/schema"
	"AgentCustody/internal/window"
)

type acceptAllSigs struct{}

func (acceptAllSigs) Verify(common.Address, common.Hash, []byte) bool { return true }

type rejectAllSigs struct{}

func (rejectAllSigs) Verify(common.Address, common.Hash, []byte) bool { return false }

var (
	owner  = common.HexToAddress("0x1000")
	admin  = common.HexToAddress("0x2000")
	signer = common.HexToAddress("0x3000")
	wallet = common.HexToAddress("0x4000")
	target = common.HexToAddress("0x5000")
	token  = common.HexToAddress("0x6000")
)

func newAccount(t *testing.T, dailyLimit int64, expiresAt int64, approvalAbove int64) *account.Account {
	t.Helper()
	acct := account.New("agent-1", wallet, owner, admin, signer)
	policy := account.Policy{DailyLimit: big.NewInt(dailyLimit), ExpiresAt: expiresAt}
	if approvalAbove > 0 {
		policy.RequiresApprovalAbove = big.NewInt(approvalAbove)
	}
	if err := acct.SetPolicy(owner, policy); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	if err := acct.SetTargetAllowed(owner, target, true); err != nil {
		t.Fatalf("allow target: %v", err)
	}
	if err := acct.SetTokenAllowed(owner, token, true); err != nil {
		t.Fatalf("allow token: %v", err)
	}
	return acct
}

func newValidator(now int64, opts ...Option) *Validator {
	base := []Option{WithSignatureVerifier(acceptAllSigs{}), WithClock(func() int64 { return now })}
	return NewValidator(schema.NewCatalogue(), append(base, opts...)...)
}

func transferOp(amount int64) Operation {
	return Operation{
		Target: target,
		Instruction: schema.Instruction{
			Kind:   schema.KindTransfer,
			Token:  token,
			To:     common.HexToAddress("0x7000"),
			Amount: big.NewInt(amount),
		},
	}
}

func TestValidateAuthorizesAndRecordsSpend(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	g := newValidator(10)

	decision, err := g.Validate(acct, transferOp(50), nil, nil)
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if decision.SpendAmount.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected spend 50, got %s", decision.SpendAmount)
	}
	if acct.SpentToday(10).Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("window should record exactly 50, got %s", acct.SpentToday(10))
	}

	// 同窗口内第二笔 60 超出剩余 50，被拒绝且不记账。
	_, err = g.Validate(acct, transferOp(60), nil, nil)
	if !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected DAILY_LIMIT_EXCEEDED, got %v", err)
	}
	if acct.SpentToday(10).Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("rejected spend must not be recorded, got %s", acct.SpentToday(10))
	}
}

func TestValidateRejectsExpiredPolicy(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	g := newValidator(3601)

	_, err := g.Validate(acct, transferOp(1), nil, nil)
	if !errors.Is(err, ErrPolicyExpired) {
		t.Fatalf("expected POLICY_EXPIRED, got %v", err)
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	g := newValidator(10, WithSignatureVerifier(rejectAllSigs{}))

	_, err := g.Validate(acct, transferOp(1), nil, nil)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected BAD_SIGNATURE, got %v", err)
	}
}

func TestValidateRejectsUnlistedTargetAndToken(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	g := newValidator(10)

	op := transferOp(1)
	op.Target = common.HexToAddress("0xdead")
	if _, err := g.Validate(acct, op, nil, nil); !errors.Is(err, ErrTargetNotAllowed) {
		t.Fatalf("expected TARGET_NOT_ALLOWED, got %v", err)
	}

	op = transferOp(1)
	op.Instruction.Token = common.HexToAddress("0xbeef")
	if _, err := g.Validate(acct, op, nil, nil); !errors.Is(err, ErrTokenNotAllowed) {
		t.Fatalf("expected TOKEN_NOT_ALLOWED, got %v", err)
	}
}

func TestValidateApprovalThreshold(t *testing.T) {
	acct := newAccount(t, 100, 3600, 30)
	g := newValidator(10)

	if _, err := g.Validate(acct, transferOp(30), nil, nil); err != nil {
		t.Fatalf("threshold boundary should pass: %v", err)
	}
	_, err := g.Validate(acct, transferOp(31), nil, nil)
	if !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("expected APPROVAL_REQUIRED, got %v", err)
	}
}

func TestValidateStaleWindowRestarts(t *testing.T) {
	acct := newAccount(t, 100, window.SecondsPerDay*3, 0)
	g := newValidator(10)
	if _, err := g.Validate(acct, transferOp(70), nil, nil); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}

	later := window.SecondsPerDay + 10
	g2 := newValidator(later)
	if _, err := g2.Validate(acct, transferOp(80), nil, nil); err != nil {
		t.Fatalf("stale window should reset: %v", err)
	}
	if acct.SpentToday(later).Cmp(big.NewInt(80)) != 0 {
		t.Fatalf("restarted window must hold 80, got %s", acct.SpentToday(later))
	}
}

func TestValidateBatchAtomicity(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	g := newValidator(10)

	bad := transferOp(10)
	bad.Target = common.HexToAddress("0xdead")
	ops := []Operation{transferOp(10), bad, transferOp(10)}

	_, err := g.ValidateBatch(acct, ops, nil, nil)
	if !errors.Is(err, ErrTargetNotAllowed) {
		t.Fatalf("expected TARGET_NOT_ALLOWED, got %v", err)
	}
	if acct.SpentToday(10).Sign() != 0 {
		t.Fatalf("rejected batch must record nothing, got %s", acct.SpentToday(10))
	}

	// 合法批次按合计额度记账。
	decision, err := g.ValidateBatch(acct, []Operation{transferOp(10), transferOp(20)}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if decision.SpendAmount.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("expected combined spend 30, got %s", decision.SpendAmount)
	}
}

func TestValidateBatchCombinedQuota(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	g := newValidator(10)

	// 单条都在限额内，合计超限，整批拒绝。
	_, err := g.ValidateBatch(acct, []Operation{transferOp(60), transferOp(60)}, nil, nil)
	if !errors.Is(err, ErrDailyLimitExceeded) {
		t.Fatalf("expected DAILY_LIMIT_EXCEEDED, got %v", err)
	}
	if acct.SpentToday(10).Sign() != 0 {
		t.Fatalf("no spend should be recorded, got %s", acct.SpentToday(10))
	}
}

func TestValidateBatchProofLengthMismatch(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	g := newValidator(10)

	proofs := [][]common.Hash{{common.HexToHash("0x01")}}
	_, err := g.ValidateBatch(acct, []Operation{transferOp(1), transferOp(2)}, nil, proofs)
	if !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected BATCH_LENGTH_MISMATCH, got %v", err)
	}
}

func TestValidateCommitmentGate(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	if err := acct.SetSchema(owner, target, schema.RefTokenMove); err != nil {
		t.Fatalf("bind schema: %v", err)
	}
	g := newValidator(10)

	// 未配置承诺根：token 在白名单内、收款地址不在 → 地址安全检查失败。
	op := transferOp(5)
	_, err := g.Validate(acct, op, nil, nil)
	if !errors.Is(err, commitment.ErrActionNotCommitted) {
		t.Fatalf("expected ACTION_NOT_COMMITTED, got %v", err)
	}

	// 收款地址换成账户自身后放行。
	op.Instruction.To = wallet
	if _, err := g.Validate(acct, op, nil, nil); err != nil {
		t.Fatalf("self-addressed transfer should pass: %v", err)
	}

	// 配置承诺根后必须携带有效证明。
	cat := schema.NewCatalogue()
	s, _ := cat.Lookup(schema.RefTokenMove)
	addrs, _ := s.Extract(op.Instruction)
	leaf := commitment.Leaf(s.Ref(), target, false, op.Instruction.EffectiveSelector(), addrs)
	leaves := []common.Hash{leaf, common.HexToHash("0xaa")}
	root := commitment.BuildRoot(leaves)
	if err := acct.SetCommitmentRoot(admin, root); err != nil {
		t.Fatalf("set root: %v", err)
	}

	if _, err := g.Validate(acct, op, nil, nil); !errors.Is(err, commitment.ErrActionNotCommitted) {
		t.Fatalf("missing proof must fail, got %v", err)
	}
	if _, err := g.Validate(acct, op, nil, commitment.ProofFor(leaves, 0)); err != nil {
		t.Fatalf("valid proof should pass: %v", err)
	}
}

func TestECDSAVerifierRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	ops := []Operation{transferOp(5)}
	digest := Digest("agent-1", ops)

	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := ECDSAVerifier{}
	if !v.Verify(addr, digest, sig) {
		t.Fatalf("valid signature rejected")
	}
	if v.Verify(common.HexToAddress("0x01"), digest, sig) {
		t.Fatalf("signature accepted for wrong signer")
	}
	sig[0] ^= 0xff
	if v.Verify(addr, digest, sig) {
		t.Fatalf("tampered signature accepted")
	}
}

// flattenWithoutPrefixes concatenates an operation's fields the way a naive
// serialization would, with no length prefixes. Used to certify that the
// collision pair below is genuine.
func flattenWithoutPrefixes(op Operation) []byte {
	in := op.Instruction
	buf := append([]byte{}, op.Target[:]...)
	value := common.BigToHash(op.DirectValue())
	buf = append(buf, value[:]...)
	buf = append(buf, []byte(in.Kind)...)
	buf = append(buf, in.Token[:]...)
	buf = append(buf, in.From[:]...)
	buf = append(buf, in.To[:]...)
	amount := common.BigToHash(in.DeclaredAmount())
	buf = append(buf, amount[:]...)
	sel := in.EffectiveSelector()
	buf = append(buf, sel[:]...)
	for _, p := range in.Params {
		buf = append(buf, p[:]...)
	}
	return buf
}

func TestDigestResistsFieldBoundaryShifts(t *testing.T) {
	// 24-character kind: trimming it to 4 frees exactly one address worth
	// of bytes, which an attacker can reassign across field boundaries.
	kind := "swap_exact_tokens_to_eth"
	opA := Operation{
		Target: target,
		Value:  big.NewInt(7),
		Instruction: schema.Instruction{
			Kind:     schema.Kind(kind),
			Token:    token,
			From:     common.HexToAddress("0x7000"),
			To:       common.BytesToAddress([]byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}),
			Amount:   big.NewInt(1),
			Selector: [4]byte{0x11, 0x22, 0x33, 0x44},
		},
	}

	// opB reads the same byte stream with every boundary shifted by 20:
	// tail of the kind becomes the token, the token becomes the payer,
	// the recipient and amount leak into the declared amount and params.
	kb := []byte(kind)
	amountA := common.BigToHash(opA.Instruction.DeclaredAmount())
	selA := opA.Instruction.EffectiveSelector()
	shiftedAmount := append(append([]byte{}, opA.Instruction.To[:]...), amountA[:12]...)
	lastParam := append(append([]byte{}, amountA[16:]...), selA[:]...)
	opB := Operation{
		Target: opA.Target,
		Value:  opA.Value,
		Instruction: schema.Instruction{
			Kind:     schema.Kind(kb[:4]),
			Token:    common.BytesToAddress(kb[4:]),
			From:     opA.Instruction.Token,
			To:       opA.Instruction.From,
			Amount:   new(big.Int).SetBytes(shiftedAmount),
			Selector: [4]byte(amountA[12:16]),
			Params:   []common.Address{common.BytesToAddress(lastParam)},
		},
	}

	// Without length prefixes the two operations are indistinguishable.
	if !bytes.Equal(flattenWithoutPrefixes(opA), flattenWithoutPrefixes(opB)) {
		t.Fatalf("test setup broken: operations no longer flatten identically")
	}
	if Digest("agent-1", []Operation{opA}) == Digest("agent-1", []Operation{opB}) {
		t.Fatalf("digest must distinguish operations with shifted field boundaries")
	}

	// The account boundary is prefixed as well.
	if Digest("agent-1", []Operation{opA}) == Digest("agent-12", []Operation{opA}) {
		t.Fatalf("digest must bind the account identifier exactly")
	}
}

func TestDigestStableAcrossEquivalentBatches(t *testing.T) {
	ops := []Operation{transferOp(5), transferOp(9)}
	if Digest("agent-1", ops) != Digest("agent-1", []Operation{transferOp(5), transferOp(9)}) {
		t.Fatalf("digest must be deterministic")
	}
	if Digest("agent-1", ops) == Digest("agent-1", []Operation{transferOp(9), transferOp(5)}) {
		t.Fatalf("digest must bind operation order")
	}
}

func TestRejectedCodesCarryCategory(t *testing.T) {
	acct := newAccount(t, 100, 3600, 0)
	g := newValidator(3601)
	_, err := g.Validate(acct, transferOp(1), nil, nil)
	if xerrors.CategoryOf(err) != xerrors.CategoryPolicyViolation {
		t.Fatalf("expected policy_violation category, got %s", xerrors.CategoryOf(err))
	}
}
