package guard

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureVerifier 抽象了操作签名的真实性校验，
// 授权状态机不绑定具体的签名算法。
type SignatureVerifier interface {
	Verify(signer common.Address, digest common.Hash, sig []byte) bool
}

// Digest 计算一组操作的签名摘要。
// 摘要覆盖账户标识与每条操作的全部语义字段，任何改动都会使签名失效。
// 变长字段一律带长度前缀，每条操作先压成定长叶子再参与总摘要，
// 字段边界移位无法构造出同摘要的另一组操作。
func Digest(accountID string, ops []Operation) common.Hash {
	buf := make([]byte, 0, 8+len(accountID)+8+len(ops)*common.HashLength)
	buf = appendLengthPrefixed(buf, []byte(accountID))
	buf = appendUint64(buf, uint64(len(ops)))
	for _, op := range ops {
		leaf := operationLeaf(op)
		buf = append(buf, leaf[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

// operationLeaf 把单条操作压成 32 字节叶子。
func operationLeaf(op Operation) common.Hash {
	in := op.Instruction
	buf := make([]byte, 0, 256)
	buf = append(buf, op.Target[:]...)
	value := common.BigToHash(op.DirectValue())
	buf = append(buf, value[:]...)
	buf = appendLengthPrefixed(buf, []byte(in.Kind))
	buf = append(buf, in.Token[:]...)
	buf = append(buf, in.From[:]...)
	buf = append(buf, in.To[:]...)
	amount := common.BigToHash(in.DeclaredAmount())
	buf = append(buf, amount[:]...)
	sel := in.EffectiveSelector()
	buf = append(buf, sel[:]...)
	buf = appendUint64(buf, uint64(len(in.Params)))
	for _, p := range in.Params {
		buf = append(buf, p[:]...)
	}
	return crypto.Keccak256Hash(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var encoded [8]byte
	binary.BigEndian.PutUint64(encoded[:], v)
	return append(buf, encoded[:]...)
}

func appendLengthPrefixed(buf, data []byte) []byte {
	buf = appendUint64(buf, uint64(len(data)))
	return append(buf, data...)
}

// ECDSAVerifier 用 secp256k1 恢复公钥并与指定签名人比对。
// 签名格式为 65 字节的 [R || S || V]，V 兼容 0/1 与 27/28 两种写法。
type ECDSAVerifier struct{}

// Verify 实现 SignatureVerifier。
func (ECDSAVerifier) Verify(signer common.Address, digest common.Hash, sig []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}
	normalized := make([]byte, crypto.SignatureLength)
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == signer
}
