package commitment

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// InclusionProofVerifier 抽象了承诺根的包含性证明校验，
// 授权状态机不依赖具体的哈希方案。
type InclusionProofVerifier interface {
	Verify(leaf common.Hash, proof []common.Hash, root common.Hash) bool
}

// KeccakProofVerifier 以 Keccak-256 有序配对折叠的方式校验 Merkle 证明。
// 兄弟节点按字节序排序后拼接，证明因此无需携带方向位。
type KeccakProofVerifier struct{}

// Verify 实现 InclusionProofVerifier。
func (KeccakProofVerifier) Verify(leaf common.Hash, proof []common.Hash, root common.Hash) bool {
	node := leaf
	for _, sibling := range proof {
		node = hashPair(node, sibling)
	}
	return node == root
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// Leaf 计算一条预批准动作的承诺叶子：
// hash(schemaRef, target, hasValue, selector, extractedAddresses...)。
func Leaf(schemaRef string, target common.Address, hasValue bool, selector [4]byte, addrs []common.Address) common.Hash {
	var buf bytes.Buffer
	buf.WriteString(schemaRef)
	buf.Write(target[:])
	if hasValue {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(selector[:])
	for _, addr := range addrs {
		buf.Write(addr[:])
	}
	return crypto.Keccak256Hash(buf.Bytes())
}

// BuildRoot 从叶子集合构造承诺根，层内同样按有序配对折叠。
// 叶子数为奇数时，最后一个节点直接晋级。给第三方托管工具和测试使用。
func BuildRoot(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.Hash{}
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// ProofFor 为指定下标的叶子生成包含性证明，与 BuildRoot 配套使用。
func ProofFor(leaves []common.Hash, index int) []common.Hash {
	if index < 0 || index >= len(leaves) {
		return nil
	}
	var proof []common.Hash
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if index%2 == 1 {
			proof = append(proof, level[index-1])
		} else if index+1 < len(level) {
			proof = append(proof, level[index+1])
		}
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		index /= 2
	}
	return proof
}
