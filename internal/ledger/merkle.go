package ledger

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

var (
	merkleLeafKey = domainKey("tollgate.ledger.merkle.leaf.v1")
	merkleNodeKey = domainKey("tollgate.ledger.merkle.node.v1")
)

func domainKey(label string) [32]byte {
	return blake3.Sum256([]byte(label))
}

// BatchSeal is the payload of a ledger.batch_sealed marker entry.
type BatchSeal struct {
	From int64  `json:"from"`
	To   int64  `json:"to"`
	Root string `json:"root"`
}

// MerkleRoot computes a binary Merkle root over entry hashes. An odd node
// at any level is promoted unchanged.
func MerkleRoot(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	level := make([][32]byte, len(hashes))
	for i, h := range hashes {
		level[i] = keyed(merkleLeafKey, []byte(h))
	}

	var combined [64]byte
	for len(level) > 1 {
		next := make([][32]byte, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			copy(combined[:32], level[i][:])
			copy(combined[32:], level[i+1][:])
			next[i/2] = keyed(merkleNodeKey, combined[:])
		}
		if len(level)%2 == 1 {
			next[len(next)-1] = level[len(level)-1]
		}
		level = next
	}
	return "blake3:" + hex.EncodeToString(level[0][:])
}

func keyed(key [32]byte, data []byte) [32]byte {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("ledger: blake3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write(data)
	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	return out
}
