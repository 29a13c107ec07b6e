package trie

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	gethtrie "github.com/ethereum/go-ethereum/trie"
)

// Commitment accumulates key/value leaves and computes the Merkle Patricia
// root over them. Keys are hashed with keccak256 before insertion so the
// root does not depend on key length or insertion order.
//
// The root is rebuilt with go-ethereum's stack trie on every call, which
// needs no node database because leaves are replayed in sorted order.
type Commitment struct {
	mu     sync.Mutex
	leaves map[common.Hash][]byte
}

// NewCommitment returns an empty commitment.
func NewCommitment() *Commitment {
	return &Commitment{leaves: make(map[common.Hash][]byte)}
}

// Update sets the leaf for key. An empty value removes it.
func (c *Commitment) Update(key, value []byte) {
	hashed := crypto.Keccak256Hash(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(value) == 0 {
		delete(c.leaves, hashed)
		return
	}
	c.leaves[hashed] = append([]byte(nil), value...)
}

// Len reports the number of leaves.
func (c *Commitment) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.leaves)
}

// Root returns the trie root hash. An empty commitment yields the canonical
// empty root.
func (c *Commitment) Root() (common.Hash, error) {
	c.mu.Lock()
	keys := make([]common.Hash, 0, len(c.leaves))
	for k := range c.leaves {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = c.leaves[k]
	}
	c.mu.Unlock()

	st := gethtrie.NewStackTrie(nil)
	for i, k := range keys {
		if err := st.Update(k.Bytes(), values[i]); err != nil {
			return common.Hash{}, err
		}
	}
	return st.Hash(), nil
}
