package chain

import (
	"sync"

	"github.com/infinityofspace/filechain/pkg/block"
)

var (
	genesisOnce  sync.Once
	genesisBlock *block.Block
)

// Genesis returns the fixed, well-known first block of every filechain.
// Its hash is identical across all peers because it is built from the
// same fixed field values every time.
func Genesis() *block.Block {
	genesisOnce.Do(func() {
		b, err := block.NewBlock([]byte{}, 1, 0, []byte{})
		if err != nil {
			panic("chain: genesis block construction failed: " + err.Error())
		}
		if err := b.Link([]byte{}); err != nil {
			panic("chain: genesis block link failed: " + err.Error())
		}
		genesisBlock = b
	})
	return genesisBlock
}
