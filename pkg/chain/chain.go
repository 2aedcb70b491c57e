// Package chain implements the append-only, indexed, fork-resolving log of
// Blocks that backs a filechain peer. A Chain is a plain data structure: it
// is not internally synchronized. The peer package serializes access to a
// Chain behind a single writer lock spanning whole commands, so the chain
// itself never needs its own locking.
package chain

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/infinityofspace/filechain/pkg/block"
)

// fileRecord tracks, for one file hash, the total chunk count and the set
// of content hashes observed for it, each mapped to every block hash
// currently in the chain carrying that content.
type fileRecord struct {
	indexAll      int
	contentHashes map[string][]string
}

// Chain is the in-memory, append-only log of Blocks rooted at Genesis.
type Chain struct {
	blocksByHash map[string]*block.Block
	files        map[string]*fileRecord
	tip          *block.Block
}

// New returns a Chain seeded with only the genesis block.
func New() *Chain {
	g := Genesis()
	c := &Chain{
		blocksByHash: map[string]*block.Block{},
		files:        map[string]*fileRecord{},
		tip:          g,
	}
	c.blocksByHash[string(g.BlockHash())] = g
	c.files[string(g.FileHash())] = &fileRecord{
		indexAll:      g.IndexAll(),
		contentHashes: map[string][]string{string(g.ContentHash()): {string(g.BlockHash())}},
	}
	return c
}

// NewFrom seeds a Chain verbatim from a list of already-linked blocks, in
// the order provided. The first element becomes the tip. The caller must
// call VerifyIntegrity afterwards and react if it returns false — NewFrom
// does not re-verify the chain it is given.
func NewFrom(blocks []*block.Block) *Chain {
	c := &Chain{
		blocksByHash: map[string]*block.Block{},
		files:        map[string]*fileRecord{},
	}
	if len(blocks) == 0 {
		return New()
	}
	c.tip = blocks[0]
	for _, b := range blocks {
		c.blocksByHash[string(b.BlockHash())] = b

		fileKey := string(b.FileHash())
		rec, ok := c.files[fileKey]
		if !ok {
			rec = &fileRecord{indexAll: b.IndexAll(), contentHashes: map[string][]string{}}
			c.files[fileKey] = rec
		}
		contentKey := string(b.ContentHash())
		rec.contentHashes[contentKey] = append(rec.contentHashes[contentKey], string(b.BlockHash()))
	}
	return c
}

// Tip returns the most recently appended block.
func (c *Chain) Tip() *block.Block {
	return c.tip
}

// Length returns the total number of blocks in the chain.
func (c *Chain) Length() int {
	return len(c.blocksByHash)
}

// InsertBlock appends new at the current tip. new must be unlinked (it has
// not yet been inserted or merged into any chain).
func (c *Chain) InsertBlock(new *block.Block) error {
	fileKey := string(new.FileHash())
	contentKey := string(new.ContentHash())

	rec, ok := c.files[fileKey]
	if ok {
		if _, exists := rec.contentHashes[contentKey]; !exists {
			if len(rec.contentHashes) == rec.indexAll {
				return fmt.Errorf("%w: file %x is already complete with a different chunking", ErrFileBlockSplitChanged, new.FileHash())
			}
		}
	} else {
		rec = &fileRecord{indexAll: new.IndexAll(), contentHashes: map[string][]string{}}
		c.files[fileKey] = rec
	}

	if err := new.Link(c.tip.BlockHash()); err != nil {
		return err
	}

	c.blocksByHash[string(new.BlockHash())] = new
	rec.contentHashes[contentKey] = append(rec.contentHashes[contentKey], string(new.BlockHash()))
	c.tip = new

	return nil
}

// FileProgress reports how many distinct content hashes are currently
// recorded for fileHash and the total chunk count it was declared to have.
// It is used by callers (the peer node) that need to validate a batch of
// incoming blocks against the split-changed rule before committing any of
// them, without mutating the chain.
func (c *Chain) FileProgress(fileHash []byte) (contentCount, indexAll int, known bool) {
	rec, ok := c.files[string(fileHash)]
	if !ok {
		return 0, 0, false
	}
	return len(rec.contentHashes), rec.indexAll, true
}

// GetBlockByHash returns the block with the given block hash, if present.
func (c *Chain) GetBlockByHash(h []byte) (*block.Block, bool) {
	b, ok := c.blocksByHash[string(h)]
	return b, ok
}

// GetBlocksByContent returns every block currently in the chain sharing
// the same (file hash, content hash) as b.
func (c *Chain) GetBlocksByContent(b *block.Block) []*block.Block {
	rec, ok := c.files[string(b.FileHash())]
	if !ok {
		return nil
	}
	hashes := rec.contentHashes[string(b.ContentHash())]

	blocks := make([]*block.Block, 0, len(hashes))
	for _, h := range hashes {
		if blk, ok := c.blocksByHash[h]; ok {
			blocks = append(blocks, blk)
		}
	}
	return blocks
}

// ContainsFile reports whether every chunk of fileHash is present in the
// chain.
func (c *Chain) ContainsFile(fileHash []byte) bool {
	rec, ok := c.files[string(fileHash)]
	if !ok {
		return false
	}
	return len(rec.contentHashes) == rec.indexAll
}

// GetFileBlocks returns one block per distinct content hash currently
// recorded for fileHash, ordered by ascending index. If multiple blocks
// share a content hash (duplicate inserts), the first one recorded is
// returned — their chunk is identical by construction. Blocks that share
// an index but carry different chunks are each returned. Returns nil if
// the file is unknown.
func (c *Chain) GetFileBlocks(fileHash []byte) []*block.Block {
	rec, ok := c.files[string(fileHash)]
	if !ok {
		return nil
	}

	blocks := make([]*block.Block, 0, len(rec.contentHashes))
	for _, hashes := range rec.contentHashes {
		if len(hashes) == 0 {
			continue
		}
		if blk, ok := c.blocksByHash[hashes[0]]; ok {
			blocks = append(blocks, blk)
		}
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Index() < blocks[j].Index() })
	return blocks
}

// ChainList returns every block in the chain, oldest to newest.
func (c *Chain) ChainList() []*block.Block {
	var blocks []*block.Block

	cur := c.tip
	for {
		blocks = append(blocks, cur)
		if len(cur.PreviousBlockHash()) == 0 {
			break
		}
		prev, ok := c.blocksByHash[string(cur.PreviousBlockHash())]
		if !ok {
			break
		}
		cur = prev
	}

	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return blocks
}

// VerifyIntegrity walks the chain from the tip back to genesis, checking
// that every predecessor hash resolves to a known block, that the walk
// terminates at genesis, and that every file with more than one chunk
// touched during the walk has all of its chunks present.
func (c *Chain) VerifyIntegrity() bool {
	remaining := map[string]int{}
	counted := map[string]bool{}

	account := func(b *block.Block) {
		if b.IndexAll()-1 <= 0 {
			return
		}
		// Duplicate inserts of the same chunk count once.
		if counted[string(b.ContentHash())] {
			return
		}
		counted[string(b.ContentHash())] = true
		key := string(b.FileHash())
		if v, ok := remaining[key]; ok {
			if v-1 == 0 {
				delete(remaining, key)
			} else {
				remaining[key] = v - 1
			}
		} else {
			remaining[key] = b.IndexAll() - 1
		}
	}

	cur := c.tip
	account(cur)

	for len(cur.PreviousBlockHash()) != 0 {
		prev, ok := c.blocksByHash[string(cur.PreviousBlockHash())]
		if !ok {
			return false
		}
		cur = prev
		account(cur)
	}

	if !bytes.Equal(cur.BlockHash(), Genesis().BlockHash()) {
		return false
	}

	return len(remaining) == 0
}

// Verdict is the three-valued result of VerifyBlocksIntegrity.
type Verdict int

const (
	// VerdictFalse means the proposed suffix has broken internal linkage.
	VerdictFalse Verdict = iota
	// VerdictTrue means the suffix links cleanly to a block already known
	// locally.
	VerdictTrue
	// VerdictUnknown means the suffix's internal linkage is consistent
	// but its oldest block's predecessor is not locally known — more
	// blocks must be pulled before a verdict can be reached.
	VerdictUnknown
)

// VerifyBlocksIntegrity checks whether blocks (oldest to newest) form a
// valid suffix extending this chain.
func (c *Chain) VerifyBlocksIntegrity(blocks []*block.Block) Verdict {
	if len(blocks) == 0 {
		return VerdictUnknown
	}

	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		if i == 0 {
			if _, ok := c.blocksByHash[string(b.PreviousBlockHash())]; ok {
				return VerdictTrue
			}
		} else if !bytes.Equal(blocks[i-1].BlockHash(), b.PreviousBlockHash()) {
			return VerdictFalse
		}
	}

	return VerdictUnknown
}

// MergeBlocks reconciles this chain with a longer foreign suffix. newBlocks
// must be ordered oldest to newest and must have already been confirmed by
// VerifyBlocksIntegrity to return VerdictTrue. It returns every block
// ultimately appended to this chain, in append order: the foreign blocks
// actually new to this chain, followed by any local blocks that were
// displaced from a losing fork and re-appended on top of the new tip.
func (c *Chain) MergeBlocks(newBlocks []*block.Block) ([]*block.Block, error) {
	if len(newBlocks) == 0 {
		return nil, nil
	}

	var forkPoint *block.Block
	added := make([]*block.Block, 0, len(newBlocks))

	for i := len(newBlocks) - 1; i >= 0; i-- {
		b := newBlocks[i]
		key := string(b.BlockHash())
		if _, exists := c.blocksByHash[key]; exists {
			continue
		}

		c.blocksByHash[key] = b

		fileKey := string(b.FileHash())
		rec, ok := c.files[fileKey]
		if !ok {
			rec = &fileRecord{indexAll: b.IndexAll(), contentHashes: map[string][]string{}}
			c.files[fileKey] = rec
		}
		rec.indexAll = b.IndexAll()
		contentKey := string(b.ContentHash())
		rec.contentHashes[contentKey] = append(rec.contentHashes[contentKey], key)

		added = append(added, b)

		if prev, ok := c.blocksByHash[string(b.PreviousBlockHash())]; ok {
			forkPoint = prev
		}
	}

	// added was built newest-to-oldest; restore oldest-to-newest order.
	for i, j := 0, len(added)-1; i < j; i, j = i+1, j-1 {
		added[i], added[j] = added[j], added[i]
	}

	if len(added) == 0 {
		return added, nil
	}
	if forkPoint == nil {
		return nil, fmt.Errorf("chain: merge suffix does not connect to any locally known block")
	}

	if bytes.Equal(forkPoint.BlockHash(), c.tip.BlockHash()) {
		c.tip = added[len(added)-1]
		return added, nil
	}

	// Walk the losing fork tail from the current tip back to the fork
	// point, removing each block from the indexes.
	var conflicted []*block.Block
	cur := c.tip
	for !bytes.Equal(cur.BlockHash(), forkPoint.BlockHash()) {
		conflicted = append(conflicted, cur)

		delete(c.blocksByHash, string(cur.BlockHash()))
		if rec, ok := c.files[string(cur.FileHash())]; ok {
			removeHash(rec.contentHashes, string(cur.ContentHash()), string(cur.BlockHash()))
		}

		prev, ok := c.blocksByHash[string(cur.PreviousBlockHash())]
		if !ok {
			return nil, fmt.Errorf("chain: losing fork tail does not reach the fork point")
		}
		cur = prev
	}
	for i, j := 0, len(conflicted)-1; i < j; i, j = i+1, j-1 {
		conflicted[i], conflicted[j] = conflicted[j], conflicted[i]
	}

	c.tip = added[len(added)-1]

	for _, old := range conflicted {
		fresh, err := block.NewBlock(old.FileHash(), old.IndexAll(), old.Index(), old.Chunk())
		if err != nil {
			return nil, fmt.Errorf("chain: re-appending conflicted block: %w", err)
		}
		if err := c.InsertBlock(fresh); err != nil {
			return nil, fmt.Errorf("chain: re-appending conflicted block: %w", err)
		}
		added = append(added, fresh)
	}

	return added, nil
}

// removeHash deletes hash from the bucket keyed by contentKey, dropping the
// key entirely once its bucket is empty so distinct-content-hash counts
// (ContainsFile, GetFileBlocks) stay accurate.
func removeHash(buckets map[string][]string, contentKey, hash string) {
	hashes, ok := buckets[contentKey]
	if !ok {
		return
	}
	for i, h := range hashes {
		if h == hash {
			hashes = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
	if len(hashes) == 0 {
		delete(buckets, contentKey)
	} else {
		buckets[contentKey] = hashes
	}
}
