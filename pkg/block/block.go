// Package block implements the immutable Block value type: one chunk of a
// file plus the chain-linkage metadata needed to place it in a Chain.
package block

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// ErrInvalidBlock is returned by NewBlock when the requested fields violate
// the chunk-range invariants.
var ErrInvalidBlock = errors.New("block: invalid block")

// ErrAlreadyLinked is returned by Link when called on a Block that already
// has a previous-block hash set.
var ErrAlreadyLinked = errors.New("block: already linked")

// Block is an immutable record of one chunk of a larger file. A Block is
// unlinked when created by NewBlock: ContentHash is already sealed, but
// PreviousBlockHash and BlockHash are nil until Link is called exactly
// once, at which point every field is frozen for the lifetime of the
// value.
type Block struct {
	fileHash          []byte
	indexAll          int
	index             int
	chunk             []byte
	contentHash       []byte
	previousBlockHash []byte
	blockHash         []byte
}

// NewBlock creates an unlinked Block and computes its ContentHash. It fails
// with ErrInvalidBlock if indexAll is not positive or index is outside
// [0, indexAll).
func NewBlock(fileHash []byte, indexAll, index int, chunk []byte) (*Block, error) {
	if indexAll <= 0 {
		return nil, fmt.Errorf("%w: index_all must be > 0, got %d", ErrInvalidBlock, indexAll)
	}
	if index < 0 || index >= indexAll {
		return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrInvalidBlock, index, indexAll)
	}

	b := &Block{
		fileHash: cloneBytes(fileHash),
		indexAll: indexAll,
		index:    index,
		chunk:    cloneBytes(chunk),
	}
	b.contentHash = hashContent(b.fileHash, b.indexAll, b.chunk, b.index)

	return b, nil
}

// Reconstruct rebuilds an already-linked Block from its raw field values,
// as received from a peer over the wire or read back from a chain seed
// list. The caller is trusted to supply values produced by a correct peer;
// Reconstruct does not recompute or verify the hashes (the network has no
// Byzantine-fault tolerance, per design).
func Reconstruct(fileHash []byte, indexAll, index int, chunk, contentHash, previousBlockHash, blockHash []byte) (*Block, error) {
	if indexAll <= 0 {
		return nil, fmt.Errorf("%w: index_all must be > 0, got %d", ErrInvalidBlock, indexAll)
	}
	if index < 0 || index >= indexAll {
		return nil, fmt.Errorf("%w: index %d out of range [0, %d)", ErrInvalidBlock, index, indexAll)
	}
	if previousBlockHash == nil || blockHash == nil {
		return nil, fmt.Errorf("%w: reconstructed block must already be linked", ErrInvalidBlock)
	}

	return &Block{
		fileHash:          cloneBytes(fileHash),
		indexAll:          indexAll,
		index:             index,
		chunk:             cloneBytes(chunk),
		contentHash:       cloneBytes(contentHash),
		previousBlockHash: cloneBytes(previousBlockHash),
		blockHash:         cloneBytes(blockHash),
	}, nil
}

// Link sets the block's previous-block hash and seals BlockHash. It may be
// called exactly once per Block.
func (b *Block) Link(previousBlockHash []byte) error {
	if b.previousBlockHash != nil {
		return ErrAlreadyLinked
	}
	if previousBlockHash == nil {
		return fmt.Errorf("%w: previous block hash must not be nil", ErrInvalidBlock)
	}

	b.previousBlockHash = cloneBytes(previousBlockHash)
	b.blockHash = hashBlock(b.fileHash, b.indexAll, b.chunk, b.index, b.previousBlockHash)

	return nil
}

// IsLinked reports whether Link has already sealed this block's hashes.
func (b *Block) IsLinked() bool {
	return b.blockHash != nil
}

// FileHash returns the hex-encoded SHA-256 digest of the complete file this
// chunk belongs to, as supplied by the caller.
func (b *Block) FileHash() []byte { return cloneBytes(b.fileHash) }

// IndexAll returns the total number of chunks the file was split into.
func (b *Block) IndexAll() int { return b.indexAll }

// Index returns this chunk's position within its file.
func (b *Block) Index() int { return b.index }

// Chunk returns the payload bytes.
func (b *Block) Chunk() []byte { return cloneBytes(b.chunk) }

// ContentHash returns the payload-identity hash, independent of chain
// position.
func (b *Block) ContentHash() []byte { return cloneBytes(b.contentHash) }

// PreviousBlockHash returns the hash of the preceding block, or nil if this
// block has not been linked yet.
func (b *Block) PreviousBlockHash() []byte { return cloneBytes(b.previousBlockHash) }

// BlockHash returns the full chain-linkage hash, or nil if this block has
// not been linked yet.
func (b *Block) BlockHash() []byte { return cloneBytes(b.blockHash) }

// zero returns an n-byte slice of zero bytes. This mirrors the hash-input
// padding scheme used to separate the fields being hashed: the length of
// the padding, not its value, carries information.
func zero(n int) []byte {
	return make([]byte, n)
}

func hashContent(fileHash []byte, indexAll int, chunk []byte, index int) []byte {
	h := sha256.New()
	h.Write(fileHash)
	h.Write(zero(indexAll))
	h.Write(chunk)
	h.Write(zero(index))
	return h.Sum(nil)
}

func hashBlock(fileHash []byte, indexAll int, chunk []byte, index int, previousBlockHash []byte) []byte {
	h := sha256.New()
	h.Write(fileHash)
	h.Write(zero(indexAll))
	h.Write(chunk)
	h.Write(zero(index))
	h.Write(previousBlockHash)
	return h.Sum(nil)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
