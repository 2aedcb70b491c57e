// Package chunker splits a local file into the fixed-size chunks a
// filechain client sends as block candidates, mirroring the original
// client's file reader: the file hash used to tag every chunk is the
// hex-encoded SHA-256 digest of the whole file, not the raw digest bytes.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/infinityofspace/filechain/pkg/block"
)

// ChunkSize is the maximum payload size of one block's chunk.
const ChunkSize = 500

// ReadFile splits path into ChunkSize-byte chunks and returns the hex file
// hash alongside one unlinked Block candidate per chunk, ready to be sent
// via peer.Client.InsertBlocks.
func ReadFile(path string) (fileHash []byte, blocks []*block.Block, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("chunker: open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	var chunks [][]byte
	buf := make([]byte, ChunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.Write(chunk)
			chunks = append(chunks, chunk)
		}
		if readErr != nil {
			break
		}
	}
	if len(chunks) == 0 {
		return nil, nil, fmt.Errorf("chunker: %s is empty", path)
	}

	fileHash = []byte(hex.EncodeToString(h.Sum(nil)))

	blocks = make([]*block.Block, 0, len(chunks))
	for i, chunk := range chunks {
		b, err := block.NewBlock(fileHash, len(chunks), i, chunk)
		if err != nil {
			return nil, nil, fmt.Errorf("chunker: build block %d: %w", i, err)
		}
		blocks = append(blocks, b)
	}

	return fileHash, blocks, nil
}
