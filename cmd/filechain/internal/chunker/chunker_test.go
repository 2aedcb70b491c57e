package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestReadFileSplitsIntoChunksAndHashesTheWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	content := bytes.Repeat([]byte{0x42}, ChunkSize*2+17)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	fileHash, blocks, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	want := sha256.Sum256(content)
	if string(fileHash) != hex.EncodeToString(want[:]) {
		t.Fatalf("unexpected file hash: got %s", fileHash)
	}

	if len(blocks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(blocks))
	}
	if len(blocks[0].Chunk()) != ChunkSize || len(blocks[1].Chunk()) != ChunkSize {
		t.Fatalf("expected the first two chunks to be full-sized")
	}
	if len(blocks[2].Chunk()) != 17 {
		t.Fatalf("expected the last chunk to hold the remainder, got %d bytes", len(blocks[2].Chunk()))
	}

	var reassembled []byte
	for _, b := range blocks {
		reassembled = append(reassembled, b.Chunk()...)
	}
	if !bytes.Equal(reassembled, content) {
		t.Fatalf("reassembled content does not match the original file")
	}
}

func TestReadFileRejectsMissingFile(t *testing.T) {
	if _, _, err := ReadFile(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestReadFileRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, _, err := ReadFile(path); err == nil {
		t.Fatalf("expected an error for an empty file")
	}
}
