package block

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewBlockRejectsInvalidIndexAll(t *testing.T) {
	if _, err := NewBlock([]byte("F"), 0, 0, []byte("x")); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected ErrInvalidBlock for index_all=0, got %v", err)
	}
}

func TestNewBlockRejectsOutOfRangeIndex(t *testing.T) {
	if _, err := NewBlock([]byte("F"), 2, 2, []byte("x")); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected ErrInvalidBlock for out-of-range index, got %v", err)
	}
	if _, err := NewBlock([]byte("F"), 2, -1, []byte("x")); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected ErrInvalidBlock for negative index, got %v", err)
	}
}

func TestContentHashIsStableForIdenticalFields(t *testing.T) {
	a, err := NewBlock([]byte("F"), 3, 1, []byte("chunk"))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	b, err := NewBlock([]byte("F"), 3, 1, []byte("chunk"))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	if !bytes.Equal(a.ContentHash(), b.ContentHash()) {
		t.Fatalf("expected identical content hashes for identical fields")
	}
}

func TestContentHashDependsOnIndexPadding(t *testing.T) {
	// Same file hash, index_all, and chunk bytes, but a different index:
	// the content hash must differ because index feeds the hash input via
	// its zero-padding length, not the chunk bytes.
	a, err := NewBlock([]byte("F"), 3, 0, []byte("Y"))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	b, err := NewBlock([]byte("F"), 3, 1, []byte("Y"))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	if bytes.Equal(a.ContentHash(), b.ContentHash()) {
		t.Fatalf("expected different content hashes for different indices")
	}
}

func TestLinkSealsBlockHashAndIsOneShot(t *testing.T) {
	b, err := NewBlock([]byte("F"), 1, 0, []byte("hi"))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	if b.IsLinked() {
		t.Fatalf("block should not be linked before Link is called")
	}

	prev := bytes.Repeat([]byte{0xAB}, 32)
	if err := b.Link(prev); err != nil {
		t.Fatalf("Link: %v", err)
	}
	if !b.IsLinked() {
		t.Fatalf("block should be linked after Link is called")
	}
	firstHash := b.BlockHash()

	if err := b.Link(bytes.Repeat([]byte{0xCD}, 32)); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked on second Link call, got %v", err)
	}
	if !bytes.Equal(firstHash, b.BlockHash()) {
		t.Fatalf("block hash must not change after the first Link call")
	}
}

func TestBlockHashDependsOnPredecessor(t *testing.T) {
	newLinked := func(prev []byte) *Block {
		b, err := NewBlock([]byte("F"), 1, 0, []byte("hi"))
		if err != nil {
			t.Fatalf("NewBlock: %v", err)
		}
		if err := b.Link(prev); err != nil {
			t.Fatalf("Link: %v", err)
		}
		return b
	}

	a := newLinked(bytes.Repeat([]byte{1}, 32))
	b := newLinked(bytes.Repeat([]byte{2}, 32))

	if bytes.Equal(a.ContentHash(), b.ContentHash()) == false {
		t.Fatalf("content hash should be identical regardless of predecessor")
	}
	if bytes.Equal(a.BlockHash(), b.BlockHash()) {
		t.Fatalf("block hash should differ when predecessors differ")
	}
}

func TestReconstructRejectsUnlinkedFields(t *testing.T) {
	if _, err := Reconstruct([]byte("F"), 1, 0, []byte("hi"), []byte("ch"), nil, nil); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected ErrInvalidBlock for a reconstructed block missing its link, got %v", err)
	}
}

func TestAccessorsReturnDefensiveCopies(t *testing.T) {
	fileHash := []byte("F")
	chunk := []byte("hi")

	b, err := NewBlock(fileHash, 1, 0, chunk)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}

	got := b.Chunk()
	got[0] = 'X'
	if bytes.Equal(b.Chunk(), got) {
		t.Fatalf("mutating a returned accessor slice must not affect the block")
	}
}
