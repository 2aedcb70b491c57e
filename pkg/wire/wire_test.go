package wire

import (
	"bytes"
	"net"
	"testing"

	"github.com/infinityofspace/filechain/pkg/block"
)

func pipeConns() (*Conn, *Conn, func()) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b), func() {
		a.Close()
		b.Close()
	}
}

func TestRoundTripScalarValues(t *testing.T) {
	client, server, closeConns := pipeConns()
	defer closeConns()

	values := []Value{
		Bytes([]byte("hello")),
		Int(42),
		Bool(true),
		Bool(false),
		String("INSERT_BLOCKS"),
		AddrValue(Addr{Host: "127.0.0.1", Port: 9000}),
		Null(),
	}

	done := make(chan error, 1)
	go func() {
		for _, v := range values {
			if err := client.WriteValue(v); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i, want := range values {
		got, err := server.ReadValue()
		if err != nil {
			t.Fatalf("ReadValue[%d]: %v", i, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("value %d: kind mismatch: got %s, want %s", i, got.Kind, want.Kind)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
}

func TestRoundTripBlockValue(t *testing.T) {
	client, server, closeConns := pipeConns()
	defer closeConns()

	b, err := block.NewBlock([]byte("F"), 1, 0, []byte("chunk"))
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	if err := b.Link(bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("Link: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- client.WriteValue(BlockValue(b)) }()

	got, err := server.ReadValue()
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	gotBlock, err := got.AsBlock()
	if err != nil {
		t.Fatalf("AsBlock: %v", err)
	}
	if !bytes.Equal(gotBlock.BlockHash(), b.BlockHash()) {
		t.Fatalf("block hash mismatch after round trip")
	}
	if !bytes.Equal(gotBlock.Chunk(), b.Chunk()) {
		t.Fatalf("chunk mismatch after round trip")
	}
}

func TestRoundTripListValue(t *testing.T) {
	client, server, closeConns := pipeConns()
	defer closeConns()

	list := List([]Value{Int(1), String("a"), Bool(true)})

	errc := make(chan error, 1)
	go func() { errc <- client.WriteValue(list) }()

	got, err := server.ReadValue()
	if err != nil {
		t.Fatalf("ReadValue: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteValue: %v", err)
	}

	items, err := got.AsList()
	if err != nil {
		t.Fatalf("AsList: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	n, err := items[0].AsInt()
	if err != nil || n != 1 {
		t.Fatalf("unexpected first item: %d, %v", n, err)
	}
}

func TestAsKindMismatchErrors(t *testing.T) {
	v := Int(5)
	if _, err := v.AsString(); err == nil {
		t.Fatalf("expected error reading an int value as a string")
	}
	if _, err := v.AsBlock(); err == nil {
		t.Fatalf("expected error reading an int value as a block")
	}
}

func TestAddrString(t *testing.T) {
	a := Addr{Host: "10.0.0.1", Port: 7777}
	if got, want := a.String(), "10.0.0.1:7777"; got != want {
		t.Fatalf("Addr.String() = %q, want %q", got, want)
	}
}
