// Package wire implements the length-delimited, self-describing message
// transport used between filechain peers. It is a closed-schema,
// non-executable encoding of the six value kinds the peer protocol needs
// (bytes, integer, boolean, string tag, address, Block, and lists thereof,
// plus an explicit null) — deliberately not the source project's pickle
// framing, which can deserialize into arbitrary executable objects.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/infinityofspace/filechain/pkg/block"
)

// Kind discriminates the value carried by a Value.
type Kind string

const (
	KindBytes  Kind = "bytes"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindString Kind = "string"
	KindAddr   Kind = "addr"
	KindBlock  Kind = "block"
	KindList   Kind = "list"
	KindNull   Kind = "null"
)

// Addr is a peer listen address, sent across the wire as a (host, port)
// pair rather than a pre-formatted string so receivers never need to parse
// one back apart.
type Addr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// blockWire is the closed-schema, on-the-wire shape of a block.Block. Byte
// slices are base64-encoded by encoding/json automatically.
type blockWire struct {
	FileHash          []byte `json:"file_hash"`
	IndexAll          int    `json:"index_all"`
	Index             int    `json:"index"`
	Chunk             []byte `json:"chunk"`
	ContentHash       []byte `json:"content_hash"`
	PreviousBlockHash []byte `json:"previous_block_hash"`
	BlockHash         []byte `json:"block_hash"`
}

// Value is a tagged union over the wire protocol's value kinds.
type Value struct {
	Kind  Kind
	bytes []byte
	i     int64
	b     bool
	s     string
	addr  Addr
	blk   *block.Block
	list  []Value
}

// Bytes wraps a byte slice.
func Bytes(b []byte) Value { return Value{Kind: KindBytes, bytes: b} }

// Int wraps an integer.
func Int(i int) Value { return Value{Kind: KindInt, i: int64(i)} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{Kind: KindBool, b: b} }

// String wraps a string tag.
func String(s string) Value { return Value{Kind: KindString, s: s} }

// AddrValue wraps a peer address.
func AddrValue(a Addr) Value { return Value{Kind: KindAddr, addr: a} }

// BlockValue wraps a Block.
func BlockValue(b *block.Block) Value { return Value{Kind: KindBlock, blk: b} }

// List wraps a list of values.
func List(vs []Value) Value { return Value{Kind: KindList, list: vs} }

// Null represents the absence of a value.
func Null() Value { return Value{Kind: KindNull} }

// AsBytes returns the wrapped byte slice, or an error if Kind is not
// KindBytes.
func (v Value) AsBytes() ([]byte, error) {
	if v.Kind != KindBytes {
		return nil, fmt.Errorf("wire: expected bytes, got %s", v.Kind)
	}
	return v.bytes, nil
}

// AsInt returns the wrapped integer, or an error if Kind is not KindInt.
func (v Value) AsInt() (int, error) {
	if v.Kind != KindInt {
		return 0, fmt.Errorf("wire: expected int, got %s", v.Kind)
	}
	return int(v.i), nil
}

// AsBool returns the wrapped boolean, or an error if Kind is not KindBool.
func (v Value) AsBool() (bool, error) {
	if v.Kind != KindBool {
		return false, fmt.Errorf("wire: expected bool, got %s", v.Kind)
	}
	return v.b, nil
}

// AsString returns the wrapped string, or an error if Kind is not
// KindString.
func (v Value) AsString() (string, error) {
	if v.Kind != KindString {
		return "", fmt.Errorf("wire: expected string, got %s", v.Kind)
	}
	return v.s, nil
}

// AsAddr returns the wrapped address, or an error if Kind is not KindAddr.
func (v Value) AsAddr() (Addr, error) {
	if v.Kind != KindAddr {
		return Addr{}, fmt.Errorf("wire: expected addr, got %s", v.Kind)
	}
	return v.addr, nil
}

// AsBlock returns the wrapped Block, or an error if Kind is not KindBlock.
func (v Value) AsBlock() (*block.Block, error) {
	if v.Kind != KindBlock {
		return nil, fmt.Errorf("wire: expected block, got %s", v.Kind)
	}
	return v.blk, nil
}

// AsList returns the wrapped list, or an error if Kind is not KindList.
func (v Value) AsList() ([]Value, error) {
	if v.Kind != KindList {
		return nil, fmt.Errorf("wire: expected list, got %s", v.Kind)
	}
	return v.list, nil
}

// IsNull reports whether this value is the null marker.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// wireEnvelope is the flat JSON shape a Value round-trips through.
type wireEnvelope struct {
	Kind  Kind           `json:"kind"`
	Bytes []byte         `json:"bytes,omitempty"`
	Int   int64          `json:"int,omitempty"`
	Bool  bool           `json:"bool,omitempty"`
	Str   string         `json:"str,omitempty"`
	Addr  *Addr          `json:"addr,omitempty"`
	Block *blockWire     `json:"block,omitempty"`
	List  []wireEnvelope `json:"list,omitempty"`
}

func (v Value) toEnvelope() (wireEnvelope, error) {
	env := wireEnvelope{Kind: v.Kind}
	switch v.Kind {
	case KindBytes:
		env.Bytes = v.bytes
	case KindInt:
		env.Int = v.i
	case KindBool:
		env.Bool = v.b
	case KindString:
		env.Str = v.s
	case KindAddr:
		a := v.addr
		env.Addr = &a
	case KindBlock:
		if v.blk == nil {
			return wireEnvelope{}, fmt.Errorf("wire: nil block value")
		}
		env.Block = &blockWire{
			FileHash:          v.blk.FileHash(),
			IndexAll:          v.blk.IndexAll(),
			Index:             v.blk.Index(),
			Chunk:             v.blk.Chunk(),
			ContentHash:       v.blk.ContentHash(),
			PreviousBlockHash: v.blk.PreviousBlockHash(),
			BlockHash:         v.blk.BlockHash(),
		}
	case KindList:
		env.List = make([]wireEnvelope, 0, len(v.list))
		for _, item := range v.list {
			itemEnv, err := item.toEnvelope()
			if err != nil {
				return wireEnvelope{}, err
			}
			env.List = append(env.List, itemEnv)
		}
	case KindNull:
		// no payload
	default:
		return wireEnvelope{}, fmt.Errorf("wire: unknown kind %q", v.Kind)
	}
	return env, nil
}

func fromEnvelope(env wireEnvelope) (Value, error) {
	switch env.Kind {
	case KindBytes:
		return Bytes(env.Bytes), nil
	case KindInt:
		return Value{Kind: KindInt, i: env.Int}, nil
	case KindBool:
		return Bool(env.Bool), nil
	case KindString:
		return String(env.Str), nil
	case KindAddr:
		if env.Addr == nil {
			return Value{}, fmt.Errorf("wire: addr envelope missing payload")
		}
		return AddrValue(*env.Addr), nil
	case KindBlock:
		if env.Block == nil {
			return Value{}, fmt.Errorf("wire: block envelope missing payload")
		}
		bw := env.Block
		if len(bw.PreviousBlockHash) == 0 && len(bw.BlockHash) == 0 {
			// Unlinked block candidates (e.g. a client's INSERT_BLOCKS
			// payload) carry no chain linkage yet; the receiving side
			// links them itself once they are appended.
			blk, err := block.NewBlock(bw.FileHash, bw.IndexAll, bw.Index, bw.Chunk)
			if err != nil {
				return Value{}, fmt.Errorf("wire: rebuild unlinked block: %w", err)
			}
			return BlockValue(blk), nil
		}
		blk, err := block.Reconstruct(bw.FileHash, bw.IndexAll, bw.Index, bw.Chunk, bw.ContentHash, bw.PreviousBlockHash, bw.BlockHash)
		if err != nil {
			return Value{}, fmt.Errorf("wire: reconstruct block: %w", err)
		}
		return BlockValue(blk), nil
	case KindList:
		items := make([]Value, 0, len(env.List))
		for _, itemEnv := range env.List {
			item, err := fromEnvelope(itemEnv)
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return List(items), nil
	case KindNull:
		return Null(), nil
	default:
		return Value{}, fmt.Errorf("wire: unknown kind %q", env.Kind)
	}
}

// maxFrameSize bounds a single frame to guard against a malformed or
// adversarial length prefix exhausting memory before the payload is read.
const maxFrameSize = 64 * 1024 * 1024

// Conn wraps a net.Conn with the framed Value codec used by the peer
// protocol.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc: nc,
		r:  bufio.NewReader(nc),
		w:  bufio.NewWriter(nc),
	}
}

// Dial connects to addr and wraps the resulting connection.
func Dial(addr Addr) (*Conn, error) {
	nc, err := net.Dial("tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// SetDeadline sets both the read and write deadline on the underlying
// connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// WriteValue frames and writes v.
func (c *Conn) WriteValue(v Value) error {
	env, err := v.toEnvelope()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("wire: frame too large (%d bytes)", len(payload))
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := c.w.Write(length[:]); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return c.w.Flush()
}

// ReadValue reads and decodes the next framed Value.
func (c *Conn) ReadValue() (Value, error) {
	var length [4]byte
	if _, err := io.ReadFull(c.r, length[:]); err != nil {
		return Value{}, fmt.Errorf("wire: read length: %w", err)
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameSize {
		return Value{}, fmt.Errorf("wire: frame too large (%d bytes)", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return Value{}, fmt.Errorf("wire: read payload: %w", err)
	}

	var env wireEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Value{}, fmt.Errorf("wire: unmarshal: %w", err)
	}
	return fromEnvelope(env)
}
