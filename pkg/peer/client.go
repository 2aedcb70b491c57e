package peer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/infinityofspace/filechain/pkg/block"
	"github.com/infinityofspace/filechain/pkg/wire"
)

// Client dials other filechain peers and speaks the one-request-response
// command protocol. It is the same collaborator a CLI client and a Node's
// own broadcast/pull logic both use.
type Client struct {
	// Timeout bounds a single request's dial, write and read. Zero means
	// no deadline is applied beyond the context passed to each call.
	Timeout time.Duration
}

// NewClient returns a Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{Timeout: timeout}
}

func (c *Client) roundTrip(ctx context.Context, addr wire.Addr, req wire.Value) (wire.Value, error) {
	dialer := net.Dialer{Timeout: c.Timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return wire.Value{}, fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, addr, err)
	}
	conn := wire.NewConn(nc)
	defer conn.Close()

	deadline := time.Time{}
	if c.Timeout > 0 {
		deadline = time.Now().Add(c.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	if !deadline.IsZero() {
		if err := conn.SetDeadline(deadline); err != nil {
			return wire.Value{}, fmt.Errorf("%w: set deadline: %v", ErrPeerUnreachable, err)
		}
	}

	if err := conn.WriteValue(req); err != nil {
		return wire.Value{}, fmt.Errorf("%w: write request: %v", ErrPeerUnreachable, err)
	}
	resp, err := conn.ReadValue()
	if err != nil {
		return wire.Value{}, fmt.Errorf("%w: read response: %v", ErrPeerUnreachable, err)
	}
	return resp, nil
}

// InsertBlocks sends a batch of unlinked blocks to addr for insertion; the
// receiving node links each one as it appends it.
func (c *Client) InsertBlocks(ctx context.Context, addr wire.Addr, blocks []*block.Block) error {
	resp, err := c.roundTrip(ctx, addr, wire.List([]wire.Value{
		wire.String(cmdInsertBlocks),
		blocksToValue(blocks),
	}))
	if err != nil {
		return err
	}
	items, err := resp.AsList()
	if err != nil || len(items) < 1 {
		return fmt.Errorf("%w: malformed insert_blocks response", ErrBadResponse)
	}
	ok, err := items[0].AsBool()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !ok {
		msg := "rejected"
		if len(items) > 1 {
			if s, serr := items[1].AsString(); serr == nil {
				msg = s
			}
		}
		return fmt.Errorf("%w: %s", ErrBadResponse, msg)
	}
	return nil
}

// ContainsFile asks addr whether it has every chunk of fileHash.
func (c *Client) ContainsFile(ctx context.Context, addr wire.Addr, fileHash []byte) (bool, error) {
	resp, err := c.roundTrip(ctx, addr, wire.List([]wire.Value{
		wire.String(cmdContainsFile),
		wire.Bytes(fileHash),
	}))
	if err != nil {
		return false, err
	}
	ok, err := resp.AsBool()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return ok, nil
}

// GetFile asks addr for every chunk of fileHash, returning them ordered by
// index. Returns an empty slice if the peer does not have the complete
// file.
func (c *Client) GetFile(ctx context.Context, addr wire.Addr, fileHash []byte) ([]*block.Block, error) {
	resp, err := c.roundTrip(ctx, addr, wire.List([]wire.Value{
		wire.String(cmdGetFile),
		wire.Bytes(fileHash),
	}))
	if err != nil {
		return nil, err
	}
	return valueToBlocks(resp)
}

// GetBlock asks addr for the block identified by blockHash. Returns nil,
// nil if addr does not know it.
func (c *Client) GetBlock(ctx context.Context, addr wire.Addr, blockHash []byte) (*block.Block, error) {
	resp, err := c.roundTrip(ctx, addr, wire.List([]wire.Value{
		wire.String(cmdGetBlock),
		wire.Bytes(blockHash),
	}))
	if err != nil {
		return nil, err
	}
	if resp.IsNull() {
		return nil, nil
	}
	return resp.AsBlock()
}

// RegisterServer joins the network through addr, returning the peer
// addresses already known to it and its complete chain (oldest to newest).
func (c *Client) RegisterServer(ctx context.Context, addr wire.Addr, self wire.Addr) ([]wire.Addr, []*block.Block, error) {
	resp, err := c.roundTrip(ctx, addr, wire.List([]wire.Value{
		wire.String(cmdRegisterServer),
		wire.AddrValue(self),
	}))
	if err != nil {
		return nil, nil, err
	}
	items, err := resp.AsList()
	if err != nil || len(items) != 2 {
		return nil, nil, fmt.Errorf("%w: malformed register_server response", ErrBadResponse)
	}

	peerItems, err := items[0].AsList()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	peers := make([]wire.Addr, 0, len(peerItems))
	for _, p := range peerItems {
		a, err := p.AsAddr()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		peers = append(peers, a)
	}

	blocks, err := valueToBlocks(items[1])
	if err != nil {
		return nil, nil, err
	}
	return peers, blocks, nil
}

// NotifyNewBlocks tells addr that this node's chain grew, sending the
// blocks it is missing (or just the new tip, if the receiver's own missing
// set is unknown to the sender).
func (c *Client) NotifyNewBlocks(ctx context.Context, addr wire.Addr, self wire.Addr, chainLen int, blocks []*block.Block) error {
	resp, err := c.roundTrip(ctx, addr, wire.List([]wire.Value{
		wire.String(cmdNewBlocksAvailable),
		wire.AddrValue(self),
		wire.Int(chainLen),
		blocksToValue(blocks),
	}))
	if err != nil {
		return err
	}
	ok, err := resp.AsBool()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !ok {
		return fmt.Errorf("%w: peer rejected broadcast", ErrBadResponse)
	}
	return nil
}

func blocksToValue(blocks []*block.Block) wire.Value {
	items := make([]wire.Value, 0, len(blocks))
	for _, b := range blocks {
		items = append(items, wire.BlockValue(b))
	}
	return wire.List(items)
}

func valueToBlocks(v wire.Value) ([]*block.Block, error) {
	items, err := v.AsList()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	blocks := make([]*block.Block, 0, len(items))
	for _, item := range items {
		b, err := item.AsBlock()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}
