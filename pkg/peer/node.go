// Package peer implements the filechain replication protocol: a Node
// accepts connections from other nodes and clients, serializes every
// chain-mutating command behind a single writer lock, and propagates new
// blocks to its known peers with a bounded, best-effort broadcast.
package peer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/infinityofspace/filechain/pkg/block"
	"github.com/infinityofspace/filechain/pkg/chain"
	"github.com/infinityofspace/filechain/pkg/wire"
)

// State is the Node's lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateJoining
	StateServing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateJoining:
		return "joining"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Node is one filechain server. The chain is guarded by a single exclusive
// lock spanning whole commands (verify, merge, and any internal bookkeeping
// for one request); known peers have their own lock, always acquired before
// chainMu when both are needed. Network I/O for broadcasting never happens
// while chainMu is held.
type Node struct {
	SelfAddr       wire.Addr
	MaxConnections int
	Log            *logrus.Entry

	client *Client

	chain   *chain.Chain
	chainMu sync.Mutex

	knownPeers map[wire.Addr]struct{}
	peersMu    sync.Mutex

	sem      chan struct{}
	listener net.Listener
	wg       sync.WaitGroup
	state    int32
}

// NewNode returns a Node seeded with only the genesis block, ready to serve
// once Start is called.
func NewNode(self wire.Addr, maxConnections int, log *logrus.Entry) *Node {
	if maxConnections <= 0 {
		maxConnections = 1
	}
	return &Node{
		SelfAddr:       self,
		MaxConnections: maxConnections,
		Log:            log,
		client:         NewClient(10 * time.Second),
		chain:          chain.New(),
		knownPeers:     map[wire.Addr]struct{}{},
		sem:            make(chan struct{}, maxConnections),
	}
}

// State returns the Node's current lifecycle state.
func (n *Node) State() State {
	return State(atomic.LoadInt32(&n.state))
}

// Start listens on SelfAddr and serves connections until ctx is canceled.
// If join is non-nil, the node first registers itself with that address and
// syncs its chain and known-peer set before accepting its own connections.
func (n *Node) Start(ctx context.Context, join *wire.Addr) error {
	ln, err := net.Listen("tcp", n.SelfAddr.String())
	if err != nil {
		return fmt.Errorf("peer: listen on %s: %w", n.SelfAddr, err)
	}
	n.listener = ln

	if join != nil {
		atomic.StoreInt32(&n.state, int32(StateJoining))
		if err := n.joinNetwork(ctx, *join); err != nil {
			ln.Close()
			return fmt.Errorf("peer: join %s: %w", *join, err)
		}
	}

	atomic.StoreInt32(&n.state, int32(StateServing))
	if n.Log != nil {
		n.Log.WithField("addr", n.SelfAddr.String()).Info("filechain node serving")
	}

	go func() {
		<-ctx.Done()
		atomic.StoreInt32(&n.state, int32(StateStopping))
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				n.wg.Wait()
				return nil
			}
			if n.Log != nil {
				n.Log.WithError(err).Warn("accept failed")
			}
			continue
		}

		n.sem <- struct{}{}
		n.wg.Add(1)
		go func() {
			defer func() {
				<-n.sem
				n.wg.Done()
			}()
			n.handleConn(conn)
		}()
	}
}

func (n *Node) joinNetwork(ctx context.Context, addr wire.Addr) error {
	peers, chainBlocks, err := n.client.RegisterServer(ctx, addr, n.SelfAddr)
	if err != nil {
		return err
	}

	n.peersMu.Lock()
	n.knownPeers[addr] = struct{}{}
	for _, p := range peers {
		if p != n.SelfAddr {
			n.knownPeers[p] = struct{}{}
		}
	}
	n.peersMu.Unlock()

	if len(chainBlocks) == 0 {
		return nil
	}

	// chainBlocks arrives oldest to newest; NewFrom wants newest first.
	newestFirst := make([]*block.Block, len(chainBlocks))
	for i, b := range chainBlocks {
		newestFirst[len(chainBlocks)-1-i] = b
	}

	synced := chain.NewFrom(newestFirst)
	if !synced.VerifyIntegrity() {
		return fmt.Errorf("%w: chain received from %s", chain.ErrIntegrityFailure, addr)
	}

	n.chainMu.Lock()
	n.chain = synced
	n.chainMu.Unlock()

	return nil
}

func (n *Node) handleConn(nc net.Conn) {
	conn := wire.NewConn(nc)
	defer conn.Close()

	req, err := conn.ReadValue()
	if err != nil {
		return
	}
	items, err := req.AsList()
	if err != nil || len(items) == 0 {
		return
	}
	cmd, err := items[0].AsString()
	if err != nil {
		return
	}

	var resp wire.Value
	switch cmd {
	case cmdInsertBlocks:
		resp = n.handleInsertBlocks(items)
	case cmdContainsFile:
		resp = n.handleContainsFile(items)
	case cmdGetFile:
		resp = n.handleGetFile(items)
	case cmdGetBlock:
		resp = n.handleGetBlock(items)
	case cmdRegisterServer:
		resp = n.handleRegisterServer(items)
	case cmdNewBlocksAvailable:
		resp = n.handleNewBlocksAvailable(items)
	default:
		if n.Log != nil {
			n.Log.WithField("cmd", cmd).Warn("unknown command")
		}
		resp = ackErr("unknown command")
	}

	_ = conn.WriteValue(resp)
}

func ackOK() wire.Value {
	return wire.List([]wire.Value{wire.Bool(true), wire.String("")})
}

func ackErr(msg string) wire.Value {
	return wire.List([]wire.Value{wire.Bool(false), wire.String(msg)})
}

func (n *Node) handleInsertBlocks(items []wire.Value) wire.Value {
	if len(items) < 2 {
		return ackErr("malformed insert_blocks request")
	}
	blocks, err := valueToBlocks(items[1])
	if err != nil {
		return ackErr(err.Error())
	}
	if len(blocks) == 0 {
		return ackOK()
	}

	n.chainMu.Lock()
	if err := n.validateBatch(blocks); err != nil {
		n.chainMu.Unlock()
		return ackErr(err.Error())
	}
	for _, b := range blocks {
		if err := n.chain.InsertBlock(b); err != nil {
			n.chainMu.Unlock()
			return ackErr(err.Error())
		}
	}
	chainLen := n.chain.Length()
	n.chainMu.Unlock()

	go n.broadcastNewBlocks(chainLen, blocks)

	return ackOK()
}

// validateBatch checks every block in blocks against the split-changed rule
// before any of them is committed, so a batch either applies in full or not
// at all. It simulates the same per-file content-hash bookkeeping
// chain.InsertBlock performs, seeded from the chain's current committed
// state.
func (n *Node) validateBatch(blocks []*block.Block) error {
	type progress struct {
		indexAll int
		count    int
	}
	sims := map[string]*progress{}
	seen := map[string]map[string]bool{}

	for _, b := range blocks {
		fileKey := string(b.FileHash())

		p, ok := sims[fileKey]
		if !ok {
			count, indexAll, known := n.chain.FileProgress(b.FileHash())
			if !known {
				indexAll = b.IndexAll()
				count = 0
			}
			p = &progress{indexAll: indexAll, count: count}
			sims[fileKey] = p
			seen[fileKey] = map[string]bool{}
		}

		contentKey := string(b.ContentHash())
		alreadyKnown := len(n.chain.GetBlocksByContent(b)) > 0 || seen[fileKey][contentKey]
		if !alreadyKnown {
			if p.count == p.indexAll {
				return fmt.Errorf("%w: file %x", chain.ErrFileBlockSplitChanged, b.FileHash())
			}
			p.count++
			seen[fileKey][contentKey] = true
		}
	}
	return nil
}

func (n *Node) handleContainsFile(items []wire.Value) wire.Value {
	if len(items) < 2 {
		return wire.Bool(false)
	}
	fileHash, err := items[1].AsBytes()
	if err != nil {
		return wire.Bool(false)
	}

	n.chainMu.Lock()
	ok := n.chain.ContainsFile(fileHash)
	n.chainMu.Unlock()

	return wire.Bool(ok)
}

func (n *Node) handleGetFile(items []wire.Value) wire.Value {
	if len(items) < 2 {
		return wire.List(nil)
	}
	fileHash, err := items[1].AsBytes()
	if err != nil {
		return wire.List(nil)
	}

	var blocks []*block.Block
	n.chainMu.Lock()
	if n.chain.ContainsFile(fileHash) {
		blocks = n.chain.GetFileBlocks(fileHash)
	}
	n.chainMu.Unlock()

	return blocksToValue(blocks)
}

func (n *Node) handleGetBlock(items []wire.Value) wire.Value {
	if len(items) < 2 {
		return wire.Null()
	}
	h, err := items[1].AsBytes()
	if err != nil {
		return wire.Null()
	}

	n.chainMu.Lock()
	b, ok := n.chain.GetBlockByHash(h)
	n.chainMu.Unlock()

	if !ok {
		return wire.Null()
	}
	return wire.BlockValue(b)
}

func (n *Node) handleRegisterServer(items []wire.Value) wire.Value {
	empty := wire.List([]wire.Value{wire.List(nil), wire.List(nil)})
	if len(items) < 2 {
		return empty
	}
	newAddr, err := items[1].AsAddr()
	if err != nil {
		return empty
	}

	n.peersMu.Lock()
	peerValues := make([]wire.Value, 0, len(n.knownPeers))
	for p := range n.knownPeers {
		peerValues = append(peerValues, wire.AddrValue(p))
	}
	n.knownPeers[newAddr] = struct{}{}
	n.peersMu.Unlock()

	n.chainMu.Lock()
	chainBlocks := n.chain.ChainList()
	n.chainMu.Unlock()

	return wire.List([]wire.Value{wire.List(peerValues), blocksToValue(chainBlocks)})
}

func (n *Node) handleNewBlocksAvailable(items []wire.Value) wire.Value {
	if len(items) < 4 {
		return wire.Bool(false)
	}
	senderAddr, err := items[1].AsAddr()
	if err != nil {
		return wire.Bool(false)
	}
	theirLen, err := items[2].AsInt()
	if err != nil {
		return wire.Bool(false)
	}
	newBlocks, err := valueToBlocks(items[3])
	if err != nil {
		return wire.Bool(false)
	}

	n.peersMu.Lock()
	n.knownPeers[senderAddr] = struct{}{}
	n.peersMu.Unlock()

	n.chainMu.Lock()
	ourLen := n.chain.Length()

	switch {
	case theirLen > ourLen:
		// Verify-then-merge is one atomic unit, including any blocks we
		// must pull to fill in missing predecessors; this mirrors the
		// original server's behavior of holding the chain lock across the
		// whole pull loop rather than releasing it mid-verification.
		added, err := n.ingestForeignBlocks(senderAddr, newBlocks)
		newLen := n.chain.Length()
		n.chainMu.Unlock()
		if err != nil {
			if n.Log != nil {
				n.Log.WithError(err).WithField("peer", senderAddr.String()).Warn("rejected proposed chain")
			}
			break
		}
		if len(added) > 0 {
			go n.broadcastNewBlocks(newLen, added)
		}
	case theirLen < ourLen:
		tip := n.chain.Tip()
		n.chainMu.Unlock()
		go n.broadcastNewBlocks(ourLen, []*block.Block{tip})
	default:
		n.chainMu.Unlock()
	}

	return wire.Bool(true)
}

// ingestForeignBlocks must be called with chainMu held. It verifies
// newBlocks against the local chain, pulling missing predecessors from
// sender one at a time until a verdict is reached, then merges the
// verified suffix in.
func (n *Node) ingestForeignBlocks(sender wire.Addr, newBlocks []*block.Block) ([]*block.Block, error) {
	verdict := n.chain.VerifyBlocksIntegrity(newBlocks)

	for verdict == chain.VerdictUnknown {
		if len(newBlocks) == 0 {
			return nil, fmt.Errorf("peer: empty proposed chain from %s", sender)
		}
		missing, err := n.client.GetBlock(context.Background(), sender, newBlocks[0].PreviousBlockHash())
		if err != nil {
			return nil, err
		}
		if missing == nil {
			return nil, fmt.Errorf("peer: %s has no predecessor for its proposed chain", sender)
		}
		newBlocks = append([]*block.Block{missing}, newBlocks...)
		verdict = n.chain.VerifyBlocksIntegrity(newBlocks)
	}

	if verdict != chain.VerdictTrue {
		return nil, fmt.Errorf("%w: proposed chain from %s", chain.ErrIntegrityFailure, sender)
	}

	return n.chain.MergeBlocks(newBlocks)
}

// broadcastNewBlocks fans the given blocks out to every known peer,
// bounded by MaxConnections concurrent dials. It is always called without
// chainMu held.
func (n *Node) broadcastNewBlocks(chainLen int, blocks []*block.Block) {
	n.peersMu.Lock()
	peers := make([]wire.Addr, 0, len(n.knownPeers))
	for p := range n.knownPeers {
		peers = append(peers, p)
	}
	n.peersMu.Unlock()

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(n.MaxConnections)

	for _, p := range peers {
		p := p
		g.Go(func() error {
			if err := n.client.NotifyNewBlocks(ctx, p, n.SelfAddr, chainLen, blocks); err != nil && n.Log != nil {
				n.Log.WithError(err).WithField("peer", p.String()).Debug("broadcast failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
