package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/infinityofspace/filechain/pkg/block"
	"github.com/infinityofspace/filechain/pkg/wire"
)

func freeAddr(t *testing.T) wire.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port
	return wire.Addr{Host: "127.0.0.1", Port: port}
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return logrus.NewEntry(log)
}

func startNode(t *testing.T, addr wire.Addr, join *wire.Addr) (*Node, context.CancelFunc) {
	t.Helper()
	n := NewNode(addr, 8, testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- n.Start(ctx, join) }()

	require.Eventually(t, func() bool {
		return n.State() == StateServing
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(2 * time.Second):
		}
	})
	return n, cancel
}

func TestRegisterServerJoinSyncsChain(t *testing.T) {
	addr1 := freeAddr(t)
	startNode(t, addr1, nil)

	client := NewClient(2 * time.Second)
	ctx := context.Background()

	b, err := block.NewBlock([]byte("F"), 1, 0, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, client.InsertBlocks(ctx, addr1, []*block.Block{b}))

	addr2 := freeAddr(t)
	startNode(t, addr2, &addr1)

	require.Eventually(t, func() bool {
		ok, err := client.ContainsFile(ctx, addr2, []byte("F"))
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)

	blocks, err := client.GetFile(ctx, addr2, []byte("F"))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, []byte("payload"), blocks[0].Chunk())
}

func TestInsertBlocksBroadcastsToKnownPeers(t *testing.T) {
	addr1 := freeAddr(t)
	startNode(t, addr1, nil)

	addr2 := freeAddr(t)
	startNode(t, addr2, &addr1)

	client := NewClient(2 * time.Second)
	ctx := context.Background()

	b, err := block.NewBlock([]byte("G"), 1, 0, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, client.InsertBlocks(ctx, addr1, []*block.Block{b}))

	require.Eventually(t, func() bool {
		ok, err := client.ContainsFile(ctx, addr2, []byte("G"))
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGetBlockUnknownReturnsNil(t *testing.T) {
	addr1 := freeAddr(t)
	startNode(t, addr1, nil)

	client := NewClient(2 * time.Second)
	b, err := client.GetBlock(context.Background(), addr1, []byte("does-not-exist"))
	require.NoError(t, err)
	require.Nil(t, b)
}

func TestContainsFileFalseForUnknownFile(t *testing.T) {
	addr1 := freeAddr(t)
	startNode(t, addr1, nil)

	client := NewClient(2 * time.Second)
	ok, err := client.ContainsFile(context.Background(), addr1, []byte("unknown"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertBlocksRejectsSplitChange(t *testing.T) {
	addr1 := freeAddr(t)
	startNode(t, addr1, nil)

	client := NewClient(2 * time.Second)
	ctx := context.Background()

	a, err := block.NewBlock([]byte("H"), 1, 0, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, client.InsertBlocks(ctx, addr1, []*block.Block{a}))

	b, err := block.NewBlock([]byte("H"), 1, 0, []byte("v2"))
	require.NoError(t, err)
	err = client.InsertBlocks(ctx, addr1, []*block.Block{b})
	require.ErrorIs(t, err, ErrBadResponse)
}
