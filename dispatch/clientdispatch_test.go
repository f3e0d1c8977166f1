package dispatch

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/chunkstore"
	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/transport"
)

// pipe returns a connected client/server transport.Conn pair over net.Pipe,
// mirroring blockengine's own test helper.
func pipe() (*transport.Conn, *transport.Conn) {
	a, b := net.Pipe()
	ctx := context.Background()
	return transport.Wrap(ctx, a), transport.Wrap(ctx, b)
}

func TestClientBlockDispatchPushBlockDeliversBytes(t *testing.T) {
	clientConn, serverConn := pipe()

	store := chunkstore.NewMemoryStore()
	adapter := chunkstore.NewAdapter(context.Background(), store, 4)
	backend := chunkstore.NewConnectionBackend(adapter)
	srv := blockengine.NewServer(serverConn, backend, peerid.NewPeer())
	go srv.Serve(context.Background())

	cli, err := blockengine.NewClient(context.Background(), clientConn, peerid.NewPeer(), blockengine.ServerMaxProtocolVersion)
	require.NoError(t, err)

	d := NewClientBlockDispatch(cli)
	require.True(t, d.IsConnected())
	require.False(t, d.IsNoCopyDataBlocks())

	blk := datablock.New(5)
	blk.Write([]byte("hello"))

	var doneErr error
	called := false
	err = d.PushBlock(context.Background(), peerid.NewPeer(), blk, func(e error) {
		called = true
		doneErr = e
	})
	require.NoError(t, err)
	require.True(t, called)
	require.NoError(t, doneErr)
	require.True(t, d.IsConnected())
}

func TestClientBlockDispatchMarksDisconnectedOnFailure(t *testing.T) {
	clientConn, serverConn := pipe()
	serverConn.Shutdown(true)

	cli, err := blockengine.NewClient(context.Background(), clientConn, peerid.NewPeer(), blockengine.ServerMaxProtocolVersion)
	if err != nil {
		// a closed server may fail negotiation outright; nothing left to assert.
		return
	}

	d := NewClientBlockDispatch(cli)
	blk := datablock.New(1)
	blk.Write([]byte("x"))

	_ = d.PushBlock(context.Background(), peerid.NewPeer(), blk, nil)
	require.False(t, d.IsConnected())
}

func TestClientBlockDispatchChannelIDStable(t *testing.T) {
	clientConn, serverConn := pipe()

	store := chunkstore.NewMemoryStore()
	adapter := chunkstore.NewAdapter(context.Background(), store, 4)
	backend := chunkstore.NewConnectionBackend(adapter)
	srv := blockengine.NewServer(serverConn, backend, peerid.NewPeer())
	go srv.Serve(context.Background())

	cli, err := blockengine.NewClient(context.Background(), clientConn, peerid.NewPeer(), blockengine.ServerMaxProtocolVersion)
	require.NoError(t, err)

	d := NewClientBlockDispatch(cli)
	first := d.ChannelID()
	require.Equal(t, first, d.ChannelID())
}
