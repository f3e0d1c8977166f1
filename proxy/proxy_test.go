package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/dispatch"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/proto"
	"github.com/myelnet/blobfabric/task"
)

type fakeBlockClient struct {
	id        peerid.Channel
	connected bool
	pushed    []*datablock.Block
}

func (f *fakeBlockClient) PushBlock(ctx context.Context, targetPeerID peerid.Peer, blk *datablock.Block, done dispatch.CompletionFunc) error {
	f.pushed = append(f.pushed, blk)
	if done != nil {
		done(nil)
	}
	return nil
}
func (f *fakeBlockClient) ChannelID() peerid.Channel { return f.id }
func (f *fakeBlockClient) IsConnected() bool         { return f.connected }
func (f *fakeBlockClient) IsNoCopyDataBlocks() bool   { return false }

func testConfig() Config {
	c := DefaultConfig()
	c.Tick = 5 * time.Second
	c.BackPressureTick = 100 * time.Millisecond
	c.PruneInterval = 50 * time.Millisecond
	c.PruneCheckInterval = 10 * time.Millisecond
	c.MaxSmallBlocks = 2
	return c
}

func TestTickShutsDownWhenDisconnected(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: false}
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())

	called := false
	b.Tick(context.Background(), func() { called = true })
	require.True(t, called)
}

func TestTickAssociatesMissingChannels(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())

	peer := peerid.NewPeer()
	b.PeerConnected(peer)

	b.Tick(context.Background(), func() { t.Fatal("should not shut down") })

	require.Len(t, client.pushed, 1)
	require.ElementsMatch(t, []peerid.Channel{client.id}, b.AssociatedChannels(peer))
}

func TestTickAssociateIsIdempotent(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())

	peer := peerid.NewPeer()
	b.PeerConnected(peer)

	b.Tick(context.Background(), func() {})
	b.Tick(context.Background(), func() {})

	require.Len(t, client.pushed, 1) // second tick: channel already configured
	require.Len(t, b.AssociatedChannels(peer), 1)
}

func TestTickBackPressureWhenPoolExhausted(t *testing.T) {
	c1 := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	c2 := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	cfg := testConfig()
	cfg.MaxSmallBlocks = 1
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{c1, c2}, cfg)

	peer := peerid.NewPeer()
	b.PeerConnected(peer)

	interval := b.Tick(context.Background(), func() {})
	require.Equal(t, cfg.BackPressureTick, interval)
}

func TestPruneDropsPeerAfterInterval(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	cfg := testConfig()
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, cfg)

	peer := peerid.NewPeer()
	b.PeerConnected(peer)
	b.NotifyActivePeers(nil) // peer is not in the active set

	b.Tick(context.Background(), func() {})
	require.True(t, b.IsKnownPeer(peer))

	time.Sleep(cfg.PruneInterval + 20*time.Millisecond)
	b.Tick(context.Background(), func() {})
	require.False(t, b.IsKnownPeer(peer))
}

func TestPruneRetainsActivePeer(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	cfg := testConfig()
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, cfg)

	peer := peerid.NewPeer()
	b.PeerConnected(peer)
	b.NotifyActivePeers([]peerid.Peer{peer})

	time.Sleep(cfg.PruneInterval + 20*time.Millisecond)
	b.Tick(context.Background(), func() {})
	require.True(t, b.IsKnownPeer(peer))
}

func TestPeerConnectedResetsAssociation(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())

	peer := peerid.NewPeer()
	b.PeerConnected(peer)
	b.Tick(context.Background(), func() {})
	require.Len(t, b.AssociatedChannels(peer), 1)

	b.PeerConnected(peer) // reconnect
	require.Empty(t, b.AssociatedChannels(peer))
}

func TestProcessIncomingForwardsAndAssociates(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())
	b.WithQueue(task.NewQueue(context.Background(), 4))

	target := peerid.NewPeer()
	b.PeerConnected(target)

	source := peerid.NewPeer()
	msg := proto.Message{
		MessageType:    proto.Notification,
		MessageID:      "m",
		ConversationID: "c",
		TargetPeerID:   uuidOf(target),
	}
	adapter := dispatch.NewBlockFromObject(msg, nil)
	blk, err := adapter.Serialize(b.pool, datablock.ClassSmall)
	require.NoError(t, err)

	h := b.ProcessIncoming(context.Background(), peerid.NewSessionID(), peerid.NewChunkID(), source, blk)
	require.NoError(t, h.Wait(context.Background()))

	// one associate push plus one forward push.
	require.Len(t, client.pushed, 2)
	require.Len(t, b.AssociatedChannels(target), 1)
}

func TestProcessIncomingRejectsMissingTargetPeer(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	b := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())
	b.WithQueue(task.NewQueue(context.Background(), 4))

	msg := proto.Message{
		MessageType:    proto.Notification,
		MessageID:      "m",
		ConversationID: "c",
	}
	adapter := dispatch.NewBlockFromObject(msg, nil)
	blk, err := adapter.Serialize(b.pool, datablock.ClassSmall)
	require.NoError(t, err)

	h := b.ProcessIncoming(context.Background(), peerid.NewSessionID(), peerid.NewChunkID(), peerid.NewPeer(), blk)
	require.Error(t, h.Wait(context.Background()))
}
