package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/dispatch"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/proto"
	"github.com/myelnet/blobfabric/task"
)

func TestIncomingBackendPutForwardsNormalBlock(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	backend := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())
	backend.WithQueue(task.NewQueue(context.Background(), 4))

	target := peerid.NewPeer()
	backend.PeerConnected(target)

	incoming := NewIncomingBackend(backend)

	msg := proto.Message{
		MessageType:    proto.Notification,
		MessageID:      "m",
		ConversationID: "c",
		TargetPeerID:   uuidOf(target),
	}
	adapter := dispatch.NewBlockFromObject(msg, nil)
	blk, err := adapter.Serialize(backend.pool, datablock.ClassSmall)
	require.NoError(t, err)

	err = incoming.Put(context.Background(), blockengine.PutNormal, peerid.NewPeer(), peerid.NewChunkID(), blk.Bytes())
	require.NoError(t, err)

	// one associate push plus one forward push.
	require.Len(t, client.pushed, 2)
	require.Len(t, backend.AssociatedChannels(target), 1)
}

func TestIncomingBackendPutFillsSourcePeerIDFromCommand(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	backend := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())
	backend.WithQueue(task.NewQueue(context.Background(), 4))

	target := peerid.NewPeer()
	backend.PeerConnected(target)

	incoming := NewIncomingBackend(backend)

	// Envelope omits sourcePeerId; it must be filled from the command's own
	// peerId, never from the proxy's own identity.
	msg := proto.Message{
		MessageType:    proto.Notification,
		MessageID:      "m",
		ConversationID: "c",
		TargetPeerID:   uuidOf(target),
	}
	adapter := dispatch.NewBlockFromObject(msg, nil)
	blk, err := adapter.Serialize(backend.pool, datablock.ClassSmall)
	require.NoError(t, err)

	source := peerid.NewPeer()
	err = incoming.Put(context.Background(), blockengine.PutNormal, source, peerid.NewChunkID(), blk.Bytes())
	require.NoError(t, err)
	require.NotEqual(t, backend.peerID, source)

	require.Len(t, client.pushed, 2)
	pushed, _, err := dispatch.ObjectFromBlock(client.pushed[1])
	require.NoError(t, err)
	require.Equal(t, uuidOf(source), pushed.SourcePeerID)
}

func TestIncomingBackendPutSecureDiscardNoOp(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	backend := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())
	backend.WithQueue(task.NewQueue(context.Background(), 4))

	incoming := NewIncomingBackend(backend)
	err := incoming.Put(context.Background(), blockengine.PutSecureDiscard, peerid.NewPeer(), peerid.NewChunkID(), []byte("discard"))
	require.NoError(t, err)
	require.Empty(t, client.pushed)
}

func TestIncomingBackendPutAuthenticateUnsupported(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	backend := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())
	backend.WithQueue(task.NewQueue(context.Background(), 4))

	incoming := NewIncomingBackend(backend)
	err := incoming.Put(context.Background(), blockengine.PutAuthenticate, peerid.NewPeer(), peerid.NewChunkID(), []byte("token"))
	require.Error(t, err)
}

func TestIncomingBackendGetSizeAndGetNotFound(t *testing.T) {
	backend := NewBackend(peerid.NewPeer(), nil, testConfig())
	incoming := NewIncomingBackend(backend)

	_, err := incoming.GetSize(context.Background(), peerid.NewChunkID())
	require.Error(t, err)

	_, err = incoming.Get(context.Background(), peerid.NewChunkID(), 0)
	require.Error(t, err)
}

func TestIncomingBackendFlushPeerSessionsIsNoError(t *testing.T) {
	client := &fakeBlockClient{id: peerid.NewChannel(), connected: true}
	backend := NewBackend(peerid.NewPeer(), []dispatch.BlockDispatch{client}, testConfig())
	backend.WithQueue(task.NewQueue(context.Background(), 4))

	target := peerid.NewPeer()
	backend.PeerConnected(target)
	require.True(t, backend.IsKnownPeer(target))

	// PeerDisconnected is a documented no-op (the pruner observes inactivity
	// on its next tick), so the peer remains known until then.
	incoming := NewIncomingBackend(backend)
	require.NoError(t, incoming.FlushPeerSessions(context.Background(), peerid.NewPeer(), target))
	require.True(t, backend.IsKnownPeer(target))
}
