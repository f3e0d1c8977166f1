package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/proto"
)

func TestBlockFromObjectRoundTrip(t *testing.T) {
	msg := proto.Message{
		MessageType:    proto.Notification,
		MessageID:      "m1",
		ConversationID: "c1",
		SourcePeerID:   uuid.New(),
		TargetPeerID:   uuid.New(),
	}
	payload := &proto.Payload{NotificationData: []byte(`{"ok":true}`)}

	pool := datablock.NewPool()
	pool.Configure(datablock.ClassSmall, 256, 0)

	b := NewBlockFromObject(msg, payload)
	blk, err := b.Serialize(pool, datablock.ClassSmall)
	require.NoError(t, err)
	require.Equal(t, peerid.ChannelNil, b.ChannelID())

	gotMsg, gotPayload, err := ObjectFromBlock(blk)
	require.NoError(t, err)
	require.Equal(t, msg.MessageID, gotMsg.MessageID)
	require.Equal(t, msg.ConversationID, gotMsg.ConversationID)
	require.NotNil(t, gotPayload)
	require.JSONEq(t, `{"ok":true}`, string(gotPayload.NotificationData))
}

func TestBlockFromObjectNoPayload(t *testing.T) {
	msg := proto.Message{
		MessageType:    proto.BackendAssociateTargetPeerId,
		MessageID:      "m2",
		ConversationID: "c2",
		SourcePeerID:   uuid.New(),
		TargetPeerID:   uuid.New(),
	}
	pool := datablock.NewPool()

	b := NewBlockFromObject(msg, nil)
	blk, err := b.Serialize(pool, datablock.ClassBlob)
	require.NoError(t, err)
	require.Equal(t, 0, blk.Offset1())

	gotMsg, gotPayload, err := ObjectFromBlock(blk)
	require.NoError(t, err)
	require.Equal(t, msg.MessageID, gotMsg.MessageID)
	require.Nil(t, gotPayload)
}

func TestObjectFromBlockRejectsInvalidMessage(t *testing.T) {
	msg := proto.Message{MessageType: proto.Notification, MessageID: "", ConversationID: "c"}
	pool := datablock.NewPool()
	b := NewBlockFromObject(msg, nil)
	blk, err := b.Serialize(pool, datablock.ClassBlob)
	require.NoError(t, err)

	_, _, err = ObjectFromBlock(blk)
	require.Error(t, err)
}

type fakeDispatch struct {
	id        peerid.Channel
	connected bool
	pushed    int
}

func (f *fakeDispatch) PushBlock(ctx context.Context, targetPeerID peerid.Peer, blk *datablock.Block, done CompletionFunc) error {
	f.pushed++
	if done != nil {
		done(nil)
	}
	return nil
}
func (f *fakeDispatch) ChannelID() peerid.Channel   { return f.id }
func (f *fakeDispatch) IsConnected() bool           { return f.connected }
func (f *fakeDispatch) IsNoCopyDataBlocks() bool    { return false }

func TestRotatingSkipsDisconnectedAndAdvances(t *testing.T) {
	a := &fakeDispatch{id: peerid.NewChannel(), connected: false}
	b := &fakeDispatch{id: peerid.NewChannel(), connected: true}
	c := &fakeDispatch{id: peerid.NewChannel(), connected: true}

	r := NewRotating([]BlockDispatch{a, b, c})

	for i := 0; i < 4; i++ {
		d, ok := r.Pick()
		require.True(t, ok)
		require.True(t, d.IsConnected())
		require.NoError(t, d.PushBlock(context.Background(), peerid.NewPeer(), datablock.New(1), nil))
	}
	require.Equal(t, 0, a.pushed)
	require.True(t, b.pushed+c.pushed > 0)
}

func TestRotatingFailsWhenNoneConnected(t *testing.T) {
	a := &fakeDispatch{id: peerid.NewChannel(), connected: false}
	r := NewRotating([]BlockDispatch{a})

	err := r.PushBlock(context.Background(), peerid.NewPeer(), datablock.New(4), nil)
	require.Error(t, err)
}

func TestRotatingDistributesRoundRobin(t *testing.T) {
	a := &fakeDispatch{id: peerid.NewChannel(), connected: true}
	b := &fakeDispatch{id: peerid.NewChannel(), connected: true}
	r := NewRotating([]BlockDispatch{a, b})

	for i := 0; i < 10; i++ {
		require.NoError(t, r.PushBlock(context.Background(), peerid.NewPeer(), datablock.New(1), nil))
	}
	require.Equal(t, 5, a.pushed)
	require.Equal(t, 5, b.pushed)
}
