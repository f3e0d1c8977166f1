package proxy

import (
	"context"

	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/dispatch"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/proto"
	"github.com/myelnet/blobfabric/servererr"
	"github.com/myelnet/blobfabric/task"
)

// WithQueue attaches the task.Queue the proxy uses to run forward/associate
// continuations (spec.md 4.E.4). Call once after NewBackend.
func (b *Backend) WithQueue(q *task.Queue) *Backend {
	b.queue = q
	return b
}

// ProcessIncoming implements spec.md 4.E.4 createBackendProcessingTask: it
// rewrites the embedded broker-protocol envelope's source peer id in place
// if the envelope left it unset, using sourcePeerID from the connection the
// command arrived on (the command's own peerId field, not the proxy's
// identity), selects the next outgoing dispatch, and, if the channel isn't
// yet associated with the target peer, chains an associate task ahead of
// the forward.
func (b *Backend) ProcessIncoming(ctx context.Context, sessionID peerid.SessionID, chunkID peerid.ChunkID, sourcePeerID peerid.Peer, blk *datablock.Block) *task.Handle {
	key := sessionID.String() + ":" + chunkID.String()
	return b.queue.Push(key, func(ctx context.Context) error {
		msg, payload, err := dispatch.ObjectFromBlock(blk)
		if err != nil {
			return err
		}

		rewritten := false
		if isNilUUID(msg.SourcePeerID) && !sourcePeerID.IsNil() {
			msg.SourcePeerID = uuidOf(sourcePeerID)
			rewritten = true
		}
		if isNilUUID(msg.TargetPeerID) {
			// the proxy has no authority to invent a target peer; the
			// caller must supply one in the envelope.
			return servererr.New(servererr.CodeInvalidArgument, "proxy: envelope has no target peer id")
		}
		targetPeer := peerid.Peer(msg.TargetPeerID)
		if rewritten {
			if err := rewriteBlock(blk, msg, payload); err != nil {
				return err
			}
		}

		d, ok := b.rotating.Pick()
		if !ok {
			return servererr.New(servererr.CodeTargetPeerNotFound, dispatch.NotConnectedPeer.String())
		}

		if b.IsKnownPeer(targetPeer) && !b.channelConfigured(targetPeer, d.ChannelID()) {
			if err := b.sendAssociate(ctx, d, targetPeer); err != nil {
				return err
			}
			b.markChannelConfigured(targetPeer, d.ChannelID())
		}

		done := make(chan error, 1)
		if err := d.PushBlock(ctx, targetPeer, blk, func(err error) { done <- err }); err != nil {
			return err
		}
		return <-done
	})
}

func (b *Backend) channelConfigured(p peerid.Peer, id peerid.Channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.clientsState[p]
	if !ok {
		return false
	}
	_, configured := cs.configuredChannelIDs[id]
	return configured
}

func (b *Backend) markChannelConfigured(p peerid.Peer, id peerid.Channel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs, ok := b.clientsState[p]
	if !ok {
		cs = newClientState()
		b.clientsState[p] = cs
	}
	cs.configuredChannelIDs[id] = struct{}{}
}

func isNilUUID(u [16]byte) bool {
	for _, x := range u {
		if x != 0 {
			return false
		}
	}
	return true
}

// rewriteBlock re-serializes msg/payload back into blk in place, preserving
// offset1 and extending size, failing with ProtocolValidationFailed if the
// new serialization doesn't fit the block's capacity (spec.md 4.E.4 step 1).
func rewriteBlock(blk *datablock.Block, msg proto.Message, payload *proto.Payload) error {
	protoJSON, err := proto.MarshalPacked(msg)
	if err != nil {
		return servererr.Wrap(servererr.CodeProtocolValidationFailed, err, "re-marshal protocol message")
	}
	offset1 := blk.Offset1()
	need := offset1 + len(protoJSON)
	if need > blk.Capacity() {
		return servererr.New(servererr.CodeProtocolValidationFailed, "rewritten envelope exceeds block capacity")
	}
	rebuilt := make([]byte, 0, need)
	rebuilt = append(rebuilt, blk.Payload()...)
	rebuilt = append(rebuilt, protoJSON...)
	blk.Write(rebuilt)
	blk.SetOffset1(offset1)
	return nil
}
