// Package dispatch implements spec.md 4.D: the messaging client's two
// stacked dispatch surfaces (block dispatch, object dispatch), the
// adapters between them, and the rotating, failover dispatch used by the
// proxy.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/proto"
	"github.com/myelnet/blobfabric/servererr"
)

// NotConnectedPeer is the well-known sentinel UUID a rotating dispatch
// reports as the target when every entry is disconnected, recognized by
// retry logic (spec.md 4.D "fail with NotConnected carrying a well-known
// UUID").
var NotConnectedPeer = peerid.Peer(uuid.Nil)

// CompletionFunc is invoked once a pushed block/message either lands or
// fails terminally.
type CompletionFunc func(err error)

// BlockDispatch is the block-level dispatch surface of one connection
// (spec.md 4.D "Block dispatch").
type BlockDispatch interface {
	PushBlock(ctx context.Context, targetPeerID peerid.Peer, blk *datablock.Block, done CompletionFunc) error
	ChannelID() peerid.Channel
	IsConnected() bool
	IsNoCopyDataBlocks() bool
}

// ObjectDispatch is the message-level dispatch surface of one connection
// (spec.md 4.D "Object dispatch").
type ObjectDispatch interface {
	PushMessage(ctx context.Context, targetPeerID peerid.Peer, msg proto.Message, payload *proto.Payload, done CompletionFunc) error
	ChannelID() peerid.Channel
	IsConnected() bool
}

// BlockFromObject serializes {brokerProtocol, payload} into a data block
// with layout [payload-json][protocol-json], offset1 = len(payload-json)
// (spec.md 4.D "BlockFromObject"). Because it never carries a channel id
// of its own, it always reports a nil ChannelID — the proxy enforces at
// the type level that it never feeds a BlockFromObject into the rotating
// dispatch (spec.md §9 Open Question decision).
type BlockFromObject struct {
	msg     proto.Message
	payload *proto.Payload
}

func NewBlockFromObject(msg proto.Message, payload *proto.Payload) *BlockFromObject {
	return &BlockFromObject{msg: msg, payload: payload}
}

// Serialize builds the data block: payload JSON (may be empty) followed by
// the protocol-message JSON, with offset1 recording the payload length.
func (b *BlockFromObject) Serialize(pool *datablock.Pool, class datablock.Class) (*datablock.Block, error) {
	var payloadJSON []byte
	if b.payload != nil {
		j, err := proto.MarshalPacked(b.payload)
		if err != nil {
			return nil, fmt.Errorf("dispatch: marshal payload: %w", err)
		}
		payloadJSON = j
	}
	protoJSON, err := proto.MarshalPacked(b.msg)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal protocol message: %w", err)
	}

	combined := make([]byte, 0, len(payloadJSON)+len(protoJSON))
	combined = append(combined, payloadJSON...)
	combined = append(combined, protoJSON...)

	blk, ok := pool.Get(class)
	if !ok || blk.Capacity() < len(combined) {
		blk = datablock.New(len(combined))
	}
	blk.Write(combined)
	blk.SetOffset1(len(payloadJSON))
	return blk, nil
}

// ChannelID always reports nil: BlockFromObject carries no channel of its
// own, it is only ever handed directly to one already-selected
// BlockDispatch.
func (b *BlockFromObject) ChannelID() peerid.Channel { return peerid.ChannelNil }

// ObjectFromBlock deserializes a data block produced by BlockFromObject:
// it slices at offset1 and validates the protocol message and, if present,
// the payload (spec.md 4.D "ObjectFromBlock", 4.D.1).
func ObjectFromBlock(blk *datablock.Block) (proto.Message, *proto.Payload, error) {
	b := blk.Bytes()
	off := blk.Offset1()
	if off < 0 || off > len(b) {
		return proto.Message{}, nil, servererr.New(servererr.CodeProtocolValidationFailed, "offset1 out of range")
	}
	payloadJSON := b[:off]
	protoJSON := b[off:]

	var msg proto.Message
	if err := proto.UnmarshalPacked(protoJSON, &msg); err != nil {
		return proto.Message{}, nil, servererr.Wrap(servererr.CodeProtocolValidationFailed, err, "unmarshal protocol message")
	}

	var payload *proto.Payload
	if len(payloadJSON) > 0 {
		var p proto.Payload
		if err := proto.UnmarshalPacked(payloadJSON, &p); err != nil {
			return proto.Message{}, nil, servererr.Wrap(servererr.CodeProtocolValidationFailed, err, "unmarshal payload")
		}
		payload = &p
	}

	if err := proto.Validate(&msg, payload); err != nil {
		return proto.Message{}, nil, err
	}
	return msg, payload, nil
}

// Rotating is a failover, round-robin dispatch over a fixed vector of
// BlockDispatch entries (spec.md 4.D "Rotating dispatch"). The starting
// index advances once per call so repeated calls spread load evenly, and
// a disconnected entry is skipped without disturbing that advance.
type Rotating struct {
	entries []BlockDispatch
	next    uint64
}

// NewRotating builds a Rotating dispatch over entries. entries must be
// BlockDispatch-backed — never object-adapter-backed — so ChannelID is
// always non-nil per spec.md's channelId-never-nil invariant.
func NewRotating(entries []BlockDispatch) *Rotating {
	return &Rotating{entries: entries}
}

func (r *Rotating) Len() int { return len(r.entries) }

// Pick scans from the current atomic starting index, skipping disconnected
// entries, and returns the first connected one. It always advances the
// starting index by one, whether or not a connected entry was found.
func (r *Rotating) Pick() (BlockDispatch, bool) {
	n := len(r.entries)
	if n == 0 {
		return nil, false
	}
	start := atomic.AddUint64(&r.next, 1) - 1
	for i := 0; i < n; i++ {
		idx := int((start + uint64(i)) % uint64(n))
		d := r.entries[idx]
		if d.IsConnected() {
			return d, true
		}
	}
	return nil, false
}

// PushBlock delivers blk to the first connected entry, or fails with a
// CodeTargetPeerNotFound error carrying NotConnectedPeer if none are
// (spec.md 4.D).
func (r *Rotating) PushBlock(ctx context.Context, targetPeerID peerid.Peer, blk *datablock.Block, done CompletionFunc) error {
	d, ok := r.Pick()
	if !ok {
		return servererr.New(servererr.CodeTargetPeerNotFound, NotConnectedPeer.String())
	}
	return d.PushBlock(ctx, targetPeerID, blk, done)
}
