package proxy

import (
	"context"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
	"github.com/myelnet/blobfabric/wire"
)

// IncomingBackend adapts Backend to blockengine.Backend so an accepted
// client connection's Server can dispatch PutDataBlock commands straight
// into ProcessIncoming (spec.md 4.E.4). One IncomingBackend is constructed
// per connection and owns its own peerid.SessionID, the key ProcessIncoming
// uses to serialize a given connection's forwards.
//
// The proxy only ever forwards; it is not itself a chunk store, so
// GetDataBlock/GetDataBlockSize have nothing to answer with and report
// NoSuchFileOrDirectory, and RemoveDataBlock reports InvalidArgument.
type IncomingBackend struct {
	backend   *Backend
	sessionID peerid.SessionID
}

// NewIncomingBackend wraps backend for one accepted connection. backend
// must already have WithQueue called on it.
func NewIncomingBackend(backend *Backend) *IncomingBackend {
	return &IncomingBackend{backend: backend, sessionID: peerid.NewSessionID()}
}

var _ blockengine.Backend = (*IncomingBackend)(nil)

func (b *IncomingBackend) GetSize(ctx context.Context, chunkID peerid.ChunkID) (uint32, error) {
	return 0, servererr.New(servererr.CodeNoSuchFileOrDirectory, chunkID.String())
}

func (b *IncomingBackend) Get(ctx context.Context, chunkID peerid.ChunkID, expectedSize uint32) ([]byte, error) {
	return nil, servererr.New(servererr.CodeNoSuchFileOrDirectory, chunkID.String())
}

// Put forwards a normal PutDataBlock's bytes as a broker-protocol envelope
// (spec.md 4.E.4). The envelope is treated as carrying no separate payload
// prefix (offset1=0): this minimal binary doesn't yet multiplex a payload
// alongside the protocol message over the wire, only the message itself.
func (b *IncomingBackend) Put(ctx context.Context, kind blockengine.PutKind, sourcePeerID peerid.Peer, chunkID peerid.ChunkID, data []byte) error {
	switch kind {
	case blockengine.PutAuthenticate:
		return servererr.New(servererr.CodeInvalidArgument, "proxy: authentication not supported")
	case blockengine.PutSecureDiscard:
		return nil
	default:
		blk := datablock.New(len(data))
		blk.Write(data)
		blk.SetOffset1(0)
		h := b.backend.ProcessIncoming(ctx, b.sessionID, chunkID, sourcePeerID, blk)
		return h.Wait(ctx)
	}
}

func (b *IncomingBackend) Remove(ctx context.Context, chunkID peerid.ChunkID, ignoreIfNotFound bool) error {
	return servererr.New(servererr.CodeInvalidArgument, "proxy: remove not supported")
}

// FlushPeerSessions is the closest analogue the proxy has to flushing a
// peer's cached sessions: it notifies Backend that targetPeerID
// disconnected, which is a documented no-op until the next prune tick
// observes the peer as inactive.
func (b *IncomingBackend) FlushPeerSessions(ctx context.Context, sourcePeerID, targetPeerID peerid.Peer) error {
	b.backend.PeerDisconnected(targetPeerID)
	return nil
}

func (b *IncomingBackend) HasAuthCallback() bool { return false }

func (b *IncomingBackend) IsAuthRequired(blockType wire.BlockType, cmd wire.ControlCode) bool {
	return false
}

func (b *IncomingBackend) ServerState(ctx context.Context) ([]byte, error) {
	return []byte(`{"backend":"proxy.Backend"}`), nil
}
