// Package pipeline implements spec.md 4.F: the reactive graph of chunk
// pipeline units (scanner, packager, transmitter, receiver, unpackager,
// deleter) that move a directory tree in and out of the block-transfer
// fabric as content-addressed chunks.
package pipeline

import (
	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/peerid"
)

// DataChunkBlock is the unit the pipeline's stages pass to one another
// (spec.md 4.F.2 "emits DataChunkBlock{chunkId, data} downstream").
type DataChunkBlock struct {
	ChunkID peerid.ChunkID
	Data    []byte
}

// Context is the send context a Transmitter is built with: the target peer
// and the peer-session-tracking switch. The other stages do not take one;
// concurrency comes from the task.Queue a stage is given and the number of
// connections from its client slice. Unlike the
// proxy's dispatch.Rotating (which pushes to downstream broker channels),
// the pipeline pulls from/pushes to a fixed pool of block-transfer
// clients it owns directly, so it round-robins over *blockengine.Client
// rather than a dispatch.BlockDispatch.
type Context struct {
	// TargetPeer is the logical peer id chunk operations are addressed to.
	TargetPeer peerid.Peer
	// TrackPeerSessions enables FlushPeerSessions-on-error (spec.md 4.F.3
	// "Optionally marks the stream as peer-session-tracking").
	TrackPeerSessions bool
}

// clientPool is a small fixed-size round-robin pool of block-transfer
// clients, sized to the configured number of connections (spec.md 4.F.3
// "a pool of block-transfer clients (size = configured connections)").
// Its rotation plays the same role spec.md 4.F.4 calls "retried through
// the rotating dispatch": a connection error advances to the next
// client instead of failing the whole stage.
type clientPool struct {
	clients []*blockengine.Client
	next    uint64
}

func newClientPool(clients []*blockengine.Client) *clientPool {
	return &clientPool{clients: clients}
}

func (p *clientPool) len() int { return len(p.clients) }

// at returns the i'th client in rotation order starting from the
// pool's current position, without advancing it; callers advance
// explicitly via advance() once an attempt has been made.
func (p *clientPool) at(i int) *blockengine.Client {
	return p.clients[(int(p.next)+i)%len(p.clients)]
}

func (p *clientPool) advance() { p.next++ }
