// Package blockengine implements spec.md 4.B: the framed command/response
// state machine between a client connection and a data-chunk backend,
// including version negotiation, session identity, authentication blocks,
// and per-block flow.
package blockengine

import (
	"context"

	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/wire"
)

// ServerMaxProtocolVersion is SERVER_MAX from spec.md 4.B step 4.
const ServerMaxProtocolVersion = 1

// PutKind selects which backend operation a PutDataBlock command performs,
// chosen from the command's BlockType (spec.md 4.B step 8).
type PutKind int

const (
	PutNormal PutKind = iota
	PutAuthenticate
	PutSecureDiscard
)

// Backend is the data-chunk backend a Server dispatches commands to. It is
// implemented by chunkstore.ConnectionBackend (over a chunkstore.Adapter)
// and proxy.IncomingBackend in production, and by a fake in tests.
type Backend interface {
	GetSize(ctx context.Context, chunkID peerid.ChunkID) (uint32, error)
	Get(ctx context.Context, chunkID peerid.ChunkID, expectedSize uint32) ([]byte, error)
	Put(ctx context.Context, kind PutKind, sourcePeerID peerid.Peer, chunkID peerid.ChunkID, data []byte) error
	Remove(ctx context.Context, chunkID peerid.ChunkID, ignoreIfNotFound bool) error
	FlushPeerSessions(ctx context.Context, sourcePeerID, targetPeerID peerid.Peer) error

	// HasAuthCallback reports whether Authentication blocks are supported
	// at all (spec.md 4.B step 6: "Authentication ... backend must expose
	// an auth callback").
	HasAuthCallback() bool
	// IsAuthRequired implements spec.md 4.B step 5 / P4.
	IsAuthRequired(blockType wire.BlockType, cmd wire.ControlCode) bool
	// ServerState answers ServerState-block reads with a small descriptive
	// blob (spec.md SUPPLEMENTED FEATURES #1).
	ServerState(ctx context.Context) ([]byte, error)
}
