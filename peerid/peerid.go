// Package peerid defines the 128-bit identifiers used throughout blobfabric
// (spec.md §3 "Peer", "Channel") and the endpoint-list expansion rule used
// to align a client's connection pool across reconnects (spec.md 4.D.2).
package peerid

import (
	"github.com/google/uuid"
)

// Peer identifies a logical participant in the messaging fabric.
type Peer uuid.UUID

// Nil is the zero Peer, used where spec.md allows chunkId/peerId to be nil
// (non-chunk operations, unset remote peer before SetProtocolVersion).
var Nil Peer

// NewPeer returns a freshly generated logical peer id.
func NewPeer() Peer { return Peer(uuid.New()) }

func (p Peer) String() string  { return uuid.UUID(p).String() }
func (p Peer) IsNil() bool     { return p == Nil }
func ParsePeer(s string) (Peer, error) {
	u, err := uuid.Parse(s)
	return Peer(u), err
}

// Channel identifies one outbound connection from a proxy to the real
// broker (spec.md §3 "Channel"). A nil Channel is forbidden inside the
// proxy's rotating dispatch (spec.md §9 Open Questions).
type Channel uuid.UUID

var ChannelNil Channel

func NewChannel() Channel { return Channel(uuid.New()) }

func (c Channel) String() string { return uuid.UUID(c).String() }
func (c Channel) IsNil() bool    { return c == ChannelNil }

// ChunkID identifies a contiguous slice of file content (spec.md §3 "Chunk").
type ChunkID uuid.UUID

var ChunkNil ChunkID

func NewChunkID() ChunkID { return ChunkID(uuid.New()) }

func (c ChunkID) String() string { return uuid.UUID(c).String() }
func (c ChunkID) IsNil() bool    { return c == ChunkNil }

// EntryID identifies a file/directory/symlink entry inside a filesystem
// metadata artifact (spec.md §3).
type EntryID uuid.UUID

func NewEntryID() EntryID { return EntryID(uuid.New()) }
func (e EntryID) String() string { return uuid.UUID(e).String() }

// ArtifactID identifies one saved filesystem-metadata artifact (spec.md 4.G).
type ArtifactID uuid.UUID

func NewArtifactID() ArtifactID { return ArtifactID(uuid.New()) }
func (a ArtifactID) String() string { return uuid.UUID(a).String() }
func ParseArtifactID(s string) (ArtifactID, error) {
	u, err := uuid.Parse(s)
	return ArtifactID(u), err
}

// SessionID identifies one server-side connection instance; regenerated on
// reconnect (spec.md 4.B "Initial").
type SessionID uuid.UUID

func NewSessionID() SessionID { return SessionID(uuid.New()) }
func (s SessionID) String() string { return uuid.UUID(s).String() }

// ExpandEndpoints implements spec.md 4.D.2: given a non-empty endpoint list
// E and a requested count n, it returns a slice of length
// ceil(n/len(E))*len(E) (at least len(E)) built by round-robin repetition of
// E, so reconnects align against a stable, evenly distributed pool.
func ExpandEndpoints(endpoints []string, n int) []string {
	if len(endpoints) == 0 {
		return nil
	}
	if n < len(endpoints) {
		n = len(endpoints)
	}
	reps := (n + len(endpoints) - 1) / len(endpoints)
	out := make([]string, 0, reps*len(endpoints))
	for i := 0; i < reps; i++ {
		out = append(out, endpoints...)
	}
	return out
}
