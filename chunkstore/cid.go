// Package chunkstore implements spec.md 4.C: a synchronous chunk store
// backed by the IPFS blockstore stack, and an async adapter in front of it
// that runs operations through a bounded, per-chunk-FIFO task queue.
package chunkstore

import (
	cid "github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/myelnet/blobfabric/peerid"
)

// chunkCID wraps a chunk's UUID as an identity-multihash CID so the chunk
// addresses freshly assigned by the packager (spec.md 4.F.2: "assigns
// each chunk a fresh UUID") can be stored in an unmodified IPFS blockstore,
// which natively keys blocks by content hash rather than by arbitrary id.
func chunkCID(id peerid.ChunkID) (cid.Cid, error) {
	h, err := mh.Sum(idBytes(id), mh.IDENTITY, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, h), nil
}

func idBytes(id peerid.ChunkID) []byte {
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = id[i]
	}
	return b
}
