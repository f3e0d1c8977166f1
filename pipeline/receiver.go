package pipeline

import (
	"github.com/rs/zerolog/log"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/metadata"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/wire"
)

// Receiver iterates an artifact's chunk ids and fetches each one (spec.md
// 4.F.4 "issues GetDataBlockSize followed by GetDataBlock, emits
// DataChunkBlock downstream").
type Receiver struct {
	pool *clientPool
	out  chan DataChunkBlock
	errc chan error
}

// NewReceiver builds a Receiver over clients.
func NewReceiver(clients []*blockengine.Client, queueDepth int) *Receiver {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Receiver{
		pool: newClientPool(clients),
		out:  make(chan DataChunkBlock, queueDepth),
		errc: make(chan error, 1),
	}
}

func (r *Receiver) Chunks() <-chan DataChunkBlock { return r.out }

func (r *Receiver) Err() error {
	select {
	case err := <-r.errc:
		return err
	default:
		return nil
	}
}

// Run fetches every chunk belonging to every entry in reader, in entry
// order, then closes Chunks(). It stops at the first chunk every client
// in the pool fails to fetch.
func (r *Receiver) Run(reader *metadata.Reader) {
	defer close(r.out)
	for _, entryID := range reader.QueryAllEntries() {
		for _, chunkID := range reader.QueryChunks(entryID) {
			data, err := r.fetch(chunkID)
			if err != nil {
				r.errc <- err
				return
			}
			r.out <- DataChunkBlock{ChunkID: chunkID, Data: data}
		}
	}
}

// fetch retries a GetDataBlockSize+GetDataBlock pair across the pool's
// clients in rotation, matching spec.md 4.F.4's "connection errors on
// individual chunks are retried through the rotating dispatch".
func (r *Receiver) fetch(chunkID peerid.ChunkID) ([]byte, error) {
	if r.pool.len() == 0 {
		return nil, errNoClients
	}
	var lastErr error
	for i := 0; i < r.pool.len(); i++ {
		c := r.pool.at(i)
		size, err := c.GetSize(chunkID, wire.BlockNormal)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("chunkId", chunkID.String()).Msg("pipeline: receiver GetDataBlockSize failed, trying next client")
			continue
		}
		data, err := c.Get(chunkID, wire.BlockNormal, size)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("chunkId", chunkID.String()).Msg("pipeline: receiver GetDataBlock failed, trying next client")
			continue
		}
		r.pool.advance()
		return data, nil
	}
	return nil, lastErr
}
