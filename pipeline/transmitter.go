package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
	"github.com/myelnet/blobfabric/task"
	"github.com/myelnet/blobfabric/wire"
)

var errNoClients = servererr.New(servererr.CodeFatal, "pipeline: no block-transfer clients configured")

// Transmitter issues PutDataBlock for each incoming DataChunkBlock through
// a pool of block-transfer clients (spec.md 4.F.3).
type Transmitter struct {
	pool     *clientPool
	queue    *task.Queue
	ctx      Context
	onFailed func(peerid.ChunkID, error)
}

// NewTransmitter builds a Transmitter over clients, running puts on queue
// (spec.md 4.F.3's "pool of block-transfer clients (size = configured
// connections)" maps to len(clients), and
// task.Queue supplies the bounded concurrency §5 requires).
func NewTransmitter(clients []*blockengine.Client, queue *task.Queue, ctx Context) *Transmitter {
	return &Transmitter{pool: newClientPool(clients), queue: queue, ctx: ctx}
}

// OnFailed registers a callback invoked (from the queue's goroutine) for
// every chunk whose Put ultimately fails.
func (t *Transmitter) OnFailed(fn func(peerid.ChunkID, error)) { t.onFailed = fn }

// Run submits one task.Queue job per incoming chunk and returns once
// chunks is drained and every submitted job has settled (spec.md 4.F
// "upstream completion flows as an end-of-input signal downstream").
func (t *Transmitter) Run(ctx context.Context, chunks <-chan DataChunkBlock) error {
	var handles []*task.Handle
	var chunkIDs []peerid.ChunkID
	for chunk := range chunks {
		chunk := chunk
		handles = append(handles, t.queue.Push(chunk.ChunkID.String(), func(jctx context.Context) error {
			return t.put(jctx, chunk)
		}))
		chunkIDs = append(chunkIDs, chunk.ChunkID)
	}
	var firstErr error
	for i, h := range handles {
		if err := h.Wait(ctx); err != nil {
			if t.onFailed != nil {
				t.onFailed(chunkIDs[i], err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *Transmitter) put(ctx context.Context, chunk DataChunkBlock) error {
	if t.pool.len() == 0 {
		return errNoClients
	}
	var lastErr error
	for i := 0; i < t.pool.len(); i++ {
		c := t.pool.at(i)
		err := c.Put(chunk.ChunkID, wire.BlockNormal, chunk.Data)
		if err == nil {
			t.pool.advance()
			return nil
		}
		lastErr = err
		log.Debug().Err(err).Str("chunkId", chunk.ChunkID.String()).Msg("pipeline: transmitter put failed, trying next client")
		if t.ctx.TrackPeerSessions {
			_ = c.FlushPeerSessions(t.ctx.TargetPeer)
		}
	}
	return lastErr
}
