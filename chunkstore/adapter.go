package chunkstore

import (
	"context"
	"fmt"

	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/task"
)

// Adapter wraps a SyncStore in a bounded task.Queue, exposing the
// asynchronous begin(operationState) -> future shape spec.md 4.C
// describes as Alloc/Get/Put/Remove/FlushPeerSessions, each running on the
// general pool (spec.md §5) rather than the I/O pool.
type Adapter struct {
	store SyncStore
	q     *task.Queue
	blobs *datablock.Pool
}

// NewAdapter wraps store with a queue capped at maxConcurrentTasks
// (spec.md 4.C "bounded global concurrency").
func NewAdapter(ctx context.Context, store SyncStore, maxConcurrentTasks int) *Adapter {
	pool := datablock.NewPool()
	pool.Configure(datablock.ClassBlob, 0, 0)
	return &Adapter{
		store: store,
		q:     task.NewQueue(ctx, maxConcurrentTasks),
		blobs: pool,
	}
}

func fifoKey(sessionID peerid.SessionID, chunkID peerid.ChunkID) string {
	return sessionID.String() + "/" + chunkID.String()
}

// Alloc returns a data block of at least capacity bytes (spec.md 4.C
// "Alloc returns a data block of at least the requested capacity").
func (a *Adapter) Alloc(capacity int) *datablock.Block {
	return datablock.New(capacity)
}

// SecureAlloc additionally zeroes the buffer (spec.md 4.C); used for
// TransferOnly blocks per spec.md 4.B step 7.
func (a *Adapter) SecureAlloc(capacity int) *datablock.Block {
	return datablock.SecureNew(capacity)
}

// Size asynchronously looks up chunkId's on-store size into out, without
// loading its data (spec.md 4.C, backing GetDataBlockSize).
func (a *Adapter) Size(sessionID peerid.SessionID, chunkID peerid.ChunkID, out *int) *task.Handle {
	return a.q.Push(fifoKey(sessionID, chunkID), func(ctx context.Context) error {
		n, err := a.store.Size(ctx, chunkID)
		if err != nil {
			return err
		}
		*out = n
		return nil
	})
}

// Get asynchronously loads chunkId's contents into blk and sets its size
// to the on-store size (spec.md 4.C "Get populates a preallocated block").
func (a *Adapter) Get(sessionID peerid.SessionID, chunkID peerid.ChunkID, blk *datablock.Block) *task.Handle {
	return a.q.Push(fifoKey(sessionID, chunkID), func(ctx context.Context) error {
		data, err := a.store.Load(ctx, chunkID)
		if err != nil {
			return err
		}
		if len(data) > blk.Capacity() {
			return fmt.Errorf("chunkstore: chunk %s (%d bytes) exceeds block capacity %d", chunkID, len(data), blk.Capacity())
		}
		blk.Write(data)
		return nil
	})
}

// Put persists blk's contents under chunkID atomically from the client's
// perspective (spec.md 4.C "Put").
func (a *Adapter) Put(sessionID peerid.SessionID, chunkID peerid.ChunkID, blk *datablock.Block) *task.Handle {
	data := append([]byte(nil), blk.Bytes()...)
	return a.q.Push(fifoKey(sessionID, chunkID), func(ctx context.Context) error {
		return a.store.Save(ctx, chunkID, data)
	})
}

// Remove deletes chunkID iff present; ignoreIfNotFound suppresses the
// not-found error (spec.md 4.C "Remove").
func (a *Adapter) Remove(sessionID peerid.SessionID, chunkID peerid.ChunkID, ignoreIfNotFound bool) *task.Handle {
	return a.q.Push(fifoKey(sessionID, chunkID), func(ctx context.Context) error {
		return a.store.Remove(ctx, chunkID, ignoreIfNotFound)
	})
}

// FlushPeerSessions instructs the store to drop any per-peer caches for
// sourcePeerID (spec.md 4.C "Command/FlushPeerSessions").
func (a *Adapter) FlushPeerSessions(sessionID peerid.SessionID, sourcePeerID peerid.Peer) *task.Handle {
	return a.q.Push("", func(ctx context.Context) error {
		return a.store.FlushPeerSessions(ctx, sourcePeerID)
	})
}

// Cancel releases the queue; the completion callback of any in-flight
// operation is never invoked after this returns (spec.md 4.C
// "Cancellation releases the operation handle").
func (a *Adapter) Cancel() {
	a.q.CancelAll(true)
}
