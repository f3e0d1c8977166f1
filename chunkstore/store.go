package chunkstore

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	datastore "github.com/ipfs/go-datastore"
	namespace "github.com/ipfs/go-datastore/namespace"
	badger "github.com/ipfs/go-ds-badger"

	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
)

// SyncStore is the synchronous chunk store the async adapter wraps
// (spec.md 4.C: "{save, load, remove, flush, secureAlloc, secureDiscard}").
type SyncStore interface {
	Save(ctx context.Context, id peerid.ChunkID, data []byte) error
	Load(ctx context.Context, id peerid.ChunkID) ([]byte, error)
	// Size reports id's on-store size without loading its data, backing
	// GetDataBlockSize (spec.md 4.B step 7).
	Size(ctx context.Context, id peerid.ChunkID) (int, error)
	Remove(ctx context.Context, id peerid.ChunkID, ignoreIfNotFound bool) error
	Flush(ctx context.Context) error
	// FlushPeerSessions drops any per-peer caches for sourcePeerId
	// (spec.md 4.C "Command/FlushPeerSessions").
	FlushPeerSessions(ctx context.Context, sourcePeerID peerid.Peer) error
}

// BlockstoreSyncStore implements SyncStore over an ipfs-blockstore backed
// by badger, grounded on node/popn.go's `badgerds`/`blockstore`/`datastore`
// wiring.
type BlockstoreSyncStore struct {
	bs          blockstore.Blockstore
	peerCaches  map[peerid.Peer]struct{} // per-peer entries; FlushPeerSessions deletes one, nothing here adds any
}

// NewBadgerStore opens (or creates) a badger-backed blockstore rooted at
// dir, namespaced under "/chunks" the way node/popn.go namespaces its
// datastore per concern.
func NewBadgerStore(dir string) (*BlockstoreSyncStore, error) {
	ds, err := badger.NewDatastore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open badger store: %w", err)
	}
	ns := namespace.Wrap(ds, datastore.NewKey("chunks"))
	bs := blockstore.NewBlockstore(ns)
	return &BlockstoreSyncStore{bs: bs, peerCaches: make(map[peerid.Peer]struct{})}, nil
}

// NewMemoryStore returns an in-memory store, useful for tests and for the
// proxy's own transient state.
func NewMemoryStore() *BlockstoreSyncStore {
	ds := datastore.NewMapDatastore()
	bs := blockstore.NewBlockstore(ds)
	return &BlockstoreSyncStore{bs: bs, peerCaches: make(map[peerid.Peer]struct{})}
}

func (s *BlockstoreSyncStore) Save(ctx context.Context, id peerid.ChunkID, data []byte) error {
	c, err := chunkCID(id)
	if err != nil {
		return err
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return err
	}
	return s.bs.Put(blk)
}

func (s *BlockstoreSyncStore) Load(ctx context.Context, id peerid.ChunkID) ([]byte, error) {
	c, err := chunkCID(id)
	if err != nil {
		return nil, err
	}
	blk, err := s.bs.Get(c)
	if err != nil {
		if err == blockstore.ErrNotFound {
			return nil, servererr.New(servererr.CodeNoSuchFileOrDirectory, id.String())
		}
		return nil, err
	}
	return blk.RawData(), nil
}

func (s *BlockstoreSyncStore) Size(ctx context.Context, id peerid.ChunkID) (int, error) {
	c, err := chunkCID(id)
	if err != nil {
		return 0, err
	}
	n, err := s.bs.GetSize(c)
	if err != nil {
		if err == blockstore.ErrNotFound {
			return 0, servererr.New(servererr.CodeNoSuchFileOrDirectory, id.String())
		}
		return 0, err
	}
	return n, nil
}

func (s *BlockstoreSyncStore) Remove(ctx context.Context, id peerid.ChunkID, ignoreIfNotFound bool) error {
	c, err := chunkCID(id)
	if err != nil {
		return err
	}
	has, err := s.bs.Has(c)
	if err != nil {
		return err
	}
	if !has {
		if ignoreIfNotFound {
			return nil
		}
		return servererr.New(servererr.CodeNoSuchFileOrDirectory, id.String())
	}
	return s.bs.DeleteBlock(c)
}

func (s *BlockstoreSyncStore) Flush(ctx context.Context) error {
	return nil
}

func (s *BlockstoreSyncStore) FlushPeerSessions(ctx context.Context, sourcePeerID peerid.Peer) error {
	delete(s.peerCaches, sourcePeerID)
	return nil
}
