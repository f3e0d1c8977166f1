package metadata

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	badgerds "github.com/ipfs/go-ds-badger"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
)

// Store persists artifacts as single IPLD-CBOR nodes (spec.md 4.G
// "store.save(writer) -> artifactId", "store.load(artifactId) -> reader"),
// grounded on the teacher's `cbor.BasicIpldStore` usage
// (payments/channel.go) for CBOR-node persistence over a blockstore.
type Store struct {
	ipld *cbor.BasicIpldStore
	ids  datastore.Batching // artifactId string -> root cid string
}

// NewBadgerStore opens (or creates) a badger-backed metadata store rooted
// at dir. The CBOR-node blockstore and the artifactId index share this
// store's own badger instance under the "/metadata/blocks" and
// "/metadata/artifacts" prefixes; it does not share chunkstore's instance.
func NewBadgerStore(dir string) (*Store, error) {
	ds, err := badgerds.NewDatastore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: open badger store: %w", err)
	}
	blocksNS := namespace.Wrap(ds, datastore.NewKey("/metadata/blocks"))
	idsNS := namespace.Wrap(ds, datastore.NewKey("/metadata/artifacts"))
	bs := blockstore.NewBlockstore(blocksNS)
	return &Store{ipld: cbor.NewCborStore(bs), ids: idsNS}, nil
}

// NewMemoryStore builds an in-memory Store for tests and ephemeral runs.
func NewMemoryStore() *Store {
	ds := datastore.NewMapDatastore()
	bs := blockstore.NewBlockstore(ds)
	return &Store{ipld: cbor.NewCborStore(bs), ids: datastore.NewMapDatastore()}
}

// Save writes w's accumulated entries/chunks as one CBOR node and records
// a freshly generated, unique artifactId pointing at it (spec.md 4.G
// "Artifact ids must be unique per call to save").
func (s *Store) Save(ctx context.Context, w *Writer) (peerid.ArtifactID, error) {
	rec := w.toRecord()
	c, err := s.ipld.Put(ctx, &rec)
	if err != nil {
		return peerid.ArtifactID{}, fmt.Errorf("metadata: put artifact node: %w", err)
	}
	id := peerid.NewArtifactID()
	if err := s.ids.Put(artifactKey(id), []byte(c.String())); err != nil {
		return peerid.ArtifactID{}, fmt.Errorf("metadata: record artifactId: %w", err)
	}
	return id, nil
}

// Load resolves artifactId to its root node and returns a read-only
// Reader over it (spec.md 4.G "store.load(artifactId) -> reader").
func (s *Store) Load(ctx context.Context, id peerid.ArtifactID) (*Reader, error) {
	raw, err := s.ids.Get(artifactKey(id))
	if err != nil {
		return nil, servererr.New(servererr.CodeNoSuchFileOrDirectory, id.String())
	}
	c, err := parseCid(string(raw))
	if err != nil {
		return nil, fmt.Errorf("metadata: corrupt artifact index entry: %w", err)
	}
	var rec artifactRecord
	if err := s.ipld.Get(ctx, c, &rec); err != nil {
		return nil, fmt.Errorf("metadata: load artifact node: %w", err)
	}
	return newReader(rec), nil
}

func artifactKey(id peerid.ArtifactID) datastore.Key {
	return datastore.NewKey("/" + id.String())
}

func parseCid(s string) (cid.Cid, error) {
	return cid.Decode(s)
}
