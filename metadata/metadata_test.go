package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/myelnet/blobfabric/peerid"
)

func TestWriterFinalizeRejectsFurtherWrites(t *testing.T) {
	w := NewWriter()
	eid, err := w.AddEntry(EntryInfo{RelPath: "a.txt", Size: 10})
	require.NoError(t, err)

	w.Finalize()
	w.Finalize() // idempotent

	_, err = w.AddEntry(EntryInfo{RelPath: "b.txt"})
	require.Error(t, err)

	_, err = w.AddChunk(eid, ChunkInfo{Pos: 0, Size: 10})
	require.Error(t, err)
}

func TestWriterAddChunkRejectsUnknownEntry(t *testing.T) {
	w := NewWriter()
	_, err := w.AddChunk(peerid.NewEntryID(), ChunkInfo{Size: 4})
	require.Error(t, err)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	w := NewWriter()
	fileEntry, err := w.AddEntry(EntryInfo{
		Type:    EntryFile,
		RelPath: "dir/file.bin",
		Size:    8,
		ModTime: time.Unix(1700000000, 0).UTC(),
	})
	require.NoError(t, err)
	dirEntry, err := w.AddEntry(EntryInfo{Type: EntryDirectory, RelPath: "dir"})
	require.NoError(t, err)

	c1, err := w.AddChunk(fileEntry, ChunkInfo{Pos: 0, Size: 4, CRC32: 0xdead})
	require.NoError(t, err)
	c2, err := w.AddChunk(fileEntry, ChunkInfo{Pos: 4, Size: 4, CRC32: 0xbeef})
	require.NoError(t, err)
	w.Finalize()

	id, err := s.Save(ctx, w)
	require.NoError(t, err)

	r, err := s.Load(ctx, id)
	require.NoError(t, err)

	require.Equal(t, 2, r.QueryEntriesCount())
	entries := r.QueryAllEntries()
	require.ElementsMatch(t, []peerid.EntryID{fileEntry, dirEntry}, entries)

	info, err := r.LoadEntryInfo(fileEntry)
	require.NoError(t, err)
	require.Equal(t, "dir/file.bin", info.RelPath)
	require.Equal(t, int64(8), info.Size)

	require.Equal(t, 2, r.QueryChunksCount(fileEntry))
	require.Equal(t, 0, r.QueryChunksCount(dirEntry))
	require.Equal(t, []peerid.ChunkID{c1, c2}, r.QueryChunks(fileEntry))

	owner, err := r.QueryEntryID(c1)
	require.NoError(t, err)
	require.Equal(t, fileEntry, owner)

	ci, err := r.LoadChunkInfo(c2)
	require.NoError(t, err)
	require.Equal(t, uint64(4), ci.Pos)
	require.Equal(t, uint32(0xbeef), ci.CRC32)
}

func TestStoreSaveProducesUniqueArtifactIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	w1 := NewWriter()
	w1.Finalize()
	id1, err := s.Save(ctx, w1)
	require.NoError(t, err)

	w2 := NewWriter()
	w2.Finalize()
	id2, err := s.Save(ctx, w2)
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
}

func TestStoreLoadUnknownArtifactFails(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Load(context.Background(), peerid.NewArtifactID())
	require.Error(t, err)
}
