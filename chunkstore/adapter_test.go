package chunkstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
)

func TestAdapterPutGetRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	a := NewAdapter(context.Background(), store, 4)

	session := peerid.NewSessionID()
	chunk := peerid.NewChunkID()

	in := a.Alloc(5)
	in.Write([]byte("abcde"))
	require.NoError(t, a.Put(session, chunk, in).Wait(context.Background()))

	out := a.Alloc(5)
	require.NoError(t, a.Get(session, chunk, out).Wait(context.Background()))
	require.Equal(t, "abcde", string(out.Bytes()))
}

func TestAdapterRemoveThenGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	a := NewAdapter(context.Background(), store, 4)

	session := peerid.NewSessionID()
	chunk := peerid.NewChunkID()

	blk := a.Alloc(3)
	blk.Write([]byte("abc"))
	require.NoError(t, a.Put(session, chunk, blk).Wait(context.Background()))
	require.NoError(t, a.Remove(session, chunk, false).Wait(context.Background()))

	err := a.Get(session, chunk, a.Alloc(3)).Wait(context.Background())
	require.Error(t, err)
	se, ok := err.(*servererr.Error)
	require.True(t, ok)
	require.Equal(t, servererr.CodeNoSuchFileOrDirectory, se.Code)
}

func TestAdapterRemoveTwiceErrorsWithoutIgnoreFlag(t *testing.T) {
	store := NewMemoryStore()
	a := NewAdapter(context.Background(), store, 4)
	session := peerid.NewSessionID()
	chunk := peerid.NewChunkID()

	blk := a.Alloc(1)
	blk.Write([]byte("x"))
	require.NoError(t, a.Put(session, chunk, blk).Wait(context.Background()))
	require.NoError(t, a.Remove(session, chunk, false).Wait(context.Background()))

	err := a.Remove(session, chunk, false).Wait(context.Background())
	require.Error(t, err)

	require.NoError(t, a.Remove(session, chunk, true).Wait(context.Background()))
}

func TestAdapterSizeReportsStoredLength(t *testing.T) {
	store := NewMemoryStore()
	a := NewAdapter(context.Background(), store, 4)
	session := peerid.NewSessionID()
	chunk := peerid.NewChunkID()

	blk := a.Alloc(7)
	blk.Write([]byte("abcdefg"))
	require.NoError(t, a.Put(session, chunk, blk).Wait(context.Background()))

	var n int
	require.NoError(t, a.Size(session, chunk, &n).Wait(context.Background()))
	require.Equal(t, 7, n)
}

func TestAdapterSecureAllocZeroesBuffer(t *testing.T) {
	store := NewMemoryStore()
	a := NewAdapter(context.Background(), store, 1)
	blk := a.SecureAlloc(8)
	require.Equal(t, 0, blk.Size())
	require.Equal(t, 8, blk.Capacity())
	blk.SetSize(8)
	require.Equal(t, make([]byte, 8), blk.Bytes())
}
