package chunkstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
	"github.com/myelnet/blobfabric/wire"
)

func TestConnectionBackendPutGetRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(context.Background(), store, 4)
	backend := NewConnectionBackend(adapter)

	ctx := context.Background()
	chunk := peerid.NewChunkID()
	peer := peerid.NewPeer()

	require.NoError(t, backend.Put(ctx, blockengine.PutNormal, peer, chunk, []byte("hello")))

	size, err := backend.GetSize(ctx, chunk)
	require.NoError(t, err)
	require.Equal(t, uint32(5), size)

	data, err := backend.Get(ctx, chunk, size)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestConnectionBackendGetRejectsSizeMismatch(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(context.Background(), store, 4)
	backend := NewConnectionBackend(adapter)

	ctx := context.Background()
	chunk := peerid.NewChunkID()
	require.NoError(t, backend.Put(ctx, blockengine.PutNormal, peerid.NewPeer(), chunk, []byte("hello")))

	_, err := backend.Get(ctx, chunk, 999)
	require.Error(t, err)
	se, ok := err.(*servererr.Error)
	require.True(t, ok)
	require.Equal(t, servererr.CodeIntegrity, se.Code)
}

func TestConnectionBackendGetWithoutExpectedSize(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(context.Background(), store, 4)
	backend := NewConnectionBackend(adapter)

	ctx := context.Background()
	chunk := peerid.NewChunkID()
	require.NoError(t, backend.Put(ctx, blockengine.PutNormal, peerid.NewPeer(), chunk, []byte("abcdefgh")))

	data, err := backend.Get(ctx, chunk, 0)
	require.NoError(t, err)
	require.Equal(t, "abcdefgh", string(data))
}

func TestConnectionBackendPutSecureDiscardNeverPersists(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(context.Background(), store, 4)
	backend := NewConnectionBackend(adapter)

	ctx := context.Background()
	chunk := peerid.NewChunkID()
	require.NoError(t, backend.Put(ctx, blockengine.PutSecureDiscard, peerid.NewPeer(), chunk, []byte("secret")))

	_, err := backend.GetSize(ctx, chunk)
	require.Error(t, err)
}

func TestConnectionBackendPutAuthenticateRunsCallback(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(context.Background(), store, 4)
	backend := NewConnectionBackend(adapter)

	var gotPeer peerid.Peer
	var gotCreds []byte
	backend.RequireAuth(func(ctx context.Context, sourcePeerID peerid.Peer, credentials []byte) error {
		gotPeer = sourcePeerID
		gotCreds = credentials
		return nil
	}, nil)

	require.True(t, backend.HasAuthCallback())

	peer := peerid.NewPeer()
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, blockengine.PutAuthenticate, peer, peerid.NewChunkID(), []byte("token")))
	require.Equal(t, peer, gotPeer)
	require.Equal(t, "token", string(gotCreds))
}

func TestConnectionBackendIsAuthRequiredDefaultPolicy(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(context.Background(), store, 4)
	backend := NewConnectionBackend(adapter)

	// no callback configured: auth is never required.
	require.False(t, backend.IsAuthRequired(wire.BlockNormal, wire.GetDataBlock))

	backend.RequireAuth(func(context.Context, peerid.Peer, []byte) error { return nil }, nil)
	require.True(t, backend.IsAuthRequired(wire.BlockNormal, wire.GetDataBlock))
	require.False(t, backend.IsAuthRequired(wire.BlockAuthentication, wire.PutDataBlock))
}

func TestConnectionBackendRemove(t *testing.T) {
	store := NewMemoryStore()
	adapter := NewAdapter(context.Background(), store, 4)
	backend := NewConnectionBackend(adapter)

	ctx := context.Background()
	chunk := peerid.NewChunkID()
	require.NoError(t, backend.Put(ctx, blockengine.PutNormal, peerid.NewPeer(), chunk, []byte("x")))
	require.NoError(t, backend.Remove(ctx, chunk, false))

	_, err := backend.GetSize(ctx, chunk)
	require.Error(t, err)
}
