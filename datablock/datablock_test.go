package datablock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockWriteAndSlices(t *testing.T) {
	b := New(16)
	b.Write([]byte("payloadPROTO"))
	b.SetOffset1(7)
	require.Equal(t, "payload", string(b.Payload()))
	require.Equal(t, "PROTO", string(b.ProtocolData()))
}

func TestGrowRespectsCapacity(t *testing.T) {
	b := New(8)
	b.Write([]byte("abcd"))
	require.True(t, b.Grow([]byte("ef")))
	require.Equal(t, "abcdef", string(b.Bytes()))
	require.False(t, b.Grow([]byte("ghijk")))
}

func TestPoolCapEnforced(t *testing.T) {
	p := NewPool()
	p.Configure(ClassSmall, 64, 2)

	b1, ok := p.Get(ClassSmall)
	require.True(t, ok)
	b2, ok := p.Get(ClassSmall)
	require.True(t, ok)
	_, ok = p.Get(ClassSmall)
	require.False(t, ok)

	p.Put(b1)
	b3, ok := p.Get(ClassSmall)
	require.True(t, ok)
	require.Equal(t, 2, p.Allocated(ClassSmall))

	p.Put(b2)
	p.Put(b3)
	require.Equal(t, 0, p.Allocated(ClassSmall))
}

func TestPoolClassesIndependent(t *testing.T) {
	p := NewPool()
	p.Configure(ClassBlob, 1024, 0)
	p.Configure(ClassSmall, 64, 1)

	blob, ok := p.Get(ClassBlob)
	require.True(t, ok)
	require.Equal(t, 1024, blob.Capacity())

	small, ok := p.Get(ClassSmall)
	require.True(t, ok)
	require.Equal(t, 64, small.Capacity())
}
