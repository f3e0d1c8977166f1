package dispatch

import (
	"context"
	"sync"

	"github.com/myelnet/blobfabric/blockengine"
	"github.com/myelnet/blobfabric/datablock"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/wire"
)

// ClientBlockDispatch adapts one outgoing blockengine.Client connection to
// the BlockDispatch surface a Rotating dispatch (and the proxy's
// blockClients vector, spec.md 4.E.1) expects: PushBlock issues a
// PutDataBlock carrying the block's raw bytes under a freshly minted chunk
// id, since the real broker has no use for the sender's own chunk
// identity once it has reassembled the embedded protocol envelope.
type ClientBlockDispatch struct {
	client    *blockengine.Client
	channelID peerid.Channel

	mu        sync.Mutex
	connected bool
}

// NewClientBlockDispatch wraps an already-connected client, assigning it a
// fresh channel id (spec.md §3 "Channel").
func NewClientBlockDispatch(client *blockengine.Client) *ClientBlockDispatch {
	return &ClientBlockDispatch{client: client, channelID: peerid.NewChannel(), connected: true}
}

func (d *ClientBlockDispatch) PushBlock(ctx context.Context, targetPeerID peerid.Peer, blk *datablock.Block, done CompletionFunc) error {
	err := d.client.Put(peerid.NewChunkID(), wire.BlockNormal, blk.Bytes())
	if err != nil {
		d.setConnected(false)
	}
	if done != nil {
		done(err)
	}
	return err
}

func (d *ClientBlockDispatch) ChannelID() peerid.Channel { return d.channelID }

func (d *ClientBlockDispatch) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// IsNoCopyDataBlocks reports false: PushBlock always copies blk's bytes
// into its own PutDataBlock payload rather than retaining a reference to
// the caller's block.
func (d *ClientBlockDispatch) IsNoCopyDataBlocks() bool { return false }

func (d *ClientBlockDispatch) setConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	d.mu.Unlock()
}

var _ BlockDispatch = (*ClientBlockDispatch)(nil)
