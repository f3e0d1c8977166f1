package blockengine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
	"github.com/myelnet/blobfabric/transport"
	"github.com/myelnet/blobfabric/wire"
)

// Client is the client-side mirror of Server (spec.md 4.B "Client-side
// mirror task"): resolve/connect, negotiate protocol version, then issue
// commands in order, honoring Ack/Err.
type Client struct {
	conn            *transport.Conn
	peerID          peerid.Peer
	sessionID       peerid.SessionID
	protocolVersion uint32
}

// NewClient wraps an already-established connection and negotiates the
// protocol version immediately, matching spec.md's "resolve/connect,
// SetProtocolVersion" ordering.
func NewClient(ctx context.Context, conn *transport.Conn, peerID peerid.Peer, clientVersion uint32) (*Client, error) {
	c := &Client{conn: conn, peerID: peerID, sessionID: peerid.NewSessionID()}
	if err := c.setProtocolVersion(clientVersion); err != nil {
		return nil, err
	}
	return c, nil
}

// Reconnect replaces the underlying connection, resetting protocolVersion
// and generating a fresh sessionId (spec.md 4.B "Reconnection resets
// protocolVersion and generates a fresh sessionId").
func (c *Client) Reconnect(conn *transport.Conn, clientVersion uint32) error {
	c.conn = conn
	c.protocolVersion = 0
	c.sessionID = peerid.NewSessionID()
	return c.setProtocolVersion(clientVersion)
}

func (c *Client) SessionID() peerid.SessionID { return c.sessionID }

func (c *Client) send(cmd wire.CommandBlock) error {
	buf, err := cmd.MarshalBinary()
	if err != nil {
		return err
	}
	return c.conn.WriteAll(buf)
}

func (c *Client) recv() (wire.CommandBlock, error) {
	buf := make([]byte, wire.Len)
	if err := c.conn.ReadExact(buf); err != nil {
		return wire.CommandBlock{}, err
	}
	var cb wire.CommandBlock
	if err := cb.UnmarshalBinary(buf); err != nil {
		return wire.CommandBlock{}, err
	}
	return cb, nil
}

// asError converts an Err-flagged response frame into a *servererr.Error.
func asError(resp wire.CommandBlock) error {
	if !resp.Flags.Has(wire.FlagErr) {
		return nil
	}
	return servererr.New(servererr.Code(resp.ErrorCode), fmt.Sprintf("%s rejected by server", resp.ControlCode))
}

func (c *Client) setProtocolVersion(version uint32) error {
	cmd := wire.CommandBlock{
		ControlCode:     wire.SetProtocolVersion,
		ProtocolVersion: version,
		PeerID:          uuid.UUID(c.peerID),
	}
	if err := c.send(cmd); err != nil {
		return err
	}
	resp, err := c.recv()
	if err != nil {
		return err
	}
	if err := asError(resp); err != nil {
		return err
	}
	c.protocolVersion = version
	return nil
}

// GetSize issues GetDataBlockSize and returns the chunk's size.
func (c *Client) GetSize(chunkID peerid.ChunkID, blockType wire.BlockType) (uint32, error) {
	cmd := wire.CommandBlock{
		ControlCode: wire.GetDataBlockSize,
		ChunkID:     uuid.UUID(chunkID),
		PeerID:      uuid.UUID(c.peerID),
		BlockType:   blockType,
	}
	if err := c.send(cmd); err != nil {
		return 0, err
	}
	resp, err := c.recv()
	if err != nil {
		return 0, err
	}
	if err := asError(resp); err != nil {
		return 0, err
	}
	return resp.ChunkSize, nil
}

// Get issues GetDataBlock for chunkID, asking the server to validate the
// loaded chunk against expectedSize (spec.md 4.B step 7). expectedSize
// should come from a prior GetSize call; 0 means the caller doesn't know
// the size yet and the server looks it up itself rather than validating it.
func (c *Client) Get(chunkID peerid.ChunkID, blockType wire.BlockType, expectedSize uint32) ([]byte, error) {
	cmd := wire.CommandBlock{
		ControlCode: wire.GetDataBlock,
		ChunkID:     uuid.UUID(chunkID),
		PeerID:      uuid.UUID(c.peerID),
		BlockType:   blockType,
		ChunkSize:   expectedSize,
	}
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	resp, err := c.recv()
	if err != nil {
		return nil, err
	}
	if err := asError(resp); err != nil {
		return nil, err
	}
	payload := make([]byte, resp.ChunkSize)
	if err := c.conn.ReadExact(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Put issues PutDataBlock: it sends the header, waits for the allocation
// ack, writes the payload, then waits for the final ack (spec.md §6
// "header, chunkSize bytes, then ack").
func (c *Client) Put(chunkID peerid.ChunkID, blockType wire.BlockType, data []byte) error {
	cmd := wire.CommandBlock{
		ControlCode: wire.PutDataBlock,
		ChunkID:     uuid.UUID(chunkID),
		PeerID:      uuid.UUID(c.peerID),
		BlockType:   blockType,
		ChunkSize:   uint32(len(data)),
	}
	if err := c.send(cmd); err != nil {
		return err
	}
	ackResp, err := c.recv()
	if err != nil {
		return err
	}
	if err := asError(ackResp); err != nil {
		return err
	}
	if err := c.conn.WriteAll(data); err != nil {
		return err
	}
	finalResp, err := c.recv()
	if err != nil {
		return err
	}
	return asError(finalResp)
}

// Remove issues RemoveDataBlock.
func (c *Client) Remove(chunkID peerid.ChunkID, ignoreIfNotFound bool) error {
	flags := wire.Flags(0)
	if ignoreIfNotFound {
		flags |= wire.FlagIgnoreIfNotFound
	}
	cmd := wire.CommandBlock{
		ControlCode: wire.RemoveDataBlock,
		ChunkID:     uuid.UUID(chunkID),
		PeerID:      uuid.UUID(c.peerID),
		Flags:       flags,
	}
	if err := c.send(cmd); err != nil {
		return err
	}
	resp, err := c.recv()
	if err != nil {
		return err
	}
	return asError(resp)
}

// FlushPeerSessions issues FlushPeerSessions for targetPeerID.
func (c *Client) FlushPeerSessions(targetPeerID peerid.Peer) error {
	cmd := wire.CommandBlock{
		ControlCode: wire.FlushPeerSessions,
		PeerID:      uuid.UUID(targetPeerID),
	}
	if err := c.send(cmd); err != nil {
		return err
	}
	resp, err := c.recv()
	if err != nil {
		return err
	}
	return asError(resp)
}
