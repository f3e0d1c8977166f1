package blockengine

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
	"github.com/myelnet/blobfabric/transport"
	"github.com/myelnet/blobfabric/wire"
)

// serverStateSentinelChunk is the well-known chunk id ServerState reads use
// in place of a real chunk id (spec.md SUPPLEMENTED FEATURES #1).
var serverStateSentinelChunk = peerid.ChunkID(uuid.Nil)

// Server runs the server-side half of spec.md 4.B over one connection. Its
// internal state (protocolVersion, authenticated, sessionId) is exclusive
// to the owning goroutine; spec.md's "strictly serialised per connection"
// requirement falls out of that rather than a lock.
type Server struct {
	conn         *transport.Conn
	backend      Backend
	serverPeerID peerid.Peer

	sessionID       peerid.SessionID
	protocolVersion uint32
	remotePeerID    peerid.Peer
	authenticated   bool

	blocksTransferred uint64

	// lastLoad caches the most recent Get/GetSize result so a back-to-back
	// GetDataBlockSize followed by GetDataBlock for the same chunk reuses
	// the buffer instead of loading twice (spec.md 4.B step 7).
	lastLoad struct {
		chunkID peerid.ChunkID
		data    []byte
		valid   bool
	}
}

// NewServer constructs a Server. serverPeerID is the proxy/broker's own
// identity, reported back to the client in error frames.
func NewServer(conn *transport.Conn, backend Backend, serverPeerID peerid.Peer) *Server {
	return &Server{conn: conn, backend: backend, serverPeerID: serverPeerID}
}

// Serve runs the ReadCmd/Dispatch loop until the peer closes the
// connection, the context is cancelled, or a fatal error occurs (spec.md
// 4.B "Terminal on peer close or cancellation").
func (s *Server) Serve(ctx context.Context) error {
	s.sessionID = peerid.NewSessionID()
	for {
		cmd, err := s.readCommand()
		if err != nil {
			if err == io.EOF || transport.ExpectedErrorClass(err) {
				log.Trace().Str("session", s.sessionID.String()).Err(err).Msg("blockengine: connection ended")
				return nil
			}
			return err
		}

		resp, fatal := s.dispatch(ctx, cmd)
		if fatal != nil {
			log.Error().Err(fatal).Str("session", s.sessionID.String()).Msg("blockengine: fatal server error")
			return fatal
		}
		if err := s.writeResponse(resp); err != nil {
			if transport.ExpectedErrorClass(err) {
				return nil
			}
			return err
		}
	}
}

type response struct {
	cmd     wire.CommandBlock
	payload []byte
}

func (s *Server) readCommand() (wire.CommandBlock, error) {
	buf := make([]byte, wire.Len)
	if err := s.conn.ReadExact(buf); err != nil {
		return wire.CommandBlock{}, err
	}
	var cb wire.CommandBlock
	if err := cb.UnmarshalBinary(buf); err != nil {
		return wire.CommandBlock{}, err
	}
	return cb, nil
}

func (s *Server) writeResponse(r response) error {
	hdr, err := r.cmd.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.conn.WriteAll(hdr); err != nil {
		return err
	}
	if len(r.payload) > 0 {
		return s.conn.WriteAll(r.payload)
	}
	return nil
}

func ackFrame(req wire.CommandBlock, serverPeerID peerid.Peer) response {
	req.Flags = wire.FlagAck
	req.ErrorCode = 0
	req.PeerID = uuid.UUID(serverPeerID)
	return response{cmd: req}
}

func errFrame(req wire.CommandBlock, serverPeerID peerid.Peer, code servererr.Code) response {
	req.Flags = wire.FlagAck | wire.FlagErr
	req.ErrorCode = uint32(code)
	req.PeerID = uuid.UUID(serverPeerID)
	return response{cmd: req}
}

// dispatch implements spec.md 4.B steps 3-10. The returned fatal error, if
// non-nil, means the connection must be closed (spec.md "Fatal server");
// a non-fatal problem is instead encoded into the returned response frame.
func (s *Server) dispatch(ctx context.Context, cmd wire.CommandBlock) (response, error) {
	// step 3: version gating
	if s.protocolVersion == 0 && !cmd.ControlCode.IsVersionCommand() {
		return errFrame(cmd, s.serverPeerID, servererr.CodeProtocolNotSupported), nil
	}

	switch cmd.ControlCode {
	case wire.GetProtocolVersion:
		cmd.ProtocolVersion = s.protocolVersion
		return ackFrame(cmd, s.serverPeerID), nil
	case wire.SetProtocolVersion:
		return s.handleSetVersion(cmd), nil
	}

	// step 5: authentication gate
	if s.backend.IsAuthRequired(cmd.BlockType, cmd.ControlCode) && !s.authenticated {
		return errFrame(cmd, s.serverPeerID, servererr.CodePermissionDenied), nil
	}

	// step 6: block-type validation
	if err := validateBlockType(cmd); err != nil {
		return errFrame(cmd, s.serverPeerID, servererr.CodeInvalidArgument), nil
	}
	if cmd.BlockType == wire.BlockAuthentication && !s.backend.HasAuthCallback() {
		return errFrame(cmd, s.serverPeerID, servererr.CodeInvalidArgument), nil
	}

	switch cmd.ControlCode {
	case wire.GetDataBlockSize:
		return s.handleGetSize(ctx, cmd)
	case wire.GetDataBlock:
		return s.handleGet(ctx, cmd)
	case wire.PutDataBlock:
		return s.handlePut(ctx, cmd)
	case wire.RemoveDataBlock:
		return s.handleRemove(ctx, cmd)
	case wire.FlushPeerSessions:
		return s.handleFlush(ctx, cmd)
	default:
		return errFrame(cmd, s.serverPeerID, servererr.CodeInvalidArgument), nil
	}
}

func (s *Server) handleSetVersion(cmd wire.CommandBlock) response {
	if cmd.ProtocolVersion > ServerMaxProtocolVersion {
		return errFrame(cmd, s.serverPeerID, servererr.CodeProtocolNotSupported)
	}
	s.protocolVersion = cmd.ProtocolVersion
	remote := peerid.Peer(cmd.PeerID)
	if !remote.IsNil() && remote != s.serverPeerID {
		s.remotePeerID = remote
	}
	return ackFrame(cmd, s.serverPeerID)
}

// validateBlockType implements spec.md 4.B step 6. FlushPeerSessions
// addresses a peer, not a chunk, so the chunk-presence rules below don't
// apply to it.
func validateBlockType(cmd wire.CommandBlock) error {
	if cmd.ControlCode == wire.FlushPeerSessions {
		return nil
	}
	chunkNil := peerid.ChunkID(cmd.ChunkID).IsNil()
	switch cmd.BlockType {
	case wire.BlockNormal:
		if chunkNil {
			return servererr.New(servererr.CodeInvalidArgument, "Normal block requires a non-nil chunkId")
		}
	case wire.BlockAuthentication:
		if cmd.ControlCode != wire.PutDataBlock {
			return servererr.New(servererr.CodeInvalidArgument, "Authentication block only valid on PutDataBlock")
		}
	case wire.BlockServerState:
		if cmd.ControlCode != wire.GetDataBlock && cmd.ControlCode != wire.GetDataBlockSize {
			return servererr.New(servererr.CodeInvalidArgument, "ServerState block only supports Get/GetSize")
		}
	case wire.BlockTransferOnly:
		if !chunkNil {
			return servererr.New(servererr.CodeInvalidArgument, "TransferOnly block requires a nil chunkId")
		}
	}
	return nil
}

func (s *Server) handleGetSize(ctx context.Context, cmd wire.CommandBlock) (response, error) {
	chunkID := peerid.ChunkID(cmd.ChunkID)
	data, err := s.loadCached(ctx, cmd, chunkID)
	if err != nil {
		return s.classifyLoadErr(cmd, err)
	}
	cmd.ChunkSize = uint32(len(data))
	return ackFrame(cmd, s.serverPeerID), nil
}

func (s *Server) handleGet(ctx context.Context, cmd wire.CommandBlock) (response, error) {
	chunkID := peerid.ChunkID(cmd.ChunkID)
	data, err := s.loadCached(ctx, cmd, chunkID)
	if err != nil {
		return s.classifyLoadErr(cmd, err)
	}
	cmd.ChunkSize = uint32(len(data))
	return response{cmd: ackFrame(cmd, s.serverPeerID).cmd, payload: data}, nil
}

func (s *Server) loadCached(ctx context.Context, cmd wire.CommandBlock, chunkID peerid.ChunkID) ([]byte, error) {
	if cmd.BlockType == wire.BlockServerState {
		return s.backend.ServerState(ctx)
	}
	if s.lastLoad.valid && s.lastLoad.chunkID == chunkID {
		return s.lastLoad.data, nil
	}
	data, err := s.backend.Get(ctx, chunkID, cmd.ChunkSize)
	if err != nil {
		return nil, err
	}
	s.lastLoad.chunkID = chunkID
	s.lastLoad.data = data
	s.lastLoad.valid = true
	return data, nil
}

func (s *Server) classifyLoadErr(cmd wire.CommandBlock, err error) (response, error) {
	if se, ok := err.(*servererr.Error); ok {
		return errFrame(cmd, s.serverPeerID, se.Code), nil
	}
	return response{}, err
}

func (s *Server) handlePut(ctx context.Context, cmd wire.CommandBlock) (response, error) {
	if cmd.ChunkSize == 0 {
		return errFrame(cmd, s.serverPeerID, servererr.CodeInvalidArgument), nil
	}
	// Ack the allocation before reading the payload (spec.md 4.B step 8).
	if err := s.writeResponse(ackFrame(cmd, s.serverPeerID)); err != nil {
		return response{}, err
	}
	payload := make([]byte, cmd.ChunkSize)
	if err := s.conn.ReadExact(payload); err != nil {
		return response{}, err
	}

	kind := PutNormal
	switch cmd.BlockType {
	case wire.BlockAuthentication:
		kind = PutAuthenticate
	case wire.BlockTransferOnly:
		kind = PutSecureDiscard
	}

	if err := s.backend.Put(ctx, kind, peerid.Peer(cmd.PeerID), peerid.ChunkID(cmd.ChunkID), payload); err != nil {
		if se, ok := err.(*servererr.Error); ok {
			return errFrame(cmd, s.serverPeerID, se.Code), nil
		}
		return response{}, err
	}

	s.blocksTransferred++
	s.lastLoad.valid = false
	if cmd.BlockType == wire.BlockAuthentication {
		s.authenticated = true
	}
	return ackFrame(cmd, s.serverPeerID), nil
}

func (s *Server) handleRemove(ctx context.Context, cmd wire.CommandBlock) (response, error) {
	if cmd.BlockType == wire.BlockTransferOnly {
		return ackFrame(cmd, s.serverPeerID), nil
	}
	ignoreIfNotFound := cmd.Flags.Has(wire.FlagIgnoreIfNotFound)
	err := s.backend.Remove(ctx, peerid.ChunkID(cmd.ChunkID), ignoreIfNotFound)
	s.lastLoad.valid = false
	if err != nil {
		if se, ok := err.(*servererr.Error); ok {
			return errFrame(cmd, s.serverPeerID, se.Code), nil
		}
		return response{}, err
	}
	return ackFrame(cmd, s.serverPeerID), nil
}

func (s *Server) handleFlush(ctx context.Context, cmd wire.CommandBlock) (response, error) {
	if cmd.BlockType == wire.BlockTransferOnly {
		return ackFrame(cmd, s.serverPeerID), nil
	}
	if err := s.backend.FlushPeerSessions(ctx, s.remotePeerID, peerid.Peer(cmd.PeerID)); err != nil {
		if se, ok := err.(*servererr.Error); ok {
			return errFrame(cmd, s.serverPeerID, se.Code), nil
		}
		return response{}, err
	}
	return ackFrame(cmd, s.serverPeerID), nil
}
