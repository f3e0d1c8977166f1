// Package wire implements the block-transfer command block (spec.md §3,
// §6): a fixed-size control header, serialized in network byte order, that
// precedes an optional chunk-sized payload on the wire.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ControlCode selects which block-transfer operation a command performs.
type ControlCode uint8

const (
	GetProtocolVersion ControlCode = iota + 1
	SetProtocolVersion
	GetDataBlockSize
	GetDataBlock
	PutDataBlock
	RemoveDataBlock
	FlushPeerSessions
)

func (c ControlCode) String() string {
	switch c {
	case GetProtocolVersion:
		return "GetProtocolVersion"
	case SetProtocolVersion:
		return "SetProtocolVersion"
	case GetDataBlockSize:
		return "GetDataBlockSize"
	case GetDataBlock:
		return "GetDataBlock"
	case PutDataBlock:
		return "PutDataBlock"
	case RemoveDataBlock:
		return "RemoveDataBlock"
	case FlushPeerSessions:
		return "FlushPeerSessions"
	default:
		return fmt.Sprintf("ControlCode(%d)", uint8(c))
	}
}

// Flags is the command-block flag bitfield (spec.md §6).
type Flags uint8

const (
	FlagAck Flags = 1 << iota
	FlagErr
	FlagIgnoreIfNotFound
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// BlockType selects the semantics of the chunk/payload a command carries
// (spec.md §3 "Block type").
type BlockType uint8

const (
	BlockNormal BlockType = iota
	BlockAuthentication
	BlockServerState
	BlockTransferOnly
)

func (t BlockType) String() string {
	switch t {
	case BlockNormal:
		return "Normal"
	case BlockAuthentication:
		return "Authentication"
	case BlockServerState:
		return "ServerState"
	case BlockTransferOnly:
		return "TransferOnly"
	default:
		return fmt.Sprintf("BlockType(%d)", uint8(t))
	}
}

// wireLen is the byte length of the whole CommandBlock, the
// payload-specific union included, since it is packed into the same
// fixed-width region below (16 peerId + 16 chunkId + fixed scalars).
const (
	uuidLen = 16

	// Layout (network byte order):
	//   controlCode   uint8
	//   flags         uint8
	//   blockType     uint8
	//   _pad          uint8
	//   errorCode     uint32
	//   chunkSize     uint32
	//   protocolVersion uint32
	//   protocolDataOffset uint32
	//   chunkId       [16]byte
	//   peerId        [16]byte
	wireLen = 1 + 1 + 1 + 1 + 4 + 4 + 4 + 4 + uuidLen + uuidLen
)

// Len is the exact on-wire byte length of a CommandBlock header.
const Len = wireLen

// CommandBlock is the fixed-size control header preceding an optional
// payload (spec.md §3 "Command block").
type CommandBlock struct {
	ControlCode ControlCode
	Flags       Flags
	ErrorCode   uint32
	ChunkID     uuid.UUID // nil for non-chunk operations
	ChunkSize   uint32
	PeerID      uuid.UUID // counter-party for this operation

	// payload-specific union, selected by ControlCode:
	//   GetProtocolVersion/SetProtocolVersion -> ProtocolVersion
	//   everything else                       -> BlockType/ProtocolDataOffset
	ProtocolVersion    uint32
	BlockType          BlockType
	ProtocolDataOffset uint32
}

// IsVersionCommand reports whether c is one of the two commands allowed
// before protocol negotiation completes (spec.md 4.B "Version gating").
func (c ControlCode) IsVersionCommand() bool {
	return c == GetProtocolVersion || c == SetProtocolVersion
}

// MarshalBinary encodes the header in network byte order per spec.md §6.
func (c *CommandBlock) MarshalBinary() ([]byte, error) {
	buf := make([]byte, wireLen)
	buf[0] = byte(c.ControlCode)
	buf[1] = byte(c.Flags)
	buf[2] = byte(c.BlockType)
	// buf[3] reserved/padding
	binary.BigEndian.PutUint32(buf[4:8], c.ErrorCode)
	binary.BigEndian.PutUint32(buf[8:12], c.ChunkSize)
	binary.BigEndian.PutUint32(buf[12:16], c.ProtocolVersion)
	binary.BigEndian.PutUint32(buf[16:20], c.ProtocolDataOffset)
	copy(buf[20:20+uuidLen], c.ChunkID[:])
	copy(buf[20+uuidLen:20+2*uuidLen], c.PeerID[:])
	return buf, nil
}

// UnmarshalBinary decodes a header previously produced by MarshalBinary.
func (c *CommandBlock) UnmarshalBinary(buf []byte) error {
	if len(buf) != wireLen {
		return fmt.Errorf("wire: command block must be %d bytes, got %d", wireLen, len(buf))
	}
	c.ControlCode = ControlCode(buf[0])
	c.Flags = Flags(buf[1])
	c.BlockType = BlockType(buf[2])
	c.ErrorCode = binary.BigEndian.Uint32(buf[4:8])
	c.ChunkSize = binary.BigEndian.Uint32(buf[8:12])
	c.ProtocolVersion = binary.BigEndian.Uint32(buf[12:16])
	c.ProtocolDataOffset = binary.BigEndian.Uint32(buf[16:20])
	copy(c.ChunkID[:], buf[20:20+uuidLen])
	copy(c.PeerID[:], buf[20+uuidLen:20+2*uuidLen])
	return nil
}

// Equal reports whether two command blocks are byte-identical once
// marshaled; used by tests exercising P6-style integrity checks on the
// header itself.
func (c *CommandBlock) Equal(o *CommandBlock) bool {
	a, _ := c.MarshalBinary()
	b, _ := o.MarshalBinary()
	return bytes.Equal(a, b)
}
