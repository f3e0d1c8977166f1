// Package metadata implements spec.md 4.G: the filesystem metadata store
// backing one packaged artifact (its entries, chunk records, and the
// immutability contract finalize() imposes on them).
package metadata

import (
	"time"
)

// EntryType distinguishes the three filesystem node kinds spec.md 4.F.2/
// 4.F.5 handles (file, directory, symlink).
type EntryType int

const (
	EntryFile EntryType = iota
	EntryDirectory
	EntrySymlink
)

func (t EntryType) String() string {
	switch t {
	case EntryFile:
		return "file"
	case EntryDirectory:
		return "directory"
	case EntrySymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// EntryInfo records one filesystem entry (spec.md 4.F.2 "records type,
// relative path, size, timestamps, permission flags, symlink target").
type EntryInfo struct {
	Type              EntryType
	RelPath           string
	Size              int64
	ModTime           time.Time
	Mode              uint32 // permission bits, as os.FileMode
	Executable        bool
	SymlinkTarget     string
	DetectedMediaType string // best-effort, gabriel-vasile/mimetype; never authoritative
	// FileCRC32 is the file-level CRC32 over per-chunk CRCs, set at
	// finalize time for file entries (spec.md 4.F.2).
	FileCRC32 uint32
}

// ChunkInfo records one chunk's placement within its owning entry (spec.md
// 4.F.2 "records {pos, size, CRC32}").
type ChunkInfo struct {
	Pos   uint64
	Size  uint32
	CRC32 uint32
}

// entryRecord is the CBOR-serializable form of EntryInfo plus its chunk
// list, keyed by string ids so it round-trips through go-ipld-cbor without
// custom codegen (spec.md 4.G store.save/load).
type entryRecord struct {
	Type              int
	RelPath           string
	Size              int64
	ModUnixNano       int64
	Mode              uint32
	Executable        bool
	SymlinkTarget     string
	DetectedMediaType string
	FileCRC32         uint32
	ChunkIDs          []string // ordered chunk ids for this entry
}

// artifactRecord is the single CBOR node an artifact round-trips through
// (spec.md 4.G: one artifactId per save() call).
type artifactRecord struct {
	EntryOrder []string // entry ids in addEntry() call order
	Entries    map[string]entryRecord
	ChunkOwner map[string]string // chunkId -> entryId
	ChunkInfo  map[string]ChunkInfo
	Immutable  bool
}

func toEntryRecord(info EntryInfo) entryRecord {
	return entryRecord{
		Type:              int(info.Type),
		RelPath:           info.RelPath,
		Size:              info.Size,
		ModUnixNano:       info.ModTime.UnixNano(),
		Mode:              info.Mode,
		Executable:        info.Executable,
		SymlinkTarget:     info.SymlinkTarget,
		DetectedMediaType: info.DetectedMediaType,
		FileCRC32:         info.FileCRC32,
	}
}

func fromEntryRecord(r entryRecord) EntryInfo {
	return EntryInfo{
		Type:              EntryType(r.Type),
		RelPath:           r.RelPath,
		Size:              r.Size,
		ModTime:           time.Unix(0, r.ModUnixNano).UTC(),
		Mode:              r.Mode,
		Executable:        r.Executable,
		SymlinkTarget:     r.SymlinkTarget,
		DetectedMediaType: r.DetectedMediaType,
		FileCRC32:         r.FileCRC32,
	}
}
