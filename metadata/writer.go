package metadata

import (
	"sync"

	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
)

// Writer accumulates one artifact's entries and chunks before it is saved
// (spec.md 4.G "createMetadata() -> writer"). Writes after Finalize fail;
// Finalize itself is idempotent.
type Writer struct {
	mu sync.Mutex

	order      []peerid.EntryID
	entries    map[peerid.EntryID]EntryInfo
	chunkOrder map[peerid.EntryID][]peerid.ChunkID
	chunkInfo  map[peerid.ChunkID]ChunkInfo
	chunkOwner map[peerid.ChunkID]peerid.EntryID

	finalized bool
}

// NewWriter implements spec.md 4.G "createMetadata()".
func NewWriter() *Writer {
	return &Writer{
		entries:    make(map[peerid.EntryID]EntryInfo),
		chunkOrder: make(map[peerid.EntryID][]peerid.ChunkID),
		chunkInfo:  make(map[peerid.ChunkID]ChunkInfo),
		chunkOwner: make(map[peerid.ChunkID]peerid.EntryID),
	}
}

// AddEntry records a new filesystem entry and returns its id (spec.md 4.G
// "writer.addEntry(info) -> entryId").
func (w *Writer) AddEntry(info EntryInfo) (peerid.EntryID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return peerid.EntryID{}, servererr.New(servererr.CodeInvalidArgument, "metadata: writer is finalized")
	}
	id := peerid.NewEntryID()
	w.entries[id] = info
	w.order = append(w.order, id)
	return id, nil
}

// AddChunk records a chunk belonging to entryID and returns its id
// (spec.md 4.G "writer.addChunk(entryId, chunkInfo) -> chunkId").
func (w *Writer) AddChunk(entryID peerid.EntryID, info ChunkInfo) (peerid.ChunkID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return peerid.ChunkID{}, servererr.New(servererr.CodeInvalidArgument, "metadata: writer is finalized")
	}
	if _, ok := w.entries[entryID]; !ok {
		return peerid.ChunkID{}, servererr.New(servererr.CodeInvalidArgument, "metadata: unknown entryId")
	}
	id := peerid.NewChunkID()
	w.chunkInfo[id] = info
	w.chunkOwner[id] = entryID
	w.chunkOrder[entryID] = append(w.chunkOrder[entryID], id)
	return id, nil
}

// SetFileCRC32 records the file-level CRC32 computed over an entry's
// per-chunk CRCs once all of its chunks have been added (spec.md 4.F.2
// "at end-of-input... computes file-level CRC32 over per-chunk CRCs").
func (w *Writer) SetFileCRC32(entryID peerid.EntryID, crc uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return servererr.New(servererr.CodeInvalidArgument, "metadata: writer is finalized")
	}
	info, ok := w.entries[entryID]
	if !ok {
		return servererr.New(servererr.CodeInvalidArgument, "metadata: unknown entryId")
	}
	info.FileCRC32 = crc
	w.entries[entryID] = info
	return nil
}

// Finalize makes the artifact immutable; calling it more than once is a
// no-op (spec.md 4.G "writer.finalize() (idempotent; makes the artifact
// immutable)").
func (w *Writer) Finalize() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finalized = true
}

func (w *Writer) toRecord() artifactRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec := artifactRecord{
		EntryOrder: make([]string, 0, len(w.order)),
		Entries:    make(map[string]entryRecord, len(w.entries)),
		ChunkOwner: make(map[string]string, len(w.chunkOwner)),
		ChunkInfo:  make(map[string]ChunkInfo, len(w.chunkInfo)),
		Immutable:  w.finalized,
	}
	for _, id := range w.order {
		idStr := id.String()
		rec.EntryOrder = append(rec.EntryOrder, idStr)
		er := toEntryRecord(w.entries[id])
		for _, cid := range w.chunkOrder[id] {
			er.ChunkIDs = append(er.ChunkIDs, cid.String())
		}
		rec.Entries[idStr] = er
	}
	for cid, eid := range w.chunkOwner {
		rec.ChunkOwner[cid.String()] = eid.String()
		rec.ChunkInfo[cid.String()] = w.chunkInfo[cid]
	}
	return rec
}
