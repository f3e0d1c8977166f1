package metadata

import (
	"github.com/google/uuid"

	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
)

// Reader is a read-only view over a saved artifact, implementing spec.md
// 4.G's query surface (queryAllEntries, loadEntryInfo, queryChunksCount,
// queryEntryId, loadChunkInfo, queryEntriesCount).
type Reader struct {
	order      []peerid.EntryID
	entries    map[peerid.EntryID]EntryInfo
	chunkOrder map[peerid.EntryID][]peerid.ChunkID
	chunkInfo  map[peerid.ChunkID]ChunkInfo
	chunkOwner map[peerid.ChunkID]peerid.EntryID
}

func newReader(rec artifactRecord) *Reader {
	r := &Reader{
		order:      make([]peerid.EntryID, 0, len(rec.EntryOrder)),
		entries:    make(map[peerid.EntryID]EntryInfo, len(rec.Entries)),
		chunkOrder: make(map[peerid.EntryID][]peerid.ChunkID),
		chunkInfo:  make(map[peerid.ChunkID]ChunkInfo, len(rec.ChunkInfo)),
		chunkOwner: make(map[peerid.ChunkID]peerid.EntryID, len(rec.ChunkOwner)),
	}
	for _, idStr := range rec.EntryOrder {
		eid, err := parseEntryID(idStr)
		if err != nil {
			continue
		}
		r.order = append(r.order, eid)
		er := rec.Entries[idStr]
		r.entries[eid] = fromEntryRecord(er)
		for _, cidStr := range er.ChunkIDs {
			cid, err := parseChunkID(cidStr)
			if err != nil {
				continue
			}
			r.chunkOrder[eid] = append(r.chunkOrder[eid], cid)
		}
	}
	for cidStr, eidStr := range rec.ChunkOwner {
		cid, err := parseChunkID(cidStr)
		if err != nil {
			continue
		}
		eid, err := parseEntryID(eidStr)
		if err != nil {
			continue
		}
		r.chunkOwner[cid] = eid
		r.chunkInfo[cid] = rec.ChunkInfo[cidStr]
	}
	return r
}

// QueryAllEntries returns every entry id in addEntry() call order.
func (r *Reader) QueryAllEntries() []peerid.EntryID {
	out := make([]peerid.EntryID, len(r.order))
	copy(out, r.order)
	return out
}

// QueryEntriesCount returns the number of entries in the artifact.
func (r *Reader) QueryEntriesCount() int { return len(r.order) }

// LoadEntryInfo returns the recorded info for entryID.
func (r *Reader) LoadEntryInfo(entryID peerid.EntryID) (EntryInfo, error) {
	info, ok := r.entries[entryID]
	if !ok {
		return EntryInfo{}, servererr.New(servererr.CodeNoSuchFileOrDirectory, entryID.String())
	}
	return info, nil
}

// QueryChunksCount returns how many chunks entryID owns, in order.
func (r *Reader) QueryChunksCount(entryID peerid.EntryID) int {
	return len(r.chunkOrder[entryID])
}

// QueryChunks returns entryID's chunk ids in their original addChunk() order.
func (r *Reader) QueryChunks(entryID peerid.EntryID) []peerid.ChunkID {
	chunks := r.chunkOrder[entryID]
	out := make([]peerid.ChunkID, len(chunks))
	copy(out, chunks)
	return out
}

// QueryEntryID returns the owning entry id for chunkID.
func (r *Reader) QueryEntryID(chunkID peerid.ChunkID) (peerid.EntryID, error) {
	eid, ok := r.chunkOwner[chunkID]
	if !ok {
		return peerid.EntryID{}, servererr.New(servererr.CodeNoSuchFileOrDirectory, chunkID.String())
	}
	return eid, nil
}

// LoadChunkInfo returns the recorded placement info for chunkID.
func (r *Reader) LoadChunkInfo(chunkID peerid.ChunkID) (ChunkInfo, error) {
	info, ok := r.chunkInfo[chunkID]
	if !ok {
		return ChunkInfo{}, servererr.New(servererr.CodeNoSuchFileOrDirectory, chunkID.String())
	}
	return info, nil
}

func parseEntryID(s string) (peerid.EntryID, error) {
	u, err := uuid.Parse(s)
	return peerid.EntryID(u), err
}

func parseChunkID(s string) (peerid.ChunkID, error) {
	u, err := uuid.Parse(s)
	return peerid.ChunkID(u), err
}
