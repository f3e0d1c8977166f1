package pipeline

import (
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/myelnet/blobfabric/metadata"
	"github.com/myelnet/blobfabric/peerid"
	"github.com/myelnet/blobfabric/servererr"
	"github.com/myelnet/blobfabric/task"
)

// SymlinkPolicy governs how the unpackager handles symlink entries on
// platforms that restrict their creation (spec.md 4.F.5 "on Windows,
// consult a policy").
type SymlinkPolicy int

const (
	SymlinkError SymlinkPolicy = iota
	SymlinkWarnAndIgnore
	SymlinkWarnAndCreateFile
	SymlinkSilentIgnore
	SymlinkSilentCreateFile
)

type fileState struct {
	mu       sync.Mutex
	f        *os.File
	info     metadata.EntryInfo
	expected int
	written  int
	failed   bool
}

// Unpackager reconstructs a directory tree from a chunk stream into
// targetPath, working inside a hidden tmp directory until success
// (spec.md 4.F.5 and 4.F "Unpackager target").
type Unpackager struct {
	targetPath    string
	symlinkPolicy SymlinkPolicy
	queue         *task.Queue

	mu    sync.Mutex
	files map[peerid.EntryID]*fileState
}

// NewUnpackager builds an Unpackager that will populate targetPath, which
// must not already exist (spec.md 4.F.6 "The target directory must not
// exist at call time and must be absolute").
func NewUnpackager(targetPath string, policy SymlinkPolicy, queue *task.Queue) (*Unpackager, error) {
	if !filepath.IsAbs(targetPath) {
		return nil, servererr.New(servererr.CodeInvalidArgument, "pipeline: unpackager target must be absolute")
	}
	if _, err := os.Lstat(targetPath); err == nil {
		return nil, servererr.New(servererr.CodeInvalidArgument, "pipeline: unpackager target already exists")
	}
	return &Unpackager{
		targetPath:    targetPath,
		symlinkPolicy: policy,
		queue:         queue,
		files:         make(map[peerid.EntryID]*fileState),
	}, nil
}

// Run drives the full scheduler contract of spec.md 4.F.5: directories
// and zero-length files first, then (once chunks has closed) symlinks,
// then a reverse-lexicographic directory-timestamp pass, then an atomic
// rename of the tmp tree onto targetPath.
func (u *Unpackager) Run(ctx context.Context, reader *metadata.Reader, chunks <-chan DataChunkBlock) (err error) {
	tmpDir, err := os.MkdirTemp(filepath.Dir(u.targetPath), "."+filepath.Base(u.targetPath)+"-tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmpDir)
		}
	}()

	var dirs, zeroFiles, nonZeroFiles, symlinks []peerid.EntryID
	for _, id := range reader.QueryAllEntries() {
		info, loadErr := reader.LoadEntryInfo(id)
		if loadErr != nil {
			return loadErr
		}
		switch info.Type {
		case metadata.EntryDirectory:
			dirs = append(dirs, id)
		case metadata.EntrySymlink:
			symlinks = append(symlinks, id)
		case metadata.EntryFile:
			if info.Size == 0 {
				zeroFiles = append(zeroFiles, id)
			} else {
				nonZeroFiles = append(nonZeroFiles, id)
			}
		}
	}

	var firstPass []*task.Handle
	for _, id := range dirs {
		id, info := id, mustLoad(reader, id)
		firstPass = append(firstPass, u.queue.Push(id.String(), func(context.Context) error {
			return u.createDir(tmpDir, info)
		}))
	}
	for _, id := range zeroFiles {
		id, info := id, mustLoad(reader, id)
		firstPass = append(firstPass, u.queue.Push(id.String(), func(context.Context) error {
			return u.createEmptyFile(tmpDir, info)
		}))
	}
	for _, id := range nonZeroFiles {
		info := mustLoad(reader, id)
		u.mu.Lock()
		u.files[id] = &fileState{info: info, expected: reader.QueryChunksCount(id)}
		u.mu.Unlock()
	}

	var chunkHandles []*task.Handle
	for chunk := range chunks {
		entryID, qerr := reader.QueryEntryID(chunk.ChunkID)
		if qerr != nil {
			return qerr
		}
		chunk := chunk
		chunkHandles = append(chunkHandles, u.queue.Push(entryID.String(), func(context.Context) error {
			return u.writeChunk(tmpDir, reader, entryID, chunk)
		}))
	}

	for _, h := range firstPass {
		if werr := h.Wait(ctx); werr != nil {
			return werr
		}
	}
	for _, h := range chunkHandles {
		if werr := h.Wait(ctx); werr != nil {
			return werr
		}
	}

	var secondPass []*task.Handle
	for _, id := range symlinks {
		id, info := id, mustLoad(reader, id)
		secondPass = append(secondPass, u.queue.Push(id.String(), func(context.Context) error {
			return u.createSymlink(tmpDir, info)
		}))
	}
	for _, h := range secondPass {
		if werr := h.Wait(ctx); werr != nil {
			return werr
		}
	}

	for _, id := range reverseLexicographicDirs(dirs, reader) {
		info := mustLoad(reader, id)
		if terr := applyTimestamp(filepath.Join(tmpDir, info.RelPath), info); terr != nil {
			return terr
		}
	}

	if err = os.Rename(tmpDir, u.targetPath); err != nil {
		return err
	}
	return nil
}

func mustLoad(reader *metadata.Reader, id peerid.EntryID) metadata.EntryInfo {
	info, _ := reader.LoadEntryInfo(id)
	return info
}

func (u *Unpackager) createDir(tmpDir string, info metadata.EntryInfo) error {
	path := filepath.Join(tmpDir, info.RelPath)
	return os.MkdirAll(path, os.FileMode(0755))
}

func (u *Unpackager) createEmptyFile(tmpDir string, info metadata.EntryInfo) error {
	path := filepath.Join(tmpDir, info.RelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(info))
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return applyTimestamp(path, info)
}

func (u *Unpackager) createSymlink(tmpDir string, info metadata.EntryInfo) error {
	path := filepath.Join(tmpDir, info.RelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		return os.Symlink(info.SymlinkTarget, path)
	}
	switch u.symlinkPolicy {
	case SymlinkError:
		return servererr.New(servererr.CodeInvalidArgument, "pipeline: symlink entries not supported on this platform")
	case SymlinkWarnAndIgnore, SymlinkSilentIgnore:
		return nil
	case SymlinkWarnAndCreateFile, SymlinkSilentCreateFile:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode(info))
		if err != nil {
			return err
		}
		return f.Close()
	default:
		return servererr.New(servererr.CodeInvalidArgument, "pipeline: unknown symlink policy")
	}
}

func (u *Unpackager) writeChunk(tmpDir string, reader *metadata.Reader, entryID peerid.EntryID, chunk DataChunkBlock) error {
	u.mu.Lock()
	st := u.files[entryID]
	u.mu.Unlock()
	if st == nil {
		return servererr.New(servererr.CodeInvalidArgument, "pipeline: chunk references unknown file entry")
	}

	chunkInfo, err := reader.LoadChunkInfo(chunk.ChunkID)
	if err != nil {
		return err
	}
	if crc32.ChecksumIEEE(chunk.Data) != chunkInfo.CRC32 {
		return servererr.New(servererr.CodeIntegrity, "pipeline: chunk CRC32 mismatch").WithAnnotation("chunkId", chunk.ChunkID.String())
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.failed {
		return servererr.New(servererr.CodeAborted, "pipeline: entry already failed")
	}

	if st.f == nil {
		path := filepath.Join(tmpDir, st.info.RelPath)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			st.failed = true
			return err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, fileMode(st.info))
		if err != nil {
			st.failed = true
			return err
		}
		st.f = f
	}

	if _, err := st.f.WriteAt(chunk.Data, int64(chunkInfo.Pos)); err != nil {
		st.failed = true
		return err
	}
	st.written++

	if st.written < st.expected {
		return nil
	}
	return u.finalizeFile(reader, entryID, st)
}

// finalizeFile verifies contiguity, totality, and the file-level CRC32
// once every expected chunk has been written (spec.md 4.F.5 "check
// contiguity ..., totality ..., and file-level CRC32 ..."; then closes the
// file and applies permissions + timestamps).
func (u *Unpackager) finalizeFile(reader *metadata.Reader, entryID peerid.EntryID, st *fileState) error {
	chunkIDs := reader.QueryChunks(entryID)
	var total uint64
	fileCRC := crc32.NewIEEE()
	var prev *metadata.ChunkInfo
	for _, cid := range chunkIDs {
		ci, err := reader.LoadChunkInfo(cid)
		if err != nil {
			st.failed = true
			return err
		}
		if prev != nil && prev.Pos+uint64(prev.Size) != ci.Pos {
			st.failed = true
			return servererr.New(servererr.CodeIntegrity, "pipeline: non-contiguous chunks")
		}
		var crcBuf [4]byte
		crcBuf[0] = byte(ci.CRC32)
		crcBuf[1] = byte(ci.CRC32 >> 8)
		crcBuf[2] = byte(ci.CRC32 >> 16)
		crcBuf[3] = byte(ci.CRC32 >> 24)
		fileCRC.Write(crcBuf[:])
		total += uint64(ci.Size)
		c := ci
		prev = &c
	}
	if total != uint64(st.info.Size) {
		st.failed = true
		return servererr.New(servererr.CodeIntegrity, "pipeline: chunk total size mismatch")
	}
	if fileCRC.Sum32() != st.info.FileCRC32 {
		st.failed = true
		return servererr.New(servererr.CodeIntegrity, "pipeline: file-level CRC32 mismatch")
	}
	if err := st.f.Close(); err != nil {
		st.failed = true
		return err
	}
	return applyTimestamp(st.f.Name(), st.info)
}

func fileMode(info metadata.EntryInfo) os.FileMode {
	mode := os.FileMode(0644)
	if info.Executable {
		mode = 0755
	}
	if info.Mode != 0 {
		mode = os.FileMode(info.Mode)
	}
	return mode
}

func applyTimestamp(path string, info metadata.EntryInfo) error {
	if info.ModTime.IsZero() {
		return nil
	}
	return os.Chtimes(path, time.Now(), info.ModTime)
}

// reverseLexicographicDirs orders directory entries so children are
// timestamped before their parents (spec.md 4.F.5 step 4).
func reverseLexicographicDirs(dirs []peerid.EntryID, reader *metadata.Reader) []peerid.EntryID {
	type dirEntry struct {
		id   peerid.EntryID
		path string
	}
	list := make([]dirEntry, 0, len(dirs))
	for _, id := range dirs {
		info := mustLoad(reader, id)
		list = append(list, dirEntry{id: id, path: info.RelPath})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].path > list[j].path })
	out := make([]peerid.EntryID, len(list))
	for i, e := range list {
		out[i] = e.id
	}
	return out
}
