package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myelnet/blobfabric/metadata"
	"github.com/myelnet/blobfabric/task"
)

func writeTestTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello world"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("nested content"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "empty.txt"), nil, 0644))
}

func scanAndPackage(t *testing.T, root string, chunkSize int64) (*metadata.Writer, []DataChunkBlock) {
	t.Helper()
	done := make(chan struct{})
	scanner := NewScanner(root, nil, 4)
	packager := NewPackager(chunkSize, 4)

	go scanner.Run(done)
	go packager.Run(scanner.Entries())

	var chunks []DataChunkBlock
	for c := range packager.Chunks() {
		chunks = append(chunks, c)
	}
	require.NoError(t, scanner.Err())
	require.NoError(t, packager.Err())
	return packager.Writer(), chunks
}

func TestPackagerProducesChunksAndFinalizesArtifact(t *testing.T) {
	src := t.TempDir()
	writeTestTree(t, src)

	w, chunks := scanAndPackage(t, src, 4) // small chunk size forces multiple chunks

	require.NotEmpty(t, chunks)

	ctx := context.Background()
	store := metadata.NewMemoryStore()
	artifactID, err := store.Save(ctx, w)
	require.NoError(t, err)

	reader, err := store.Load(ctx, artifactID)
	require.NoError(t, err)
	require.Equal(t, 4, reader.QueryEntriesCount()) // sub/, a.txt, sub/b.txt, empty.txt

	entries := reader.QueryAllEntries()
	var sawEmptyFile, sawDir bool
	for _, id := range entries {
		info, err := reader.LoadEntryInfo(id)
		require.NoError(t, err)
		switch {
		case info.RelPath == "empty.txt":
			sawEmptyFile = true
			require.Equal(t, int64(0), info.Size)
			require.Equal(t, 0, reader.QueryChunksCount(id))
		case info.Type == metadata.EntryDirectory:
			sawDir = true
		}
	}
	require.True(t, sawEmptyFile)
	require.True(t, sawDir)
}

func TestScannerPackagerUnpackagerRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTestTree(t, src)

	w, chunks := scanAndPackage(t, src, 4)

	ctx := context.Background()
	store := metadata.NewMemoryStore()
	artifactID, err := store.Save(ctx, w)
	require.NoError(t, err)
	reader, err := store.Load(ctx, artifactID)
	require.NoError(t, err)

	parent := t.TempDir()
	target := filepath.Join(parent, "restored")
	queue := task.NewQueue(ctx, 4)
	up, err := NewUnpackager(target, SymlinkError, queue)
	require.NoError(t, err)

	chunkCh := make(chan DataChunkBlock, len(chunks))
	for _, c := range chunks {
		chunkCh <- c
	}
	close(chunkCh)

	require.NoError(t, up.Run(ctx, reader, chunkCh))

	got, err := os.ReadFile(filepath.Join(target, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	got, err = os.ReadFile(filepath.Join(target, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "nested content", string(got))

	got, err = os.ReadFile(filepath.Join(target, "empty.txt"))
	require.NoError(t, err)
	require.Empty(t, got)

	st, err := os.Stat(filepath.Join(target, "sub"))
	require.NoError(t, err)
	require.True(t, st.IsDir())
}

func TestUnpackagerRejectsExistingTarget(t *testing.T) {
	parent := t.TempDir()
	target := filepath.Join(parent, "exists")
	require.NoError(t, os.Mkdir(target, 0755))

	queue := task.NewQueue(context.Background(), 2)
	_, err := NewUnpackager(target, SymlinkError, queue)
	require.Error(t, err)
}

func TestUnpackagerRejectsRelativeTarget(t *testing.T) {
	queue := task.NewQueue(context.Background(), 2)
	_, err := NewUnpackager("relative/path", SymlinkError, queue)
	require.Error(t, err)
}

func TestUnpackagerDetectsChunkCRCMismatch(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("some content"), 0644))
	w, chunks := scanAndPackage(t, src, 1<<20)
	require.Len(t, chunks, 1)

	corrupted := chunks[0]
	corrupted.Data = append([]byte(nil), corrupted.Data...)
	corrupted.Data[0] ^= 0xff

	ctx := context.Background()
	store := metadata.NewMemoryStore()
	artifactID, err := store.Save(ctx, w)
	require.NoError(t, err)
	reader, err := store.Load(ctx, artifactID)
	require.NoError(t, err)

	parent := t.TempDir()
	target := filepath.Join(parent, "restored")
	queue := task.NewQueue(ctx, 2)
	up, err := NewUnpackager(target, SymlinkError, queue)
	require.NoError(t, err)

	chunkCh := make(chan DataChunkBlock, 1)
	chunkCh <- corrupted
	close(chunkCh)

	err = up.Run(ctx, reader, chunkCh)
	require.Error(t, err)

	_, statErr := os.Stat(target)
	require.True(t, os.IsNotExist(statErr))
}
