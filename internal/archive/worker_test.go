package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nxdaq/corehost/internal/daqlog"
	"github.com/stretchr/testify/require"
)

func testWorker(t *testing.T, cfg WorkerConfig) (*Worker, string) {
	t.Helper()
	dir := t.TempDir()
	layout, err := NewLayout(dir, "run001", "host1")
	require.NoError(t, err)
	if cfg.Compressor == "" {
		cfg.Compressor = "lz4"
	}
	w, err := NewWorker(0, layout, cfg, daqlog.New("test"))
	require.NoError(t, err)
	return w, dir
}

func fragmentBytes(timeNS int64, channel int) []byte {
	buf := make([]byte, 26+4)
	buf[0] = byte(timeNS)
	buf[1] = byte(timeNS >> 8)
	buf[2] = byte(timeNS >> 16)
	buf[3] = byte(timeNS >> 24)
	buf[14] = byte(channel)
	buf[15] = byte(channel >> 8)
	return buf
}

// Scenario: a steady stream of fragments eventually crosses the
// buffer-depth threshold and the returned chunk ids are ready to write.
func TestAddFragmentAdvancesMaxChunkAndTriggersWrite(t *testing.T) {
	w, _ := testWorker(t, WorkerConfig{
		ChunkLengthNS:        1000,
		ChunkOverlapNS:       100,
		BufferNumChunks:      1,
		WarnIfChunkOlderThan: 1,
	})

	var ready []int
	// fullChunkLengthNS = 1100. Chunk 0 gets a few fragments but never
	// crosses the 10-fragment floor on its own; chunk 1 does, which is
	// what actually advances fMaxChunk per the original algorithm.
	for i := 0; i < 3; i++ {
		ready = w.AddFragment(int64(i), 3, fragmentBytes(int64(i), 3))
		require.Empty(t, ready)
	}
	for i := 0; i < 11; i++ {
		ready = w.AddFragment(1100+int64(i), 3, fragmentBytes(1100+int64(i), 3))
	}
	require.NotEmpty(t, ready)
	require.Contains(t, ready, 0)
}

// Scenario 2 (spec.md section 8): a fragment landing in the overlap
// window is duplicated into both the _post sibling of its own chunk and
// the _pre sibling of the next chunk.
func TestWriteChunkDuplicatesOverlapIntoPostAndPre(t *testing.T) {
	w, dir := testWorker(t, WorkerConfig{
		ChunkLengthNS:        1000,
		ChunkOverlapNS:       200,
		BufferNumChunks:      1,
		WarnIfChunkOlderThan: 1,
	})

	// fullChunkLengthNS = 1200. A timestamp within the last 200ns of chunk
	// 0's window falls in the overlap buffer.
	overlapTime := int64(1190)
	require.True(t, w.isOverlap(w.chunkID(overlapTime), overlapTime))
	w.AddFragment(overlapTime, 5, fragmentBytes(overlapTime, 5))
	w.AddFragment(50, 5, fragmentBytes(50, 5))

	require.NoError(t, w.WriteChunk(0))

	post := filepath.Join(dir, "run001", "000000_post", "host1_0")
	pre := filepath.Join(dir, "run001", "000001_pre", "host1_0")
	requireNonEmptyFile(t, post)
	requireNonEmptyFile(t, pre)
}

// Scenario 4/5 (spec.md section 8): after writing a chunk, every chunk
// strictly before it that never received any fragments is backfilled
// with empty placeholder files, and chunk 0 never gets a _pre sibling.
func TestWriteChunkBackfillsEmptyChunksButSkipsZeroPre(t *testing.T) {
	w, dir := testWorker(t, WorkerConfig{
		ChunkLengthNS:        1000,
		ChunkOverlapNS:       0,
		BufferNumChunks:      1,
		WarnIfChunkOlderThan: 100,
	})

	// Chunk 3 gets real data; chunks 0-2 are skipped entirely.
	w.AddFragment(3*1000, 1, fragmentBytes(3*1000, 1))
	require.NoError(t, w.WriteChunk(3))

	for _, id := range []int{0, 1, 2} {
		requireExistsEmpty(t, filepath.Join(dir, "run001", chunkName(id), "host1_0"))
		requireExistsEmpty(t, filepath.Join(dir, "run001", chunkName(id)+"_post", "host1_0"))
	}
	_, err := os.Stat(filepath.Join(dir, "run001", "000000_pre", "host1_0"))
	require.True(t, os.IsNotExist(err))

	for _, id := range []int{1, 2} {
		requireExistsEmpty(t, filepath.Join(dir, "run001", chunkName(id)+"_pre", "host1_0"))
	}
}

// Scenario 4 (spec.md section 8): a fragment arriving for a chunk far
// enough behind the buffer's phase is warned about and dropped rather
// than inserted.
func TestAddFragmentDropsLateFragment(t *testing.T) {
	w, _ := testWorker(t, WorkerConfig{
		ChunkLengthNS:        1000,
		ChunkOverlapNS:       100,
		BufferNumChunks:      1,
		WarnIfChunkOlderThan: 1,
	})

	// Advance minChunk past 0 by crossing the 10-fragment floor for chunk 1.
	for i := 0; i < 11; i++ {
		w.AddFragment(1100+int64(i), 3, fragmentBytes(1100+int64(i), 3))
	}
	require.EqualValues(t, 1, w.minChunk.Load())

	bufLenBefore := len(w.buffer)
	overlapLenBefore := len(w.overlapBuffer)

	lateTime := int64(-1100)
	lateID := w.chunkID(lateTime)
	require.Greater(t, int(w.minChunk.Load())-lateID, 1)
	ready := w.AddFragment(lateTime, 7, fragmentBytes(lateTime, 7))

	require.Nil(t, ready)
	require.Len(t, w.buffer, bufLenBefore)
	require.Len(t, w.overlapBuffer, overlapLenBefore)
	require.NotContains(t, w.buffer, lateID)
	require.NotContains(t, w.overlapBuffer, lateID)
}

func TestEndWritesSentinel(t *testing.T) {
	w, dir := testWorker(t, WorkerConfig{
		ChunkLengthNS: 1000, ChunkOverlapNS: 0, BufferNumChunks: 1, WarnIfChunkOlderThan: 1,
	})
	require.NoError(t, w.End())
	requireNonEmptyFile(t, filepath.Join(dir, "run001", "THE_END", "host1_0"))
}

func requireNonEmptyFile(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Greater(t, info.Size(), int64(0))
}

func requireExistsEmpty(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Zero(t, info.Size())
}
