package archive

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/nxdaq/corehost/internal/daqlog"
)

// Worker buffers fragments for one output file stream (one of N per host,
// selected round-robin by distributing fragments across workers) and
// writes them out as compressed, time-bucketed chunks. Grounded on
// original_source/Compressor.cc's CompressorWorker.
type Worker struct {
	id     int
	layout *Layout
	codec  Codec
	log    *daqlog.Logger

	chunkLengthNS        int64
	chunkOverlapNS       int64
	fullChunkLengthNS    int64
	bufferNumChunks      int
	warnIfChunkOlderThan int

	mu            sync.Mutex
	buffer        map[int][]fragmentRecord
	overlapBuffer map[int][]fragmentRecord
	emptyVerified int

	minChunk atomic.Int64
	maxChunk atomic.Int64
}

type fragmentRecord struct {
	channel int
	bytes   []byte
}

// WorkerConfig collects the chunking parameters a Worker needs, all
// sourced from daqcfg.Options by the caller.
type WorkerConfig struct {
	ChunkLengthNS        int64
	ChunkOverlapNS       int64
	BufferNumChunks      int
	WarnIfChunkOlderThan int
	Compressor           string
}

// NewWorker constructs a buffering worker bound to workerID's slice of the
// on-disk layout.
func NewWorker(workerID int, layout *Layout, cfg WorkerConfig, log *daqlog.Logger) (*Worker, error) {
	codec, err := NewCodec(cfg.Compressor)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		id:                   workerID,
		layout:               layout.WithWorker(workerID),
		codec:                codec,
		log:                  log,
		chunkLengthNS:        cfg.ChunkLengthNS,
		chunkOverlapNS:       cfg.ChunkOverlapNS,
		fullChunkLengthNS:    cfg.ChunkLengthNS + cfg.ChunkOverlapNS,
		bufferNumChunks:      cfg.BufferNumChunks,
		warnIfChunkOlderThan: cfg.WarnIfChunkOlderThan,
		buffer:               make(map[int][]fragmentRecord),
		overlapBuffer:        make(map[int][]fragmentRecord),
	}
	return w, nil
}

func (w *Worker) chunkID(timeNS int64) int {
	return int(timeNS / w.fullChunkLengthNS)
}

func (w *Worker) isOverlap(chunkID int, timeNS int64) bool {
	return int64(chunkID+1)*w.fullChunkLengthNS-timeNS <= w.chunkOverlapNS
}

// AddFragment buffers one wire-format fragment and reports which chunk
// ids (if any) have crossed the buffer-depth threshold and are ready to
// be written out, mirroring CompressorWorker::AddFragmentToBuffer.
func (w *Worker) AddFragment(timeNS int64, channel int, fragment []byte) []int {
	id := w.chunkID(timeNS)
	overlap := w.isOverlap(id, timeNS)

	w.mu.Lock()
	defer w.mu.Unlock()

	minChunk := int(w.minChunk.Load())
	maxChunk := int(w.maxChunk.Load())
	if minChunk-id > w.warnIfChunkOlderThan {
		w.log.Warning("worker %d: dropping fragment from ch%d, %d chunks behind phase (%d/%d)",
			w.id, channel, minChunk-id, minChunk, maxChunk)
		return nil
	} else if id-maxChunk > 1 {
		w.log.Message("worker %d: skipped %d chunks (%d/%d/%d)",
			w.id, id-maxChunk-1, minChunk, maxChunk, id)
	}

	rec := fragmentRecord{channel: channel, bytes: fragment}
	if !overlap {
		w.buffer[id] = append(w.buffer[id], rec)
	} else {
		w.overlapBuffer[id] = append(w.overlapBuffer[id], rec)
	}

	// A single late or out-of-order fragment should not drag the buffer
	// window forward; only chunks with a real population of fragments
	// advance fMaxChunk.
	for chunkID, frags := range w.buffer {
		if len(frags) > 10 && chunkID > maxChunk {
			maxChunk = chunkID
		}
	}
	w.maxChunk.Store(int64(maxChunk))

	if maxChunk-w.bufferNumChunks < minChunk {
		return nil
	}
	writeLTE := maxChunk - w.bufferNumChunks
	w.minChunk.Store(int64(writeLTE + 1))

	var ready []int
	for chunkID := range w.buffer {
		if chunkID <= writeLTE {
			ready = append(ready, chunkID)
		}
	}
	sort.Ints(ready)
	return ready
}

// Flush returns every buffered chunk id, for use at run shutdown when the
// normal buffer-depth threshold will never trigger again on its own.
// Mirrors CompressorWorker::End.
func (w *Worker) Flush() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]int, 0, len(w.buffer)+len(w.overlapBuffer))
	for chunkID := range w.buffer {
		ids = append(ids, chunkID)
	}
	for chunkID := range w.overlapBuffer {
		if _, ok := w.buffer[chunkID]; !ok {
			ids = append(ids, chunkID)
		}
	}
	sort.Ints(ids)
	return ids
}

// WriteChunk compresses and publishes chunk id's normal buffer plus the
// overlap buffer it shares with its neighbors, and backfills any empty
// chunks skipped since the last write. Mirrors
// CompressorWorker::WriteOutChunk + CreateEmpty.
func (w *Worker) WriteChunk(id int) error {
	var normal, overlap []fragmentRecord
	w.mu.Lock()
	normal = w.buffer[id]
	overlap = w.overlapBuffer[id]
	delete(w.buffer, id)
	delete(w.overlapBuffer, id)

	if len(w.buffer) > 0 {
		min, max := minMaxKey(w.buffer)
		w.minChunk.Store(int64(min))
		w.maxChunk.Store(int64(max))
	}
	w.mu.Unlock()

	if err := w.writeVariant(id, "", normal); err != nil {
		return err
	}
	overlapBytes := concatFragments(overlap)
	if len(overlapBytes) > 0 {
		compressed, err := w.codec.Compress(overlapBytes)
		if err != nil {
			return err
		}
		if err := w.publish(id, "_post", compressed); err != nil {
			return err
		}
		if err := w.publish(id+1, "_pre", compressed); err != nil {
			return err
		}
	} else {
		if err := w.publish(id, "_post", nil); err != nil {
			return err
		}
		if err := w.publish(id+1, "_pre", nil); err != nil {
			return err
		}
	}

	return w.createEmpty(id)
}

func (w *Worker) writeVariant(id int, variant string, frags []fragmentRecord) error {
	raw := concatFragments(frags)
	if len(raw) == 0 {
		return w.publish(id, variant, nil)
	}
	compressed, err := w.codec.Compress(raw)
	if err != nil {
		return err
	}
	return w.publish(id, variant, compressed)
}

func (w *Worker) publish(id int, variant string, data []byte) error {
	collided, err := w.layout.PublishFile(id, variant, data)
	if err != nil {
		return err
	}
	if collided {
		w.log.Warning("worker %d: chunk %d%s already exists, leaving it in place", w.id, id, variant)
	}
	return nil
}

// createEmpty backfills empty placeholder files for every chunk between
// the last-verified point and id, so downstream readers never see a gap.
// Chunk 0 has no _pre sibling (there is no chunk -1).
func (w *Worker) createEmpty(upTo int) error {
	w.mu.Lock()
	start := w.emptyVerified
	w.emptyVerified = upTo
	w.mu.Unlock()

	for chunk := start; chunk < upTo; chunk++ {
		if err := w.layout.EnsureEmpty(chunk, ""); err != nil {
			return err
		}
		if chunk != 0 {
			if err := w.layout.EnsureEmpty(chunk, "_pre"); err != nil {
				return err
			}
		}
		if err := w.layout.EnsureEmpty(chunk, "_post"); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the worker's index among its host's output files.
func (w *Worker) ID() int { return w.id }

// BufferWindow reports the buffer-position atomics telemetry samples,
// mirroring CompressorWorker's fMinChunk/fMaxChunk/fEmptyVerified.
func (w *Worker) BufferWindow() (minChunk, maxChunk, emptyVerified int64) {
	w.mu.Lock()
	ev := int64(w.emptyVerified)
	w.mu.Unlock()
	return w.minChunk.Load(), w.maxChunk.Load(), ev
}

// End writes the clean-shutdown sentinel for this worker, signalling
// downstream consumers that no more chunks from it are coming.
func (w *Worker) End() error {
	return w.layout.WriteEndSentinel()
}

func concatFragments(frags []fragmentRecord) []byte {
	if len(frags) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, f := range frags {
		buf.Write(f.bytes)
	}
	return buf.Bytes()
}

func minMaxKey(m map[int][]fragmentRecord) (min, max int) {
	first := true
	for k := range m {
		if first {
			min, max = k, k
			first = false
			continue
		}
		if k < min {
			min = k
		}
		if k > max {
			max = k
		}
	}
	return min, max
}
