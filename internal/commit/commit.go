// Package commit implements the commit coordinator described in spec §4.8:
// the seven totally-ordered, crash-safe steps that advance an MV2S file
// from generation G to G+1, and the "vector index must be staged before
// committing embeddings" ordering invariant.
//
// There is no teacher analog for this coordinator — akashi has no
// multi-structure, crash-safe commit protocol of its own — so this package
// is original engineering against spec §4.8, built out of the primitives
// (wal, frame, format, footerscan-shaped layout) the rest of this module
// already implements in the teacher's idiom.
package commit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wax-db/wax/internal/codec"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/fsio"
	"github.com/wax-db/wax/internal/frame"
	"github.com/wax-db/wax/internal/lexindex"
	"github.com/wax-db/wax/internal/vectorindex"
	"github.com/wax-db/wax/internal/wal"
	"github.com/wax-db/wax/internal/waxerr"
	"github.com/wax-db/wax/internal/xsum"
	"go.opentelemetry.io/otel/metric"
)

// State is the durable layout state a Coordinator needs to pick up after
// opening an existing file (recovered from header-page selection, the
// footer scan, and TOC decode — spec §4.4-§4.7).
type State struct {
	Generation           uint64
	HeaderSelected       int // 0 = page A, 1 = page B
	HeaderPageGeneration uint64
	WALOffset            uint64
	WALSize              uint64
	CommittedFrames      []format.FrameMeta
	CommittedSegments    []format.Segment
	LexManifest          *format.LexManifest
	VectorManifest       *format.VectorManifest
	TimeIndexManifest    *format.TimeIndexManifest
}

// Config assembles a Coordinator from the already-open primitives: the
// file, the WAL ring, the frame store, and the optional lex/vector
// indexes enabled for this engine.
type Config struct {
	File   *os.File
	WAL    *wal.WAL
	Frames *frame.Store
	Lex    *lexindex.Index    // nil if full-text search is disabled
	Vector vectorindex.Engine // nil if vector search is disabled
	Logger *slog.Logger
	Meter  metric.Meter // nil disables instrument registration
	State  State
}

// Coordinator owns the totally-ordered commit sequence for one open MV2S
// file. All exported methods are safe to call from the single writer
// goroutine; Wax's concurrency model (spec §5) keeps this single-threaded
// by construction, so the coordinator only guards against accidental
// concurrent Commit calls, not general concurrent mutation.
type Coordinator struct {
	file   *os.File
	w      *wal.WAL
	frames *frame.Store
	lex    *lexindex.Index
	vec    vectorindex.Engine
	logger *slog.Logger

	mu sync.Mutex

	generation           uint64
	headerSelected       int
	headerPageGeneration uint64
	walOffset            uint64
	walSize              uint64

	committedFrames   []format.FrameMeta
	committedSegments []format.Segment
	lexManifest       *format.LexManifest
	vectorManifest    *format.VectorManifest
	timeIndexManifest *format.TimeIndexManifest

	pendingEmbeddingMutations bool
	vectorStaged              bool
	stagedVectorBlob          []byte

	commitDuration metric.Float64Histogram
}

// New constructs a Coordinator from an already-assembled Config.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{
		file:                 cfg.File,
		w:                    cfg.WAL,
		frames:               cfg.Frames,
		lex:                  cfg.Lex,
		vec:                  cfg.Vector,
		logger:               cfg.Logger,
		generation:           cfg.State.Generation,
		headerSelected:       cfg.State.HeaderSelected,
		headerPageGeneration: cfg.State.HeaderPageGeneration,
		walOffset:            cfg.State.WALOffset,
		walSize:              cfg.State.WALSize,
		committedFrames:      append([]format.FrameMeta(nil), cfg.State.CommittedFrames...),
		committedSegments:    append([]format.Segment(nil), cfg.State.CommittedSegments...),
		lexManifest:          cfg.State.LexManifest,
		vectorManifest:       cfg.State.VectorManifest,
		timeIndexManifest:    cfg.State.TimeIndexManifest,
	}
	if cfg.Meter != nil {
		hist, err := cfg.Meter.Float64Histogram("wax.commit.duration",
			metric.WithDescription("duration of a successful commit, in milliseconds"),
			metric.WithUnit("ms"))
		if err != nil {
			return nil, fmt.Errorf("commit: register wax.commit.duration: %w", err)
		}
		c.commitDuration = hist

		_, err = cfg.Meter.Int64ObservableGauge("wax.commit.generation",
			metric.WithDescription("the highest committed generation"),
			metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
				c.mu.Lock()
				g := c.generation
				c.mu.Unlock()
				obs.Observe(int64(g)) //nolint:gosec // generation is a monotonic counter, not adversarial input
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("commit: register wax.commit.generation: %w", err)
		}
	}
	return c, nil
}

// Generation reports the highest successfully committed generation.
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// RecordEmbedding adds vector to the vector engine and records a WAL
// embedding-put mutation. Recording a new embedding invalidates any prior
// StageVector call for this commit cycle, since the engine's in-memory
// state (and thus what a stale staged blob represents) has changed.
func (c *Coordinator) RecordEmbedding(ctx context.Context, frameID int64, vector []float32) error {
	if c.vec == nil {
		return waxerr.New(waxerr.KindEncodingError, "commit.record_embedding", fmt.Errorf("vector search is not enabled for this engine"))
	}
	if err := c.vec.Add(frameID, vector); err != nil {
		return waxerr.Wrap("commit.record_embedding", err)
	}
	if _, err := c.w.Append(ctx, wal.PayloadEmbeddingPut, encodeEmbeddingRecord(frameID, vector)); err != nil {
		return waxerr.Wrap("commit.record_embedding", err)
	}
	c.mu.Lock()
	c.pendingEmbeddingMutations = true
	c.vectorStaged = false
	c.stagedVectorBlob = nil
	c.mu.Unlock()
	return nil
}

// StageVector explicitly stages the vector engine's current in-memory
// state for the next Commit, satisfying spec §4.8's ordering invariant
// ahead of time. Callers may also rely on Commit auto-staging when no
// embedding mutation is pending.
func (c *Coordinator) StageVector() error {
	if c.vec == nil {
		return waxerr.New(waxerr.KindEncodingError, "commit.stage_vector", fmt.Errorf("vector search is not enabled for this engine"))
	}
	blob, err := c.vec.StageForCommit()
	if err != nil {
		return waxerr.Wrap("commit.stage_vector", err)
	}
	c.mu.Lock()
	c.stagedVectorBlob = blob
	c.vectorStaged = true
	c.mu.Unlock()
	return nil
}

// Commit runs the seven-step protocol of spec §4.8 and returns the new
// generation on success. A failure at any step leaves the prior generation
// durably recoverable (see spec §4.8's crash-safety argument): the
// in-memory committed state this Coordinator holds is only advanced in
// step 7, after every durable write has succeeded.
func (c *Coordinator) Commit(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	if c.vec != nil && c.pendingEmbeddingMutations && !c.vectorStaged {
		return 0, waxerr.New(waxerr.KindInvalidTOC, "commit.commit",
			fmt.Errorf("embedding mutations are pending but the vector index has not been staged for this commit"))
	}

	// Step 1: pending frame payloads were already appended eagerly by
	// frame.Store.Put/PutBatch; WAL records for every mutation so far are
	// already on disk. Flush ensures they are durable before anything
	// referencing them (the TOC) is written.
	if err := c.w.Flush(); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}

	// Step 2: drive staged indexes to disk as fresh segments.
	writeOffset := c.frames.PayloadEnd()
	segments := carriedSegments(c.committedSegments)

	lexManifest := c.lexManifest
	if c.lex != nil {
		blob := c.lex.Serialize()
		if err := fsio.WriteAt(c.file, blob, int64(writeOffset)); err != nil { //nolint:gosec // file offsets are bounded by int64 file sizes
			return 0, waxerr.Wrap("commit.commit", err)
		}
		checksum := xsum.Content(blob)
		segments = append(segments, format.Segment{
			Kind: format.SegmentLex, BytesOffset: writeOffset, BytesLength: uint64(len(blob)),
			Checksum: checksum, Compression: format.EncodingPlain,
		})
		lexManifest = &format.LexManifest{
			DocCount: uint64(c.lex.DocCount()), BytesOffset: writeOffset, BytesLength: uint64(len(blob)),
			Checksum: checksum, Version: format.TOCVersion,
		}
		writeOffset += uint64(len(blob))
	}

	vectorManifest := c.vectorManifest
	if c.vec != nil {
		blob := c.stagedVectorBlob
		if blob == nil {
			var err error
			blob, err = c.vec.StageForCommit()
			if err != nil {
				return 0, waxerr.Wrap("commit.commit", err)
			}
		}
		if err := fsio.WriteAt(c.file, blob, int64(writeOffset)); err != nil { //nolint:gosec // file offsets are bounded by int64 file sizes
			return 0, waxerr.Wrap("commit.commit", err)
		}
		checksum := xsum.Content(blob)
		segments = append(segments, format.Segment{
			Kind: format.SegmentVector, BytesOffset: writeOffset, BytesLength: uint64(len(blob)),
			Checksum: checksum, Compression: format.EncodingPlain,
		})
		vectorManifest = &format.VectorManifest{
			VectorCount: uint64(c.vec.Count()), Dimension: c.vec.Dimensions(), BytesOffset: writeOffset, BytesLength: uint64(len(blob)),
			Checksum: checksum, Similarity: c.vec.Metric(),
		}
		writeOffset += uint64(len(blob))
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].BytesOffset < segments[j].BytesOffset })
	if err := format.ValidateSegmentCatalog(segments); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}

	// Step 3: merge pending frame metadata into the committed set, keeping
	// ids dense and ascending.
	merged := mergeFrames(c.committedFrames, c.frames.PendingFrames(), c.frames.PendingOverrides())

	toc := &format.TOC{
		Version:   format.TOCVersion,
		Frames:    merged,
		Lex:       lexManifest,
		Vector:    vectorManifest,
		TimeIndex: c.timeIndexManifest,
		Segments:  segments,
	}
	if err := toc.Validate(); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}

	// Step 4: write the TOC with its stamped-zero trailing checksum.
	tocBytes := toc.Encode()
	tocOffset := writeOffset
	if err := fsio.WriteAt(c.file, tocBytes, int64(tocOffset)); err != nil { //nolint:gosec // file offsets are bounded by int64 file sizes
		return 0, waxerr.Wrap("commit.commit", err)
	}
	if err := fsio.Sync(c.file); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}

	// Step 5: append a commit-marker WAL record (spec §4.6: "generation,
	// toc_offset, toc_len, toc_hash") ahead of the footer write, then write
	// the new footer itself. Appending the marker first means it is
	// included in the committed_seq this generation's footer records.
	newGeneration := c.generation + 1
	footerOffset := tocOffset + uint64(len(tocBytes))
	tocHash := format.TOCHash(tocBytes)
	marker := &wal.CommitMarker{
		Generation: newGeneration,
		TOCOffset:  tocOffset,
		TOCLen:     uint64(len(tocBytes)),
		TOCHash:    tocHash,
	}
	if _, err := c.w.Append(ctx, wal.PayloadCommitMarker, marker.Encode()); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}
	if err := c.w.Flush(); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}

	footer := &format.Footer{
		TOCLen:          uint64(len(tocBytes)),
		TOCHash:         tocHash,
		Generation:      newGeneration,
		WALCommittedSeq: c.w.NextSeq() - 1,
	}
	footerBytes := footer.Encode()
	if err := fsio.WriteAt(c.file, footerBytes, int64(footerOffset)); err != nil { //nolint:gosec // file offsets are bounded by int64 file sizes
		return 0, waxerr.Wrap("commit.commit", err)
	}
	if err := fsio.Sync(c.file); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}

	// Step 6: write the updated header page to the non-selected slot.
	targetSlot := 1 - c.headerSelected
	newHeaderGen := c.headerPageGeneration + 1
	hp := &format.HeaderPage{
		FormatVersion:        format.FormatVersion,
		SpecMajor:            format.SpecMajor,
		SpecMinor:            format.SpecMinor,
		HeaderPageGeneration: newHeaderGen,
		FileGeneration:       newGeneration,
		FooterOffset:         footerOffset,
		WALOffset:            c.walOffset,
		WALSize:              c.walSize,
		WALWritePos:          c.w.WritePos(),
		WALCheckpointPos:     c.w.WritePos(),
		WALCommittedSeq:      footer.WALCommittedSeq,
		TOCChecksum:          footer.TOCHash,
	}
	page := hp.Encode()
	pageOffset := int64(targetSlot) * format.HeaderPageSize
	if err := fsio.WriteAt(c.file, page, pageOffset); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}
	if err := fsio.Sync(c.file); err != nil {
		return 0, waxerr.Wrap("commit.commit", err)
	}

	// Step 7: advance in-memory committed state and clear pending mutations.
	c.frames.CommitApplied(merged)
	c.frames.SetPayloadEnd(footerOffset + format.FooterSize)
	c.w.Checkpoint(footer.WALCommittedSeq)

	c.generation = newGeneration
	c.headerSelected = targetSlot
	c.headerPageGeneration = newHeaderGen
	c.committedFrames = merged
	c.committedSegments = segments
	c.lexManifest = lexManifest
	c.vectorManifest = vectorManifest
	c.pendingEmbeddingMutations = false
	c.vectorStaged = false
	c.stagedVectorBlob = nil

	c.logger.Info("wax: commit", "generation", newGeneration, "frames", len(merged))
	if c.commitDuration != nil {
		c.commitDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	}
	return newGeneration, nil
}

// carriedSegments returns the previously committed segments that aren't
// rewritten on every commit (lex and vector segments are always replaced
// wholesale; anything else — e.g. a reserved time-index segment — is
// carried forward unchanged, per spec §9 Open Question 4).
func carriedSegments(prev []format.Segment) []format.Segment {
	out := make([]format.Segment, 0, len(prev))
	for _, s := range prev {
		if s.Kind == format.SegmentLex || s.Kind == format.SegmentVector {
			continue
		}
		out = append(out, s)
	}
	return out
}

// mergeFrames applies pending overrides to the committed set, then appends
// pending new frames (already contiguous and dense by frame.Store
// construction), producing the sorted, dense-id frame list a fresh TOC
// requires (spec §4.8 step 3, invariant 4).
func mergeFrames(committed []format.FrameMeta, pendingNew []format.FrameMeta, overrides map[int64]format.FrameMeta) []format.FrameMeta {
	merged := make([]format.FrameMeta, 0, len(committed)+len(pendingNew))
	for _, fm := range committed {
		if ov, ok := overrides[fm.ID]; ok {
			merged = append(merged, ov)
			continue
		}
		merged = append(merged, fm)
	}
	merged = append(merged, pendingNew...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged
}

func encodeEmbeddingRecord(frameID int64, vector []float32) []byte {
	e := codec.NewEncoder(16 + len(vector)*4)
	e.PutI64(frameID)
	e.ArrayHeader(len(vector))
	for _, f := range vector {
		e.PutU32(math.Float32bits(f))
	}
	return e.Bytes()
}
