// Package wax is the public API for embedding Wax, a single-file, on-device
// memory/storage engine for AI/RAG applications.
//
// Enterprise and application code imports this package to open or create a
// store without touching the internal MV2S file format directly:
//
//	eng, err := wax.Create("memory.mv2s",
//	    wax.WithVectorSearch(1536, wax.SimilarityCosine),
//	    wax.WithEmbeddingProvider(myProvider, identity, true),
//	)
//	if err != nil { ... }
//	defer eng.Close()
//	res, err := eng.Remember(ctx, "the quick brown fox", nil)
//	ctx2, err := eng.Recall(ctx, "fox", nil, wax.EmbedIfAvailable)
//
// The import graph enforces a strict no-cycle rule: wax (root) imports
// internal/*, but internal/* never imports wax. Public types (Frame,
// RAGContext, ...) are standalone; conversion helpers (toPublicFrame,
// toPublicRAGContext, the embedding/vector adapters in interfaces.go) live
// in this package because it is the only file that sees both sides of the
// boundary.
package wax

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/wax-db/wax/internal/commit"
	"github.com/wax-db/wax/internal/config"
	"github.com/wax-db/wax/internal/footerscan"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/frame"
	"github.com/wax-db/wax/internal/fsio"
	"github.com/wax-db/wax/internal/lease"
	"github.com/wax-db/wax/internal/lexindex"
	"github.com/wax-db/wax/internal/orchestrator"
	"github.com/wax-db/wax/internal/search"
	"github.com/wax-db/wax/internal/telemetry"
	"github.com/wax-db/wax/internal/vectorindex"
	"github.com/wax-db/wax/internal/wal"
	"github.com/wax-db/wax/internal/waxerr"

	"go.opentelemetry.io/otel/metric"
)

// Engine is one open MV2S file. Construct with Create or Open; always call
// Close when done to release the writer lease and flush telemetry.
type Engine struct {
	id uuid.UUID

	file  *os.File
	lease *lease.WriterLease

	wal    *wal.WAL
	frames *frame.Store
	lex    *lexindex.Index
	vec    vectorindex.Engine
	commit *commit.Coordinator

	orch *orchestrator.Orchestrator

	logger       *slog.Logger
	otelShutdown telemetry.Shutdown
}

// Create allocates a new MV2S file at path and returns a ready-to-use
// Engine at generation 0. It fails if a file already exists at path.
func Create(path string, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	applyEnvOverlay(&o)
	logger := resolveLogger(&o)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, waxerr.New(waxerr.KindIO, "wax.create", fmt.Errorf("open %s: %w", path, err))
	}

	eng, err := createLayout(f, path, &o, logger)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return eng, nil
}

// Open attaches to an existing MV2S file at path, recovering the selected
// header page, the highest valid footer/TOC, and the WAL cursor. repair
// tolerates a header/footer generation that disagrees by exactly one
// (the writer crashed between committing the footer and swapping the
// header page), and it also tolerates a header page ahead of the newest
// valid footer (the trailing footer is torn or corrupt), opening at the
// recovered footer's generation; without repair, either mismatch is a hard
// error.
func Open(path string, repair bool, opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	applyEnvOverlay(&o)
	logger := resolveLogger(&o)

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, waxerr.New(waxerr.KindIO, "wax.open", fmt.Errorf("open %s: %w", path, err))
	}

	eng, err := openLayout(f, path, &o, logger, repair)
	if err != nil {
		f.Close()
		return nil, err
	}
	return eng, nil
}

// createLayout lays out a brand-new file: header pages A and B, the WAL
// ring, and an empty initial TOC+footer, then wires the primitive stack
// on top of that freshly written state.
func createLayout(f *os.File, path string, o *resolvedOptions, logger *slog.Logger) (*Engine, error) {
	ctx := context.Background()
	wlease, err := lease.Acquire(ctx, f, path, o.lockPolicy, o.lockTimeout)
	if err != nil {
		return nil, waxerr.Wrap("wax.create", err)
	}

	walOffset := uint64(format.HeaderRegionSize)
	walSize := o.walSize

	emptyTOC := &format.TOC{Version: format.TOCVersion}
	tocBytes := emptyTOC.Encode()
	tocOffset := walOffset + walSize
	footer := &format.Footer{
		TOCLen:          uint64(len(tocBytes)),
		TOCHash:         format.TOCHash(tocBytes),
		Generation:      0,
		WALCommittedSeq: 0,
	}
	footerBytes := footer.Encode()
	footerOffset := tocOffset + uint64(len(tocBytes))

	if err := fsio.WriteAt(f, tocBytes, int64(tocOffset)); err != nil { //nolint:gosec // file offsets are bounded by int64 file sizes
		wlease.Release()
		return nil, waxerr.Wrap("wax.create", err)
	}
	if err := fsio.WriteAt(f, footerBytes, int64(footerOffset)); err != nil { //nolint:gosec // file offsets are bounded by int64 file sizes
		wlease.Release()
		return nil, waxerr.Wrap("wax.create", err)
	}

	hp := &format.HeaderPage{
		FormatVersion:        format.FormatVersion,
		SpecMajor:            format.SpecMajor,
		SpecMinor:            format.SpecMinor,
		HeaderPageGeneration: 0,
		FileGeneration:       0,
		FooterOffset:         footerOffset,
		WALOffset:            walOffset,
		WALSize:              walSize,
		WALWritePos:          0,
		WALCheckpointPos:     0,
		WALCommittedSeq:      0,
		TOCChecksum:          footer.TOCHash,
	}
	page := hp.Encode()
	if err := fsio.WriteAt(f, page, 0); err != nil {
		wlease.Release()
		return nil, waxerr.Wrap("wax.create", err)
	}
	if err := fsio.WriteAt(f, page, format.HeaderPageSize); err != nil {
		wlease.Release()
		return nil, waxerr.Wrap("wax.create", err)
	}
	if err := fsio.Sync(f); err != nil {
		wlease.Release()
		return nil, waxerr.Wrap("wax.create", err)
	}

	state := commit.State{
		Generation:           0,
		HeaderSelected:       0,
		HeaderPageGeneration: 0,
		WALOffset:            walOffset,
		WALSize:              walSize,
	}
	// Matches commit.Coordinator.Commit's step 7 convention: the next
	// payload write lands immediately after the current footer, so a
	// commit's new payload bytes/segments/TOC/footer are appended further
	// along rather than overwriting the previous generation's footer
	// (spec §3: "footer ... possibly followed by more committed footers").
	payloadEnd := footerOffset + format.FooterSize

	return wireEngine(f, wlease, o, logger, state, nil, 0, 0, 0, payloadEnd)
}

// openLayout reopens an existing file: bounded reverse footer scan, header
// page decode/select, reconciliation between the two, then wires the
// primitive stack on top of the recovered state.
func openLayout(f *os.File, path string, o *resolvedOptions, logger *slog.Logger, repair bool) (*Engine, error) {
	ctx := context.Background()
	wlease, err := lease.Acquire(ctx, f, path, o.lockPolicy, o.lockTimeout)
	if err != nil {
		return nil, waxerr.Wrap("wax.open", err)
	}
	fail := func(err error) (*Engine, error) {
		wlease.Release()
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return fail(waxerr.New(waxerr.KindIO, "wax.open", err))
	}

	scanResult, err := footerscan.Scan(f, info.Size(), footerscan.DefaultLimits())
	if err != nil {
		return fail(waxerr.Wrap("wax.open", err))
	}

	var pages [2]*format.HeaderPage
	var pageErrs [2]error
	for i := 0; i < 2; i++ {
		buf := make([]byte, format.HeaderPageSize)
		if err := fsio.ReadAt(f, buf, int64(i)*format.HeaderPageSize); err != nil {
			pageErrs[i] = err
			continue
		}
		hp, err := format.DecodeHeaderPage(buf)
		if err != nil {
			pageErrs[i] = err
			continue
		}
		if err := hp.Validate(); err != nil {
			pageErrs[i] = err
			continue
		}
		pages[i] = hp
	}
	selected := format.SelectHeaderPage(pages, pageErrs)
	if selected < 0 {
		return fail(waxerr.Wrap("wax.open", waxerr.ErrInvalidHeader))
	}
	selectedPage := pages[selected]

	// Reconcile the selected header page's generation against the
	// footer scan's result (spec §4.7): a footer one generation ahead of
	// the header page means the writer committed the footer/TOC but
	// crashed before swapping the header page. A footer behind the header
	// page means the newest footer/TOC did not validate and the scan fell
	// back to an earlier generation. Both are only tolerated under repair,
	// since they signal the prior process did not shut down cleanly.
	genGap := int64(scanResult.Footer.Generation) - int64(selectedPage.FileGeneration)
	switch {
	case genGap == 0:
		// fully consistent
	case genGap == 1 && repair:
		logger.Warn("wax: recovered footer ahead of selected header page; repairing",
			"header_generation", selectedPage.FileGeneration, "footer_generation", scanResult.Footer.Generation)
	case genGap < 0 && repair:
		logger.Warn("wax: selected header page ahead of newest valid footer; repairing from the recovered footer",
			"header_generation", selectedPage.FileGeneration, "footer_generation", scanResult.Footer.Generation)
	default:
		return fail(waxerr.New(waxerr.KindInvalidHeader, "wax.open",
			fmt.Errorf("header generation %d disagrees with recovered footer generation %d (pass repair=true if this is expected)",
				selectedPage.FileGeneration, scanResult.Footer.Generation)))
	}

	if repair {
		// Best-effort: scan the WAL ring up to the header's recorded write
		// position. Replay stops at the first torn or corrupt record instead
		// of failing, so this scan does not reject a torn ring. Its result
		// isn't resurrected into pending state — only committed (TOC) data
		// is visible after reopen (spec §4.8's generation-based durability
		// model).
		if _, err := wal.Replay(f, selectedPage.WALOffset, selectedPage.WALSize,
			selectedPage.WALWritePos, selectedPage.WALCheckpointPos, selectedPage.WALCommittedSeq); err != nil {
			return fail(waxerr.Wrap("wax.open", err))
		}
	}

	state := commit.State{
		Generation:           scanResult.Footer.Generation,
		HeaderSelected:       selected,
		HeaderPageGeneration: selectedPage.HeaderPageGeneration,
		WALOffset:            selectedPage.WALOffset,
		WALSize:              selectedPage.WALSize,
		CommittedFrames:      scanResult.TOC.Frames,
		CommittedSegments:    scanResult.TOC.Segments,
		LexManifest:          scanResult.TOC.Lex,
		VectorManifest:       scanResult.TOC.Vector,
		TimeIndexManifest:    scanResult.TOC.TimeIndex,
	}
	// Matches commit.Coordinator's convention: the payload region for new
	// writes resumes immediately after the recovered footer.
	payloadEnd := uint64(scanResult.FooterBytes) + format.FooterSize

	var lexBlob, vecBlob []byte
	for _, seg := range scanResult.TOC.Segments {
		switch seg.Kind {
		case format.SegmentLex:
			lexBlob = make([]byte, seg.BytesLength)
			if err := fsio.ReadAt(f, lexBlob, int64(seg.BytesOffset)); err != nil { //nolint:gosec // bounded by file size
				return fail(waxerr.Wrap("wax.open", err))
			}
		case format.SegmentVector:
			vecBlob = make([]byte, seg.BytesLength)
			if err := fsio.ReadAt(f, vecBlob, int64(seg.BytesOffset)); err != nil { //nolint:gosec // bounded by file size
				return fail(waxerr.Wrap("wax.open", err))
			}
		}
	}

	eng, err := wireEngine(f, wlease, o, logger, state,
		scanResult.TOC.Frames, selectedPage.WALWritePos, selectedPage.WALCheckpointPos, selectedPage.WALCommittedSeq, payloadEnd)
	if err != nil {
		return fail(err)
	}

	if scanResult.TOC.Lex != nil && lexBlob != nil {
		lex, err := lexindex.Deserialize(lexBlob)
		if err != nil {
			eng.Close()
			return nil, waxerr.Wrap("wax.open", err)
		}
		eng.lex = lex
		eng.orch.Lex = lex
		eng.orch.Search.Lex = lex
	}
	if scanResult.TOC.Vector != nil && vecBlob != nil {
		vec, err := vectorindex.Deserialize(vecBlob)
		if err != nil {
			eng.Close()
			return nil, waxerr.Wrap("wax.open", err)
		}
		eng.vec = vec
		eng.orch.Vector = vec
		eng.orch.Search.Vector = vec
	}

	return eng, nil
}

// wireEngine builds the WAL, frame store, optional lex/vector indexes, the
// commit coordinator, and the orchestrator on top of already-recovered (or
// freshly initialized) layout state. The lex/vector indexes are
// constructed empty here; openLayout swaps in deserialized ones afterward
// since commit.New needs a non-nil Lex/Vector pointer up front to decide
// whether those lanes are enabled at all.
func wireEngine(f *os.File, wlease *lease.WriterLease, o *resolvedOptions, logger *slog.Logger,
	state commit.State, committedFrames []format.FrameMeta,
	walWritePos, walCheckpointPos, walCommittedSeq uint64, payloadEnd uint64) (*Engine, error) {
	otelShutdown, meter, err := initTelemetry(o)
	if err != nil {
		return nil, waxerr.Wrap("wax.wire", err)
	}

	w, err := wal.Open(f, state.WALOffset, state.WALSize, walWritePos, walCheckpointPos, walCommittedSeq, o.walFsyncPolicy, logger, meter)
	if err != nil {
		otelShutdown(context.Background()) //nolint:errcheck // best-effort on an already-failing path
		return nil, waxerr.Wrap("wax.wire", err)
	}

	fs := frame.Open(f, w, committedFrames, payloadEnd, o.maxBlobBytes)
	if err := fs.RegisterMeter(meter); err != nil {
		otelShutdown(context.Background()) //nolint:errcheck // best-effort on an already-failing path
		return nil, waxerr.Wrap("wax.wire", err)
	}

	var lex *lexindex.Index
	if o.enableTextSearch {
		lex = lexindex.New()
	}

	var vec vectorindex.Engine
	if o.enableVectorSearch {
		if o.vectorEngine != nil {
			vec = newVectorEngine(o.vectorEngine)
		} else {
			vec = vectorindex.NewDense(o.vectorDimension, o.vectorMetric)
		}
	}

	coordinator, err := commit.New(commit.Config{
		File:   f,
		WAL:    w,
		Frames: fs,
		Lex:    lex,
		Vector: vec,
		Logger: logger,
		Meter:  meter,
		State:  state,
	})
	if err != nil {
		otelShutdown(context.Background()) //nolint:errcheck // best-effort on an already-failing path
		return nil, waxerr.Wrap("wax.wire", err)
	}

	orchCfg := orchestrator.Config{
		EnableTextSearch:     o.enableTextSearch,
		EnableVectorSearch:   o.enableVectorSearch,
		RAG:                  o.rag,
		Chunking:             orchestrator.Chunking{TargetTokens: o.chunkTargetTokens, OverlapTokens: o.chunkOverlapTokens},
		IngestConcurrency:    o.ingestConcurrency,
		IngestBatchSize:      o.ingestBatchSize,
		UseMetalVectorSearch: o.useMetalSearch,
		Meter:                meter,
	}
	embedder := newEmbedProvider(o.embeddingProvider, o.embeddingIdentity, o.embeddingNormalize)
	orch := orchestrator.New(fs, lex, vec, coordinator, embedder, logger, orchCfg)

	return &Engine{
		id:           uuid.New(),
		file:         f,
		lease:        wlease,
		wal:          w,
		frames:       fs,
		lex:          lex,
		vec:          vec,
		commit:       coordinator,
		orch:         orch,
		logger:       logger,
		otelShutdown: otelShutdown,
	}, nil
}

// resolveLogger mirrors akashi.New's "fall back to slog.Default()" rule.
func resolveLogger(o *resolvedOptions) *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default()
}

// applyEnvOverlay layers internal/config's optional WAX_* environment
// variables on top of whatever options were already set, when
// WithConfigFromEnv was passed. It covers fsync policy, ingest
// concurrency/batch size, the OTLP endpoint, and the service name, and
// only fills a field that still holds its default value, so a value set
// through a dedicated Option takes precedence. A field explicitly set to
// its default value cannot be told apart from an unset one and takes the
// environment's value.
func applyEnvOverlay(o *resolvedOptions) {
	if !o.loadConfigFromEnv {
		return
	}
	d := defaultOptions()
	cfg, err := config.Load()
	if err != nil {
		// Malformed env config shouldn't be fatal for an embedded library
		// that has working defaults; log and keep the programmatic options.
		slog.Default().Warn("wax: ignoring invalid WAX_* environment overlay", "error", err)
		return
	}
	if cfg.WALFsyncPolicy == "perRecord" && o.walFsyncPolicy == d.walFsyncPolicy {
		o.walFsyncPolicy = wal.FsyncPerRecord
	}
	if cfg.IngestConcurrency > 0 && o.ingestConcurrency == d.ingestConcurrency {
		o.ingestConcurrency = cfg.IngestConcurrency
	}
	if cfg.IngestBatchSize > 0 && o.ingestBatchSize == d.ingestBatchSize {
		o.ingestBatchSize = cfg.IngestBatchSize
	}
	if cfg.OTELEndpoint != "" && o.otelEndpoint == d.otelEndpoint {
		o.otelEndpoint = cfg.OTELEndpoint
		o.otelInsecure = cfg.OTELInsecure
	}
	if cfg.ServiceName != "" && o.serviceName == d.serviceName {
		o.serviceName = cfg.ServiceName
	}
}

// Close releases the writer lease and shuts down telemetry. It does not
// commit pending mutations — call Flush first if they need to be durable.
func (e *Engine) Close() error {
	var shutdownErr error
	if e.otelShutdown != nil {
		shutdownErr = e.otelShutdown(context.Background())
	}
	lockErr := e.lease.Release()
	fileErr := e.file.Close()
	if shutdownErr != nil {
		return waxerr.New(waxerr.KindIO, "wax.close", shutdownErr)
	}
	if lockErr != nil {
		return waxerr.Wrap("wax.close", lockErr)
	}
	if fileErr != nil {
		return waxerr.New(waxerr.KindIO, "wax.close", fileErr)
	}
	return nil
}

// ID returns this open Engine's process-local instance identity, minted
// fresh by every Create/Open so concurrent in-process handles can be told
// apart. It is not attached to telemetry.
func (e *Engine) ID() uuid.UUID { return e.id }

// Remember chunks content, indexes it for text and/or vector search as
// configured, and appends document/chunk frames. It does not commit; call
// Flush to durably advance the generation (spec §6.2).
func (e *Engine) Remember(ctx context.Context, content string, metadata map[string]string) (RememberResult, error) {
	res, err := e.orch.Remember(ctx, content, metadata)
	if err != nil {
		return RememberResult{}, err
	}
	return RememberResult{ParentID: res.ParentID, ChunkIDs: res.ChunkIDs}, nil
}

// Recall runs unified search and assembles a token-budgeted RAG context
// for query (spec §4.13). policy controls how (or whether) a query
// embedding is obtained when the caller doesn't supply one.
func (e *Engine) Recall(ctx context.Context, query string, queryEmbedding []float32, policy EmbedPolicy) (*RAGContext, error) {
	c, err := e.orch.Recall(ctx, query, queryEmbedding, policy)
	if err != nil {
		return nil, err
	}
	return toPublicRAGContext(c), nil
}

// Search runs the unified, fused search described in spec §4.12 directly,
// without the RAG context-assembly step.
func (e *Engine) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	results, err := e.orch.Search.Search(ctx, search.Request{
		Query:           req.Query,
		Embedding:       req.Embedding,
		Mode:            req.Mode,
		TopK:            req.TopK,
		Alpha:           req.Alpha,
		RRFK:            req.RRFK,
		PreviewMaxBytes: req.PreviewMaxBytes,
		SnippetMaxBytes: req.SnippetMaxBytes,
	})
	if err != nil {
		return nil, err
	}
	return toPublicSearchResults(results), nil
}

// Flush stages the vector index (if enabled) and runs the commit
// coordinator's seven-step protocol, advancing the generation and making
// everything remembered since the last Flush durable and visible after a
// future Open (spec §4.8, §6.2).
func (e *Engine) Flush(ctx context.Context) (uint64, error) {
	return e.orch.Flush(ctx)
}

// Content returns a frame's decoded canonical content, verifying its
// checksums.
func (e *Engine) Content(frameID int64) ([]byte, error) {
	return e.frames.FrameContent(frameID)
}

// Preview returns at most maxBytes of a frame's canonical content. The
// full content is read and its checksums verified, as in Content.
func (e *Engine) Preview(frameID int64, maxBytes int) ([]byte, error) {
	return e.frames.FramePreview(frameID, maxBytes)
}

// Frame returns the effective metadata for frameID.
func (e *Engine) Frame(frameID int64) (Frame, bool) {
	fm, ok := e.frames.FrameMeta(frameID)
	if !ok {
		return Frame{}, false
	}
	return toPublicFrame(fm), true
}

// Put stores content as a single frame directly, bypassing Remember's
// chunking/indexing pipeline — useful for system or blob frames that
// shouldn't themselves surface via Recall.
func (e *Engine) Put(ctx context.Context, content []byte, opts PutOptions) (int64, error) {
	return e.frames.Put(ctx, content, frame.PutOptions{
		TimestampMs:       opts.TimestampMs,
		Role:              opts.Role,
		ParentID:          opts.ParentID,
		CanonicalEncoding: opts.CanonicalEncoding,
		URI:               opts.URI,
		Title:             opts.Title,
		SearchText:        opts.SearchText,
		Metadata:          opts.Metadata,
		Tags:              opts.Tags,
		Labels:            opts.Labels,
		ContentDate:       opts.ContentDate,
	})
}

// Delete marks a frame deleted (spec §4.9); it does not reclaim its
// payload bytes until a future compaction (out of scope for v1).
func (e *Engine) Delete(ctx context.Context, frameID int64) error {
	return e.frames.Delete(ctx, frameID)
}

// Supersede marks oldID as superseded by newID (spec §4.9).
func (e *Engine) Supersede(ctx context.Context, oldID, newID int64) error {
	return e.frames.Supersede(ctx, oldID, newID)
}

// Verify checks every active frame's checksums when deep is true (spec
// §4.9); when false, it re-checks only the header/footer/TOC stamped-zero
// checksums against the file's current on-disk bytes, catching corruption
// introduced after Open/Create rather than skipping all work.
func (e *Engine) Verify(deep bool) error {
	return e.frames.Verify(deep)
}

// Stats reports point-in-time counters about this open engine (spec §12).
func (e *Engine) Stats() Stats {
	s := Stats{
		FrameCount:      e.frames.Count(),
		Generation:      e.commit.Generation(),
		WALPendingBytes: e.wal.PendingBytes(),
	}
	if e.lex != nil {
		s.LexDocCount = e.lex.DocCount()
	}
	if e.vec != nil {
		s.VectorCount = e.vec.Count()
	}
	return s
}


// initTelemetry wires up OTEL per spec §10.5; an empty endpoint (the
// default) makes telemetry.Init a no-op, matching Akashi's convention.
func initTelemetry(o *resolvedOptions) (telemetry.Shutdown, metric.Meter, error) {
	shutdown, err := telemetry.Init(context.Background(), o.otelEndpoint, o.serviceName, o.version, o.otelInsecure)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry: %w", err)
	}
	return shutdown, telemetry.Meter("wax"), nil
}
