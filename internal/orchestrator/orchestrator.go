// Package orchestrator wires the chunking, embedding, indexing, commit, and
// recall primitives into the two operations spec §6.2 describes: remember
// (ingest) and recall (retrieve + assemble RAG context).
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/metric"

	"github.com/wax-db/wax/internal/chunk"
	"github.com/wax-db/wax/internal/commit"
	"github.com/wax-db/wax/internal/embed"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/frame"
	"github.com/wax-db/wax/internal/lexindex"
	"github.com/wax-db/wax/internal/rag"
	"github.com/wax-db/wax/internal/search"
	"github.com/wax-db/wax/internal/vectorindex"
	"github.com/wax-db/wax/internal/waxerr"
)

// EmbedPolicy controls how recall obtains a query embedding.
type EmbedPolicy int

const (
	EmbedNever EmbedPolicy = iota
	EmbedIfAvailable
	EmbedAlways
)

// Chunking configures the token-count-with-overlap splitting strategy
// applied to every remembered document.
type Chunking struct {
	TargetTokens  int
	OverlapTokens int
}

// Config mirrors spec §6.4's OrchestratorConfig.
type Config struct {
	EnableTextSearch     bool
	EnableVectorSearch   bool
	RAG                  rag.Config
	Chunking             Chunking
	IngestConcurrency    int
	IngestBatchSize      int
	EmbeddingCacheCap    int
	UseMetalVectorSearch bool // accepted for API parity; the brute-force engine has no GPU path (spec §9 Open Question)
	Meter                metric.Meter // nil disables instrument registration
}

// Orchestrator implements remember/recall over an already-open set of
// primitives (frame store, optional lex/vector indexes, commit coordinator).
type Orchestrator struct {
	Frames   *frame.Store
	Lex      *lexindex.Index    // nil if text search disabled
	Vector   vectorindex.Engine // nil if vector search disabled
	Commit   *commit.Coordinator
	Search   *search.Engine
	RAGBuild *rag.Builder
	Embedder embed.Provider // nil if no embedder is injected
	Logger   *slog.Logger

	cfg Config

	ingestDuration metric.Float64Histogram
	recallDuration metric.Float64Histogram
}

// New constructs an Orchestrator from already-open primitives and a config.
// Instrument registration errors are logged, not returned: telemetry is
// ambient infra (spec §10.5) and must never block opening the engine.
func New(frames *frame.Store, lex *lexindex.Index, vec vectorindex.Engine, c *commit.Coordinator, embedder embed.Provider, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	se := &search.Engine{Frames: frames, Lex: lex, Vector: vec}
	o := &Orchestrator{
		Frames:   frames,
		Lex:      lex,
		Vector:   vec,
		Commit:   c,
		Search:   se,
		RAGBuild: &rag.Builder{Search: se, Frames: frames},
		Embedder: embedder,
		Logger:   logger,
		cfg:      cfg,
	}
	if cfg.Meter != nil {
		var err error
		o.ingestDuration, err = cfg.Meter.Float64Histogram("wax.ingest.duration",
			metric.WithDescription("duration of a Remember call, in milliseconds"),
			metric.WithUnit("ms"))
		if err != nil {
			logger.Warn("wax: register wax.ingest.duration failed", "error", err)
		}
		o.recallDuration, err = cfg.Meter.Float64Histogram("wax.recall.duration",
			metric.WithDescription("duration of a Recall call, in milliseconds"),
			metric.WithUnit("ms"))
		if err != nil {
			logger.Warn("wax: register wax.recall.duration failed", "error", err)
		}
	}
	return o
}

// RememberResult reports the frames a Remember call created.
type RememberResult struct {
	ParentID int64
	ChunkIDs []int64
}

// Remember chunks content per the configured ChunkingStrategy, optionally
// embeds each chunk through the injected provider, appends a role=document
// parent frame and role=chunk frames carrying parent_id/chunk_index/
// chunk_count, and indexes text and/or vectors as configured (spec §6.2).
// It does not commit; call Flush to durably advance the generation.
func (o *Orchestrator) Remember(ctx context.Context, content string, metadata map[string]string) (RememberResult, error) {
	start := time.Now()
	if o.ingestDuration != nil {
		defer func() { o.ingestDuration.Record(ctx, float64(time.Since(start).Milliseconds())) }()
	}

	strategy := chunk.Strategy{TargetTokens: o.cfg.Chunking.TargetTokens, OverlapTokens: o.cfg.Chunking.OverlapTokens}
	chunks, err := strategy.Split(content)
	if err != nil {
		return RememberResult{}, waxerr.Wrap("orchestrator.remember", err)
	}

	parentID, err := o.Frames.Put(ctx, []byte(content), frame.PutOptions{
		Role:     format.RoleDocument,
		Metadata: metadata,
	})
	if err != nil {
		return RememberResult{}, waxerr.Wrap("orchestrator.remember", err)
	}

	if len(chunks) == 0 {
		return RememberResult{ParentID: parentID}, nil
	}

	chunkCount := uint32(len(chunks)) //nolint:gosec // chunk counts are bounded by document size, not adversarial input
	contents := make([][]byte, len(chunks))
	opts := make([]frame.PutOptions, len(chunks))
	for i, text := range chunks {
		idx := uint32(i) //nolint:gosec // see above
		contents[i] = []byte(text)
		opts[i] = frame.PutOptions{
			Role:       format.RoleChunk,
			ParentID:   &parentID,
			ChunkIndex: &idx,
			ChunkCount: &chunkCount,
			SearchText: &chunks[i],
		}
	}
	chunkIDs, err := o.Frames.PutBatch(ctx, contents, opts)
	if err != nil {
		return RememberResult{}, waxerr.Wrap("orchestrator.remember", err)
	}

	if o.cfg.EnableTextSearch && o.Lex != nil {
		if err := o.Lex.IndexBatch(chunkIDs, chunks); err != nil {
			return RememberResult{}, waxerr.Wrap("orchestrator.remember", err)
		}
	}

	if o.cfg.EnableVectorSearch && o.Vector != nil && o.Embedder != nil {
		if err := o.embedAndRecord(ctx, chunkIDs, chunks); err != nil {
			return RememberResult{}, err
		}
	}

	return RememberResult{ParentID: parentID, ChunkIDs: chunkIDs}, nil
}

// embedAndRecord computes embeddings for texts concurrently in batches of
// IngestBatchSize, bounded by IngestConcurrency in-flight batches, and
// records each resulting vector with the commit coordinator.
func (o *Orchestrator) embedAndRecord(ctx context.Context, frameIDs []int64, texts []string) error {
	batchSize := o.cfg.IngestBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	concurrency := o.cfg.IngestConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	type batch struct {
		ids   []int64
		texts []string
	}
	var batches []batch
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{ids: frameIDs[start:end], texts: texts[start:end]})
	}

	type outcome struct {
		ids     []int64
		vectors [][]float32
	}
	outcomes := make([]outcome, len(batches))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			vectors, err := embed.EmbedMany(gCtx, o.Embedder, b.texts)
			if err != nil {
				return fmt.Errorf("orchestrator: embed batch: %w", err)
			}
			outcomes[i] = outcome{ids: b.ids, vectors: vectors}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return waxerr.Wrap("orchestrator.remember", err)
	}

	// Recording mutates WAL/vector-engine state and must run serially on the
	// single-writer path (spec §5); only embedding computation fans out.
	for _, oc := range outcomes {
		for i, id := range oc.ids {
			if err := o.Commit.RecordEmbedding(ctx, id, oc.vectors[i]); err != nil {
				return waxerr.Wrap("orchestrator.remember", err)
			}
		}
	}
	return nil
}

// Recall runs the unified search and RAG context build for query, obtaining
// a query embedding per policy (spec §6.2).
func (o *Orchestrator) Recall(ctx context.Context, query string, queryEmbedding []float32, policy EmbedPolicy) (*rag.Context, error) {
	start := time.Now()
	if o.recallDuration != nil {
		defer func() { o.recallDuration.Record(ctx, float64(time.Since(start).Milliseconds())) }()
	}

	embedding := queryEmbedding
	switch policy {
	case EmbedAlways:
		if embedding == nil {
			if !o.cfg.EnableVectorSearch || o.Embedder == nil {
				return nil, waxerr.New(waxerr.KindEncodingError, "orchestrator.recall", fmt.Errorf("policy=always requires vector search and an embedder"))
			}
			v, err := embed.EmbedOne(ctx, o.Embedder, query)
			if err != nil {
				return nil, waxerr.Wrap("orchestrator.recall", err)
			}
			embedding = v
		}
	case EmbedIfAvailable:
		if embedding == nil && o.cfg.EnableVectorSearch && o.Embedder != nil {
			v, err := embed.EmbedOne(ctx, o.Embedder, query)
			if err == nil {
				embedding = v
			}
		}
	case EmbedNever:
		embedding = nil
	}

	return o.RAGBuild.Build(ctx, query, embedding, o.cfg.RAG)
}

// Flush stages the vector index (if enabled) and commits, advancing the
// generation (spec §6.2's flush = stage + commit).
func (o *Orchestrator) Flush(ctx context.Context) (uint64, error) {
	if o.cfg.EnableVectorSearch && o.Vector != nil {
		if err := o.Commit.StageVector(); err != nil {
			return 0, waxerr.Wrap("orchestrator.flush", err)
		}
	}
	gen, err := o.Commit.Commit(ctx)
	if err != nil {
		return 0, waxerr.Wrap("orchestrator.flush", err)
	}
	o.Logger.Info("wax: flush", "generation", gen)
	return gen, nil
}
