package wax

import (
	"context"

	"github.com/pgvector/pgvector-go"

	"github.com/wax-db/wax/internal/embed"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/vectorindex"
)

// EmbeddingProvider generates a single embedding vector from text. Wax
// never computes embeddings itself (spec §1 Non-goals) — hosts inject an
// implementation via WithEmbeddingProvider. Plain []float32 is used here
// (not pgvector.Vector) so embedding a custom provider doesn't force the
// pgvector dependency on callers; the adapter built by newEmbedProvider
// bridges to the internal representation.
type EmbeddingProvider interface {
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbeddingProvider is the capability refinement for providers that
// can embed many texts in one call (spec §9: "batch vs. single is a
// capability refinement, not a type hierarchy"). Providers that don't
// implement this fall back to sequential single-embed calls.
type BatchEmbeddingProvider interface {
	EmbeddingProvider
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingIdentity describes the provider/model that produced a set of
// committed vectors (spec §4.14). It is held in memory only: it is not
// persisted, and a reopened engine does not check it against the provider
// that wrote earlier embeddings. Its layout must match
// internal/embed.Identity for the direct conversion in newEmbedProvider to
// stay valid.
type EmbeddingIdentity struct {
	Provider   string
	Model      string
	Dimensions int
	Normalized bool
}

// VectorSearchEngine is the capability set a pluggable vector index must
// satisfy to replace the built-in brute-force DenseEngine (spec §4.11,
// §9's "polymorphic vector engine"). Its layout mirrors
// internal/vectorindex.Engine field-for-field; the adapter built by
// newVectorEngine bridges to the internal representation.
type VectorSearchEngine interface {
	Dimensions() uint32
	Metric() Similarity
	Count() int
	Add(frameID int64, vector []float32) error
	AddBatch(frameIDs []int64, vectors [][]float32) error
	Remove(frameID int64) error
	Search(vector []float32, topK int) ([]VectorResult, error)
	Serialize() ([]byte, error)
	StageForCommit() ([]byte, error)
}

// VectorResult is one ranked hit from VectorSearchEngine.Search.
type VectorResult struct {
	FrameID int64
	Score   float32
}

// ── Adapters (defined here because this file imports both the public and
// the internal representations) ─────────────────────────────────────────

// embeddingAdapter wraps a public EmbeddingProvider to satisfy
// internal/embed.Provider.
type embeddingAdapter struct {
	p         EmbeddingProvider
	identity  embed.Identity
	normalize bool
}

func (a *embeddingAdapter) Dimensions() int         { return a.p.Dimensions() }
func (a *embeddingAdapter) Normalize() bool         { return a.normalize }
func (a *embeddingAdapter) Identity() embed.Identity { return a.identity }

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

// batchEmbeddingAdapter additionally satisfies internal/embed.BatchProvider;
// only constructed when the wrapped provider implements BatchEmbeddingProvider.
type batchEmbeddingAdapter struct {
	embeddingAdapter
	bp BatchEmbeddingProvider
}

func (a *batchEmbeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.bp.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

// newEmbedProvider bridges a public EmbeddingProvider to internal/embed.Provider,
// upgrading to the batch capability when the wrapped value supports it.
func newEmbedProvider(p EmbeddingProvider, identity EmbeddingIdentity, normalize bool) embed.Provider {
	if p == nil {
		return nil
	}
	base := embeddingAdapter{p: p, identity: embed.Identity(identity), normalize: normalize}
	if bp, ok := p.(BatchEmbeddingProvider); ok {
		return &batchEmbeddingAdapter{embeddingAdapter: base, bp: bp}
	}
	return &base
}

// vectorEngineAdapter wraps a public VectorSearchEngine to satisfy
// internal/vectorindex.Engine.
type vectorEngineAdapter struct {
	e VectorSearchEngine
}

func (a *vectorEngineAdapter) Dimensions() uint32            { return a.e.Dimensions() }
func (a *vectorEngineAdapter) Metric() format.Similarity     { return format.Similarity(a.e.Metric()) }
func (a *vectorEngineAdapter) Count() int                    { return a.e.Count() }
func (a *vectorEngineAdapter) Add(id int64, v []float32) error { return a.e.Add(id, v) }
func (a *vectorEngineAdapter) Remove(id int64) error          { return a.e.Remove(id) }
func (a *vectorEngineAdapter) Serialize() ([]byte, error)     { return a.e.Serialize() }
func (a *vectorEngineAdapter) StageForCommit() ([]byte, error) { return a.e.StageForCommit() }

func (a *vectorEngineAdapter) AddBatch(ids []int64, vs [][]float32) error {
	return a.e.AddBatch(ids, vs)
}

func (a *vectorEngineAdapter) Search(v []float32, topK int) ([]vectorindex.Result, error) {
	res, err := a.e.Search(v, topK)
	if err != nil {
		return nil, err
	}
	out := make([]vectorindex.Result, len(res))
	for i, r := range res {
		out[i] = vectorindex.Result{FrameID: r.FrameID, Score: r.Score}
	}
	return out, nil
}

func newVectorEngine(e VectorSearchEngine) vectorindex.Engine {
	if e == nil {
		return nil
	}
	return &vectorEngineAdapter{e: e}
}
