// Package embed defines the embedding-provider capability Wax's ingest
// pipeline delegates to. Wax never computes embeddings itself (spec §1
// Non-goals): hosts inject a Provider, and the engine only normalizes and
// stores the vectors it's handed.
//
// Adapted from akashi's internal/service/embedding.Provider: same
// single-embed/batch-embed capability split and pgvector.Vector wire type.
// Akashi's concrete OpenAIProvider (a live HTTP client to a remote API) is
// intentionally not carried over — spec §1 explicitly excludes embedding
// providers from the engine's scope, so Wax ships only the interface and a
// deterministic stub standing in for akashi's NoopProvider.
package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"

	"github.com/wax-db/wax/internal/waxerr"
)

// Identity describes the provider configuration that produced a set of
// committed vectors (spec §4.14's EmbeddingProvider contract). It is held
// in memory alongside the provider; it is not persisted, and nothing
// compares it across reopens.
type Identity struct {
	Provider   string
	Model      string
	Dimensions int
	Normalized bool
}

// Provider generates a single embedding vector from text.
type Provider interface {
	Dimensions() int
	Normalize() bool
	Identity() Identity
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// BatchProvider is the capability refinement for providers that can embed
// many texts in one call. It is checked with a type assertion against a
// Provider, not modeled as a separate interface hierarchy (spec §9: "Batch
// vs. single is a capability refinement, not a type hierarchy").
type BatchProvider interface {
	Provider
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)
}

// EmbedOne embeds text via p, applying L2 normalization when p.Normalize()
// is true (spec §4.14: "Vectors are L2-normalized by the engine iff
// normalize=true" — the engine's responsibility, not the provider's).
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	v, err := p.Embed(ctx, text)
	if err != nil {
		return nil, waxerr.Wrap("embed.embed_one", err)
	}
	vec := v.Slice()
	if len(vec) != p.Dimensions() {
		return nil, waxerr.New(waxerr.KindEncodingError, "embed.embed_one", fmt.Errorf("provider returned %d dims, want %d", len(vec), p.Dimensions()))
	}
	if p.Normalize() {
		normalizeInPlace(vec)
	}
	return vec, nil
}

// EmbedMany embeds texts, using p's batch capability when available and
// falling back to sequential single-embed calls otherwise. The returned
// count always equals len(texts); a provider that returns a mismatched
// count fails (spec §4.14).
func EmbedMany(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if bp, ok := p.(BatchProvider); ok {
		vecs, err := bp.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, waxerr.Wrap("embed.embed_many", err)
		}
		if len(vecs) != len(texts) {
			return nil, waxerr.New(waxerr.KindEncodingError, "embed.embed_many", fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(texts)))
		}
		out := make([][]float32, len(vecs))
		for i, v := range vecs {
			s := v.Slice()
			if len(s) != p.Dimensions() {
				return nil, waxerr.New(waxerr.KindEncodingError, "embed.embed_many", fmt.Errorf("vector %d: %d dims, want %d", i, len(s), p.Dimensions()))
			}
			if p.Normalize() {
				normalizeInPlace(s)
			}
			out[i] = s
		}
		return out, nil
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := EmbedOne(ctx, p, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func normalizeInPlace(v []float32) {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}

// StubProvider returns fixed, caller-supplied vectors keyed by call order —
// deterministic test/reference double standing in for a real embedder,
// adapted from akashi's NoopProvider (which always returned a zero vector;
// this stub instead replays whatever vectors the caller seeded it with, so
// deterministic-recall tests like spec §8 scenario S6 can assert on exact
// fused scores).
type StubProvider struct {
	dims      int
	normalize bool
	identity  Identity
	vectors   [][]float32
	calls     int
}

// NewStubProvider returns a StubProvider that replays vectors in order
// across successive Embed calls, cycling if Embed is called more times
// than len(vectors).
func NewStubProvider(dims int, normalize bool, identity Identity, vectors [][]float32) *StubProvider {
	return &StubProvider{dims: dims, normalize: normalize, identity: identity, vectors: vectors}
}

func (s *StubProvider) Dimensions() int   { return s.dims }
func (s *StubProvider) Normalize() bool   { return s.normalize }
func (s *StubProvider) Identity() Identity { return s.identity }

func (s *StubProvider) Embed(_ context.Context, _ string) (pgvector.Vector, error) {
	if len(s.vectors) == 0 {
		return pgvector.NewVector(make([]float32, s.dims)), nil
	}
	v := s.vectors[s.calls%len(s.vectors)]
	s.calls++
	return pgvector.NewVector(v), nil
}

func (s *StubProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
