package orchestrator_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax/internal/commit"
	"github.com/wax-db/wax/internal/embed"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/frame"
	"github.com/wax-db/wax/internal/lexindex"
	"github.com/wax-db/wax/internal/orchestrator"
	"github.com/wax-db/wax/internal/rag"
	"github.com/wax-db/wax/internal/search"
	"github.com/wax-db/wax/internal/vectorindex"
	"github.com/wax-db/wax/internal/wal"
)

const (
	testWALOffset = uint64(format.HeaderRegionSize)
	testWALSize    = uint64(1 << 20)
)

func newOrchestrator(t *testing.T, cfg orchestrator.Config, embedder embed.Provider) *orchestrator.Orchestrator {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "wax-orch-*.mv2s")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(int64(testWALOffset+testWALSize)))

	w, err := wal.Open(f, testWALOffset, testWALSize, 0, 0, 0, wal.FsyncOnCommit, nil, nil)
	require.NoError(t, err)

	fs := frame.Open(f, w, nil, testWALOffset+testWALSize, 256<<20)

	var lex *lexindex.Index
	if cfg.EnableTextSearch {
		lex = lexindex.New()
	}
	var vec vectorindex.Engine
	if cfg.EnableVectorSearch {
		vec = vectorindex.NewDense(2, format.SimilarityCosine)
	}

	c, err := commit.New(commit.Config{
		File:   f,
		WAL:    w,
		Frames: fs,
		Lex:    lex,
		Vector: vec,
		State:  commit.State{WALOffset: testWALOffset, WALSize: testWALSize},
	})
	require.NoError(t, err)

	return orchestrator.New(fs, lex, vec, c, embedder, nil, cfg)
}

func baseConfig() orchestrator.Config {
	return orchestrator.Config{
		EnableTextSearch:   true,
		EnableVectorSearch: true,
		Chunking:           orchestrator.Chunking{TargetTokens: 4, OverlapTokens: 0},
		IngestConcurrency:  2,
		IngestBatchSize:    2,
		RAG: rag.Config{
			Mode:               rag.ModeFast,
			MaxContextTokens:   200,
			ExpansionMaxTokens: 50,
			ExpansionMaxBytes:  1024,
			SnippetMaxTokens:   20,
			MaxSnippets:        5,
			SearchTopK:         10,
			SearchMode:         search.ModeHybrid,
			PreviewMaxBytes:    256,
		},
	}
}

func TestRememberCreatesDocumentAndChunkFrames(t *testing.T) {
	embedder := embed.NewStubProvider(2, false, embed.Identity{Provider: "stub", Dimensions: 2}, [][]float32{{1, 0}, {0, 1}, {1, 0}})
	o := newOrchestrator(t, baseConfig(), embedder)

	res, err := o.Remember(context.Background(), "the quick brown fox jumps over the lazy dog", map[string]string{"source": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, res.ChunkIDs)

	gen, err := o.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)
}

func TestRecallReturnsDeterministicContext(t *testing.T) {
	embedder := embed.NewStubProvider(2, true, embed.Identity{Provider: "stub", Dimensions: 2, Normalized: true}, [][]float32{{1, 0}, {0, 1}, {1, 0}})
	o := newOrchestrator(t, baseConfig(), embedder)
	ctx := context.Background()

	_, err := o.Remember(ctx, "the quick brown fox", nil)
	require.NoError(t, err)
	_, err = o.Remember(ctx, "jumps over the lazy dog", nil)
	require.NoError(t, err)
	_, err = o.Remember(ctx, "foxes are quick", nil)
	require.NoError(t, err)

	_, err = o.Flush(ctx)
	require.NoError(t, err)

	first, err := o.Recall(ctx, "fox", []float32{1, 0}, orchestrator.EmbedIfAvailable)
	require.NoError(t, err)
	second, err := o.Recall(ctx, "fox", []float32{1, 0}, orchestrator.EmbedIfAvailable)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.LessOrEqual(t, first.TotalTokens, baseConfig().RAG.MaxContextTokens)
}

func TestRecallAlwaysFailsWithoutEmbedder(t *testing.T) {
	cfg := baseConfig()
	o := newOrchestrator(t, cfg, nil)
	ctx := context.Background()
	_, err := o.Remember(ctx, "some content here", nil)
	require.NoError(t, err)
	_, err = o.Flush(ctx)
	require.NoError(t, err)

	_, err = o.Recall(ctx, "content", nil, orchestrator.EmbedAlways)
	require.Error(t, err)
}
