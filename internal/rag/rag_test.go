package rag_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax/internal/frame"
	"github.com/wax-db/wax/internal/lexindex"
	"github.com/wax-db/wax/internal/rag"
	"github.com/wax-db/wax/internal/search"
	"github.com/wax-db/wax/internal/wal"
)

const (
	testWALOffset = uint64(1 << 16)
	testWALSize    = uint64(1 << 20)
)

func newFixture(t *testing.T) (*frame.Store, *lexindex.Index) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "wax-rag-*.db")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(testWALOffset+testWALSize)))
	t.Cleanup(func() { f.Close() })

	w, err := wal.Open(f, testWALOffset, testWALSize, 0, 0, 0, wal.FsyncOnCommit, nil, nil)
	require.NoError(t, err)

	fs := frame.Open(f, w, nil, testWALOffset+testWALSize, 256<<20)

	lex := lexindex.New()
	return fs, lex
}

func TestBuildEmitsExpansionThenSnippets(t *testing.T) {
	fs, lex := newFixture(t)
	ctx := context.Background()

	id0, err := fs.Put(ctx, []byte("the quick brown fox"), frame.PutOptions{})
	require.NoError(t, err)
	id1, err := fs.Put(ctx, []byte("jumps over the lazy dog"), frame.PutOptions{})
	require.NoError(t, err)
	id2, err := fs.Put(ctx, []byte("foxes are quick"), frame.PutOptions{})
	require.NoError(t, err)

	lex.Index(id0, "the quick brown fox")
	lex.Index(id1, "jumps over the lazy dog")
	lex.Index(id2, "foxes are quick")

	b := &rag.Builder{Search: &search.Engine{Frames: fs, Lex: lex}, Frames: fs}
	cfg := rag.Config{
		Mode:               rag.ModeFast,
		MaxContextTokens:   100,
		ExpansionMaxTokens: 50,
		ExpansionMaxBytes:  1024,
		SnippetMaxTokens:   20,
		MaxSnippets:        5,
		SearchTopK:         10,
		SearchMode:         search.ModeTextOnly,
		PreviewMaxBytes:    256,
	}

	out, err := b.Build(ctx, "fox", nil, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, out.Items)
	require.Equal(t, rag.KindExpanded, out.Items[0].Kind)
	for _, item := range out.Items[1:] {
		require.Equal(t, rag.KindSnippet, item.Kind)
	}
	require.LessOrEqual(t, out.TotalTokens, cfg.MaxContextTokens)
}

func TestBuildIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	fs, lex := newFixture(t)
	ctx := context.Background()

	id0, _ := fs.Put(ctx, []byte("the quick brown fox"), frame.PutOptions{})
	id1, _ := fs.Put(ctx, []byte("jumps over the lazy dog"), frame.PutOptions{})
	id2, _ := fs.Put(ctx, []byte("foxes are quick"), frame.PutOptions{})
	lex.Index(id0, "the quick brown fox")
	lex.Index(id1, "jumps over the lazy dog")
	lex.Index(id2, "foxes are quick")

	b := &rag.Builder{Search: &search.Engine{Frames: fs, Lex: lex}, Frames: fs}
	cfg := rag.Config{
		Mode:               rag.ModeFast,
		MaxContextTokens:   100,
		ExpansionMaxTokens: 50,
		ExpansionMaxBytes:  1024,
		SnippetMaxTokens:   20,
		MaxSnippets:        5,
		SearchTopK:         10,
		SearchMode:         search.ModeTextOnly,
		PreviewMaxBytes:    256,
	}

	first, err := b.Build(ctx, "fox", nil, cfg)
	require.NoError(t, err)
	second, err := b.Build(ctx, "fox", nil, cfg)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestBuildStopsAtBudget(t *testing.T) {
	fs, lex := newFixture(t)
	ctx := context.Background()
	id0, _ := fs.Put(ctx, []byte("alpha beta gamma delta epsilon zeta eta theta iota kappa"), frame.PutOptions{})
	lex.Index(id0, "alpha beta gamma delta epsilon zeta eta theta iota kappa")

	b := &rag.Builder{Search: &search.Engine{Frames: fs, Lex: lex}, Frames: fs}
	cfg := rag.Config{
		Mode:               rag.ModeFast,
		MaxContextTokens:   3,
		ExpansionMaxTokens: 50,
		ExpansionMaxBytes:  1024,
		SearchTopK:         10,
		SearchMode:         search.ModeTextOnly,
		PreviewMaxBytes:    256,
	}

	out, err := b.Build(ctx, "alpha", nil, cfg)
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	require.LessOrEqual(t, out.TotalTokens, 3)
}

func TestSurrogatesPreferPrecomputedSummary(t *testing.T) {
	fs, lex := newFixture(t)
	ctx := context.Background()

	id0, _ := fs.Put(ctx, []byte("the quick brown fox"), frame.PutOptions{})
	id1, err := fs.Put(ctx, []byte("jumps over the lazy dog"), frame.PutOptions{Metadata: map[string]string{"summary": "a dog story"}})
	require.NoError(t, err)
	lex.Index(id0, "the quick brown fox dog")
	lex.Index(id1, "jumps over the lazy dog")

	b := &rag.Builder{Search: &search.Engine{Frames: fs, Lex: lex}, Frames: fs}
	cfg := rag.Config{
		Mode:               rag.ModeDenseCached,
		MaxContextTokens:   100,
		ExpansionMaxTokens: 50,
		ExpansionMaxBytes:  1024,
		SurrogateMaxTokens: 20,
		MaxSurrogates:      5,
		SnippetMaxTokens:   20,
		MaxSnippets:        5,
		SearchTopK:         10,
		SearchMode:         search.ModeTextOnly,
		PreviewMaxBytes:    256,
	}

	out, err := b.Build(ctx, "dog", nil, cfg)
	require.NoError(t, err)
	var found bool
	for _, item := range out.Items {
		if item.Kind == rag.KindSurrogate && item.FrameID == id1 {
			require.Equal(t, "a dog story", item.Text)
			found = true
		}
	}
	require.True(t, found)
}
