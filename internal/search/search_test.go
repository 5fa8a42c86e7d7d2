package search_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/lexindex"
	"github.com/wax-db/wax/internal/search"
	"github.com/wax-db/wax/internal/vectorindex"
)

func TestHybridFusionPrefersDoubleLaneHits(t *testing.T) {
	lex := lexindex.New()
	lex.Index(0, "the quick brown fox")
	lex.Index(1, "a slow green turtle")

	vec := vectorindex.NewDense(2, format.SimilarityCosine)
	require.NoError(t, vec.Add(0, []float32{1, 0}))
	require.NoError(t, vec.Add(1, []float32{0, 1}))

	e := &search.Engine{Lex: lex, Vector: vec}
	results, err := e.Search(context.Background(), search.Request{
		Query:     "quick fox",
		Embedding: []float32{1, 0},
		Mode:      search.ModeHybrid,
		Alpha:     0.5,
		TopK:      10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, int64(0), results[0].FrameID, "frame 0 matches both lanes and should rank first")
	require.GreaterOrEqual(t, len(results[0].Sources), 2)
}

func TestTextOnlyModeIgnoresVectorLane(t *testing.T) {
	lex := lexindex.New()
	lex.Index(0, "alpha beta gamma")

	e := &search.Engine{Lex: lex}
	results, err := e.Search(context.Background(), search.Request{
		Query: "alpha",
		Mode:  search.ModeTextOnly,
		TopK:  5,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, []search.Source{search.SourceText}, results[0].Sources)
}

func TestScoreTieBreaksBySmallerFrameID(t *testing.T) {
	lex := lexindex.New()
	lex.Index(5, "same terms here")
	lex.Index(2, "same terms here")

	e := &search.Engine{Lex: lex}
	results, err := e.Search(context.Background(), search.Request{Query: "same terms", Mode: search.ModeTextOnly, TopK: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, int64(2), results[0].FrameID, "equal scores break ties toward the smaller frame id")
}
