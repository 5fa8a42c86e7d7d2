package embed_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax/internal/embed"
)

func TestEmbedOneNormalizes(t *testing.T) {
	p := embed.NewStubProvider(2, true, embed.Identity{Provider: "stub", Dimensions: 2, Normalized: true}, [][]float32{{3, 4}})
	v, err := embed.EmbedOne(context.Background(), p, "anything")
	require.NoError(t, err)
	require.InDelta(t, 0.6, v[0], 1e-6)
	require.InDelta(t, 0.8, v[1], 1e-6)
}

func TestEmbedOneRejectsDimensionMismatch(t *testing.T) {
	p := embed.NewStubProvider(3, false, embed.Identity{Provider: "stub", Dimensions: 3}, [][]float32{{1, 0}})
	_, err := embed.EmbedOne(context.Background(), p, "anything")
	require.Error(t, err)
}

func TestEmbedManyUsesBatchPath(t *testing.T) {
	p := embed.NewStubProvider(2, false, embed.Identity{Provider: "stub", Dimensions: 2}, [][]float32{{1, 0}, {0, 1}})
	vecs, err := embed.EmbedMany(context.Background(), p, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	require.Equal(t, []float32{1, 0}, vecs[0])
	require.Equal(t, []float32{0, 1}, vecs[1])
	require.Equal(t, []float32{1, 0}, vecs[2]) // cycles back
}

func TestEmbedOneZeroVectorNormalizeNoOp(t *testing.T) {
	p := embed.NewStubProvider(2, true, embed.Identity{Provider: "stub", Dimensions: 2}, [][]float32{{0, 0}})
	v, err := embed.EmbedOne(context.Background(), p, "anything")
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0}, v)
}
