package chunk_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax/internal/chunk"
)

func TestSplitProducesOverlappingChunks(t *testing.T) {
	s := chunk.Strategy{TargetTokens: 4, OverlapTokens: 2}
	chunks, err := s.Split("one two three four five six seven eight")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, "one two three four", chunks[0])
	require.Equal(t, "three four five six", chunks[1])
	require.Equal(t, "five six seven eight", chunks[2])
}

func TestSplitRejectsInvalidOverlap(t *testing.T) {
	s := chunk.Strategy{TargetTokens: 4, OverlapTokens: 4}
	_, err := s.Split("anything")
	require.Error(t, err)
}

func TestSplitEmptyTextYieldsNoChunks(t *testing.T) {
	s := chunk.Strategy{TargetTokens: 4, OverlapTokens: 0}
	chunks, err := s.Split("   ")
	require.NoError(t, err)
	require.Empty(t, chunks)
}
