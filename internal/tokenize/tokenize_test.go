package tokenize_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax/internal/tokenize"
)

func TestCountIsDeterministic(t *testing.T) {
	text := "the quick, brown fox jumps!"
	a := tokenize.Count(text)
	b := tokenize.Count(text)
	require.Equal(t, a, b)
	require.Greater(t, a, 0)
}

func TestTruncateNeverExceedsBudget(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta theta"
	truncated := tokenize.Truncate(text, 3)
	require.LessOrEqual(t, tokenize.Count(truncated), 3)
	require.Equal(t, "alpha beta gamma", truncated)
}

func TestTruncateNoOpWhenUnderBudget(t *testing.T) {
	text := "short text"
	require.Equal(t, text, tokenize.Truncate(text, 100))
}
