package commit_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax/internal/commit"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/frame"
	"github.com/wax-db/wax/internal/lexindex"
	"github.com/wax-db/wax/internal/vectorindex"
	"github.com/wax-db/wax/internal/wal"
)

const (
	testWALOffset = uint64(format.HeaderRegionSize)
	testWALSize    = uint64(1 << 20)
)

func newFixture(t *testing.T) (*os.File, *wal.WAL, *frame.Store) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "wax-commit-*.mv2s")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	require.NoError(t, f.Truncate(int64(testWALOffset+testWALSize)))

	w, err := wal.Open(f, testWALOffset, testWALSize, 0, 0, 0, wal.FsyncOnCommit, nil, nil)
	require.NoError(t, err)

	payloadEnd := testWALOffset + testWALSize
	fs := frame.Open(f, w, nil, payloadEnd, 256<<20)
	return f, w, fs
}

func TestCommitAdvancesGenerationAndTOC(t *testing.T) {
	f, w, fs := newFixture(t)
	ctx := context.Background()

	_, err := fs.Put(ctx, []byte("hello world"), frame.PutOptions{Role: format.RoleDocument, SearchText: strPtr("hello world")})
	require.NoError(t, err)

	lex := lexindex.New()
	lex.Index(0, "hello world")

	c, err := commit.New(commit.Config{
		File:   f,
		WAL:    w,
		Frames: fs,
		Lex:    lex,
		State: commit.State{
			WALOffset: testWALOffset,
			WALSize:   testWALSize,
		},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), c.Generation())

	gen, err := c.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)
	require.Equal(t, uint64(1), c.Generation())

	// A second commit with no new mutations still advances cleanly.
	gen2, err := c.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), gen2)
}

func TestCommitRejectsUnstagedEmbeddings(t *testing.T) {
	f, w, fs := newFixture(t)
	ctx := context.Background()

	vec := vectorindex.NewDense(3, format.SimilarityCosine)
	c, err := commit.New(commit.Config{
		File:   f,
		WAL:    w,
		Frames: fs,
		Vector: vec,
		State: commit.State{
			WALOffset: testWALOffset,
			WALSize:   testWALSize,
		},
	})
	require.NoError(t, err)

	require.NoError(t, c.RecordEmbedding(ctx, 0, []float32{1, 0, 0}))

	_, err = c.Commit(ctx)
	require.Error(t, err, "commit must fail when embeddings are pending but the vector index hasn't been staged")

	require.NoError(t, c.StageVector())
	gen, err := c.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)
}

func strPtr(s string) *string { return &s }
