package wax_test

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wax-db/wax"
	"github.com/wax-db/wax/internal/footerscan"
)

// stubEmbedder replays fixed vectors in call order, matching
// internal/embed.StubProvider's contract closely enough to exercise the
// same deterministic-recall behavior through the public API.
type stubEmbedder struct {
	dims    int
	vectors [][]float32
	next    int
}

func (s *stubEmbedder) Dimensions() int { return s.dims }

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	v := s.vectors[s.next%len(s.vectors)]
	s.next++
	return v, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, err := s.Embed(ctx, texts[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newTestEngine(t *testing.T, opts ...wax.Option) *wax.Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mv2s")
	eng, err := wax.Create(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func smallRAGConfig() wax.RAGConfig {
	return wax.RAGConfig{
		Mode:               wax.RAGModeFast,
		MaxContextTokens:   200,
		ExpansionMaxTokens: 50,
		ExpansionMaxBytes:  1024,
		SnippetMaxTokens:   20,
		MaxSnippets:        5,
		MaxSurrogates:      3,
		SurrogateMaxTokens: 64,
		SearchTopK:         10,
		SearchMode:         wax.SearchHybrid,
		RRFK:               60,
		PreviewMaxBytes:    256,
	}
}

// TestRememberAndFlushAdvancesGeneration covers S1/S2: a fresh store
// accepts content, and Flush durably advances the on-disk generation.
func TestRememberAndFlushAdvancesGeneration(t *testing.T) {
	eng := newTestEngine(t, wax.WithChunking(64, 8))
	ctx := context.Background()

	res, err := eng.Remember(ctx, "the quick brown fox jumps over the lazy dog", map[string]string{"source": "test"})
	require.NoError(t, err)
	require.Equal(t, int64(0), res.ParentID)
	require.NotEmpty(t, res.ChunkIDs)

	gen, err := eng.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), gen)

	stats := eng.Stats()
	require.Equal(t, uint64(1), stats.Generation)
	require.GreaterOrEqual(t, stats.FrameCount, len(res.ChunkIDs)+1)
}

// TestRecallIsDeterministicAcrossCalls covers S6: the same query against
// the same committed store must return an identical RAG context every
// time, using a stub embedder that replays fixed vectors.
func TestRecallIsDeterministicAcrossCalls(t *testing.T) {
	embedder := &stubEmbedder{dims: 2, vectors: [][]float32{{1, 0}, {0, 1}, {1, 0}}}
	eng := newTestEngine(t,
		wax.WithChunking(64, 0),
		wax.WithVectorSearch(2, wax.SimilarityCosine),
		wax.WithEmbeddingProvider(embedder, wax.EmbeddingIdentity{Provider: "stub", Dimensions: 2}, false),
		wax.WithRAGConfig(smallRAGConfig()),
	)
	ctx := context.Background()

	for _, text := range []string{"the quick brown fox", "jumps over the lazy dog", "foxes are quick"} {
		_, err := eng.Remember(ctx, text, nil)
		require.NoError(t, err)
	}
	_, err := eng.Flush(ctx)
	require.NoError(t, err)

	first, err := eng.Recall(ctx, "fox", []float32{1, 0}, wax.EmbedIfAvailable)
	require.NoError(t, err)
	second, err := eng.Recall(ctx, "fox", []float32{1, 0}, wax.EmbedIfAvailable)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.LessOrEqual(t, first.TotalTokens, smallRAGConfig().MaxContextTokens)
}

// TestSearchReturnsFusedResults exercises Search directly (spec §4.12),
// independent of RAG context assembly.
func TestSearchReturnsFusedResults(t *testing.T) {
	eng := newTestEngine(t, wax.WithChunking(64, 0))
	ctx := context.Background()

	_, err := eng.Remember(ctx, "the quick brown fox", nil)
	require.NoError(t, err)
	_, err = eng.Flush(ctx)
	require.NoError(t, err)

	results, err := eng.Search(ctx, wax.SearchRequest{
		Query:           "fox",
		Mode:            wax.SearchTextOnly,
		TopK:            5,
		PreviewMaxBytes: 64,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

// TestCreateFailsIfFileExists matches spec §4.2: Create must not silently
// overwrite an existing store.
func TestCreateFailsIfFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mv2s")
	eng, err := wax.Create(path)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = wax.Create(path)
	require.Error(t, err)
}

// TestOpenRecoversCommittedFramesAfterClose covers spec §4.8's durability
// guarantee: content remembered before a Flush survives a Close/Open
// cycle, and the recovered frame metadata matches what was written.
func TestOpenRecoversCommittedFramesAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mv2s")
	ctx := context.Background()

	eng, err := wax.Create(path, wax.WithChunking(64, 0))
	require.NoError(t, err)
	res, err := eng.Remember(ctx, "persisted content", nil)
	require.NoError(t, err)
	_, err = eng.Flush(ctx)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	reopened, err := wax.Open(path, false, wax.WithChunking(64, 0))
	require.NoError(t, err)
	defer reopened.Close()

	fm, ok := reopened.Frame(res.ParentID)
	require.True(t, ok)
	require.Equal(t, wax.RoleDocument, fm.Role)

	content, err := reopened.Content(res.ParentID)
	require.NoError(t, err)
	require.Equal(t, "persisted content", string(content))
}

// TestOpenFailsWhileWriterLeaseHeld covers spec §5's single-writer model:
// a second Open on the same file must not silently succeed while the
// first writer lease is still held.
func TestOpenFailsWhileWriterLeaseHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mv2s")
	first, err := wax.Create(path)
	require.NoError(t, err)
	defer first.Close()

	_, err = wax.Open(path, false)
	require.Error(t, err)
	require.True(t, wax.OfKind(err, wax.KindLockUnavailable))
}

// TestDeleteAndSupersede covers spec §4.9's frame-lifecycle operations.
func TestDeleteAndSupersede(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	oldID, err := eng.Put(ctx, []byte("v1"), wax.PutOptions{Role: wax.RoleDocument})
	require.NoError(t, err)
	newID, err := eng.Put(ctx, []byte("v2"), wax.PutOptions{Role: wax.RoleDocument})
	require.NoError(t, err)

	require.NoError(t, eng.Supersede(ctx, oldID, newID))
	fm, ok := eng.Frame(oldID)
	require.True(t, ok)
	require.NotNil(t, fm.SupersededBy)
	require.Equal(t, newID, *fm.SupersededBy)

	require.NoError(t, eng.Delete(ctx, newID))
	fm, ok = eng.Frame(newID)
	require.True(t, ok)
	require.Equal(t, wax.StatusDeleted, fm.Status)
	require.NoError(t, eng.Verify(true))
}

// TestPutLZ4CompressedPayloadRoundTrips covers S3: a frame stored with
// compression=lz4 reports a non-plain canonical encoding, a populated
// canonical_length/stored_checksum, and decodes back to the exact original
// bytes.
func TestPutLZ4CompressedPayloadRoundTrips(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	original := []byte(strings.Repeat("a", 512*32))
	id, err := eng.Put(ctx, original, wax.PutOptions{Role: wax.RoleBlob, CanonicalEncoding: wax.EncodingLZ4})
	require.NoError(t, err)
	_, err = eng.Flush(ctx)
	require.NoError(t, err)

	fm, ok := eng.Frame(id)
	require.True(t, ok)
	require.Equal(t, wax.EncodingLZ4, fm.CanonicalEncoding)
	require.NotNil(t, fm.CanonicalLength)
	require.Equal(t, uint64(len(original)), *fm.CanonicalLength)
	require.Greater(t, *fm.CanonicalLength, uint64(0))
	require.NotNil(t, fm.StoredChecksum)

	content, err := eng.Content(id)
	require.NoError(t, err)
	require.Equal(t, sha256.Sum256(original), sha256.Sum256(content))
	require.Equal(t, original, content)
}

// TestVerifyDeepDetectsPayloadCorruption covers S4: starting from a
// committed single-frame file, flipping one bit in frame 0's first payload
// byte still lets open succeed, but verify(deep=true) must fail with a
// checksum mismatch for that frame.
func TestVerifyDeepDetectsPayloadCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mv2s")
	ctx := context.Background()

	eng, err := wax.Create(path)
	require.NoError(t, err)
	_, err = eng.Put(ctx, []byte("swift parity payload fixture"), wax.PutOptions{Role: wax.RoleDocument})
	require.NoError(t, err)
	_, err = eng.Flush(ctx)
	require.NoError(t, err)

	fm, ok := eng.Frame(0)
	require.True(t, ok)
	require.NoError(t, eng.Close())

	flipBitAt(t, path, int64(fm.PayloadOffset))

	reopened, err := wax.Open(path, false)
	require.NoError(t, err)
	defer reopened.Close()

	err = reopened.Verify(true)
	require.Error(t, err)
	require.True(t, wax.OfKind(err, wax.KindChecksumMismatch))
}

// TestOpenRejectsCorruptFooterMagic covers the first half of S5: flipping a
// bit in the only footer's magic bytes makes open(repair=false) fail with
// invalid_footer.
func TestOpenRejectsCorruptFooterMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mv2s")
	eng, err := wax.Create(path)
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	footerOffset := locateFooter(t, path)
	flipBitAt(t, path, footerOffset)

	_, err = wax.Open(path, false)
	require.Error(t, err)
	require.True(t, wax.OfKind(err, wax.KindInvalidFooter))
}

// TestOpenRepairsFromPriorFooterAfterTrailingCorruption covers the second
// half of S5: once a prior valid footer exists (a second commit wrote a
// new one after it), corrupting only the trailing footer lets a reverse
// scan recover the prior generation instead of failing outright.
func TestOpenRepairsFromPriorFooterAfterTrailingCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.mv2s")
	ctx := context.Background()

	eng, err := wax.Create(path)
	require.NoError(t, err)
	_, err = eng.Put(ctx, []byte("first commit payload"), wax.PutOptions{Role: wax.RoleDocument})
	require.NoError(t, err)
	firstGen, err := eng.Flush(ctx)
	require.NoError(t, err)

	_, err = eng.Put(ctx, []byte("second commit payload"), wax.PutOptions{Role: wax.RoleDocument})
	require.NoError(t, err)
	secondGen, err := eng.Flush(ctx)
	require.NoError(t, err)
	require.Greater(t, secondGen, firstGen)
	require.NoError(t, eng.Close())

	trailingFooterOffset := locateFooter(t, path)
	flipBitAt(t, path, trailingFooterOffset)

	reopened, err := wax.Open(path, true)
	require.NoError(t, err)
	defer reopened.Close()

	stats := reopened.Stats()
	require.Equal(t, firstGen, stats.Generation)
}

// flipBitAt flips the low bit of the byte at off in the file at path.
func flipBitAt(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	defer f.Close()

	var b [1]byte
	_, err = f.ReadAt(b[:], off)
	require.NoError(t, err)
	b[0] ^= 0x01
	_, err = f.WriteAt(b[:], off)
	require.NoError(t, err)
}

// locateFooter finds the highest-generation valid footer's file offset via
// the same bounded reverse scan open() itself uses, so the test never has
// to hardcode the on-disk layout's byte offsets.
func locateFooter(t *testing.T, path string) int64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	info, err := f.Stat()
	require.NoError(t, err)
	result, err := footerscan.Scan(f, info.Size(), footerscan.DefaultLimits())
	require.NoError(t, err)
	return result.FooterBytes
}
