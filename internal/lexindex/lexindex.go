// Package lexindex implements a BM25-ranked inverted index over frame
// search text, with the staged-mutation discipline spec §4.10 requires:
// index/index_batch/remove accumulate against an in-memory staged copy,
// Serialize snapshots it to a committed byte blob, and Deserialize rebuilds
// an index from a committed blob on open.
package lexindex

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/wax-db/wax/internal/codec"
	"github.com/wax-db/wax/internal/waxerr"
)

// BM25 parameters (spec §9 Open Question 1: not pinned by the source
// material). Fixed here at the standard Okapi BM25 defaults and documented
// in DESIGN.md so ranking stays stable across versions of this module.
const (
	k1 = 1.2
	b  = 0.75
)

// Result is one ranked hit from Search.
type Result struct {
	FrameID int64
	Score   float64
	Snippet string
}

// Index is an in-memory BM25 inverted index. The zero value is an empty,
// ready-to-use index.
type Index struct {
	docs     map[int64]docEntry
	postings map[string]map[int64]int // term -> frameID -> term frequency
	totalLen int64
}

type docEntry struct {
	length int
	text   string
	live   bool
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		docs:     make(map[int64]docEntry),
		postings: make(map[string]map[int64]int),
	}
}

// Index stages frameID's text for retrieval, replacing any prior text for
// that id.
func (x *Index) Index(frameID int64, text string) {
	x.removeLocked(frameID)
	terms := tokenize(text)
	counts := make(map[string]int, len(terms))
	for _, t := range terms {
		counts[t]++
	}
	for t, c := range counts {
		bucket, ok := x.postings[t]
		if !ok {
			bucket = make(map[int64]int)
			x.postings[t] = bucket
		}
		bucket[frameID] = c
	}
	x.docs[frameID] = docEntry{length: len(terms), text: text, live: true}
	x.totalLen += int64(len(terms))
}

// IndexBatch stages multiple (frameID, text) pairs.
func (x *Index) IndexBatch(frameIDs []int64, texts []string) error {
	if len(frameIDs) != len(texts) {
		return waxerr.New(waxerr.KindEncodingError, "lexindex.index_batch", fmt.Errorf("frameIDs/texts length mismatch"))
	}
	for i, id := range frameIDs {
		x.Index(id, texts[i])
	}
	return nil
}

// Remove stages frameID's removal from the index.
func (x *Index) Remove(frameID int64) {
	x.removeLocked(frameID)
	delete(x.docs, frameID)
}

func (x *Index) removeLocked(frameID int64) {
	entry, ok := x.docs[frameID]
	if !ok {
		return
	}
	x.totalLen -= int64(entry.length)
	for t, bucket := range x.postings {
		if _, ok := bucket[frameID]; ok {
			delete(bucket, frameID)
			if len(bucket) == 0 {
				delete(x.postings, t)
			}
		}
	}
}

// DocCount returns the number of indexed documents.
func (x *Index) DocCount() int { return len(x.docs) }

// Search returns up to topK BM25-ranked results for query, each carrying a
// snippet bounded by snippetMaxBytes drawn from the matched document's
// original text.
func (x *Index) Search(query string, topK int, snippetMaxBytes int) []Result {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 || len(x.docs) == 0 {
		return nil
	}
	avgLen := float64(x.totalLen) / float64(len(x.docs))
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[int64]float64)
	seen := make(map[string]bool, len(queryTerms))
	for _, qt := range queryTerms {
		if seen[qt] {
			continue
		}
		seen[qt] = true
		bucket, ok := x.postings[qt]
		if !ok {
			continue
		}
		idf := math.Log(1 + (float64(len(x.docs))-float64(len(bucket))+0.5)/(float64(len(bucket))+0.5))
		for frameID, tf := range bucket {
			entry := x.docs[frameID]
			denom := float64(tf) + k1*(1-b+b*float64(entry.length)/avgLen)
			scores[frameID] += idf * (float64(tf) * (k1 + 1)) / denom
		}
	}

	results := make([]Result, 0, len(scores))
	for frameID, score := range scores {
		if math.IsNaN(score) {
			score = 0
		}
		results = append(results, Result{
			FrameID: frameID,
			Score:   score,
			Snippet: snippet(x.docs[frameID].text, snippetMaxBytes),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FrameID < results[j].FrameID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func snippet(text string, maxBytes int) string {
	if maxBytes <= 0 || len(text) <= maxBytes {
		return text
	}
	return text[:maxBytes]
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return fields
}

// Serialize snapshots the live index to a deterministic byte blob for the
// commit coordinator to write into a segment (spec §4.8 step 2).
func (x *Index) Serialize() []byte {
	e := codec.NewEncoder(4096)

	ids := make([]int64, 0, len(x.docs))
	for id := range x.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	e.ArrayHeader(len(ids))
	for _, id := range ids {
		e.PutI64(id)
		e.PutString(x.docs[id].text)
	}
	return e.Bytes()
}

// Deserialize rebuilds an Index from a blob produced by Serialize.
func Deserialize(buf []byte) (*Index, error) {
	d := codec.NewDecoder(buf, codec.DefaultLimits())
	count, err := d.ArrayHeader()
	if err != nil {
		return nil, waxerr.Wrap("lexindex.deserialize", err)
	}
	idx := New()
	for i := 0; i < count; i++ {
		id, err := d.I64()
		if err != nil {
			return nil, waxerr.Wrap("lexindex.deserialize", err)
		}
		text, err := d.String()
		if err != nil {
			return nil, waxerr.Wrap("lexindex.deserialize", err)
		}
		idx.Index(id, text)
	}
	if err := d.Finalize(); err != nil {
		return nil, waxerr.Wrap("lexindex.deserialize", err)
	}
	return idx, nil
}
