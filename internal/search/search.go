// Package search implements the unified search described in spec §4.12:
// text-only, vector-only, and hybrid modes, the latter fused with
// Reciprocal Rank Fusion (RRF) across the lex and vector lanes.
package search

import (
	"context"
	"math"
	"sort"

	"github.com/wax-db/wax/internal/frame"
	"github.com/wax-db/wax/internal/lexindex"
	"github.com/wax-db/wax/internal/vectorindex"
)

// Mode selects which lane(s) unified search runs.
type Mode int

const (
	ModeTextOnly Mode = iota
	ModeVectorOnly
	ModeHybrid
)

// Source identifies a lane that contributed to a fused result.
type Source string

const (
	SourceText     Source = "text"
	SourceVector   Source = "vector"
	SourceTimeline Source = "timeline"
	SourceStruct   Source = "structured_memory"
)

// Request describes one unified search call.
type Request struct {
	Query         string
	Embedding     []float32
	Mode          Mode
	TopK          int
	Alpha         float64 // hybrid text_weight; vector_weight = 1 - alpha, clamped to [0,1]
	RRFK          int     // default 60 when <= 0
	PreviewMaxBytes int
	SnippetMaxBytes int
}

// Result is one fused, ranked hit.
type Result struct {
	FrameID     int64
	Score       float64
	Sources     []Source
	PreviewText []byte
}

// Engine runs unified search against an open frame store and its enabled
// lex/vector indexes (either may be nil if that lane is disabled).
type Engine struct {
	Frames *frame.Store
	Lex    *lexindex.Index
	Vector vectorindex.Engine
}

// Search runs req against the enabled lanes and fuses them per spec §4.12.
func (e *Engine) Search(_ context.Context, req Request) ([]Result, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	var lexResults []lexindex.Result
	if (req.Mode == ModeTextOnly || req.Mode == ModeHybrid) && e.Lex != nil && req.Query != "" {
		lexResults = e.Lex.Search(req.Query, topK, req.SnippetMaxBytes)
	}

	var vecResults []vectorindex.Result
	if (req.Mode == ModeVectorOnly || req.Mode == ModeHybrid) && e.Vector != nil && len(req.Embedding) > 0 {
		var err error
		vecResults, err = e.Vector.Search(req.Embedding, topK)
		if err != nil {
			return nil, err
		}
	}

	var fused map[int64]*Result
	switch req.Mode {
	case ModeTextOnly:
		fused = fromLex(lexResults)
	case ModeVectorOnly:
		fused = fromVector(vecResults)
	default: // ModeHybrid
		fused = fuseRRF(lexResults, vecResults, req.Alpha, req.RRFK)
	}

	out := make([]Result, 0, len(fused))
	for _, r := range fused {
		if math.IsNaN(r.Score) {
			r.Score = 0
		}
		if e.Frames != nil {
			if preview, err := e.Frames.FramePreview(r.FrameID, previewLimit(req.PreviewMaxBytes)); err == nil {
				r.PreviewText = preview
			}
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].FrameID < out[j].FrameID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func previewLimit(maxBytes int) int {
	if maxBytes <= 0 {
		return 512
	}
	return maxBytes
}

func fromLex(results []lexindex.Result) map[int64]*Result {
	out := make(map[int64]*Result, len(results))
	for _, r := range results {
		out[r.FrameID] = &Result{FrameID: r.FrameID, Score: r.Score, Sources: []Source{SourceText}}
	}
	return out
}

func fromVector(results []vectorindex.Result) map[int64]*Result {
	out := make(map[int64]*Result, len(results))
	for _, r := range results {
		out[r.FrameID] = &Result{FrameID: r.FrameID, Score: float64(r.Score), Sources: []Source{SourceVector}}
	}
	return out
}

// fuseRRF fuses two lanes with Reciprocal Rank Fusion: for each lane
// (already sorted by descending score), the frame at rank r (1-based)
// contributes weight/(rrfK+r); the final score per frame is the sum of its
// contributions (spec §4.12, glossary "RRF").
func fuseRRF(lexResults []lexindex.Result, vecResults []vectorindex.Result, alpha float64, rrfK int) map[int64]*Result {
	if rrfK <= 0 {
		rrfK = 60
	}
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	textWeight := alpha
	vectorWeight := 1 - alpha

	fused := make(map[int64]*Result)
	for i, r := range lexResults {
		rank := i + 1
		res, ok := fused[r.FrameID]
		if !ok {
			res = &Result{FrameID: r.FrameID}
			fused[r.FrameID] = res
		}
		res.Score += textWeight / float64(rrfK+rank)
		res.Sources = appendSource(res.Sources, SourceText)
	}
	for i, r := range vecResults {
		rank := i + 1
		res, ok := fused[r.FrameID]
		if !ok {
			res = &Result{FrameID: r.FrameID}
			fused[r.FrameID] = res
		}
		res.Score += vectorWeight / float64(rrfK+rank)
		res.Sources = appendSource(res.Sources, SourceVector)
	}
	return fused
}

func appendSource(sources []Source, s Source) []Source {
	for _, existing := range sources {
		if existing == s {
			return sources
		}
	}
	return append(sources, s)
}
