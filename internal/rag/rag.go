// Package rag implements the deterministic RAG context builder (spec
// §4.13): it runs unified search, then assembles an expansion of the
// top-ranked result, tiered surrogates, and trailing snippets under a
// strict token budget.
package rag

import (
	"context"

	"github.com/wax-db/wax/internal/frame"
	"github.com/wax-db/wax/internal/search"
	"github.com/wax-db/wax/internal/tokenize"
)

// Mode selects how much of the pipeline's surrogate tier runs.
type Mode int

const (
	// ModeFast skips the surrogate tier — expansion then straight to snippets.
	ModeFast Mode = iota
	// ModeDenseCached adds a surrogate tier between the expansion and the snippets.
	ModeDenseCached
)

// Config mirrors spec §4.13's FastRAGConfig.
type Config struct {
	Mode               Mode
	MaxContextTokens   int
	ExpansionMaxTokens int
	ExpansionMaxBytes  int
	SnippetMaxTokens   int
	MaxSnippets        int
	MaxSurrogates      int
	SurrogateMaxTokens int
	SearchTopK         int
	SearchMode         search.Mode
	RRFK               int
	PreviewMaxBytes    int
}

// ItemKind classifies one RAGContext item.
type ItemKind string

const (
	KindExpanded  ItemKind = "expanded"
	KindSurrogate ItemKind = "surrogate"
	KindSnippet   ItemKind = "snippet"
)

// Item is one piece of assembled context.
type Item struct {
	Kind    ItemKind
	FrameID int64
	Score   float64
	Sources []search.Source
	Text    string
}

// Context is the builder's output (spec §4.13).
type Context struct {
	Query       string
	Items       []Item
	TotalTokens int
}

// Builder assembles RAGContext values from an underlying search engine and
// frame store (for the pre-computed-summary lookup surrogates use).
type Builder struct {
	Search *search.Engine
	Frames *frame.Store
}

// summaryMetadataKey is the frame metadata key surrogates check for a
// pre-computed summary before falling back to a preview (spec §4.13 step 3:
// "fetch a pre-computed summary (if available) or preview").
const summaryMetadataKey = "summary"

// Build runs the six-step deterministic algorithm from spec §4.13: search,
// expand the top result, add surrogates (denseCached mode only), fill
// remaining budget with snippets, clamping every item to the running token
// budget in emission order (expansion, then surrogates, then snippets).
func (b *Builder) Build(ctx context.Context, query string, embedding []float32, cfg Config) (*Context, error) {
	results, err := b.Search.Search(ctx, search.Request{
		Query:           query,
		Embedding:       embedding,
		Mode:            cfg.SearchMode,
		TopK:            cfg.SearchTopK,
		RRFK:            cfg.RRFK,
		PreviewMaxBytes: cfg.PreviewMaxBytes,
	})
	if err != nil {
		return nil, err
	}

	out := &Context{Query: query}
	if len(results) == 0 {
		return out, nil
	}

	budget := cfg.MaxContextTokens
	emit := func(kind ItemKind, r search.Result, text string, maxTokens int) bool {
		if budget <= 0 {
			return false
		}
		clamp := maxTokens
		if budget < clamp || clamp <= 0 {
			clamp = budget
		}
		truncated := tokenize.Truncate(text, clamp)
		n := tokenize.Count(truncated)
		if n == 0 && truncated == "" {
			return true
		}
		out.Items = append(out.Items, Item{
			Kind:    kind,
			FrameID: r.FrameID,
			Score:   r.Score,
			Sources: r.Sources,
			Text:    truncated,
		})
		out.TotalTokens += n
		budget -= n
		return true
	}

	// Step 2: expansion.
	head := results[0]
	content, err := b.Frames.FramePreview(head.FrameID, boundedBytes(cfg.ExpansionMaxBytes))
	if err != nil {
		content = head.PreviewText
	}
	if !emit(KindExpanded, head, string(content), cfg.ExpansionMaxTokens) {
		return out, nil
	}

	rest := results[1:]

	// Step 3: surrogates (denseCached mode only).
	if cfg.Mode == ModeDenseCached {
		maxSurrogates := cfg.MaxSurrogates
		n := maxSurrogates
		if n > len(rest) {
			n = len(rest)
		}
		if n < 0 {
			n = 0
		}
		for i := 0; i < n; i++ {
			r := rest[i]
			text := b.surrogateText(r)
			if !emit(KindSurrogate, r, text, cfg.SurrogateMaxTokens) {
				return out, nil
			}
		}
		rest = rest[n:]
	}

	// Step 4: snippets from whatever remains.
	maxSnippets := cfg.MaxSnippets
	n := maxSnippets
	if n > len(rest) {
		n = len(rest)
	}
	if n < 0 {
		n = 0
	}
	for i := 0; i < n; i++ {
		r := rest[i]
		if !emit(KindSnippet, r, string(r.PreviewText), cfg.SnippetMaxTokens) {
			break
		}
	}

	return out, nil
}

// surrogateText returns a pre-computed summary from frame metadata if one
// was set at ingest time, otherwise falls back to the result's preview.
func (b *Builder) surrogateText(r search.Result) string {
	if b.Frames != nil {
		if meta, ok := b.Frames.Metadata(r.FrameID); ok {
			if summary, ok := meta[summaryMetadataKey]; ok && summary != "" {
				return summary
			}
		}
	}
	return string(r.PreviewText)
}

func boundedBytes(maxBytes int) int {
	if maxBytes <= 0 {
		return 1 << 20
	}
	return maxBytes
}
