package wax

import (
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/orchestrator"
	"github.com/wax-db/wax/internal/rag"
	"github.com/wax-db/wax/internal/search"
)

// Role classifies a frame's place in the document/chunk hierarchy.
type Role = format.Role

const (
	RoleDocument = format.RoleDocument
	RoleChunk    = format.RoleChunk
	RoleBlob     = format.RoleBlob
	RoleSystem   = format.RoleSystem
)

// Encoding is a frame's canonical on-disk encoding.
type Encoding = format.Encoding

const (
	EncodingPlain   = format.EncodingPlain
	EncodingLZFSE   = format.EncodingLZFSE
	EncodingLZ4     = format.EncodingLZ4
	EncodingDeflate = format.EncodingDeflate
)

// Status classifies whether a frame is live or deleted.
type Status = format.Status

const (
	StatusActive  = format.StatusActive
	StatusDeleted = format.StatusDeleted
)

// Similarity is a vector index's distance metric.
type Similarity = format.Similarity

const (
	SimilarityCosine = format.SimilarityCosine
	SimilarityDot    = format.SimilarityDot
	SimilarityL2     = format.SimilarityL2
)

// SearchMode selects which lane(s) a Search or Recall call runs.
type SearchMode = search.Mode

const (
	SearchTextOnly   = search.ModeTextOnly
	SearchVectorOnly = search.ModeVectorOnly
	SearchHybrid     = search.ModeHybrid
)

// Source identifies a lane that contributed to a fused search result.
type Source = search.Source

const (
	SourceText     = search.SourceText
	SourceVector   = search.SourceVector
	SourceTimeline = search.SourceTimeline
	SourceStruct   = search.SourceStruct
)

// EmbedPolicy controls how Recall obtains a query embedding when the
// caller doesn't supply one directly.
type EmbedPolicy = orchestrator.EmbedPolicy

const (
	EmbedNever       = orchestrator.EmbedNever
	EmbedIfAvailable = orchestrator.EmbedIfAvailable
	EmbedAlways      = orchestrator.EmbedAlways
)

// RAGMode selects how much of the RAG context builder's pipeline runs.
type RAGMode = rag.Mode

const (
	RAGModeFast        = rag.ModeFast
	RAGModeDenseCached = rag.ModeDenseCached
)

// ItemKind classifies one RAGContext item.
type ItemKind = rag.ItemKind

const (
	KindExpanded  = rag.KindExpanded
	KindSurrogate = rag.KindSurrogate
	KindSnippet   = rag.KindSnippet
)

// RAGConfig mirrors spec §4.13's FastRAGConfig. Its underlying layout must
// stay identical to internal/rag.Config so WithRAGConfig's conversion
// stays valid.
type RAGConfig struct {
	Mode               RAGMode
	MaxContextTokens   int
	ExpansionMaxTokens int
	ExpansionMaxBytes  int
	SnippetMaxTokens   int
	MaxSnippets        int
	MaxSurrogates      int
	SurrogateMaxTokens int
	SearchTopK         int
	SearchMode         SearchMode
	RRFK               int
	PreviewMaxBytes    int
}

// RAGItem is one piece of assembled recall context.
type RAGItem struct {
	Kind    ItemKind
	FrameID int64
	Score   float64
	Sources []Source
	Text    string
}

// RAGContext is the result of a Recall call (spec §4.13).
type RAGContext struct {
	Query       string
	Items       []RAGItem
	TotalTokens int
}

func toPublicRAGContext(c *rag.Context) *RAGContext {
	if c == nil {
		return nil
	}
	items := make([]RAGItem, len(c.Items))
	for i, it := range c.Items {
		items[i] = RAGItem{
			Kind:    it.Kind,
			FrameID: it.FrameID,
			Score:   it.Score,
			Sources: it.Sources,
			Text:    it.Text,
		}
	}
	return &RAGContext{Query: c.Query, Items: items, TotalTokens: c.TotalTokens}
}

// SearchRequest describes one unified Search call (spec §4.12).
type SearchRequest struct {
	Query           string
	Embedding       []float32
	Mode            SearchMode
	TopK            int
	Alpha           float64
	RRFK            int
	PreviewMaxBytes int
	SnippetMaxBytes int
}

// SearchResult is one fused, ranked hit.
type SearchResult struct {
	FrameID     int64
	Score       float64
	Sources     []Source
	PreviewText []byte
}

func toPublicSearchResults(rs []search.Result) []SearchResult {
	out := make([]SearchResult, len(rs))
	for i, r := range rs {
		out[i] = SearchResult{FrameID: r.FrameID, Score: r.Score, Sources: r.Sources, PreviewText: r.PreviewText}
	}
	return out
}

// RememberResult reports the frames a Remember call created.
type RememberResult struct {
	ParentID int64
	ChunkIDs []int64
}

// Frame is the public view of one frame's metadata (spec §4.9).
type Frame struct {
	ID                int64
	TimestampMs       int64
	Role              Role
	ParentID          *int64
	ChunkIndex        *uint32
	ChunkCount        *uint32
	PayloadOffset     uint64
	PayloadLength     uint64
	CanonicalEncoding Encoding
	CanonicalLength   *uint64 // non-nil only when CanonicalEncoding != EncodingPlain
	StoredChecksum    *[32]byte
	Status            Status
	Supersedes        *int64
	SupersededBy      *int64
	URI               *string
	Title             *string
	Metadata          map[string]string
	Tags              [][2]string
	Labels            []string
	ContentDate       *string
}

func toPublicFrame(fm format.FrameMeta) Frame {
	return Frame{
		ID:                fm.ID,
		TimestampMs:       fm.TimestampMs,
		Role:              fm.Role,
		ParentID:          fm.ParentID,
		ChunkIndex:        fm.ChunkIndex,
		ChunkCount:        fm.ChunkCount,
		PayloadOffset:     fm.PayloadOffset,
		PayloadLength:     fm.PayloadLength,
		CanonicalEncoding: fm.CanonicalEncoding,
		CanonicalLength:   fm.CanonicalLength,
		StoredChecksum:    fm.StoredChecksum,
		Status:            fm.Status,
		Supersedes:        fm.Supersedes,
		SupersededBy:      fm.SupersededBy,
		URI:               fm.URI,
		Title:             fm.Title,
		Metadata:          fm.Metadata,
		Tags:              fm.Tags,
		Labels:            fm.Labels,
		ContentDate:       fm.ContentDate,
	}
}

// PutOptions configures one Put call.
type PutOptions struct {
	TimestampMs       int64
	Role              Role
	ParentID          *int64
	CanonicalEncoding Encoding // zero value (EncodingPlain) stores content uncompressed
	URI               *string
	Title             *string
	SearchText        *string
	Metadata          map[string]string
	Tags              [][2]string
	Labels            []string
	ContentDate       *string
}

// Stats reports point-in-time counters about an open engine (spec §12, a
// supplemented feature referenced but never formally defined by the core
// spec's scenario walkthroughs).
type Stats struct {
	FrameCount      int
	Generation      uint64
	WALPendingBytes uint64
	LexDocCount     int
	VectorCount     int
}
