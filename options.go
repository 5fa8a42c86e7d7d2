package wax

import (
	"log/slog"
	"time"

	"github.com/wax-db/wax/internal/fsio"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/rag"
	"github.com/wax-db/wax/internal/search"
	"github.com/wax-db/wax/internal/wal"
)

// Option configures an Engine at Create/Open time.
type Option func(*resolvedOptions)

// resolvedOptions holds every extension point after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger *slog.Logger
	version string

	walFsyncPolicy wal.FsyncPolicy
	walSize        uint64
	maxBlobBytes   uint64
	ioQueueLabel   string
	ioQoS          string
	lockPolicy     fsio.Policy
	lockTimeout    time.Duration

	enableTextSearch   bool
	enableVectorSearch bool
	vectorDimension    uint32
	vectorMetric       format.Similarity
	vectorEngine       VectorSearchEngine
	useMetalSearch     bool

	embeddingProvider  EmbeddingProvider
	embeddingIdentity  EmbeddingIdentity
	embeddingNormalize bool

	chunkTargetTokens  int
	chunkOverlapTokens int

	rag               rag.Config
	ingestConcurrency int
	ingestBatchSize   int

	otelEndpoint string
	otelInsecure bool
	serviceName  string

	loadConfigFromEnv bool
}

func defaultOptions() resolvedOptions {
	return resolvedOptions{
		walFsyncPolicy:     wal.FsyncOnCommit,
		walSize:            16 << 20,
		maxBlobBytes:       256 << 20,
		lockPolicy:         fsio.PolicyFail,
		enableTextSearch:   true,
		enableVectorSearch: false,
		vectorMetric:       format.SimilarityCosine,
		embeddingNormalize: true,
		chunkTargetTokens:  256,
		chunkOverlapTokens: 32,
		rag: rag.Config{
			Mode:               rag.ModeFast,
			MaxContextTokens:   2048,
			ExpansionMaxTokens: 512,
			ExpansionMaxBytes:  8192,
			SnippetMaxTokens:   128,
			MaxSnippets:        5,
			MaxSurrogates:      3,
			SurrogateMaxTokens: 256,
			SearchTopK:         10,
			SearchMode:         search.ModeHybrid,
			RRFK:               60,
			PreviewMaxBytes:    512,
		},
		ingestConcurrency: 4,
		ingestBatchSize:   32,
		serviceName:       "wax",
	}
}

// WithLogger sets the structured logger for the Engine and every internal
// package it wires up. If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in telemetry resource
// attributes.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithWALFsyncPolicy selects when the write-ahead log flushes to stable
// storage: FsyncOnCommit (default) or FsyncPerRecord (spec §4.6).
func WithWALFsyncPolicy(policy wal.FsyncPolicy) Option {
	return func(o *resolvedOptions) { o.walFsyncPolicy = policy }
}

// WithWALSize sets the ring-buffer WAL region's fixed size, in bytes. Only
// meaningful for Create; ignored (the on-disk value wins) when Opening an
// existing file.
func WithWALSize(bytes uint64) Option {
	return func(o *resolvedOptions) { o.walSize = bytes }
}

// WithMaxBlobBytes bounds the size of a single frame's content.
func WithMaxBlobBytes(bytes uint64) Option {
	return func(o *resolvedOptions) { o.maxBlobBytes = bytes }
}

// WithIOQueueLabel records a caller-chosen I/O queue label in the engine's
// options (spec §6.4). No I/O path or telemetry attribute reads it.
func WithIOQueueLabel(label string) Option {
	return func(o *resolvedOptions) { o.ioQueueLabel = label }
}

// WithIOQoS records a caller-chosen I/O quality-of-service class in the
// engine's options (spec §6.4). No I/O path or telemetry attribute reads it.
func WithIOQoS(qos string) Option {
	return func(o *resolvedOptions) { o.ioQoS = qos }
}

// WithLockPolicy selects how Open behaves when the file's writer lease is
// already held elsewhere: fsio.PolicyWait, PolicyFail (default), or
// PolicyTimeout (paired with WithLockTimeout).
func WithLockPolicy(policy fsio.Policy, timeout time.Duration) Option {
	return func(o *resolvedOptions) {
		o.lockPolicy = policy
		o.lockTimeout = timeout
	}
}

// WithTextSearch enables or disables the BM25 lexical index (on by
// default).
func WithTextSearch(enabled bool) Option {
	return func(o *resolvedOptions) { o.enableTextSearch = enabled }
}

// WithVectorSearch enables the dense vector index at the given dimension
// and similarity metric (off by default; required before any embedding can
// be recorded).
func WithVectorSearch(dimension uint32, metric Similarity) Option {
	return func(o *resolvedOptions) {
		o.enableVectorSearch = true
		o.vectorDimension = dimension
		o.vectorMetric = metric
	}
}

// WithVectorSearchEngine replaces the built-in brute-force dense engine
// with a caller-supplied implementation (e.g. a GPU/ANN-backed index).
// Implies WithVectorSearch's enablement; dimension/metric are taken from
// the engine itself.
func WithVectorSearchEngine(engine VectorSearchEngine) Option {
	return func(o *resolvedOptions) {
		o.enableVectorSearch = true
		o.vectorEngine = engine
	}
}

// WithMetalVectorSearch requests the metal-accelerated search path when
// the underlying platform supports it (spec §9 Open Question). The flag is
// passed to the orchestrator's config and nothing reads it there: neither
// the built-in engine nor a WithVectorSearchEngine engine receives it, so
// it has no effect on search.
func WithMetalVectorSearch(enabled bool) Option {
	return func(o *resolvedOptions) { o.useMetalSearch = enabled }
}

// WithEmbeddingProvider injects the embedding provider ingest uses to
// compute chunk and query vectors. identity is kept on the in-memory
// provider adapter (spec §4.14); it is not written to the file, and a
// reopened engine does not compare it against earlier providers. normalize
// controls whether the engine L2-normalizes vectors returned by p.
func WithEmbeddingProvider(p EmbeddingProvider, identity EmbeddingIdentity, normalize bool) Option {
	return func(o *resolvedOptions) {
		o.embeddingProvider = p
		o.embeddingIdentity = identity
		o.embeddingNormalize = normalize
	}
}

// WithChunking sets the token-count-with-overlap splitting strategy
// applied to every remembered document.
func WithChunking(targetTokens, overlapTokens int) Option {
	return func(o *resolvedOptions) {
		o.chunkTargetTokens = targetTokens
		o.chunkOverlapTokens = overlapTokens
	}
}

// WithRAGConfig replaces the default RAG context-builder configuration
// (spec §4.13's FastRAGConfig).
func WithRAGConfig(cfg RAGConfig) Option {
	return func(o *resolvedOptions) { o.rag = rag.Config(cfg) }
}

// WithIngestConcurrency bounds how many embedding batches Remember computes
// concurrently.
func WithIngestConcurrency(concurrency, batchSize int) Option {
	return func(o *resolvedOptions) {
		o.ingestConcurrency = concurrency
		o.ingestBatchSize = batchSize
	}
}

// WithOTELEndpoint configures the OTLP collector endpoint for metrics and
// traces. An empty endpoint (the default) disables telemetry entirely.
func WithOTELEndpoint(endpoint string, insecure bool) Option {
	return func(o *resolvedOptions) {
		o.otelEndpoint = endpoint
		o.otelInsecure = insecure
	}
}

// WithServiceName sets the service name reported in telemetry resource
// attributes.
func WithServiceName(name string) Option {
	return func(o *resolvedOptions) { o.serviceName = name }
}

// WithConfigFromEnv layers internal/config's optional WAX_* environment
// overlay on top of whatever options were already applied. The overlay
// only fills fields that still hold their default value, so values set
// through dedicated With* options win; a field explicitly set to its
// default value takes the environment's value.
func WithConfigFromEnv() Option {
	return func(o *resolvedOptions) { o.loadConfigFromEnv = true }
}
