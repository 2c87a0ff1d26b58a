package hybrigo

import (
	"log/slog"
	"time"

	"github.com/hupe1980/hybrigo/hnsw"
	"github.com/hupe1980/hybrigo/model"
	"github.com/hupe1980/hybrigo/vectorindex"
)

type options struct {
	dimension        int
	space            hnsw.Space
	cjk              bool
	embedder         Embedder
	store            DocumentStore
	logger           *Logger
	autoSaveInterval time.Duration
	weights          model.FusionWeights
	vectorOptions    []func(o *vectorindex.Options)
	disableVector    bool
}

// Option configures the engine constructor.
type Option func(*options)

// WithEmbedder wires the external embedder that turns content and queries
// into vectors. Without it the semantic path downgrades to lexical search.
func WithEmbedder(e Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithDocumentStore wires the outer document store. When present, puts are
// written through it and search results hydrate to full documents.
func WithDocumentStore(s DocumentStore) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithDimension pins the vector dimensionality. Defaults to the embedder's
// dimension when an embedder is configured.
func WithDimension(d int) Option {
	return func(o *options) {
		o.dimension = d
	}
}

// WithSpace selects the distance space for the vector index.
// Defaults to cosine.
func WithSpace(s hnsw.Space) Option {
	return func(o *options) {
		o.space = s
	}
}

// WithCJK enables single-character segmentation of CJK runs in the
// full-text index so mixed-script queries match.
func WithCJK(enabled bool) Option {
	return func(o *options) {
		o.cjk = enabled
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithAutoSave installs a timer that saves the vector index on the given
// interval whenever it is dirty. Overlapping saves are serialized inside
// the vector layer.
func WithAutoSave(interval time.Duration) Option {
	return func(o *options) {
		o.autoSaveInterval = interval
	}
}

// WithFusionWeights overrides the default late-fusion weights of the
// parallel strategy.
func WithFusionWeights(w model.FusionWeights) Option {
	return func(o *options) {
		o.weights = w
	}
}

// WithVectorOptions tunes the vector layer (HNSW parameters, stem,
// rebuild threshold, generation manager).
func WithVectorOptions(optFns ...func(o *vectorindex.Options)) Option {
	return func(o *options) {
		o.vectorOptions = append(o.vectorOptions, optFns...)
	}
}

// WithoutVectorIndex disables the vector layer entirely. Semantic requests
// downgrade to lexical search.
func WithoutVectorIndex() Option {
	return func(o *options) {
		o.disableVector = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		space:   hnsw.SpaceCosine,
		logger:  NoopLogger(),
		weights: model.DefaultFusionWeights(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}
