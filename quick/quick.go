// =============================================================================
// Package quick — One-Line Engine Construction
// =============================================================================
// Provides a convenience entry point for embedding the BIEM engine in-process
// with minimal boilerplate. Delegates to memory.NewManager and
// knowledge.NewService internally; the HTTP server under cmd/biem is not
// involved.
//
// The package lives under quick/ (not root) so the root package stays a thin
// alias surface over it.
//
// Usage:
//
//	import "github.com/BaSui01/biem/quick"
//
//	eng, err := quick.New(quick.WithOpenAIEmbedding("text-embedding-3-small"))
//	eng, err := quick.New(quick.WithEmbedder(myEmbedder), quick.WithSQLite("biem.db"))
//
// =============================================================================
package quick

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/internal/database"
	"github.com/BaSui01/biem/knowledge"
	"github.com/BaSui01/biem/llm"
	"github.com/BaSui01/biem/llm/embedding"
	"github.com/BaSui01/biem/memory"
)

// Engine bundles the memory manager and knowledge service with the storage
// they run on. Create one with New and release it with Close.
type Engine struct {
	memory    *memory.Manager
	knowledge *knowledge.Service
	pool      *database.PoolManager
}

// Memory returns the tiered memory manager.
func (e *Engine) Memory() *memory.Manager { return e.memory }

// Knowledge returns the knowledge triple service.
func (e *Engine) Knowledge() *knowledge.Service { return e.knowledge }

// Close stops the background loops and closes the database.
func (e *Engine) Close() error {
	e.memory.Stop()
	e.knowledge.Stop()
	return e.pool.Close()
}

// Option configures the engine created by New.
type Option func(*options)

type options struct {
	embedder embedding.Provider
	provider llm.Provider
	db       config.DatabaseConfig
	logger   *zap.Logger

	// Provider shortcut fields — used when embedder/provider are nil.
	embedModel string
	llmModel   string
	apiKey     string
}

// WithEmbedder sets a pre-built embedding provider.
func WithEmbedder(p embedding.Provider) Option {
	return func(o *options) { o.embedder = p }
}

// WithOpenAIEmbedding creates an OpenAI embedding provider using the given
// model. API key is read from OPENAI_API_KEY environment variable.
func WithOpenAIEmbedding(model string) Option {
	return func(o *options) {
		o.embedModel = model
		if o.apiKey == "" {
			o.apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// WithLLM sets a pre-built LLM provider used for encoding enrichment,
// triple extraction, and conflict arbitration. Without one the engine
// falls back to heuristics.
func WithLLM(p llm.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithOpenAI creates an OpenAI-compatible LLM provider using the given model.
// API key is read from OPENAI_API_KEY environment variable.
func WithOpenAI(model string) Option {
	return func(o *options) {
		o.llmModel = model
		if o.apiKey == "" {
			o.apiKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// WithSQLite persists crystallized memories and knowledge triples to the
// given SQLite file. The default is an in-memory database that vanishes
// on Close.
func WithSQLite(path string) Option {
	return func(o *options) {
		o.db = config.DatabaseConfig{Driver: "sqlite", Name: path}
	}
}

// WithDatabase sets the full database configuration (postgres, mysql, sqlite).
func WithDatabase(cfg config.DatabaseConfig) Option {
	return func(o *options) { o.db = cfg }
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAPIKey overrides the API key for provider shortcuts
// (WithOpenAIEmbedding, WithOpenAI).
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// New creates an in-process Engine with minimal configuration. The memory
// manager and knowledge service are hydrated and their background loops
// started; callers must Close the engine when done.
func New(opts ...Option) (*Engine, error) {
	o := &options{
		db: config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	// Resolve embedding provider.
	embedder := o.embedder
	if embedder == nil {
		if o.embedModel == "" {
			return nil, fmt.Errorf("embedding provider is required: use WithEmbedder or WithOpenAIEmbedding")
		}
		if o.apiKey == "" {
			return nil, fmt.Errorf("API key is required for the embedding provider: set OPENAI_API_KEY or use WithAPIKey")
		}
		embCfg := config.DefaultEmbeddingConfig()
		embCfg.APIKey = o.apiKey
		embCfg.Model = o.embedModel
		var err error
		embedder, err = embedding.NewProvider(embCfg, nil, nil, o.logger)
		if err != nil {
			return nil, fmt.Errorf("create embedding provider: %w", err)
		}
	}

	// Resolve optional LLM provider.
	provider := o.provider
	if provider == nil && o.llmModel != "" {
		if o.apiKey == "" {
			return nil, fmt.Errorf("API key is required for the LLM provider: set OPENAI_API_KEY or use WithAPIKey")
		}
		provider = llm.NewOpenAIProvider(llm.ProviderConfig{
			ProviderName: "openai",
			APIKey:       o.apiKey,
			DefaultModel: o.llmModel,
		}, o.logger)
	}

	pool, err := database.Open(o.db, o.logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	crystal := memory.NewCrystalStore(pool.DB(), time.Now, o.logger)
	if err := crystal.AutoMigrate(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate crystal store: %w", err)
	}
	store := knowledge.NewStore(pool.DB(), time.Now, o.logger)
	if err := store.AutoMigrate(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate knowledge store: %w", err)
	}

	memCfg := memory.DefaultConfig()
	encoder := memory.NewEncoder(embedder, provider, memCfg, o.logger)

	manager := memory.NewManager(memory.ManagerOptions{
		Config:  memCfg,
		Encoder: encoder,
		Crystal: crystal,
		Arbiter: provider,
		Logger:  o.logger,
	})

	service := knowledge.NewService(knowledge.ServiceOptions{
		Config:   config.DefaultKnowledgeConfig(),
		Store:    store,
		Embedder: embedder,
		LLM:      provider,
		Logger:   o.logger,
	})

	ctx := context.Background()
	if err := manager.Hydrate(ctx); err != nil {
		o.logger.Warn("memory hydration failed, starting cold", zap.Error(err))
	}
	if err := service.Hydrate(ctx); err != nil {
		o.logger.Warn("knowledge hydration failed, starting cold", zap.Error(err))
	}
	if err := manager.Start(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("start memory engine: %w", err)
	}
	if err := service.Start(ctx); err != nil {
		manager.Stop()
		pool.Close()
		return nil, fmt.Errorf("start knowledge service: %w", err)
	}

	return &Engine{
		memory:    manager,
		knowledge: service,
		pool:      pool,
	}, nil
}
