// Package biem provides a top-level convenience entry point for embedding
// the BIEM engine in-process with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/biem"
//
//	eng, err := biem.New(biem.WithOpenAIEmbedding("text-embedding-3-small"))
//	eng, err := biem.New(biem.WithEmbedder(myEmbedder), biem.WithSQLite("biem.db"))
//	eng, err := biem.New(biem.WithEmbedder(myEmbedder), biem.WithOpenAI("gpt-4o-mini"))
//
// This is a thin wrapper around [quick.New]; both produce identical results.
// Use this package when you prefer the shorter import path.
package biem

import (
	"github.com/BaSui01/biem/quick"
)

// Engine is the in-process engine handle returned by [New].
type Engine = quick.Engine

// Option configures the engine created by [New].
type Option = quick.Option

// New creates an in-process [Engine] with minimal configuration.
// At minimum, an embedding provider must be specified via [WithEmbedder]
// or [WithOpenAIEmbedding].
func New(opts ...Option) (*Engine, error) {
	return quick.New(opts...)
}

// Re-export option shortcuts so callers never need to import quick/.

// WithEmbedder sets a pre-built embedding provider.
var WithEmbedder = quick.WithEmbedder

// WithOpenAIEmbedding creates an OpenAI embedding provider. API key from OPENAI_API_KEY env.
var WithOpenAIEmbedding = quick.WithOpenAIEmbedding

// WithLLM sets a pre-built LLM provider for enrichment, extraction, and arbitration.
var WithLLM = quick.WithLLM

// WithOpenAI creates an OpenAI-compatible LLM provider. API key from OPENAI_API_KEY env.
var WithOpenAI = quick.WithOpenAI

// WithSQLite persists memories and triples to the given SQLite file.
var WithSQLite = quick.WithSQLite

// WithDatabase sets the full database configuration.
var WithDatabase = quick.WithDatabase

// WithLogger sets a custom zap logger.
var WithLogger = quick.WithLogger

// WithAPIKey overrides the API key for provider shortcuts.
var WithAPIKey = quick.WithAPIKey
