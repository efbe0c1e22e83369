package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/biem/config"
)

func TestNewProviderSelection(t *testing.T) {
	t.Parallel()

	tests := []struct {
		provider string
		wantName string
	}{
		{"openai", "openai-embedding"},
		{"voyage", "voyage-embedding"},
		{"cohere", "cohere-embedding"},
		{"jina", "jina-embedding"},
		{"gemini", "gemini-embedding"},
		{"", "openai-embedding"},
		{"OpenAI", "openai-embedding"},
		{" openai ", "openai-embedding"},
	}

	for _, tt := range tests {
		t.Run("provider "+tt.provider, func(t *testing.T) {
			p, err := NewProvider(config.EmbeddingConfig{Provider: tt.provider, APIKey: "k"}, nil, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())

			_, wrapped := p.(*CachedProvider)
			assert.False(t, wrapped, "cache disabled must return the bare provider")
		})
	}
}

func TestNewProviderUnknown(t *testing.T) {
	t.Parallel()
	_, err := NewProvider(config.EmbeddingConfig{Provider: "azure"}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown embedding provider")
}

func TestNewProviderCacheWrap(t *testing.T) {
	t.Parallel()
	cfg := config.DefaultEmbeddingConfig()
	cfg.APIKey = "k"

	p, err := NewProvider(cfg, nil, nil, nil)
	require.NoError(t, err)

	_, wrapped := p.(*CachedProvider)
	assert.True(t, wrapped, "default config enables the cache")
	assert.Equal(t, "openai-embedding", p.Name())
	assert.Equal(t, cfg.Dimensions, p.Dimensions())
	assert.Equal(t, cfg.MaxBatch, p.MaxBatchSize(), "configured batch limit reaches the provider")
}

func TestNewProviderEndToEnd(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(openAIEmbedResponse{
			Model: "text-embedding-3-small",
			Data: []struct {
				Object    string    `json:"object"`
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			}{
				{Object: "embedding", Index: 0, Embedding: []float64{0.1, 0.2}},
			},
		})
	}))
	defer srv.Close()

	p, err := NewProvider(config.EmbeddingConfig{
		Provider:     "openai",
		APIKey:       "k",
		BaseURL:      srv.URL,
		Model:        "text-embedding-3-small",
		Timeout:      5 * time.Second,
		CacheEnabled: true,
		CacheSize:    16,
		CacheTTL:     time.Minute,
	}, nil, nil, nil)
	require.NoError(t, err)

	vec, err := p.EmbedQuery(context.Background(), "cached round trip")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2}, vec)

	_, err = p.EmbedQuery(context.Background(), "cached round trip")
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load(), "second query is a cache hit")
}
