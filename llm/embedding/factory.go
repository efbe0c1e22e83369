package embedding

import (
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/internal/metrics"
)

// NewProvider 按配置装配嵌入提供者. Provider 为空时默认 openai,
// openai 经 BaseURL 可指向任意兼容端点. 启用缓存时在外层套 CachedProvider,
// rdb 为 nil 则缓存退化为仅本地 LRU.
func NewProvider(cfg config.EmbeddingConfig, rdb *redis.Client, collector *metrics.Collector, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var provider Provider
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		provider = NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			MaxBatch:   cfg.MaxBatch,
			Timeout:    cfg.Timeout,
		})
	case "voyage":
		provider = NewVoyageProvider(VoyageConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case "cohere":
		provider = NewCohereProvider(CohereConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case "jina":
		provider = NewJinaProvider(JinaConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	case "gemini":
		provider = NewGeminiProvider(GeminiConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %q", cfg.Provider)
	}

	if cfg.CacheEnabled {
		provider = NewCachedProvider(provider, rdb, CacheConfig{
			MaxEntries: cfg.CacheSize,
			TTL:        cfg.CacheTTL,
			Metrics:    collector,
		}, logger)
	}

	logger.Info("embedding provider ready",
		zap.String("provider", provider.Name()),
		zap.String("model", cfg.Model),
		zap.Int("dimensions", cfg.Dimensions),
		zap.Bool("cache_enabled", cfg.CacheEnabled),
		zap.Bool("cache_redis", cfg.CacheEnabled && rdb != nil),
	)

	return provider, nil
}
