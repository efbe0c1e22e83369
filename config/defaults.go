// =============================================================================
// 📦 BIEM 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Memory:    DefaultMemoryConfig(),
		Knowledge: DefaultKnowledgeConfig(),
		Encoder:   DefaultEncoderConfig(),
		Embedding: DefaultEmbeddingConfig(),
		LLM:       DefaultLLMConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Journal:   DefaultJournalConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConns:        0,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		AllowedOrigins:  nil,
		APIKeys:         nil,
		JWTSecret:       "",
		JWTIssuer:       "biem",
	}
}

// DefaultMemoryConfig 返回默认分层记忆配置
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		LambdaDecay:           0.1,
		BoostOnRecall:         0.1,
		EnergyInitBase:        0.5,
		L1Max:                 100,
		L1TTL:                 time.Hour,
		L1MinEnergy:           0.1,
		TemporalWindow:        300 * time.Second,
		SemanticThreshold:     0.7,
		ConflictThreshold:     0.8,
		ConflictConfidence:    0.7,
		RecallTopK:            5,
		SeedTopK:              10,
		SpreadHops:            2,
		SpreadDecay:           0.5,
		ScoreAlpha:            0.7,
		ScoreBeta:             0.3,
		PromoteThreshold:      0.7,
		DemoteThreshold:       0.3,
		ConsolidateMinCluster: 5,
		ConsolidateMinEnergy:  0.6,
		ConsolidateInterval:   10 * time.Minute,
		DecayScanInterval:     time.Minute,
		ContextTokenBudget:    2000,
		ContextTokenModel:     "gpt-4o",
	}
}

// DefaultKnowledgeConfig 返回默认知识层配置
func DefaultKnowledgeConfig() KnowledgeConfig {
	return KnowledgeConfig{
		AutoStore:              true,
		ExtractFromAgent:       true,
		MinConfidence:          0.5,
		PendingTTL:             300 * time.Second,
		SweepInterval:          time.Minute,
		TopK:                   5,
		MinScore:               0.5,
		EnableClusterExpansion: true,
		ExpansionK:             3,
		ExpansionWeight:        0.7,
		ExpansionMinScore:      0.4,
		MaxContextItems:        10,
	}
}

// DefaultEncoderConfig 返回默认编码器配置
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		UseLLM:     true,
		LLMTimeout: 10 * time.Second,
	}
}

// DefaultEmbeddingConfig 返回默认向量化配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:     "openai",
		APIKey:       "",
		BaseURL:      "",
		Model:        "text-embedding-3-large",
		Dimensions:   1024,
		Timeout:      30 * time.Second,
		MaxBatch:     100,
		CacheEnabled: true,
		CacheSize:    4096,
		CacheTTL:     24 * time.Hour,
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:       "openai",
		APIKey:         "",
		BaseURL:        "",
		Model:          "gpt-4o-mini",
		Temperature:    0.1,
		Timeout:        2 * time.Minute,
		MaxRetries:     3,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "biem",
		Password:        "",
		Name:            "biem.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultJournalConfig 返回默认事件日志配置
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		Backend:    "memory",
		URI:        "mongodb://localhost:27017",
		Database:   "biem",
		Collection: "events",
		Timeout:    5 * time.Second,
		MaxEvents:  10000,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "biem",
		SampleRate:   0.1,
	}
}
