// Copyright (c) BIEM Authors.
// Licensed under the MIT License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/biem/api/handlers"
	"github.com/BaSui01/biem/config"
	"github.com/BaSui01/biem/internal/database"
	"github.com/BaSui01/biem/internal/journal"
	"github.com/BaSui01/biem/internal/metrics"
	"github.com/BaSui01/biem/internal/server"
	"github.com/BaSui01/biem/internal/telemetry"
	"github.com/BaSui01/biem/knowledge"
	"github.com/BaSui01/biem/llm"
	"github.com/BaSui01/biem/llm/embedding"
	"github.com/BaSui01/biem/memory"
)

// ============================================================
// 🧠 BIEM 服务器装配
// ============================================================

// Server 封装 BIEM 引擎与全部外围设施的生命周期：
// 存储、事件日志、记忆与知识引擎、HTTP/Metrics 服务器、配置热重载。
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers

	// 基础设施
	pool    *database.PoolManager
	rdb     *redis.Client
	journal journal.Journal

	// 引擎
	manager *memory.Manager
	service *knowledge.Service

	// HTTP 处理器
	healthHandler    *handlers.HealthHandler
	memoryHandler    *handlers.MemoryHandler
	knowledgeHandler *handlers.KnowledgeHandler
	statsHandler     *handlers.StatsHandler
	eventsHandler    *handlers.EventsHandler

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 指标收集器
	metricsCollector *metrics.Collector

	// 配置热重载
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	// 限流器生命周期（关闭时终止清理 goroutine）
	rateLimiterCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建 BIEM 服务器。存储与引擎在 Start 中装配，
// 这样 migrate/health 等子命令不会触发完整初始化。
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otelProviders,
	}
}

// Start 按依赖顺序装配并启动所有组件。
func (s *Server) Start() error {
	s.logger.Info("Starting BIEM server",
		zap.String("version", Version),
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort))

	// 1. 指标收集器（最先创建，后续组件都会引用）
	s.metricsCollector = metrics.NewCollector("biem", s.logger)

	// 2. 存储层：数据库、Redis、事件日志
	if err := s.initStorage(); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	// 3. 引擎：嵌入、LLM、记忆 Manager、知识 Service
	if err := s.initEngine(); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	// 4. HTTP 处理器与健康检查
	s.initHandlers()

	// 5. 配置热重载管理器
	if err := s.initHotReloadManager(); err != nil {
		s.logger.Warn("hot reload disabled", zap.Error(err))
	}

	// 6. HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	// 7. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	s.logger.Info("BIEM server started")
	return nil
}

// ============================================================
// 📦 存储层
// ============================================================

func (s *Server) initStorage() error {
	pool, err := database.Open(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.pool = pool

	if s.cfg.Redis.Enabled {
		s.rdb = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
		s.logger.Info("Redis cache enabled", zap.String("addr", s.cfg.Redis.Addr))
	}

	jnl, err := journal.New(s.cfg.Journal, s.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	s.journal = jnl

	s.logger.Info("Storage initialized",
		zap.String("database", s.cfg.Database.Driver),
		zap.String("journal", s.cfg.Journal.Backend))
	return nil
}

// ============================================================
// 🧠 引擎装配
// ============================================================

func (s *Server) initEngine() error {
	// 嵌入 Provider（可选 Redis 缓存层）
	embedder, err := embedding.NewProvider(s.cfg.Embedding, s.rdb, s.metricsCollector, s.logger)
	if err != nil {
		return fmt.Errorf("create embedding provider: %w", err)
	}

	// LLM Provider 可选：未配置时编码、抽取与冲突裁决退化为启发式路径
	var provider llm.Provider
	if s.cfg.LLM.APIKey != "" {
		provider = llm.NewOpenAIProvider(llm.ProviderConfig{
			ProviderName:   s.cfg.LLM.Provider,
			APIKey:         s.cfg.LLM.APIKey,
			BaseURL:        s.cfg.LLM.BaseURL,
			DefaultModel:   s.cfg.LLM.Model,
			Timeout:        s.cfg.LLM.Timeout,
			RateLimitRPS:   s.cfg.LLM.RateLimitRPS,
			RateLimitBurst: s.cfg.LLM.RateLimitBurst,
		}, s.logger)
		s.logger.Info("LLM provider configured",
			zap.String("provider", s.cfg.LLM.Provider),
			zap.String("model", s.cfg.LLM.Model))
	} else {
		s.logger.Warn("LLM API key not set, extraction and arbitration fall back to heuristics")
	}

	// L3 结晶存储与知识三元组存储
	crystal := memory.NewCrystalStore(s.pool.DB(), time.Now, s.logger)
	if err := crystal.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate crystal store: %w", err)
	}
	store := knowledge.NewStore(s.pool.DB(), time.Now, s.logger)
	if err := store.AutoMigrate(); err != nil {
		return fmt.Errorf("migrate knowledge store: %w", err)
	}

	memCfg := buildMemoryConfig(s.cfg)

	// LLM 编码仅在显式开启时使用，否则编码器走启发式信号
	var encoderArbiter llm.Provider
	if s.cfg.Encoder.UseLLM {
		encoderArbiter = provider
	}
	encoder := memory.NewEncoder(embedder, encoderArbiter, memCfg, s.logger)

	s.manager = memory.NewManager(memory.ManagerOptions{
		Config:  memCfg,
		Encoder: encoder,
		Crystal: crystal,
		Arbiter: provider,
		Journal: s.journal,
		Metrics: s.metricsCollector,
		Logger:  s.logger,
	})

	s.service = knowledge.NewService(knowledge.ServiceOptions{
		Config:   s.cfg.Knowledge,
		Store:    store,
		Embedder: embedder,
		LLM:      provider,
		Journal:  s.journal,
		Metrics:  s.metricsCollector,
		Logger:   s.logger,
	})

	// 从持久层水合索引；失败时冷启动，不阻塞服务
	ctx := context.Background()
	if err := s.manager.Hydrate(ctx); err != nil {
		s.logger.Warn("memory hydration failed, starting cold", zap.Error(err))
	}
	if err := s.service.Hydrate(ctx); err != nil {
		s.logger.Warn("knowledge hydration failed, starting cold", zap.Error(err))
	}

	// 启动后台循环（衰减扫描、巩固、对账、待定清理）
	if err := s.manager.Start(ctx); err != nil {
		return fmt.Errorf("start memory engine: %w", err)
	}
	if err := s.service.Start(ctx); err != nil {
		return fmt.Errorf("start knowledge service: %w", err)
	}

	s.logger.Info("Engine initialized")
	return nil
}

// buildMemoryConfig 把外部配置映射为记忆引擎参数。
// 未暴露的内部参数（准入阈值、时间扇出等）由引擎默认值兜底。
func buildMemoryConfig(cfg *config.Config) memory.Config {
	return memory.Config{
		Lambda:                cfg.Memory.LambdaDecay,
		BoostOnRecall:         cfg.Memory.BoostOnRecall,
		InitBase:              cfg.Memory.EnergyInitBase,
		L1Max:                 cfg.Memory.L1Max,
		L1TTL:                 cfg.Memory.L1TTL,
		L1MinEnergy:           cfg.Memory.L1MinEnergy,
		PromoteThreshold:      cfg.Memory.PromoteThreshold,
		DemoteThreshold:       cfg.Memory.DemoteThreshold,
		TemporalWindow:        cfg.Memory.TemporalWindow,
		SemanticThreshold:     cfg.Memory.SemanticThreshold,
		ConflictThreshold:     cfg.Memory.ConflictThreshold,
		ConflictConfidence:    cfg.Memory.ConflictConfidence,
		RecallTopK:            cfg.Memory.RecallTopK,
		SeedTopK:              cfg.Memory.SeedTopK,
		SpreadHops:            cfg.Memory.SpreadHops,
		SpreadDecay:           cfg.Memory.SpreadDecay,
		ScoreAlpha:            cfg.Memory.ScoreAlpha,
		ScoreBeta:             cfg.Memory.ScoreBeta,
		ConsolidateMinCluster: cfg.Memory.ConsolidateMinCluster,
		ConsolidateMinEnergy:  cfg.Memory.ConsolidateMinEnergy,
		ConsolidateInterval:   cfg.Memory.ConsolidateInterval,
		DecayScanInterval:     cfg.Memory.DecayScanInterval,
		ContextTokenBudget:    cfg.Memory.ContextTokenBudget,
		ContextTokenModel:     cfg.Memory.ContextTokenModel,
		LLMTimeout:            cfg.Encoder.LLMTimeout,
	}
}

// ============================================================
// 🎯 HTTP 处理器
// ============================================================

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	// 就绪探针：数据库、Redis、事件日志
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	if s.rdb != nil {
		rdb := s.rdb
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}
	if s.journal != nil {
		jnl := s.journal
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("journal", func(ctx context.Context) error {
			_, err := jnl.Count(ctx)
			return err
		}))
	}

	s.memoryHandler = handlers.NewMemoryHandler(s.manager, s.logger)
	s.knowledgeHandler = handlers.NewKnowledgeHandler(s.service, s.logger)
	s.statsHandler = handlers.NewStatsHandler(s.manager, s.service, s.logger)
	s.eventsHandler = handlers.NewEventsHandler(s.manager, s.service, s.cfg.Server.AllowedOrigins, s.logger)

	s.logger.Info("Handlers initialized")
}

// ============================================================
// 🔄 配置热重载
// ============================================================

func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}
	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 变更回调：记录字段级 diff，方便审计
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.Any("old", change.OldValue),
			zap.Any("new", change.NewValue),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart))
	})

	// 重载回调：记录整文件重载事件
	s.hotReloadManager.OnReload(func(oldCfg, newCfg *config.Config) {
		s.logger.Info("Configuration reloaded",
			zap.String("log_level", newCfg.Log.Level))
	})

	if err := s.hotReloadManager.Start(context.Background()); err != nil {
		return fmt.Errorf("start hot reload manager: %w", err)
	}

	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager, s.cfg.Server.AllowedOrigins...)

	s.logger.Info("Hot reload manager started",
		zap.String("config_path", s.configPath))
	return nil
}

// ============================================================
// 🌐 HTTP 服务器
// ============================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查与版本（免认证）
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 记忆 API
	mux.HandleFunc("POST /api/v1/memory/ingest", s.memoryHandler.HandleIngest)
	mux.HandleFunc("POST /api/v1/memory/recall", s.memoryHandler.HandleRecall)
	mux.HandleFunc("POST /api/v1/memory/feedback", s.memoryHandler.HandleFeedback)
	mux.HandleFunc("POST /api/v1/memory/causal", s.memoryHandler.HandleCausal)
	mux.HandleFunc("POST /api/v1/memory/events", s.memoryHandler.HandleEvent)
	mux.HandleFunc("POST /api/v1/memory/context", s.memoryHandler.HandleContext)
	mux.HandleFunc("GET /api/v1/memory/nodes/{id}", s.memoryHandler.HandleGetNode)
	mux.HandleFunc("DELETE /api/v1/memory/nodes/{id}", s.memoryHandler.HandleForget)
	mux.HandleFunc("GET /api/v1/memory/facts", s.memoryHandler.HandleFacts)

	// 知识 API
	mux.HandleFunc("POST /api/v1/knowledge/process", s.knowledgeHandler.HandleProcess)
	mux.HandleFunc("POST /api/v1/knowledge/confirm", s.knowledgeHandler.HandleConfirm)
	mux.HandleFunc("POST /api/v1/knowledge/query", s.knowledgeHandler.HandleQuery)
	mux.HandleFunc("POST /api/v1/knowledge/context", s.knowledgeHandler.HandleContext)
	mux.HandleFunc("GET /api/v1/knowledge/pending", s.knowledgeHandler.HandlePending)
	mux.HandleFunc("GET /api/v1/knowledge/pending/{id}", s.knowledgeHandler.HandlePendingByID)
	mux.HandleFunc("GET /api/v1/knowledge/triples", s.knowledgeHandler.HandleTriples)
	mux.HandleFunc("GET /api/v1/knowledge/triples/{id}", s.knowledgeHandler.HandleGetTriple)
	mux.HandleFunc("GET /api/v1/knowledge/triples/{id}/history", s.knowledgeHandler.HandleHistory)

	// 统计与事件流
	mux.HandleFunc("GET /api/v1/stats", s.statsHandler.HandleStats)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler.HandleEvents)

	// 配置管理 API（独立认证，复用主服务的第一个 API Key）
	if s.configAPIHandler != nil {
		configAuth := config.NewConfigAPIMiddleware(s.configAPIHandler, getFirstAPIKey(s.cfg.Server.APIKeys))
		mux.HandleFunc("/api/v1/config", configAuth.RequireAuth(s.configAPIHandler.HandleConfig))
		mux.HandleFunc("/api/v1/config/reload", configAuth.RequireAuth(s.configAPIHandler.HandleReload))
		mux.HandleFunc("/api/v1/config/fields", configAuth.RequireAuth(s.configAPIHandler.HandleFields))
		mux.HandleFunc("/api/v1/config/changes", configAuth.RequireAuth(s.configAPIHandler.HandleChanges))
	}

	// 免认证路径：健康检查、版本、指标
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

	// 限流器清理 goroutine 的生命周期与服务器绑定
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	// 中间件链（列表顺序即执行顺序，Recovery 最外层兜底）
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		CORS(s.cfg.Server.AllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger),
	}
	if s.cfg.Server.JWTSecret != "" {
		middlewares = append(middlewares, JWTAuth(s.cfg.Server.JWTSecret, s.cfg.Server.JWTIssuer, skipAuthPaths, s.logger))
	}
	// ScopeContext 在认证之后：JWT 声明已写入的值优先于请求头。
	// ScopeRateLimiter 必须排在 ScopeContext 之后才能按作用域分桶。
	middlewares = append(middlewares,
		ScopeContext(),
		ScopeRateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
		MaxConns:        s.cfg.Server.MaxConns,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server listening", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// getFirstAPIKey 返回配置 API 使用的管理密钥；未配置时为空（放行所有请求）。
func getFirstAPIKey(keys []string) string {
	if len(keys) > 0 {
		return keys[0]
	}
	return ""
}

// ============================================================
// 📊 Metrics 服务器
// ============================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.healthHandler.HandleHealthz)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     30 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 5 * time.Second,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server listening", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// ============================================================
// 🛡️ 生命周期
// ============================================================

// WaitForShutdown 阻塞直至收到退出信号，然后执行优雅关闭。
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()
	s.Shutdown()
}

// Shutdown 按依赖的逆序关闭：先停流量入口，再停引擎，最后关存储。
func (s *Server) Shutdown() {
	s.logger.Info("Shutting down BIEM server")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager stop failed", zap.Error(err))
		}
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown failed", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}

	// 引擎停止会触发最后一次刷写（L1 → 结晶、索引对账）
	if s.manager != nil {
		s.manager.Stop()
	}
	if s.service != nil {
		s.service.Stop()
	}

	if s.journal != nil {
		if err := s.journal.Close(ctx); err != nil {
			s.logger.Error("Journal close failed", zap.Error(err))
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("Redis close failed", zap.Error(err))
		}
	}

	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database close failed", zap.Error(err))
		}
	}

	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown failed", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.logger.Info("BIEM server stopped")
}
