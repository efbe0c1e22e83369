// =============================================================================
// 📦 BIEM 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("BIEM").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 BIEM 记忆引擎的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Memory 分层记忆配置（能量模型、L1 工作集、召回、联想、固结）
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Knowledge 确定性知识层配置
	Knowledge KnowledgeConfig `yaml:"knowledge" env:"KNOWLEDGE"`

	// Encoder 记忆编码器配置
	Encoder EncoderConfig `yaml:"encoder" env:"ENCODER"`

	// Embedding 向量化配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// LLM 大语言模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置（L3 结晶层与知识层持久化）
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Journal 事件日志配置
	Journal JournalConfig `yaml:"journal" env:"JOURNAL"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 最大并发连接数（0 表示不限制）
	MaxConns int `yaml:"max_conns" env:"MAX_CONNS"`
	// 每 IP 限流速率（请求/秒）
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的 CORS 来源
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
	// API Key 列表（为空时不启用 API Key 认证）
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// JWT 签名密钥（为空时不启用 JWT 认证）
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// JWT 签发者
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
}

// MemoryConfig 分层记忆配置
type MemoryConfig struct {
	// 能量衰减常数 λ（每小时）
	LambdaDecay float64 `yaml:"lambda_decay" env:"LAMBDA_DECAY"`
	// 召回命中时的能量增幅
	BoostOnRecall float64 `yaml:"boost_on_recall" env:"BOOST_ON_RECALL"`
	// 初始能量基准值
	EnergyInitBase float64 `yaml:"energy_init_base" env:"ENERGY_INIT_BASE"`
	// L1 工作集容量上限（每 scope）
	L1Max int `yaml:"l1_max" env:"L1_MAX"`
	// L1 条目存活时长
	L1TTL time.Duration `yaml:"l1_ttl" env:"L1_TTL"`
	// L1 最低存活能量，低于此值被清出
	L1MinEnergy float64 `yaml:"l1_min_energy" env:"L1_MIN_ENERGY"`
	// 时间联想窗口
	TemporalWindow time.Duration `yaml:"temporal_window" env:"TEMPORAL_WINDOW"`
	// 语义联想相似度阈值
	SemanticThreshold float64 `yaml:"semantic_threshold" env:"SEMANTIC_THRESHOLD"`
	// 冲突检测相似度阈值
	ConflictThreshold float64 `yaml:"conflict_threshold" env:"CONFLICT_THRESHOLD"`
	// 冲突裁决置信度阈值，达到才上报
	ConflictConfidence float64 `yaml:"conflict_confidence" env:"CONFLICT_CONFIDENCE"`
	// 召回返回条数
	RecallTopK int `yaml:"recall_top_k" env:"RECALL_TOP_K"`
	// 激活种子候选条数
	SeedTopK int `yaml:"seed_top_k" env:"SEED_TOP_K"`
	// 激活扩散跳数
	SpreadHops int `yaml:"spread_hops" env:"SPREAD_HOPS"`
	// 每跳激活衰减系数
	SpreadDecay float64 `yaml:"spread_decay" env:"SPREAD_DECAY"`
	// 召回融合打分中向量相似度权重 α
	ScoreAlpha float64 `yaml:"score_alpha" env:"SCORE_ALPHA"`
	// 召回融合打分中激活能量权重 β
	ScoreBeta float64 `yaml:"score_beta" env:"SCORE_BETA"`
	// 晋升 L1 的能量阈值
	PromoteThreshold float64 `yaml:"promote_threshold" env:"PROMOTE_THRESHOLD"`
	// 降级出 L1 的能量阈值
	DemoteThreshold float64 `yaml:"demote_threshold" env:"DEMOTE_THRESHOLD"`
	// 固结簇最小规模
	ConsolidateMinCluster int `yaml:"consolidate_min_cluster" env:"CONSOLIDATE_MIN_CLUSTER"`
	// 固结簇最低平均能量
	ConsolidateMinEnergy float64 `yaml:"consolidate_min_energy" env:"CONSOLIDATE_MIN_ENERGY"`
	// 固结扫描周期（0 表示关闭后台固结）
	ConsolidateInterval time.Duration `yaml:"consolidate_interval" env:"CONSOLIDATE_INTERVAL"`
	// L1 衰减扫描周期（0 表示关闭后台扫描）
	DecayScanInterval time.Duration `yaml:"decay_scan_interval" env:"DECAY_SCAN_INTERVAL"`
	// 上下文注入的 Token 预算
	ContextTokenBudget int `yaml:"context_token_budget" env:"CONTEXT_TOKEN_BUDGET"`
	// 上下文 Token 计数使用的模型编码
	ContextTokenModel string `yaml:"context_token_model" env:"CONTEXT_TOKEN_MODEL"`
}

// KnowledgeConfig 确定性知识层配置
type KnowledgeConfig struct {
	// 是否自动从用户消息抽取知识
	AutoStore bool `yaml:"auto_store" env:"AUTO_STORE"`
	// 是否也处理 Agent 消息
	ExtractFromAgent bool `yaml:"extract_from_agent" env:"EXTRACT_FROM_AGENT"`
	// 抽取结果最低置信度
	MinConfidence float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	// 待确认更新的存活时长
	PendingTTL time.Duration `yaml:"pending_ttl" env:"PENDING_TTL"`
	// 待确认更新的清扫周期（0 表示关闭后台清扫）
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 检索直接命中条数
	TopK int `yaml:"top_k" env:"TOP_K"`
	// 检索直接命中最低分
	MinScore float64 `yaml:"min_score" env:"MIN_SCORE"`
	// 是否启用簇扩展检索
	EnableClusterExpansion bool `yaml:"enable_cluster_expansion" env:"ENABLE_CLUSTER_EXPANSION"`
	// 每个直接命中的扩展条数
	ExpansionK int `yaml:"expansion_k" env:"EXPANSION_K"`
	// 扩展命中的降权系数
	ExpansionWeight float64 `yaml:"expansion_weight" env:"EXPANSION_WEIGHT"`
	// 扩展命中最低分（降权前）
	ExpansionMinScore float64 `yaml:"expansion_min_score" env:"EXPANSION_MIN_SCORE"`
	// 返回结果总条数上限
	MaxContextItems int `yaml:"max_context_items" env:"MAX_CONTEXT_ITEMS"`
}

// EncoderConfig 记忆编码器配置
type EncoderConfig struct {
	// 是否调用 LLM 做实体与情感抽取（失败时回退启发式）
	UseLLM bool `yaml:"use_llm" env:"USE_LLM"`
	// 单次 LLM 抽取的超时
	LLMTimeout time.Duration `yaml:"llm_timeout" env:"LLM_TIMEOUT"`
}

// EmbeddingConfig 向量化配置
type EmbeddingConfig struct {
	// Provider 名称: openai | voyage | cohere | jina | gemini（openai 可指向任意兼容端点）
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选，兼容自建端点）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 单批最大文本数
	MaxBatch int `yaml:"max_batch" env:"MAX_BATCH"`
	// 是否启用向量缓存
	CacheEnabled bool `yaml:"cache_enabled" env:"CACHE_ENABLED"`
	// 本地缓存容量
	CacheSize int `yaml:"cache_size" env:"CACHE_SIZE"`
	// 缓存过期时长
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// 默认 Provider
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 采样温度
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 客户端限流速率（请求/秒，0 表示不限流）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（关闭时向量缓存退化为仅本地 LRU）
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// JournalConfig 事件日志配置
type JournalConfig struct {
	// 后端类型: memory, mongo
	Backend string `yaml:"backend" env:"BACKEND"`
	// MongoDB 连接 URI
	URI string `yaml:"uri" env:"URI"`
	// MongoDB 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// MongoDB 集合名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// 单次写入超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 内存后端保留的事件条数上限
	MaxEvents int `yaml:"max_events" env:"MAX_EVENTS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BIEM",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	// 验证能量模型
	if c.Memory.LambdaDecay <= 0 {
		errs = append(errs, "lambda_decay must be positive")
	}
	if c.Memory.BoostOnRecall < 0 || c.Memory.BoostOnRecall > 1 {
		errs = append(errs, "boost_on_recall must be between 0 and 1")
	}
	if c.Memory.EnergyInitBase < 0 || c.Memory.EnergyInitBase > 1 {
		errs = append(errs, "energy_init_base must be between 0 and 1")
	}
	if c.Memory.L1Max <= 0 {
		errs = append(errs, "l1_max must be positive")
	}

	// 验证召回参数
	if c.Memory.RecallTopK <= 0 {
		errs = append(errs, "recall_top_k must be positive")
	}
	if c.Memory.SeedTopK <= 0 {
		errs = append(errs, "seed_top_k must be positive")
	}
	if c.Memory.SpreadHops < 0 {
		errs = append(errs, "spread_hops must be non-negative")
	}
	if c.Memory.SpreadDecay <= 0 || c.Memory.SpreadDecay > 1 {
		errs = append(errs, "spread_decay must be in (0, 1]")
	}
	if c.Memory.ScoreAlpha < 0 || c.Memory.ScoreBeta < 0 {
		errs = append(errs, "score weights must be non-negative")
	}

	// 验证联想与冲突阈值
	if c.Memory.SemanticThreshold < 0 || c.Memory.SemanticThreshold > 1 {
		errs = append(errs, "semantic_threshold must be between 0 and 1")
	}
	if c.Memory.ConflictThreshold < 0 || c.Memory.ConflictThreshold > 1 {
		errs = append(errs, "conflict_threshold must be between 0 and 1")
	}

	// 验证知识层参数
	if c.Knowledge.TopK <= 0 {
		errs = append(errs, "knowledge top_k must be positive")
	}
	if c.Knowledge.ExpansionWeight <= 0 || c.Knowledge.ExpansionWeight > 1 {
		errs = append(errs, "expansion_weight must be in (0, 1]")
	}
	if c.Knowledge.MaxContextItems <= 0 {
		errs = append(errs, "max_context_items must be positive")
	}

	// 验证数据库驱动
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver: %s", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
