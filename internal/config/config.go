package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 AgentForge 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Lock     LockConfig     `json:"lock" yaml:"lock"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	LLM      LLMConfig      `json:"llm" yaml:"llm"`
	Agent    AgentConfig    `json:"agent" yaml:"agent"`
	Plugins  PluginsConfig  `json:"plugins" yaml:"plugins"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address                  string `json:"address" yaml:"address"`
	MaxUploadBytes           int64  `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	ReadHeaderTimeoutSeconds int    `json:"read_header_timeout_seconds" yaml:"read_header_timeout_seconds"`
}

// StorageConfig 统一描述任务元数据与产物内容的存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig     `json:"task_store" yaml:"task_store"`
	Artifacts ArtifactStoreConfig `json:"artifacts" yaml:"artifacts"`
}

// TaskStoreConfig 选择内存或 MySQL 任务存储。
type TaskStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	DSNEnv                 string `json:"dsn_env" yaml:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// ArtifactStoreConfig 选择本地目录或 MinIO 作为产物内容存储。
type ArtifactStoreConfig struct {
	Driver        string      `json:"driver" yaml:"driver"`
	WorkspaceDir  string      `json:"workspace_dir" yaml:"workspace_dir"`
	FetchMaxBytes int64       `json:"fetch_max_bytes" yaml:"fetch_max_bytes"`
	MinIO         MinIOConfig `json:"minio" yaml:"minio"`
}

// MinIOConfig 描述 S3 兼容存储的连接参数。
type MinIOConfig struct {
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	AccessKey    string `json:"access_key" yaml:"access_key"`
	SecretKey    string `json:"secret_key" yaml:"secret_key"`
	SecretKeyEnv string `json:"secret_key_env" yaml:"secret_key_env"`
	Bucket       string `json:"bucket" yaml:"bucket"`
	Secure       bool   `json:"secure" yaml:"secure"`
	Prefix       string `json:"prefix" yaml:"prefix"`
}

// LockConfig 选择按任务互斥的实现，多实例部署时需要 redis。
type LockConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig 描述 Redis 连接与锁参数。
type RedisConfig struct {
	Address    string `json:"address" yaml:"address"`
	Password   string `json:"password" yaml:"password"`
	DB         int    `json:"db" yaml:"db"`
	KeyPrefix  string `json:"key_prefix" yaml:"key_prefix"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// EventsConfig 选择追踪事件的发布方式。
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	Kafka    KafkaConfig    `json:"kafka" yaml:"kafka"`
}

// RabbitMQConfig 描述 RabbitMQ 发布参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Queue    string `json:"queue" yaml:"queue"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// KafkaConfig 描述 Kafka 发布参数。
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string        `json:"provider" yaml:"provider"`
	Model          string        `json:"model" yaml:"model"`
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	APIKey         string        `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string        `json:"api_key_env" yaml:"api_key_env"`
	Temperature    float64       `json:"temperature" yaml:"temperature"`
	MaxTokens      int           `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int           `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	Command        CommandConfig `json:"command" yaml:"command"`
}

// CommandConfig 描述通过外部进程完成推理时所需的信息。
type CommandConfig struct {
	Path       string   `json:"path" yaml:"path"`
	Args       []string `json:"args" yaml:"args"`
	WorkingDir string   `json:"working_dir" yaml:"working_dir"`
}

// AgentConfig 控制步骤执行。
type AgentConfig struct {
	StepTimeoutSeconds int    `json:"step_timeout_seconds" yaml:"step_timeout_seconds"`
	HistoryDepth       int    `json:"history_depth" yaml:"history_depth"`
	KnowledgeFile      string `json:"knowledge_file" yaml:"knowledge_file"`
}

// PluginsConfig 指向补全插件清单。
type PluginsConfig struct {
	Manifest string `json:"manifest" yaml:"manifest"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level   string      `json:"level" yaml:"level"`
	Format  string      `json:"format" yaml:"format"`
	Outputs []string    `json:"outputs" yaml:"outputs"`
	Audit   AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 控制审计日志的输出与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// MetricsConfig 控制 Prometheus 指标。Address 非空时在独立端口暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	Log        bool   `json:"log" yaml:"log"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// 默认从这些环境变量读取敏感信息。
const (
	DefaultAPIKeyEnv      = "FORGE_OPENAI_API_KEY"
	DefaultDSNEnv         = "FORGE_MYSQL_DSN"
	DefaultMinIOSecretEnv = "FORGE_MINIO_SECRET_KEY"
)

// Load 负责解析指定路径的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON 解析。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只依赖内存与本地目录的配置，适合本地开发。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	cfg.applyEnv(os.LookupEnv)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8000"
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 32 << 20
	}
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		c.Server.ReadHeaderTimeoutSeconds = 5
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.DSNEnv == "" {
		c.Storage.TaskStore.DSNEnv = DefaultDSNEnv
	}
	if c.Storage.Artifacts.Driver == "" {
		c.Storage.Artifacts.Driver = "local"
	}
	c.Storage.Artifacts.WorkspaceDir = resolvePath(baseDir, c.Storage.Artifacts.WorkspaceDir, "workspace")
	if c.Storage.Artifacts.MinIO.SecretKeyEnv == "" {
		c.Storage.Artifacts.MinIO.SecretKeyEnv = DefaultMinIOSecretEnv
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "echo"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = DefaultAPIKeyEnv
	}
	if c.LLM.Command.WorkingDir != "" {
		c.LLM.Command.WorkingDir = resolvePath(baseDir, c.LLM.Command.WorkingDir, "")
	}

	if c.Agent.StepTimeoutSeconds <= 0 {
		c.Agent.StepTimeoutSeconds = 300
	}
	if c.Agent.KnowledgeFile != "" {
		c.Agent.KnowledgeFile = resolvePath(baseDir, c.Agent.KnowledgeFile, "")
	}
	if c.Plugins.Manifest != "" {
		c.Plugins.Manifest = resolvePath(baseDir, c.Plugins.Manifest, "")
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// applyEnv 用环境变量覆盖敏感字段，配置文件中的明文值优先级更低。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(c.LLM.APIKeyEnv); ok && v != "" {
		c.LLM.APIKey = v
	}
	if v, ok := lookup(c.Storage.TaskStore.DSNEnv); ok && v != "" {
		c.Storage.TaskStore.DSN = v
	}
	if v, ok := lookup(c.Storage.Artifacts.MinIO.SecretKeyEnv); ok && v != "" {
		c.Storage.Artifacts.MinIO.SecretKey = v
	}
}

// Validate 检查驱动名称与必填项。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: 未知取值 %q，可选 %s", field, value, strings.Join(allowed, "|")))
	}
	check("storage.task_store.driver", c.Storage.TaskStore.Driver, "memory", "mysql")
	check("storage.artifacts.driver", c.Storage.Artifacts.Driver, "local", "minio")
	check("lock.driver", c.Lock.Driver, "memory", "redis")
	check("events.driver", c.Events.Driver, "none", "log", "rabbitmq", "kafka")
	check("llm.provider", c.LLM.Provider, "echo", "openai", "command")

	if c.Storage.TaskStore.Driver == "mysql" && c.Storage.TaskStore.DSN == "" {
		errs = append(errs, errors.New("storage.task_store.dsn: mysql 驱动需要 DSN"))
	}
	if c.Storage.Artifacts.Driver == "minio" && (c.Storage.Artifacts.MinIO.Endpoint == "" || c.Storage.Artifacts.MinIO.Bucket == "") {
		errs = append(errs, errors.New("storage.artifacts.minio: 需要 endpoint 与 bucket"))
	}
	if c.Lock.Driver == "redis" && c.Lock.Redis.Address == "" {
		errs = append(errs, errors.New("lock.redis.address: redis 锁需要地址"))
	}
	if c.LLM.Provider == "command" && c.LLM.Command.Path == "" {
		errs = append(errs, errors.New("llm.command.path: command 提供方需要命令路径"))
	}
	return errors.Join(errs...)
}

// StepTimeout 返回步骤超时时间。
func (c AgentConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// ReadHeaderTimeout 返回读取请求头的超时时间。
func (c ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(c.ReadHeaderTimeoutSeconds) * time.Second
}

// Timeout 返回调用大模型的超时时间，0 表示使用提供方默认值。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TTL 返回 Redis 锁的过期时间。
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ConnMaxLifetime 返回连接的最长存活时间。
func (c TaskStoreConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

// ConnMaxIdleTime 返回连接的最长空闲时间。
func (c TaskStoreConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleTimeSeconds) * time.Second
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}
