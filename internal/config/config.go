package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// Config 描述了 ChainForge 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Providers ProvidersConfig `json:"providers"`
	Codegen   CodegenConfig   `json:"codegen"`
	Sources   SourcesConfig   `json:"sources"`
	Relay     RelayConfig     `json:"relay"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Metrics   MetricsConfig   `json:"metrics"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// ProvidersConfig 指向链实例定义文件（YAML）。
type ProvidersConfig struct {
	Definitions string `json:"definitions"`
}

// CodegenConfig 用于配置调用脚本生成后端的方式。
type CodegenConfig struct {
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SourcesConfig 描述合约源码抓取（Etherscan v2）的访问参数。
type SourcesConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RelayConfig 包含提交用户操作所需的 bundler 访问信息。
// Chain 指定签名与 nonce 查询所使用的链实例。
type RelayConfig struct {
	URL                   string `json:"url"`
	Chain                 string `json:"chain"`
	EntryPoint            string `json:"entry_point"`
	OwnerKey              string `json:"owner_key"`
	PollIntervalSeconds   int    `json:"poll_interval_seconds"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// DispatchConfig 描述异步作业的队列与存储后端。
type DispatchConfig struct {
	Queue      QueueConfig `json:"queue"`
	Store      StoreConfig `json:"store"`
	Workers    int         `json:"workers"`
	MaxRetries int         `json:"max_retries"`
}

// QueueConfig 支持 memory、redis、rabbitmq 三种驱动。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// StoreConfig 支持 memory、mysql 两种驱动。
type StoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// MetricsConfig 控制指标服务的监听地址，留空则不启动。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 配置终态失败的告警投递渠道，留空则不投递。
type AlertingConfig struct {
	DingTalkWebhook string `json:"dingtalk_webhook"`
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 描述审计日志文件的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load 负责解析指定路径的 JSON 配置文件，${VAR} 占位符会展开为环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	expanded := envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	var cfg Config
	if err := json.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Providers.Definitions == "" {
		c.Providers.Definitions = filepath.Join(baseDir, "providers.yaml")
	} else if !filepath.IsAbs(c.Providers.Definitions) {
		c.Providers.Definitions = filepath.Join(baseDir, c.Providers.Definitions)
	}

	if c.Codegen.Provider == "" {
		c.Codegen.Provider = "openai"
	}

	if c.Dispatch.Queue.Driver == "" {
		c.Dispatch.Queue.Driver = "memory"
	}

	if c.Dispatch.Store.Driver == "" {
		c.Dispatch.Store.Driver = "memory"
	}

	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}

	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 3
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// validate 拦截明显无法启动的配置组合。
func (c *Config) validate() error {
	switch c.Dispatch.Queue.Driver {
	case "memory":
	case "redis":
		if c.Dispatch.Queue.Redis.Address == "" {
			return errors.New("redis 队列需要配置 address")
		}
	case "rabbitmq":
		if c.Dispatch.Queue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Dispatch.Queue.Driver)
	}

	switch c.Dispatch.Store.Driver {
	case "memory":
	case "mysql":
		if c.Dispatch.Store.DSN == "" {
			return errors.New("mysql 存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Dispatch.Store.Driver)
	}

	if c.Codegen.Provider != "openai" {
		return fmt.Errorf("不支持的脚本生成后端: %s", c.Codegen.Provider)
	}

	return nil
}
