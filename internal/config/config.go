package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述托管服务在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Metrics   MetricsConfig   `json:"metrics"`
	Alerting  AlertingConfig  `json:"alerting"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Web3      Web3Config      `json:"web3"`
	Proposals ProposalsConfig `json:"proposals"`
	Identity  IdentityConfig  `json:"identity"`
	Provision ProvisionConfig `json:"provision"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问密钥。
type ServerConfig struct {
	Address string `json:"address"`
	// APIKeys 将访问密钥映射到调用方地址（0x 前缀十六进制）。
	APIKeys map[string]string `json:"api_keys"`
	// AllowAnonymous 为真时放行未携带密钥的只读请求。
	AllowAnonymous bool `json:"allow_anonymous"`
}

// MetricsConfig 控制指标端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 配置告警通道。留空的通道不会被注册。
type AlertingConfig struct {
	Email    EmailAlertConfig    `json:"email"`
	DingTalk DingTalkAlertConfig `json:"dingtalk"`
	Slack    SlackAlertConfig    `json:"slack"`
}

// EmailAlertConfig 描述 SMTP 告警通道。
type EmailAlertConfig struct {
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	SubjectPrefix string   `json:"subject_prefix"`
}

// DingTalkAlertConfig 描述钉钉机器人告警通道。
type DingTalkAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// SlackAlertConfig 描述 Slack 告警通道。
type SlackAlertConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// StorageConfig 统一描述 MySQL 等后端的连接信息。
type StorageConfig struct {
	Proposals   ProposalStoreConfig `json:"proposals"`
	DecisionLog DecisionLogConfig   `json:"decision_log"`
	Identity    IdentityStoreConfig `json:"identity"`
}

// ProposalStoreConfig 选择提案状态的持久化后端。
type ProposalStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// DecisionLogConfig 选择决策审计的持久化后端。
type DecisionLogConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// IdentityStoreConfig 选择身份绑定的持久化后端。
type IdentityStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 选择提案队列的实现。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string        `json:"address"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Queue     string        `json:"queue"`
	BlockWait time.Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	// ChainConfig 指向多链定义文件（YAML），为空时退化为单链模式。
	ChainConfig  string `json:"chain_config"`
	RPCURL       string `json:"rpc_url"`
	DefaultChain string `json:"default_chain"`
	// KeyFile 指向执行器签名私钥清单（YAML）。
	KeyFile string `json:"key_file"`
}

// ProposalsConfig 控制提案处理管线。
type ProposalsConfig struct {
	MaxRetries int `json:"max_retries"`
	Workers    int `json:"workers"`
}

// IdentityConfig 控制身份注册表来源。
type IdentityConfig struct {
	Driver string `json:"driver"`
}

// ProvisionConfig 指向账户与金库的启动清单。
type ProvisionConfig struct {
	AccountsFile string `json:"accounts_file"`
	VaultsFile   string `json:"vaults_file"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}

	if c.Storage.Proposals.Driver == "" {
		c.Storage.Proposals.Driver = "memory"
	}
	if c.Storage.DecisionLog.Driver == "" {
		c.Storage.DecisionLog.Driver = "local"
	}
	if c.Storage.Identity.Driver == "" {
		c.Storage.Identity.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}

	if c.Proposals.MaxRetries <= 0 {
		c.Proposals.MaxRetries = 3
	}
	if c.Proposals.Workers <= 0 {
		c.Proposals.Workers = 4
	}

	resolve := func(path string) string {
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(baseDir, path)
	}
	c.Web3.ChainConfig = resolve(c.Web3.ChainConfig)
	c.Web3.KeyFile = resolve(c.Web3.KeyFile)
	c.Provision.AccountsFile = resolve(c.Provision.AccountsFile)
	c.Provision.VaultsFile = resolve(c.Provision.VaultsFile)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
