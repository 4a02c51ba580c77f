package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"OperatorHub/pkg/logger"
)

// EnvPath 是指定配置文件路径的环境变量。
const EnvPath = "OPERATORHUB_CONFIG"

// DefaultPath 返回未设置环境变量时使用的配置路径。
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return filepath.Join("configs", "operatorhub.json")
}

// Config 描述 operatord 启动阶段需要的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Plugins   PluginsConfig   `json:"plugins"`
	Queue     QueueConfig     `json:"queue"`
	Settings  SettingsConfig  `json:"settings"`
	Remote    RemoteConfig    `json:"remote"`
	Logging   logger.Config   `json:"logging"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// PluginsConfig 描述插件目录与宿主版本。ManagerFile 指向 YAML 格式的插件启停与设置文件。
type PluginsConfig struct {
	Dir         string `json:"dir"`
	HostVersion string `json:"host_version"`
	ManagerFile string `json:"manager_file"`
	Watch       bool   `json:"watch"`
	DebounceMS  int    `json:"debounce_ms"`
}

// Debounce 返回监听插件目录时的防抖间隔。
func (p PluginsConfig) Debounce() time.Duration {
	return time.Duration(p.DebounceMS) * time.Millisecond
}

// QueueConfig 选择调用队列的投递后端。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 对应 Redis 投递后端。Key 为空时每个进程使用带随机后缀的独立 list。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Key              string `json:"key"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 对应 RabbitMQ 投递后端。Queue 为空时每个进程声明一个带随机后缀、自动删除的独立队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// SettingsConfig 选择插件设置的持久化来源。
type SettingsConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RemoteConfig 指向一个远程算子服务，为空时不拉取远程算子。
type RemoteConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回远程请求超时。
func (r RemoteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// TelemetryConfig 控制指标与链路追踪。
type TelemetryConfig struct {
	MetricsAddress string `json:"metrics_address"`
	OTLPEndpoint   string `json:"otlp_endpoint"`
	ServiceName    string `json:"service_name"`
	AlertWebhook   string `json:"alert_webhook"`
	AlertSeverity  string `json:"alert_severity"`
}

// Load 解析指定路径的 JSON 配置文件。
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，相对路径以 baseDir 为基准。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Plugins.Dir == "" {
		c.Plugins.Dir = filepath.Join(baseDir, "plugins")
	} else if !filepath.IsAbs(c.Plugins.Dir) {
		c.Plugins.Dir = filepath.Join(baseDir, c.Plugins.Dir)
	}
	if c.Plugins.ManagerFile != "" && !filepath.IsAbs(c.Plugins.ManagerFile) {
		c.Plugins.ManagerFile = filepath.Join(baseDir, c.Plugins.ManagerFile)
	}
	if c.Plugins.DebounceMS <= 0 {
		c.Plugins.DebounceMS = 250
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.Redis.BlockWaitSeconds <= 0 {
		c.Queue.Redis.BlockWaitSeconds = 5
	}

	c.Settings.Driver = strings.ToLower(strings.TrimSpace(c.Settings.Driver))
	if c.Settings.Driver == "" {
		c.Settings.Driver = "memory"
	}

	if c.Remote.TimeoutSeconds <= 0 {
		c.Remote.TimeoutSeconds = 15
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "operatord"
	}
	if c.Telemetry.AlertSeverity == "" {
		c.Telemetry.AlertSeverity = "critical"
	}
}

// Validate 检查后端选择与其必填参数是否一致。
func (c *Config) Validate() error {
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			return errors.New("redis 队列需要配置 address")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 队列需要配置 url")
		}
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}

	switch c.Settings.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Settings.DSN) == "" {
			return errors.New("mysql 设置来源需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的设置驱动: %s", c.Settings.Driver)
	}
	return nil
}
