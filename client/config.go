package client

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// 环境变量名，与原有部署脚本保持一致
const (
	EnvURL             = "URL"
	EnvKey             = "KEY"
	EnvTimeURL         = "TIME_URL"
	EnvSafetyBuffer    = "SPEED_SAFETY_BUFFER"
	EnvTimeSamples     = "SPEED_TIME_SAMPLES"
	EnvDecisionWorkers = "SPEED_DECISION_WORKERS"
	EnvStatusAddr      = "SPEED_STATUS_ADDR"
	EnvLogLevel        = "SPEED_LOG_LEVEL"
	EnvLogFile         = "SPEED_LOG_FILE"
)

// Config 客户端完整配置
type Config struct {
	URL     string `yaml:"url"`
	Key     string `yaml:"key"`
	TimeURL string `yaml:"time_url"`

	SafetyBuffer       time.Duration `yaml:"safety_buffer"`
	TimeSamples        int           `yaml:"time_samples"`
	TimeRequestTimeout time.Duration `yaml:"time_request_timeout"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
	DecisionWorkers  int           `yaml:"decision_workers"`

	// 握手失败时的重试策略；会话建立后不重连
	ConnectRetries int           `yaml:"connect_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	StatusAddr string    `yaml:"status_addr"` // 为空则不启动状态接口
	Log        LogConfig `yaml:"log"`
}

// DefaultConfig 返回默认配置（服务地址与密钥需另行提供）
func DefaultConfig() Config {
	sess := DefaultSessionConfig()
	return Config{
		URL:                "wss://msoll.de/spe_ed",
		TimeURL:            "https://msoll.de/spe_ed_time",
		SafetyBuffer:       DefaultSafetyBuffer,
		TimeSamples:        3,
		TimeRequestTimeout: 5 * time.Second,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       sess.WriteTimeout,
		ReadTimeout:        sess.ReadTimeout,
		PingInterval:       sess.PingInterval,
		MaxMessageSize:     sess.MaxMessageSize,
		DecisionWorkers:    sess.DecisionWorkers,
		ConnectRetries:     3,
		RetryBaseDelay:     2 * time.Second,
		RetryMaxDelay:      15 * time.Second,
		Log: LogConfig{
			File:       "speedclient.log",
			Level:      "info",
			Console:    true,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// LoadConfig 在默认配置之上叠加 YAML 文件；path 为空时只返回默认配置
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv 用环境变量覆盖配置；lookup 一般传 os.LookupEnv
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str(EnvURL, &c.URL)
	str(EnvKey, &c.Key)
	str(EnvTimeURL, &c.TimeURL)
	str(EnvStatusAddr, &c.StatusAddr)
	str(EnvLogLevel, &c.Log.Level)
	str(EnvLogFile, &c.Log.File)

	if v, ok := lookup(EnvSafetyBuffer); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvSafetyBuffer, err)
		}
		c.SafetyBuffer = d
	}
	for key, dst := range map[string]*int{EnvTimeSamples: &c.TimeSamples, EnvDecisionWorkers: &c.DecisionWorkers} {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = n
		}
	}
	return nil
}

// Validate 检查必填项与取值范围
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.Key == "" {
		errs = append(errs, errors.New("key is required"))
	}
	if c.TimeURL == "" {
		errs = append(errs, errors.New("time_url is required"))
	}
	if c.SafetyBuffer < 0 {
		errs = append(errs, fmt.Errorf("safety_buffer must not be negative, got %v", c.SafetyBuffer))
	}
	if c.TimeSamples < 1 {
		errs = append(errs, fmt.Errorf("time_samples must be at least 1, got %d", c.TimeSamples))
	}
	if c.DecisionWorkers < 1 {
		errs = append(errs, fmt.Errorf("decision_workers must be at least 1, got %d", c.DecisionWorkers))
	}
	if c.ConnectRetries < 0 {
		errs = append(errs, fmt.Errorf("connect_retries must not be negative, got %d", c.ConnectRetries))
	}
	return errors.Join(errs...)
}

// Session 会话相关的子配置
func (c *Config) Session() SessionConfig {
	return SessionConfig{
		WriteTimeout:    c.WriteTimeout,
		ReadTimeout:     c.ReadTimeout,
		PingInterval:    c.PingInterval,
		MaxMessageSize:  c.MaxMessageSize,
		DecisionWorkers: c.DecisionWorkers,
	}
}

// Redacted 隐去密钥，用于日志和 config 命令输出
func (c Config) Redacted() Config {
	if c.Key != "" {
		c.Key = "xxxxx"
	}
	return c
}
