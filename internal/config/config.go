package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Enrollment  EnrollmentConfig  `yaml:"enrollment"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat"`
	Session     SessionConfig     `yaml:"session"`
	Command     CommandConfig     `yaml:"command"`
	Integration IntegrationConfig `yaml:"integration"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EnrollmentConfig represents enrollment token configuration
type EnrollmentConfig struct {
	// TokenTTL 注册令牌默认有效期
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// HeartbeatConfig represents channel heartbeat supervision configuration
type HeartbeatConfig struct {
	// Interval 心跳间隔
	Interval time.Duration `yaml:"interval"`
	// MissedLimit 连续丢失多少次心跳后判定超时
	MissedLimit int `yaml:"missed_limit"`
}

// Grace is the total heartbeat deadline (interval * missed limit)
func (c HeartbeatConfig) Grace() time.Duration {
	return c.Interval * time.Duration(c.MissedLimit)
}

// SessionConfig represents session reconstruction configuration
type SessionConfig struct {
	// OpenCeiling 未闭合会话的最长保留时间，超过后强制闭合
	OpenCeiling time.Duration `yaml:"open_ceiling"`
	// ReorderWindow 乱序事件重排窗口
	ReorderWindow time.Duration `yaml:"reorder_window"`
}

// CommandConfig represents command dispatch configuration
type CommandConfig struct {
	// QueueTTL 排队命令的保留时间（deliver-on-next-connect）
	QueueTTL time.Duration `yaml:"queue_ttl"`
}

// IntegrationConfig represents external fan-out configuration
type IntegrationConfig struct {
	HTTP HTTPIntegrationConfig `yaml:"http"`
	MQTT MQTTIntegrationConfig `yaml:"mqtt"`
}

// HTTPIntegrationConfig represents the webhook integration
type HTTPIntegrationConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// MQTTIntegrationConfig represents the MQTT integration
type MQTTIntegrationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	// 设置默认值并校验
	if err := cfg.validateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.API.Port = p
		}
	}
}

// validateAndSetDefaults 校验配置并填充默认值
func (c *Config) validateAndSetDefaults() error {
	if c.Server.Name == "" {
		c.Server.Name = "roomlink-server"
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	// 注册令牌默认 24 小时有效
	if c.Enrollment.TokenTTL == 0 {
		c.Enrollment.TokenTTL = 24 * time.Hour
	}

	// 心跳默认 30 秒，连续丢失 3 次判定离线
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 30 * time.Second
	}
	if c.Heartbeat.MissedLimit == 0 {
		c.Heartbeat.MissedLimit = 3
	}
	if c.Heartbeat.Interval < time.Second {
		return fmt.Errorf("heartbeat interval too small: %s", c.Heartbeat.Interval)
	}

	if c.Session.OpenCeiling == 0 {
		c.Session.OpenCeiling = 12 * time.Hour
	}
	if c.Session.ReorderWindow == 0 {
		c.Session.ReorderWindow = 5 * time.Second
	}

	if c.Command.QueueTTL == 0 {
		c.Command.QueueTTL = 10 * time.Minute
	}

	if c.Integration.HTTP.Enabled && c.Integration.HTTP.Endpoint == "" {
		return fmt.Errorf("http integration enabled without endpoint")
	}
	if c.Integration.HTTP.Timeout == 0 {
		c.Integration.HTTP.Timeout = 10 * time.Second
	}
	if c.Integration.MQTT.Enabled && c.Integration.MQTT.Broker == "" {
		return fmt.Errorf("mqtt integration enabled without broker")
	}
	if c.Integration.MQTT.TopicPrefix == "" {
		c.Integration.MQTT.TopicPrefix = "roomlink"
	}

	return nil
}

// PrintConfigSummary 打印配置摘要
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== %s %s ===\n", c.Server.Name, c.Server.Version)
	fmt.Printf("API:            %s\n", c.API.Addr())
	fmt.Printf("NATS:           %s\n", c.NATS.URL)
	fmt.Printf("Token TTL:      %s\n", c.Enrollment.TokenTTL)
	fmt.Printf("Heartbeat:      %s x%d\n", c.Heartbeat.Interval, c.Heartbeat.MissedLimit)
	fmt.Printf("Open ceiling:   %s\n", c.Session.OpenCeiling)
	fmt.Printf("Reorder window: %s\n", c.Session.ReorderWindow)
	fmt.Printf("HTTP fan-out:   %v\n", c.Integration.HTTP.Enabled)
	fmt.Printf("MQTT fan-out:   %v\n", c.Integration.MQTT.Enabled)
}
