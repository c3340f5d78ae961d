package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CHATSYNC_MYSQL_HOST
const EnvPrefix = "CHATSYNC"

// Config holds all configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	MySQL       MySQLConfig       `mapstructure:"mysql"`
	Redis       RedisConfig       `mapstructure:"redis"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	ExternalJWT ExternalJWTConfig `mapstructure:"external_jwt"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Message     MessageConfig     `mapstructure:"message"`
	Storage     StorageConfig     `mapstructure:"storage"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	Mode            string        `mapstructure:"mode"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MachineId       uint16        `mapstructure:"machine_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	Charset         string        `mapstructure:"charset"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"` // Queries slower than this are logged as warnings
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the MySQL data source name
func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database, c.Charset)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Addr returns the Redis address
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// TTL is the lifetime of issued tokens
func (c *JWTConfig) TTL() time.Duration {
	return time.Duration(c.ExpireHours) * time.Hour
}

// ExternalJWTConfig accepts tokens minted by the account dashboard
type ExternalJWTConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Secret            string `mapstructure:"secret"`
	Issuer            string `mapstructure:"issuer"`
	DefaultRole       string `mapstructure:"default_role"`
	DefaultPlatformId int    `mapstructure:"default_platform_id"`
	PasswordSecret    string `mapstructure:"password_secret"`
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	MaxConnNum       int64         `mapstructure:"max_conn_num"`
	MaxMessageSizeS  string        `mapstructure:"max_message_size"`
	MaxMessageSize   int64         `mapstructure:"-"`
	WriteWait        time.Duration `mapstructure:"write_wait"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	PushChannelSize  int           `mapstructure:"push_channel_size"` // Queue size of each push worker
	PushWorkerNum    int           `mapstructure:"push_worker_num"`
	WriteChannelSize int           `mapstructure:"write_channel_size"`
	FrameRate        float64       `mapstructure:"frame_rate"`  // Inbound frames per second per connection
	FrameBurst       int           `mapstructure:"frame_burst"` // Inbound burst per connection
	OnlineTTL        time.Duration `mapstructure:"online_ttl"`
}

// MessageConfig bounds what a single message may carry
type MessageConfig struct {
	MaxTextLength      int    `mapstructure:"max_text_length"`
	MaxAttachments     int    `mapstructure:"max_attachments"`
	MaxAttachmentSizeS string `mapstructure:"max_attachment_size"`
	MaxAttachmentSize  int64  `mapstructure:"-"`
	DefaultPageLimit   int    `mapstructure:"default_page_limit"`
	MaxPageLimit       int    `mapstructure:"max_page_limit"`
}

// StorageConfig is the local attachment store
type StorageConfig struct {
	Dir       string `mapstructure:"dir"`
	URLPrefix string `mapstructure:"url_prefix"`
}

// Global config instance
var GlobalConfig *Config

// Load reads configPath, applies .env and CHATSYNC_* overrides, then fills defaults
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.machine_id", 1)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("mysql.charset", "utf8mb4")
	v.SetDefault("mysql.max_open_conns", 100)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.conn_max_lifetime", time.Hour)
	v.SetDefault("mysql.slow_threshold", 200*time.Millisecond)
	v.SetDefault("redis.key_prefix", "chatsync:")
	v.SetDefault("jwt.expire_hours", 168)
	v.SetDefault("external_jwt.default_role", "user")
	v.SetDefault("external_jwt.default_platform_id", 5)
	v.SetDefault("websocket.max_conn_num", 10000)
	v.SetDefault("websocket.max_message_size", "50KB")
	v.SetDefault("websocket.write_wait", 10*time.Second)
	v.SetDefault("websocket.pong_wait", 30*time.Second)
	v.SetDefault("websocket.ping_period", 27*time.Second)
	v.SetDefault("websocket.push_channel_size", 1000)
	v.SetDefault("websocket.push_worker_num", 10)
	v.SetDefault("websocket.write_channel_size", 256)
	v.SetDefault("websocket.frame_rate", 20)
	v.SetDefault("websocket.frame_burst", 40)
	v.SetDefault("websocket.online_ttl", 90*time.Second)
	v.SetDefault("message.max_text_length", 4000)
	v.SetDefault("message.max_attachments", 10)
	v.SetDefault("message.max_attachment_size", "25MiB")
	v.SetDefault("message.default_page_limit", 30)
	v.SetDefault("message.max_page_limit", 100)
	v.SetDefault("storage.dir", "data/files")
	v.SetDefault("storage.url_prefix", "/files")
}

// normalize parses human sizes and rejects values the server cannot run with
func (c *Config) normalize() error {
	var err error
	if c.WebSocket.MaxMessageSize, err = parseBytes("websocket.max_message_size", c.WebSocket.MaxMessageSizeS); err != nil {
		return err
	}
	if c.Message.MaxAttachmentSize, err = parseBytes("message.max_attachment_size", c.Message.MaxAttachmentSizeS); err != nil {
		return err
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	if c.ExternalJWT.Enabled && c.ExternalJWT.Secret == "" {
		return errors.New("external_jwt.secret is required when external_jwt is enabled")
	}
	if c.Message.MaxPageLimit < c.Message.DefaultPageLimit {
		c.Message.MaxPageLimit = c.Message.DefaultPageLimit
	}
	c.Storage.URLPrefix = "/" + strings.Trim(c.Storage.URLPrefix, "/")
	return nil
}

func parseBytes(key, s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return int64(n), nil
}
