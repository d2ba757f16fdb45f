package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 网关的监听配置
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// BusConfig 定义进程内投递总线的运行参数
type BusConfig struct {
	SweepInterval time.Duration // 在途消息超时清扫周期，默认 500ms
	PushWorkers   int           // 推送投递协程数，默认 8
	PushQueueSize int           // 推送任务队列长度，默认 256
}

// RedisConfig 定义 redis 提供者的连接配置
type RedisConfig struct {
	Enabled   bool   // 是否注册 redis 提供者
	Address   string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password  string // Redis 认证密码，留空表示无密码
	DB        int    // Redis 数据库编号，默认 0
	KeyPrefix string // 键前缀，默认 "mailbus:"
}

// DatabaseConfig 定义持久化提供者的数据库连接配置
type DatabaseConfig struct {
	Enabled         bool          // 是否注册数据库提供者
	Type            string        // 数据库类型: "postgres" 或 "mysql"
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
	PollInterval    time.Duration // 订阅轮询周期，默认 1s
}

// SMTPConfig 定义外发 SMTP 提供者的配置
type SMTPConfig struct {
	Enabled  bool   // 是否注册 smtp 提供者
	Addr     string // SMTP 服务器地址，格式 "host:port"
	Username string // 认证用户名，留空表示匿名
	Password string // 认证密码
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色控制台输出和详细堆栈
	File        string // 日志文件路径，留空只输出到标准输出
}

// AuthConfig 定义网关认证配置
type AuthConfig struct {
	JWTSecret string // JWT 签名密钥，留空表示网关不做认证
	Issuer    string // JWT 签发者标识，默认 "mailbus"
}

// RateLimitConfig 定义网关限流配置
type RateLimitConfig struct {
	RPS   float64 // 单个来源每秒允许的请求数，默认 50
	Burst int     // 突发容量，默认 100
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server    ServerConfig
	Bus       BusConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	SMTP      SMTPConfig
	CORS      CORSConfig
	Log       LogConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILBUS_
// 例如: MAILBUS_SERVER_PORT, MAILBUS_REDIS_ADDRESS
func Load() (*Config, error) {
	// .env 文件是可选的，加载失败静默忽略
	loadEnvFile()

	viper.SetEnvPrefix("mailbus")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("bus.sweep_interval", "500ms")
	viper.SetDefault("bus.push_workers", 8)
	viper.SetDefault("bus.push_queue_size", 256)
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", "mailbus:")
	viper.SetDefault("database.enabled", false)
	viper.SetDefault("database.type", "postgres")
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.poll_interval", "1s")
	viper.SetDefault("smtp.enabled", false)
	viper.SetDefault("smtp.addr", "")
	viper.SetDefault("smtp.username", "")
	viper.SetDefault("smtp.password", "")
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.issuer", "mailbus")
	viper.SetDefault("ratelimit.rps", 50.0)
	viper.SetDefault("ratelimit.burst", 100)

	sweepInterval, err := time.ParseDuration(viper.GetString("bus.sweep_interval"))
	if err != nil || sweepInterval <= 0 {
		return nil, fmt.Errorf("invalid bus.sweep_interval: %q", viper.GetString("bus.sweep_interval"))
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}
	pollInterval, err := time.ParseDuration(viper.GetString("database.poll_interval"))
	if err != nil || pollInterval <= 0 {
		pollInterval = time.Second
	}

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	jwtSecret := viper.GetString("auth.jwt_secret")
	if jwtSecret != "" && len(jwtSecret) < 32 {
		return nil, fmt.Errorf("auth.jwt_secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Bus: BusConfig{
			SweepInterval: sweepInterval,
			PushWorkers:   viper.GetInt("bus.push_workers"),
			PushQueueSize: viper.GetInt("bus.push_queue_size"),
		},
		Redis: RedisConfig{
			Enabled:   viper.GetBool("redis.enabled"),
			Address:   viper.GetString("redis.address"),
			Password:  viper.GetString("redis.password"),
			DB:        viper.GetInt("redis.db"),
			KeyPrefix: viper.GetString("redis.key_prefix"),
		},
		Database: DatabaseConfig{
			Enabled:         viper.GetBool("database.enabled"),
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
			PollInterval:    pollInterval,
		},
		SMTP: SMTPConfig{
			Enabled:  viper.GetBool("smtp.enabled"),
			Addr:     viper.GetString("smtp.addr"),
			Username: viper.GetString("smtp.username"),
			Password: viper.GetString("smtp.password"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Auth: AuthConfig{
			JWTSecret: jwtSecret,
			Issuer:    viper.GetString("auth.issuer"),
		},
		RateLimit: RateLimitConfig{
			RPS:   viper.GetFloat64("ratelimit.rps"),
			Burst: viper.GetInt("ratelimit.burst"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 校验跨字段的配置约束
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if c.Bus.PushWorkers <= 0 {
		return fmt.Errorf("bus.push_workers must be positive")
	}
	if c.Database.Enabled {
		if c.Database.Type != "postgres" && c.Database.Type != "mysql" {
			return fmt.Errorf("unsupported database.type: %q", c.Database.Type)
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required when database provider is enabled")
		}
	}
	if c.SMTP.Enabled && c.SMTP.Addr == "" {
		return fmt.Errorf("smtp.addr is required when smtp provider is enabled")
	}
	return nil
}

// Addr 返回 HTTP 网关的监听地址
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// loadEnvFile 尝试从当前目录或父目录加载 .env 文件
func loadEnvFile() {
	for _, path := range []string{".env", filepath.Join("..", ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// parseList 解析逗号分隔的列表，忽略空白项
func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
