package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 支持的存储类型
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StorageRedis    = "redis"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// ServerConfig 定义本地代理 HTTP 服务的监听配置
type ServerConfig struct {
	Host string // 监听地址，默认 "127.0.0.1"（仅供本机浏览器扩展访问）
	Port int    // 监听端口，默认 8787
}

// Addr 返回 host:port
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RemoteConfig 定义远程邮件服务 API 的访问配置
type RemoteConfig struct {
	BaseURL        string        // API 根地址，默认 "https://api.cybertemp.xyz"
	Timeout        time.Duration // 单次请求超时，默认 30 秒
	MailLimit      int           // 每次拉取的邮件数量上限，默认 10
	FallbackDomain string        // 域名列表无法获取时使用的域名，默认 "cybertemp.xyz"
	RateLimit      float64       // 每秒最多发出的请求数，<=0 表示不限制
	RateBurst      int           // 令牌桶容量
}

// PollConfig 定义邮件轮询配置
type PollConfig struct {
	Interval time.Duration // 轮询间隔，默认 5 秒
}

// StorageConfig 定义状态存储后端
type StorageConfig struct {
	Type string // memory | file | redis | sqlite | postgres，默认 file
	Path string // file 后端的数据目录，留空使用系统配置目录
	DSN  string // sqlite 文件路径或 PostgreSQL 连接字符串
}

// RedisConfig 定义 Redis 存储配置
type RedisConfig struct {
	Address   string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password  string // Redis 认证密码，留空表示无密码
	DB        int    // Redis 数据库编号，默认 0
	KeyPrefix string // 键前缀，多个代理共享同一实例时用于隔离，默认 "cybertemp:"
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源，以 "*" 结尾的项按前缀匹配
}

// DefaultAllowedOrigins 默认只允许浏览器扩展页面访问代理
var DefaultAllowedOrigins = []string{"chrome-extension://*", "moz-extension://*"}

// AllowsAll 是否允许任意来源
func (c CORSConfig) AllowsAll() bool {
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

// AllowsOrigin 判断来源是否在允许列表内
func (c CORSConfig) AllowsOrigin(origin string) bool {
	return MatchOrigin(c.AllowedOrigins, origin)
}

// MatchOrigin 按允许列表匹配来源。"*" 匹配任意来源，"scheme://*" 匹配该前缀
func MatchOrigin(allowed []string, origin string) bool {
	for _, pattern := range allowed {
		switch {
		case pattern == "*":
			return true
		case strings.HasSuffix(pattern, "*"):
			prefix := strings.TrimSuffix(pattern, "*")
			if len(origin) > len(prefix) && strings.HasPrefix(origin, prefix) {
				return true
			}
		case pattern == origin:
			return true
		}
	}
	return false
}

// AuthConfig 定义本地客户端令牌校验
type AuthConfig struct {
	Enabled    bool          // 是否要求令牌，默认 true
	SecretFile string        // 签名密钥文件，留空使用数据目录下的 agent.secret
	TokenTTL   time.Duration // 令牌有效期，0 表示不过期，默认 8760h
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到标准输出
}

// NotifyConfig 定义通知投递配置
type NotifyConfig struct {
	WebhookURL string // 非空时每条通知额外 POST 到该地址
}

// PoolConfig 定义异步任务工作池
type PoolConfig struct {
	Workers int // 工作协程数量，默认 4
	Queue   int // 任务队列长度，默认 64
}

// Config 是代理配置的根结构体
type Config struct {
	Server  ServerConfig
	Remote  RemoteConfig
	Poll    PollConfig
	Storage StorageConfig
	Redis   RedisConfig
	CORS    CORSConfig
	Auth    AuthConfig
	Log     LogConfig
	Notify  NotifyConfig
	Pool    PoolConfig
}

// Load 从配置文件、环境变量和 .env 文件加载代理配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. configFile 指定的配置文件（为空则跳过）
//  4. 默认值
//
// 环境变量前缀: CYBERTEMP_
// 例如: CYBERTEMP_REMOTE_BASE_URL, CYBERTEMP_POLL_INTERVAL
func Load(configFile string) (*Config, error) {
	// .env 文件是可选的
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("cybertemp")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	timeout, err := parseDuration(v, "remote.timeout")
	if err != nil {
		return nil, err
	}
	interval, err := parseDuration(v, "poll.interval")
	if err != nil {
		return nil, err
	}
	if interval < time.Second {
		return nil, fmt.Errorf("poll.interval must be at least 1s, got %s", interval)
	}

	baseURL := strings.TrimRight(v.GetString("remote.base_url"), "/")
	if u, err := url.Parse(baseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote.base_url: %q", baseURL)
	}

	mailLimit := v.GetInt("remote.mail_limit")
	if mailLimit <= 0 {
		mailLimit = 10
	}

	storageType := strings.ToLower(strings.TrimSpace(v.GetString("storage.type")))
	switch storageType {
	case StorageMemory, StorageFile, StorageRedis:
	case StorageSQLite, StoragePostgres:
		if v.GetString("storage.dsn") == "" {
			return nil, fmt.Errorf("storage.dsn is required for %s storage", storageType)
		}
	default:
		return nil, fmt.Errorf("unknown storage.type %q", storageType)
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = DefaultAllowedOrigins
	}

	tokenTTL, err := parseDuration(v, "auth.token_ttl")
	if err != nil {
		return nil, err
	}
	if tokenTTL < 0 {
		return nil, fmt.Errorf("auth.token_ttl must not be negative, got %s", tokenTTL)
	}

	workers := v.GetInt("pool.workers")
	if workers <= 0 {
		workers = 4
	}
	queue := v.GetInt("pool.queue")
	if queue <= 0 {
		queue = 64
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Remote: RemoteConfig{
			BaseURL:        baseURL,
			Timeout:        timeout,
			MailLimit:      mailLimit,
			FallbackDomain: strings.ToLower(v.GetString("remote.fallback_domain")),
			RateLimit:      v.GetFloat64("remote.rate_limit"),
			RateBurst:      v.GetInt("remote.rate_burst"),
		},
		Poll: PollConfig{
			Interval: interval,
		},
		Storage: StorageConfig{
			Type: storageType,
			Path: v.GetString("storage.path"),
			DSN:  v.GetString("storage.dsn"),
		},
		Redis: RedisConfig{
			Address:   v.GetString("redis.address"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Auth: AuthConfig{
			Enabled:    v.GetBool("auth.enabled"),
			SecretFile: v.GetString("auth.secret_file"),
			TokenTTL:   tokenTTL,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Notify: NotifyConfig{
			WebhookURL: v.GetString("notify.webhook_url"),
		},
		Pool: PoolConfig{
			Workers: workers,
			Queue:   queue,
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("remote.base_url", "https://api.cybertemp.xyz")
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.mail_limit", 10)
	v.SetDefault("remote.fallback_domain", "cybertemp.xyz")
	v.SetDefault("remote.rate_limit", 2)
	v.SetDefault("remote.rate_burst", 4)
	v.SetDefault("poll.interval", "5s")
	v.SetDefault("storage.type", StorageFile)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "cybertemp:")
	v.SetDefault("cors.allowed_origins", strings.Join(DefaultAllowedOrigins, ","))
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.secret_file", "")
	v.SetDefault("auth.token_ttl", "8760h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.queue", 64)
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 用户配置目录下的 cybertemp/.env
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return
	}
	userEnv := filepath.Join(dir, "cybertemp", ".env")
	if _, err := os.Stat(userEnv); err == nil {
		_ = godotenv.Load(userEnv)
	}
}
