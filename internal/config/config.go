package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Upstream UpstreamConfig `json:"upstream"`
	Image    ImageConfig    `json:"image"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string        `json:"env"`             // 运行环境: local / prod
	LogLevel       string        `json:"log_level"`       // 日志级别: debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`       // API 服务监听地址
	MetricsAddr    string        `json:"metrics_addr"`    // sourcer 的 /metrics 监听地址
	InlinePrefetch bool          `json:"inline_prefetch"` // API 进程内直接运行预取，不经过 Redis 队列
	AutoSelect     bool          `json:"auto_select"`     // 预取后按销量自动选择候选
	LockTTL        time.Duration `json:"lock_ttl"`        // 编辑锁过期时间（如 "15m"）
	RunGuardTTL    time.Duration `json:"run_guard_ttl"`   // 会话批处理互斥标记 TTL
	JobPopTimeout  time.Duration `json:"job_pop_timeout"` // sourcer 阻塞弹出作业的超时
	JobRescueAfter time.Duration `json:"job_rescue_after"`
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// UpstreamConfig 以图搜图接口配置。
type UpstreamConfig struct {
	Host        string        `json:"host"`         // RapidAPI 主机名
	APIKey      string        `json:"api_key"`      // 为空时预取直接失败
	Workers     int           `json:"workers"`      // 并发 worker 数
	MaxAttempts int           `json:"max_attempts"` // 每行最大尝试次数
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
	Jitter      time.Duration `json:"jitter"`
	Timeout     time.Duration `json:"timeout"`    // 单次尝试超时
	RateLimit   float64       `json:"rate_limit"` // 全局限流速率（token/s），0 表示不限
	RateBurst   float64       `json:"rate_burst"` // 限流桶容量
}

// ImageConfig 图片代理配置。
type ImageConfig struct {
	EnforceAllowList bool          `json:"enforce_allow_list"` // 仅代理白名单主机
	ExtraHosts       []string      `json:"extra_hosts"`        // 额外允许的主机后缀
	OpenProxy        string        `json:"open_proxy"`         // 公共图片代理前缀，为空则禁用
	OpenProxyRate    float64       `json:"open_proxy_rate"`    // 公共代理每秒请求数
	Timeout          time.Duration `json:"timeout"`            // 单次图片请求超时
	CacheTTL         time.Duration `json:"cache_ttl"`          // 0 表示不缓存
	CacheMaxBytes    int64         `json:"cache_max_bytes"`    // 超过该大小的图片不缓存
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	NotifyTo  string `json:"notify_to"` // 批处理完成通知的收件人，为空不发送
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret    string        `json:"jwt_secret"`    // JWT 签名密钥
	TokenTTL     time.Duration `json:"token_ttl"`     // 会话令牌有效期
	CookieSecure bool          `json:"cookie_secure"` // s_token cookie 是否只走 HTTPS
}

// Load 从 JSON 文件加载配置。
//
// 默认读取 configs/config.json；文件不存在时使用默认值。
// 文件内容覆盖在默认配置之上，未出现的字段保留默认值；环境变量总是最后生效。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := getDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8081",
			MetricsAddr:    ":2112",
			InlinePrefetch: false,
			AutoSelect:     false,
			LockTTL:        15 * time.Minute,
			RunGuardTTL:    time.Hour,
			JobPopTimeout:  5 * time.Second,
			JobRescueAfter: 30 * time.Minute,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/relister?parseTime=true&loc=Local&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Upstream: UpstreamConfig{
			Host:        "taobao-advanced.p.rapidapi.com",
			Workers:     3,
			MaxAttempts: 3,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
			Jitter:      250 * time.Millisecond,
			Timeout:     20 * time.Second,
			RateLimit:   2,
			RateBurst:   3,
		},
		Image: ImageConfig{
			EnforceAllowList: true,
			OpenProxy:        "https://wsrv.nl/?url=",
			OpenProxyRate:    5,
			Timeout:          15 * time.Second,
			CacheTTL:         10 * time.Minute,
			CacheMaxBytes:    2 << 20,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
			TokenTTL:  7 * 24 * time.Hour,
		},
	}
}

// applyDefaults 把文件中显式写成零值、但零值无意义的字段恢复为默认值。
//
// 布尔开关、open_proxy 与 cache_ttl 的零值表示关闭，保持文件中的值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.LockTTL == 0 {
		cfg.App.LockTTL = defaults.App.LockTTL
	}
	if cfg.App.RunGuardTTL == 0 {
		cfg.App.RunGuardTTL = defaults.App.RunGuardTTL
	}
	if cfg.App.JobPopTimeout == 0 {
		cfg.App.JobPopTimeout = defaults.App.JobPopTimeout
	}
	if cfg.App.JobRescueAfter == 0 {
		cfg.App.JobRescueAfter = defaults.App.JobRescueAfter
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}

	up := &cfg.Upstream
	if up.Host == "" {
		up.Host = defaults.Upstream.Host
	}
	if up.Workers <= 0 {
		up.Workers = defaults.Upstream.Workers
	}
	if up.MaxAttempts <= 0 {
		up.MaxAttempts = defaults.Upstream.MaxAttempts
	}
	if up.BaseBackoff == 0 {
		up.BaseBackoff = defaults.Upstream.BaseBackoff
	}
	if up.MaxBackoff == 0 {
		up.MaxBackoff = defaults.Upstream.MaxBackoff
	}
	if up.Jitter == 0 {
		up.Jitter = defaults.Upstream.Jitter
	}
	if up.Timeout == 0 {
		up.Timeout = defaults.Upstream.Timeout
	}
	if up.RateBurst == 0 {
		up.RateBurst = defaults.Upstream.RateBurst
	}

	if cfg.Image.OpenProxyRate == 0 {
		cfg.Image.OpenProxyRate = defaults.Image.OpenProxyRate
	}
	if cfg.Image.Timeout == 0 {
		cfg.Image.Timeout = defaults.Image.Timeout
	}
	if cfg.Image.CacheMaxBytes == 0 {
		cfg.Image.CacheMaxBytes = defaults.Image.CacheMaxBytes
	}

	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.TokenTTL == 0 {
		cfg.Security.TokenTTL = defaults.Security.TokenTTL
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	// 密钥类配置统一经 viper 读取
	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("rapidapi_key", "RAPIDAPI_KEY")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_INLINE_PREFETCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.App.InlinePrefetch = b
		}
	}
	if v := os.Getenv("APP_AUTO_SELECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.App.AutoSelect = b
		}
	}
	envDuration("APP_LOCK_TTL", &cfg.App.LockTTL)
	envDuration("APP_RUN_GUARD_TTL", &cfg.App.RunGuardTTL)
	envDuration("APP_JOB_POP_TIMEOUT", &cfg.App.JobPopTimeout)
	envDuration("APP_JOB_RESCUE_AFTER", &cfg.App.JobRescueAfter)

	if v := os.Getenv("RAPIDAPI_HOST"); v != "" {
		cfg.Upstream.Host = v
	}
	if v := viper.GetString("rapidapi_key"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := os.Getenv("UPSTREAM_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Upstream.Workers = i
		}
	}
	if v := os.Getenv("UPSTREAM_MAX_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Upstream.MaxAttempts = i
		}
	}
	envDuration("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	envDuration("UPSTREAM_BASE_BACKOFF", &cfg.Upstream.BaseBackoff)
	envDuration("UPSTREAM_MAX_BACKOFF", &cfg.Upstream.MaxBackoff)
	if v := os.Getenv("UPSTREAM_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Upstream.RateLimit = f
		}
	}
	if v := os.Getenv("UPSTREAM_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Upstream.RateBurst = f
		}
	}

	if v := os.Getenv("IMAGE_ENFORCE_ALLOW_LIST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Image.EnforceAllowList = b
		}
	}
	if v := os.Getenv("IMAGE_EXTRA_HOSTS"); v != "" {
		cfg.Image.ExtraHosts = splitList(v)
	}
	if v, ok := os.LookupEnv("IMAGE_OPEN_PROXY"); ok {
		cfg.Image.OpenProxy = v
	}
	envDuration("IMAGE_CACHE_TTL", &cfg.Image.CacheTTL)

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("NOTIFY_TO"); v != "" {
		cfg.Email.NotifyTo = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	envDuration("TOKEN_TTL", &cfg.Security.TokenTTL)
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.CookieSecure = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	parsed, err := mysql.ParseDSN(dsn)
	if dsn == "" || err != nil {
		fallback := mysql.NewConfig()
		fallback.User = "root"
		fallback.Net = "tcp"
		fallback.Addr = "localhost:3306"
		fallback.DBName = "relister"
		fallback.ParseTime = true
		fallback.Params = map[string]string{"charset": "utf8mb4"}
		return fallback
	}
	return parsed
}

// UnmarshalJSON 支持 "15m" 这样的时长字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		LockTTL        string `json:"lock_ttl"`
		RunGuardTTL    string `json:"run_guard_ttl"`
		JobPopTimeout  string `json:"job_pop_timeout"`
		JobRescueAfter string `json:"job_rescue_after"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"lock_ttl":         {aux.LockTTL, &a.LockTTL},
		"run_guard_ttl":    {aux.RunGuardTTL, &a.RunGuardTTL},
		"job_pop_timeout":  {aux.JobPopTimeout, &a.JobPopTimeout},
		"job_rescue_after": {aux.JobRescueAfter, &a.JobRescueAfter},
	})
}

// MarshalJSON 将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		LockTTL        string `json:"lock_ttl"`
		RunGuardTTL    string `json:"run_guard_ttl"`
		JobPopTimeout  string `json:"job_pop_timeout"`
		JobRescueAfter string `json:"job_rescue_after"`
		*Alias
	}{
		LockTTL:        a.LockTTL.String(),
		RunGuardTTL:    a.RunGuardTTL.String(),
		JobPopTimeout:  a.JobPopTimeout.String(),
		JobRescueAfter: a.JobRescueAfter.String(),
		Alias:          (*Alias)(&a),
	})
}

// UnmarshalJSON 支持时长字符串。
func (u *UpstreamConfig) UnmarshalJSON(data []byte) error {
	type Alias UpstreamConfig
	aux := &struct {
		BaseBackoff string `json:"base_backoff"`
		MaxBackoff  string `json:"max_backoff"`
		Jitter      string `json:"jitter"`
		Timeout     string `json:"timeout"`
		*Alias
	}{
		Alias: (*Alias)(u),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"base_backoff": {aux.BaseBackoff, &u.BaseBackoff},
		"max_backoff":  {aux.MaxBackoff, &u.MaxBackoff},
		"jitter":       {aux.Jitter, &u.Jitter},
		"timeout":      {aux.Timeout, &u.Timeout},
	})
}

// UnmarshalJSON 支持时长字符串。
func (i *ImageConfig) UnmarshalJSON(data []byte) error {
	type Alias ImageConfig
	aux := &struct {
		Timeout  string `json:"timeout"`
		CacheTTL string `json:"cache_ttl"`
		*Alias
	}{
		Alias: (*Alias)(i),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"timeout":   {aux.Timeout, &i.Timeout},
		"cache_ttl": {aux.CacheTTL, &i.CacheTTL},
	})
}

// UnmarshalJSON 支持时长字符串。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL string `json:"token_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDurations(map[string]durationField{
		"token_ttl": {aux.TokenTTL, &s.TokenTTL},
	})
}

type durationField struct {
	raw string
	dst *time.Duration
}

func parseDurations(fields map[string]durationField) error {
	for name, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", name, err)
		}
		*f.dst = d
	}
	return nil
}
