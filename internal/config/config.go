// Package config 应用配置
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Redis           RedisConfig           `mapstructure:"redis"`
	Ticket          TicketConfig          `mapstructure:"ticket"`
	Cookie          CookieConfig          `mapstructure:"cookie"`
	Recaptcha       RecaptchaConfig       `mapstructure:"recaptcha"`
	ServiceRegistry ServiceRegistryConfig `mapstructure:"service_registry"`
	Auth            AuthConfig            `mapstructure:"auth"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	Mode         string        `mapstructure:"mode"`
	ContextPath  string        `mapstructure:"context_path"` // CAS 上下文路径，默认 /cas
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// MySQLConfig MySQL 配置
type MySQLConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	DBName    string `mapstructure:"dbname"`
	Charset   string `mapstructure:"charset"`
	ParseTime bool   `mapstructure:"parse_time"`
	Loc       string `mapstructure:"loc"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TicketConfig 票据配置
type TicketConfig struct {
	TGTTimeToKill    time.Duration `mapstructure:"tgt_time_to_kill"`     // TGT 空闲超时，默认 8 小时
	TGTMaxTimeToLive time.Duration `mapstructure:"tgt_max_time_to_live"` // TGT 硬超时，默认 8 小时
	STTimeToKill     time.Duration `mapstructure:"st_time_to_kill"`      // ST 有效期，默认 10 秒
	STNumberOfUses   int           `mapstructure:"st_number_of_uses"`    // ST 可使用次数，默认 1
	PGTTimeToKill    time.Duration `mapstructure:"pgt_time_to_kill"`     // PGT 有效期，默认 8 小时
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`       // 过期清理周期，默认 120 秒
	HostSuffix       string        `mapstructure:"host_suffix"`          // 节点标识，附加在票据 ID 末尾
}

// CookieConfig TGC Cookie 配置
type CookieConfig struct {
	Name     string `mapstructure:"name"`      // Cookie 名称，默认 TGC
	Path     string `mapstructure:"path"`      // Cookie 路径，默认 /cas
	SameSite string `mapstructure:"same_site"` // SameSite 策略，默认 lax
	Secure   bool   `mapstructure:"secure"`
}

// RecaptchaConfig reCAPTCHA 配置
type RecaptchaConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	SiteKey     string        `mapstructure:"site_key"`
	SecretKey   string        `mapstructure:"secret_key"`
	Version     string        `mapstructure:"version"` // v2 或 v3
	Score       float64       `mapstructure:"score"`   // v3 最低分数阈值
	Action      string        `mapstructure:"action"`  // v3 期望的 action 名称
	VerifyURL   string        `mapstructure:"verify_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	FailOpen    bool          `mapstructure:"fail_open"`    // 远端不可用时是否放行
	IPAllowlist []string      `mapstructure:"ip_allowlist"` // 免验证 IP 列表
}

// ServiceRegistryConfig 服务注册表配置
type ServiceRegistryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`          // 是否启用数据库注册表
	RefreshInterval time.Duration `mapstructure:"refresh_interval"` // 快照刷新周期
	Seed            []SeedService `mapstructure:"seed"`             // 注册表禁用时的内存种子列表
}

// SeedService 内存注册表的种子服务
type SeedService struct {
	Name         string   `mapstructure:"name"`
	Pattern      string   `mapstructure:"pattern"`
	MatchType    string   `mapstructure:"match_type"` // prefix 或 regex，默认 prefix
	SSOEnabled   *bool    `mapstructure:"sso_enabled"`
	CaptchaMode  string   `mapstructure:"captcha_mode"`
	AllowedAttrs []string `mapstructure:"allowed_attrs"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	Policy           string        `mapstructure:"policy"`             // 认证策略：any / all / at_least_one
	RememberMeSecret string        `mapstructure:"remember_me_secret"` // 记住我令牌签名密钥（HS256）
	RememberMeExpiry time.Duration `mapstructure:"remember_me_expiry"`
	AdminSecret      string        `mapstructure:"admin_secret"` // 管理 API 令牌签名密钥
	Issuer           string        `mapstructure:"issuer"`
	PasswordMaxAge   time.Duration `mapstructure:"password_max_age"` // 密码有效期，0 表示不过期
	SLOTimeout       time.Duration `mapstructure:"slo_timeout"`      // 单点登出回调超时
	SLOWorkers       int           `mapstructure:"slo_workers"`      // 单点登出并发数
}

// Load 加载配置
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// 支持环境变量覆盖
	viper.AutomaticEnv()

	// 设置默认值
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromFile 从指定文件加载配置
func LoadFromFile(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults 设置默认值
func setDefaults() {
	// 服务器默认配置
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("server.context_path", "/cas")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")

	// 数据库默认配置
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.postgres.host", "localhost")
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.user", "postgres")
	viper.SetDefault("database.postgres.password", "")
	viper.SetDefault("database.postgres.dbname", "cas_server")
	viper.SetDefault("database.postgres.sslmode", "disable")

	// Redis 默认配置
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// 票据默认配置
	viper.SetDefault("ticket.tgt_time_to_kill", "8h")
	viper.SetDefault("ticket.tgt_max_time_to_live", "8h")
	viper.SetDefault("ticket.st_time_to_kill", "10s")
	viper.SetDefault("ticket.st_number_of_uses", 1)
	viper.SetDefault("ticket.pgt_time_to_kill", "8h")
	viper.SetDefault("ticket.sweep_interval", "120s")
	viper.SetDefault("ticket.host_suffix", "cas01")

	// Cookie 默认配置
	viper.SetDefault("cookie.name", "TGC")
	viper.SetDefault("cookie.path", "/cas")
	viper.SetDefault("cookie.same_site", "lax")
	viper.SetDefault("cookie.secure", true)

	// reCAPTCHA 默认配置
	viper.SetDefault("recaptcha.enabled", true)
	viper.SetDefault("recaptcha.version", "v2")
	viper.SetDefault("recaptcha.score", 0.5)
	viper.SetDefault("recaptcha.verify_url", "https://www.google.com/recaptcha/api/siteverify")
	viper.SetDefault("recaptcha.timeout", "3s")
	viper.SetDefault("recaptcha.fail_open", false)

	// 服务注册表默认配置
	viper.SetDefault("service_registry.enabled", true)
	viper.SetDefault("service_registry.refresh_interval", "60s")

	// 认证默认配置
	viper.SetDefault("auth.policy", "any")
	viper.SetDefault("auth.remember_me_expiry", "168h")
	viper.SetDefault("auth.issuer", "cas-backend")
	viper.SetDefault("auth.password_max_age", "0")
	viper.SetDefault("auth.slo_timeout", "2s")
	viper.SetDefault("auth.slo_workers", 4)
}
