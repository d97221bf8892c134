package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Draft    DraftConfig
	Session  SessionConfig
	Listing  ListingConfig
	Supabase SupabaseConfig
	Upload   UploadConfig
}

type ServerConfig struct {
	Port           string
	Dev            bool
	SubmitCooldown time.Duration
}

type DatabaseConfig struct {
	Driver string // postgres | sqlite
	DSN    string
}

type StorageConfig struct {
	Provider  string // s3 | cos | local
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	Endpoint  string
	CDNDomain string
	BasePath  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DraftConfig struct {
	Store    string // memory | redis | db
	Debounce time.Duration
	TTL      time.Duration
}

type SessionConfig struct {
	IdleTTL time.Duration // 超过该时长未修改的会话被回收
}

type ListingConfig struct {
	Backend string // db | supabase
}

type SupabaseConfig struct {
	URL        string
	ServiceKey string
}

type UploadConfig struct {
	Folder string
}

// Load 加载配置
// 优先级：环境变量 > .env 文件 > 默认值
func Load() (*Config, error) {
	// .env 不存在不算错误
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			Dev:            v.GetBool("server.dev"),
			SubmitCooldown: v.GetDuration("server.submit_cooldown"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("db.driver"),
			DSN:    v.GetString("db.dsn"),
		},
		Storage: StorageConfig{
			Provider:  v.GetString("storage.provider"),
			Bucket:    v.GetString("storage.bucket"),
			Region:    v.GetString("storage.region"),
			AccessKey: v.GetString("storage.access_key"),
			SecretKey: v.GetString("storage.secret_key"),
			Endpoint:  v.GetString("storage.endpoint"),
			CDNDomain: v.GetString("storage.cdn_domain"),
			BasePath:  v.GetString("storage.base_path"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Draft: DraftConfig{
			Store:    v.GetString("draft.store"),
			Debounce: v.GetDuration("draft.debounce"),
			TTL:      v.GetDuration("draft.ttl"),
		},
		Session: SessionConfig{
			IdleTTL: v.GetDuration("session.idle_ttl"),
		},
		Listing: ListingConfig{
			Backend: v.GetString("listing.backend"),
		},
		Supabase: SupabaseConfig{
			URL:        v.GetString("supabase.url"),
			ServiceKey: v.GetString("supabase.service_key"),
		},
		Upload: UploadConfig{
			Folder: v.GetString("upload.folder"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.dev", true)
	v.SetDefault("server.submit_cooldown", 3*time.Second)

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "luxe_estate.db")

	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_path", "./uploads")
	v.SetDefault("storage.endpoint", "http://localhost:8080/uploads")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("draft.store", "memory")
	v.SetDefault("draft.debounce", 2*time.Second)
	v.SetDefault("draft.ttl", 7*24*time.Hour)

	v.SetDefault("session.idle_ttl", 2*time.Hour)

	v.SetDefault("listing.backend", "db")

	v.SetDefault("upload.folder", "properties")
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	switch c.Draft.Store {
	case "memory", "redis", "db":
	default:
		return fmt.Errorf("不支持的草稿存储: %s", c.Draft.Store)
	}
	switch c.Listing.Backend {
	case "db":
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.ServiceKey == "" {
			return fmt.Errorf("supabase 后端需要 SUPABASE_URL 和 SUPABASE_SERVICE_KEY")
		}
	default:
		return fmt.Errorf("不支持的房源存储后端: %s", c.Listing.Backend)
	}
	if c.Draft.Debounce <= 0 {
		return fmt.Errorf("DRAFT_DEBOUNCE 必须大于 0")
	}
	if c.Session.IdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL 必须大于 0")
	}
	return nil
}
