package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"SyncFM/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config stores the application configuration.
// Secrets only come from the environment; SYNCFM_CONFIG may point at a YAML
// file that overrides the non-secret settings.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"-"`
	DBName     string `yaml:"db_name"`

	// Redis配置，RedisHost 为空时不启用快照缓存
	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`

	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"-"`
	MinioSecretKey string `yaml:"-"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioRegion    string `yaml:"minio_region"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	// NATSURL 为空时不发布状态事件
	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	// JWTSecret and ControlPasswordHash enable token-gated control when both are set.
	JWTSecret           string        `yaml:"-"`
	ControlPasswordHash string        `yaml:"-"`
	TokenTTL            time.Duration `yaml:"token_ttl"`
	// ControlToken is sent by the follower when the server gates control.
	ControlToken string `yaml:"-"`

	InboxDir       string `yaml:"inbox_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`

	// 客户端同步参数
	DriftTolerance float64       `yaml:"drift_tolerance"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ServerURL      string        `yaml:"server_url"`
	SessionID      string        `yaml:"session_id"`
	LocalStorePath string        `yaml:"local_store_path"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSize    int    `yaml:"log_max_size"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAge     int    `yaml:"log_max_age"`
	LogCompress   bool   `yaml:"log_compress"`
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("50ms", "1h").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	cfg := fromEnv()

	if path := os.Getenv("SYNCFM_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			log.Printf("Ignoring config file %s: %v", path, err)
		}
	}
	return cfg
}

func fromEnv() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "syncfm"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "syncfm"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "syncfm.session"),

		JWTSecret:           os.Getenv("JWT_SECRET"),
		ControlPasswordHash: os.Getenv("CONTROL_PASSWORD_HASH"),
		TokenTTL:            getEnvDuration("TOKEN_TTL", 24*time.Hour),
		ControlToken:        os.Getenv("CONTROL_TOKEN"),

		InboxDir:       getEnv("INBOX_DIR", ""),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_MB", 30)) * 1024 * 1024,

		DriftTolerance: getEnvFloat("DRIFT_TOLERANCE", 2.0),
		SettleDelay:    getEnvDuration("SETTLE_DELAY", 50*time.Millisecond),
		ServerURL:      strings.TrimRight(getEnv("SERVER_URL", "http://127.0.0.1:8080"), "/"),
		SessionID:      getEnv("SESSION_ID", "default"),
		LocalStorePath: getEnv("LOCAL_STORE_PATH", "syncfm-cache.db"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 30),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}
}

// applyFile overlays the YAML file at path. Keys missing from the file keep
// their environment values.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// RedisEnabled reports whether a Redis host is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// AuthEnabled reports whether control actions require a token.
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != "" && c.ControlPasswordHash != ""
}

// LoggerConfig converts the LOG_* settings.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      logger.LogLevel(strings.ToLower(c.LogLevel)),
		OutputPath: c.LogFile,
		MaxSize:    c.LogMaxSize,
		MaxBackups: c.LogMaxBackups,
		MaxAge:     c.LogMaxAge,
		Compress:   c.LogCompress,
	}
}
