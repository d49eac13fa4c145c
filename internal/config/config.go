package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

// loadDotEnv loads .env.<SERVER_ENV> or .env without overriding variables
// that are already present in the process environment.
func loadDotEnv() {
	candidates := []string{".env"}
	if env := os.Getenv("SERVER_ENV"); env != "" {
		candidates = append([]string{".env." + env}, candidates...)
	}
	for _, name := range candidates {
		if err := godotenv.Load(name); err == nil {
			log.Printf("Loaded %s", name)
			return
		}
	}
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	TryOn     TryOnConfig
	RateLimit RateLimitConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	URL         string
	AutoMigrate bool
}

// StorageConfig describes an S3-compatible bucket (Hetzner Object Storage by default)
type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	PublicURL       string
}

type TryOnConfig struct {
	APIKey           string
	BaseURL          string
	ModelName        string
	ModelImageFemale string
	ModelImageMale   string
	MaxAttempts      int
	PollInterval     time.Duration
	KeyPrefix        string
	PreviewPrefix    string
	MaxUploadBytes   int64
	MaxDownloadBytes int64
	MaxDimension     int
	MaxPixels        int
	RequestTimeout   time.Duration
}

type RateLimitConfig struct {
	TryOnPerHour int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	loadDotEnv()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("STORAGE_ACCESS_KEY_ID")
	readSecret("STORAGE_SECRET_ACCESS_KEY")
	readSecret("TRYON_API_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.auto_migrate", "DATABASE_AUTO_MIGRATE")
	_ = v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.region", "STORAGE_REGION")
	_ = v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	_ = v.BindEnv("storage.access_key_id", "STORAGE_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.secret_access_key", "STORAGE_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.public_url", "STORAGE_PUBLIC_URL")
	_ = v.BindEnv("tryon.api_key", "TRYON_API_KEY")
	_ = v.BindEnv("tryon.base_url", "TRYON_BASE_URL")
	_ = v.BindEnv("tryon.model_name", "TRYON_MODEL_NAME")
	_ = v.BindEnv("tryon.model_image_female", "TRYON_MODEL_IMAGE_FEMALE")
	_ = v.BindEnv("tryon.model_image_male", "TRYON_MODEL_IMAGE_MALE")
	_ = v.BindEnv("tryon.max_attempts", "TRYON_MAX_ATTEMPTS")
	_ = v.BindEnv("tryon.poll_interval", "TRYON_POLL_INTERVAL")
	_ = v.BindEnv("tryon.key_prefix", "TRYON_KEY_PREFIX")
	_ = v.BindEnv("tryon.preview_prefix", "TRYON_PREVIEW_PREFIX")
	_ = v.BindEnv("tryon.max_upload_bytes", "TRYON_MAX_UPLOAD_BYTES")
	_ = v.BindEnv("tryon.max_download_bytes", "TRYON_MAX_DOWNLOAD_BYTES")
	_ = v.BindEnv("tryon.max_dimension", "TRYON_MAX_DIMENSION")
	_ = v.BindEnv("tryon.max_pixels", "TRYON_MAX_PIXELS")
	_ = v.BindEnv("tryon.request_timeout", "TRYON_REQUEST_TIMEOUT")
	_ = v.BindEnv("ratelimit.tryon_per_hour", "RATELIMIT_TRYON_PER_HOUR")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("ratelimit.tryon_per_hour", 20)
	v.SetDefault("gateway.enabled", true)

	// Object storage defaults
	v.SetDefault("storage.endpoint", "https://fsn1.your-objectstorage.com")
	v.SetDefault("storage.region", "fsn1")
	v.SetDefault("storage.bucket", "tcc-media")

	// Try-on defaults: 30 polls, 3s apart
	v.SetDefault("tryon.base_url", "https://api.fashn.ai")
	v.SetDefault("tryon.model_name", "tryon-v1.6")
	v.SetDefault("tryon.model_image_female", "https://cdn.fashn.ai/models/female-default.jpg")
	v.SetDefault("tryon.model_image_male", "https://cdn.fashn.ai/models/male-default.jpg")
	v.SetDefault("tryon.max_attempts", 30)
	v.SetDefault("tryon.poll_interval", "3s")
	v.SetDefault("tryon.key_prefix", "product/images/tryon")
	v.SetDefault("tryon.preview_prefix", "tryon/previews")
	v.SetDefault("tryon.max_upload_bytes", 5*1024*1024)
	v.SetDefault("tryon.max_download_bytes", 20*1024*1024)
	v.SetDefault("tryon.max_dimension", 2048)
	v.SetDefault("tryon.max_pixels", 40_000_000)
	v.SetDefault("tryon.request_timeout", "60s")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:         v.GetString("database.url"),
			AutoMigrate: v.GetBool("database.auto_migrate"),
		},
		Storage: StorageConfig{
			Endpoint:        strings.TrimRight(v.GetString("storage.endpoint"), "/"),
			Region:          v.GetString("storage.region"),
			Bucket:          v.GetString("storage.bucket"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			PublicURL:       strings.TrimRight(v.GetString("storage.public_url"), "/"),
		},
		TryOn: TryOnConfig{
			APIKey:           v.GetString("tryon.api_key"),
			BaseURL:          strings.TrimRight(v.GetString("tryon.base_url"), "/"),
			ModelName:        v.GetString("tryon.model_name"),
			ModelImageFemale: v.GetString("tryon.model_image_female"),
			ModelImageMale:   v.GetString("tryon.model_image_male"),
			MaxAttempts:      v.GetInt("tryon.max_attempts"),
			PollInterval:     v.GetDuration("tryon.poll_interval"),
			KeyPrefix:        strings.Trim(v.GetString("tryon.key_prefix"), "/"),
			PreviewPrefix:    strings.Trim(v.GetString("tryon.preview_prefix"), "/"),
			MaxUploadBytes:   v.GetInt64("tryon.max_upload_bytes"),
			MaxDownloadBytes: v.GetInt64("tryon.max_download_bytes"),
			MaxDimension:     v.GetInt("tryon.max_dimension"),
			MaxPixels:        v.GetInt("tryon.max_pixels"),
			RequestTimeout:   v.GetDuration("tryon.request_timeout"),
		},
		RateLimit: RateLimitConfig{
			TryOnPerHour: v.GetInt("ratelimit.tryon_per_hour"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
