package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DevJWTSecret is used when no secret is configured so the binary runs
// locally. Never deploy with it.
const DevJWTSecret = "infrasalud-dev-secret"

// ServerConfig captures all tunable parameters for the HTTP API process.
// Defaults are overlaid by an optional YAML file, then by environment
// variables, so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// InstanceID tags change events so an instance skips its own.
	InstanceID string `yaml:"instance_id"`

	StoreDriver   string `yaml:"store_driver"` // memory, sqlite, postgres
	StoreDSN      string `yaml:"store_dsn"`
	RunMigrations bool   `yaml:"run_migrations"`
	SeedWorkers   bool   `yaml:"seed_workers"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisGeoKey   string `yaml:"redis_geo_key"`

	KafkaBrokers []string `yaml:"kafka_brokers"`

	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	ResetTTL  time.Duration `yaml:"reset_ttl"`
	ResetURL  string        `yaml:"reset_url"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`
	MailFrom     string `yaml:"mail_from"`

	BlobType    string `yaml:"blob_type"` // local, s3
	BlobPath    string `yaml:"blob_path"`
	BlobBaseURL string `yaml:"blob_base_url"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Endpoint  string `yaml:"s3_endpoint"`

	NominatimURL    string        `yaml:"nominatim_url"`
	GeocodeCacheTTL time.Duration `yaml:"geocode_cache_ttl"`

	// GatewayToken is the shared secret the device gateway sends when it
	// reports worker presence.
	GatewayToken string `yaml:"gateway_token"`

	PushEndpoint string `yaml:"push_endpoint"`
	PushKey      string `yaml:"push_key"`

	MatcherTopN int           `yaml:"matcher_top_n"`
	PresenceTTL time.Duration `yaml:"presence_ttl"`

	LogLevel string `yaml:"log_level"`
}

func defaultServerConfig() ServerConfig {
	host, _ := os.Hostname()
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		InstanceID:      host,
		StoreDriver:     "memory",
		SeedWorkers:     true,
		RedisGeoKey:     "workers_geo",
		JWTSecret:       DevJWTSecret,
		TokenTTL:        24 * time.Hour,
		ResetTTL:        time.Hour,
		ResetURL:        "http://localhost:5173/reset-password",
		SMTPPort:        587,
		MailFrom:        "InfraSalud <no-reply@infrasalud.cl>",
		BlobType:        "local",
		BlobPath:        "./uploads",
		BlobBaseURL:     "/files",
		NominatimURL:    "https://nominatim.openstreetmap.org",
		GeocodeCacheTTL: 10 * time.Minute,
		MatcherTopN:     50,
		PresenceTTL:     2 * time.Minute,
		LogLevel:        "info",
	}
}

// LoadServerConfig reads defaults, then the YAML file at path if non-empty,
// then the environment. All parse errors are returned joined.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setStringFromEnv(&cfg.InstanceID, "INSTANCE_ID")

	setStringFromEnv(&cfg.StoreDriver, "STORE_DRIVER")
	setStringFromEnv(&cfg.StoreDSN, "STORE_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)
	setBoolFromEnv(&cfg.SeedWorkers, "SEED_WORKERS", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "JWT_TTL", &errs)
	setDurationFromEnv(&cfg.ResetTTL, "RESET_TTL", &errs)
	setStringFromEnv(&cfg.ResetURL, "RESET_URL")

	setStringFromEnv(&cfg.SMTPHost, "SMTP_HOST")
	setIntFromEnv(&cfg.SMTPPort, "SMTP_PORT", &errs)
	setStringFromEnv(&cfg.SMTPUser, "SMTP_USER")
	if v, ok := os.LookupEnv("SMTP_PASSWORD"); ok {
		cfg.SMTPPassword = v
	}
	setStringFromEnv(&cfg.MailFrom, "MAIL_FROM")

	setStringFromEnv(&cfg.BlobType, "BLOB_TYPE")
	setStringFromEnv(&cfg.BlobPath, "BLOB_PATH")
	setStringFromEnv(&cfg.BlobBaseURL, "BLOB_BASE_URL")
	setStringFromEnv(&cfg.S3Bucket, "S3_BUCKET")
	setStringFromEnv(&cfg.S3Region, "S3_REGION")
	setStringFromEnv(&cfg.S3AccessKey, "S3_ACCESS_KEY")
	setStringFromEnv(&cfg.S3SecretKey, "S3_SECRET_KEY")
	setStringFromEnv(&cfg.S3Endpoint, "S3_ENDPOINT")

	setStringFromEnv(&cfg.NominatimURL, "NOMINATIM_URL")
	setDurationFromEnv(&cfg.GeocodeCacheTTL, "GEOCODE_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.GatewayToken, "GATEWAY_TOKEN")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.PushKey, "PUSH_KEY")

	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	switch cfg.StoreDriver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.StoreDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_DSN is required for store driver %s", cfg.StoreDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver))
	}
	if cfg.BlobType == "s3" && cfg.S3Bucket == "" {
		errs = append(errs, fmt.Errorf("S3_BUCKET is required for blob type s3"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the presence consumer process.
type ConsumerConfig struct {
	MetricsAddr   string   `yaml:"metrics_addr"`
	KafkaBrokers  []string `yaml:"kafka_brokers"`
	KafkaGroup    string   `yaml:"kafka_group"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisGeoKey   string   `yaml:"redis_geo_key"`
	LogLevel      string   `yaml:"log_level"`
}

func LoadConsumerConfig(path string) (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaGroup:   "infrasalud-presence",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "workers_geo",
		LogLevel:     "info",
	}
	var errs []error
	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			errs = append(errs, err)
		}
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v, ok := os.LookupEnv("REDIS_PASSWORD"); ok {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

func loadYAML(path string, target any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, target); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
