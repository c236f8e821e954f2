// Package config предоставялет структуры и функцию для парсинга и загрузки конфига
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/magabrotheeeer/entitlement-engine/internal/lib/retry"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string `yaml:"env" env:"ENV" env-default:"local"`
	StorageConnectionString string `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string `yaml:"migrations_path" env-default:"./migrations"`
	RedisConnection         `yaml:"redis_connection"`
	HTTPServer              `yaml:"http_server"`
	JWTToken                `yaml:"jwttoken"`
	RabbitMQ                `yaml:"rabbitmq"`
	Stripe                  `yaml:"stripe"`
	Policy                  `yaml:"policy"`
	Scheduler               `yaml:"scheduler"`
	S3                      `yaml:"s3"`
	SMTP                    `yaml:"smtp"`
	Retry                   retry.Config `yaml:"retry"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP    string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP    time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env-default:"60s"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps" env-default:"5"`
	RateLimitBurst int           `yaml:"rate_limit_burst" env-default:"10"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis    string        `yaml:"addressredis" env:"REDIS_ADDRESS"`
	Password        string        `yaml:"password" env:"REDIS_PASSWORD"`
	User            string        `yaml:"user"`
	DB              int           `yaml:"db"`
	MaxRetries      int           `yaml:"max_retries" env-default:"3"`
	DialTimeout     time.Duration `yaml:"dial_timeout" env-default:"5s"`
	TimeoutRedis    time.Duration `yaml:"timeoutredis" env-default:"3s"`
	EntitlementsTTL time.Duration `yaml:"entitlements_ttl" env-default:"1m"`
}

// JWTToken структура для работы с jwt-токеном
type JWTToken struct {
	JWTSecretKey string        `yaml:"jwt_secret_key" env:"JWT_SECRET_KEY"`
	TokenTTL     time.Duration `yaml:"token_ttl" env-default:"24h"`
}

// RabbitMQ настройки подключения к брокеру.
type RabbitMQ struct {
	RabbitMQURL        string        `yaml:"url" env:"RABBITMQ_URL"`
	RabbitMQMaxRetries int           `yaml:"max_retries" env-default:"10"`
	RabbitMQRetryDelay time.Duration `yaml:"retry_delay" env-default:"3s"`
}

// Stripe настройки биллинг-провайдера.
type Stripe struct {
	SecretKey        string        `yaml:"secret_key" env:"STRIPE_SECRET_KEY"`
	WebhookSecret    string        `yaml:"webhook_secret" env:"STRIPE_WEBHOOK_SECRET"`
	PriceID          string        `yaml:"price_id" env:"STRIPE_PRICE_ID"`
	WebhookTolerance time.Duration `yaml:"webhook_tolerance" env-default:"5m"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env-default:"10s"`
	PortalReturnURL  string        `yaml:"portal_return_url"`
	DedupCacheSize   int           `yaml:"dedup_cache_size" env-default:"4096"`
}

// Policy — тарифные лимиты и таймеры жизненного цикла.
type Policy struct {
	FreeProcessingMinutes float64       `yaml:"free_processing_minutes" env-default:"10"`
	FreeAPICalls          float64       `yaml:"free_api_calls" env-default:"50"`
	FreeMaxVideoDuration  time.Duration `yaml:"free_max_video_duration" env-default:"1m"`
	FreeMaxResolution     int           `yaml:"free_max_resolution" env-default:"720"`
	UsageWarningRatio     float64       `yaml:"usage_warning_ratio" env-default:"0.8"`
	PastDueMaxAttempts    int           `yaml:"past_due_max_attempts" env-default:"3"`
	PastDueWindow         time.Duration `yaml:"past_due_window" env-default:"168h"`
	DeletionGracePeriod   time.Duration `yaml:"deletion_grace_period" env-default:"720h"`
	ExportExpiry          time.Duration `yaml:"export_expiry" env-default:"168h"`
	ExportMaxAttempts     int           `yaml:"export_max_attempts" env-default:"3"`
	DeleteOnCancel        bool          `yaml:"delete_on_cancel"`
	ErasureKey            string        `yaml:"erasure_key" env:"ERASURE_KEY"`
	PrivacyPolicyVersion  string        `yaml:"privacy_policy_version" env-default:"1.0"`
}

// Scheduler расписания фоновых задач в формате cron.
type Scheduler struct {
	DeletionSweep     string        `yaml:"deletion_sweep" env-default:"@every 1m"`
	ExportSweep       string        `yaml:"export_sweep" env-default:"@every 30s"`
	SubscriptionSweep string        `yaml:"subscription_sweep" env-default:"@every 5m"`
	WebhookReplay     string        `yaml:"webhook_replay" env-default:"@every 1m"`
	OutboxRelay       string        `yaml:"outbox_relay" env-default:"@every 5s"`
	BatchSize         int           `yaml:"batch_size" env-default:"100"`
	ExecutingLease    time.Duration `yaml:"executing_lease" env-default:"15m"`
}

// S3 настройки хранилища выгрузок.
type S3 struct {
	S3Region       string `yaml:"region" env:"S3_REGION" env-default:"us-east-1"`
	S3Bucket       string `yaml:"bucket" env:"S3_BUCKET"`
	S3Endpoint     string `yaml:"endpoint" env:"S3_ENDPOINT"`
	S3AccessKey    string `yaml:"access_key" env:"S3_ACCESS_KEY"`
	S3SecretKey    string `yaml:"secret_key" env:"S3_SECRET_KEY"`
	S3UsePathStyle bool   `yaml:"use_path_style"`
	S3Prefix       string `yaml:"prefix" env-default:"exports/"`
}

// SMTP настройки почтового транспорта.
type SMTP struct {
	SMTPHost      string `yaml:"host" env:"SMTP_HOST"`
	SMTPPort      int    `yaml:"port" env:"SMTP_PORT" env-default:"587"`
	SMTPUser      string `yaml:"user" env:"SMTP_USER"`
	SMTPPass      string `yaml:"pass" env:"SMTP_PASS"`
	OperatorEmail string `yaml:"operator_email" env:"OPERATOR_EMAIL"`
}

// Load читает конфиг из файла path, дополняя его переменными окружения.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, path)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// MustLoad функция для загрузки конфига, возвращает конфиг, сгенерированный из config/config.go
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Validate проверяет согласованность политик.
func (c *Config) Validate() error {
	var errs []error
	if c.FreeProcessingMinutes < 0 || c.FreeAPICalls < 0 {
		errs = append(errs, errors.New("free tier limits must not be negative"))
	}
	if c.UsageWarningRatio <= 0 || c.UsageWarningRatio >= 1 {
		errs = append(errs, errors.New("usage_warning_ratio must be in (0, 1)"))
	}
	if c.PastDueMaxAttempts <= 0 {
		errs = append(errs, errors.New("past_due_max_attempts must be positive"))
	}
	if c.DeletionGracePeriod <= 0 {
		errs = append(errs, errors.New("deletion_grace_period must be positive"))
	}
	if c.WebhookTolerance <= 0 {
		errs = append(errs, errors.New("webhook_tolerance must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"RedisConnection:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n"+
			"Policy:\n"+
			"  FreeProcessingMinutes: %v\n"+
			"  FreeAPICalls: %v\n"+
			"  DeletionGracePeriod: %s\n"+
			"  PastDueWindow: %s\n",
		c.Env,
		c.AddressRedis,
		c.DB,
		c.AddressHTTP,
		c.TimeoutHTTP,
		c.FreeProcessingMinutes,
		c.FreeAPICalls,
		c.DeletionGracePeriod,
		c.PastDueWindow,
	)
}
