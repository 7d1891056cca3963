package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config содержит все конфигурационные параметры приложения
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Stripe    StripeConfig
	Auth      AuthConfig
	Affiliate AffiliateConfig
	Scheduler SchedulerConfig
}

type DatabaseConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	Name          string
	SSLMode       string
	MigrationPath string
	MaxConns      int
}

type AppConfig struct {
	Env      string
	LogLevel string
	Port     int
}

// StripeConfig содержит настройки платежной системы Stripe
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

// AuthConfig содержит настройки выдачи JWT
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	Issuer    string
}

// AffiliateConfig содержит настройки партнерской программы
type AffiliateConfig struct {
	FrontendURL        string
	ReconcileLookback  time.Duration
	ArchiveAfter       time.Duration
	DashboardRecentCnt int
}

// SchedulerConfig содержит интервалы фоновых задач
type SchedulerConfig struct {
	Enabled        bool
	ReconcileEvery time.Duration
	StatsEvery     time.Duration
	NotifyEvery    time.Duration
	ArchiveEvery   time.Duration
}

// Load загружает конфигурацию из переменных окружения и .env
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Database
	cfg.Database.Host = getEnvDefault("DB_HOST", "localhost")
	cfg.Database.Port = getEnvIntDefault("DB_PORT", 5432)
	cfg.Database.User = os.Getenv("DB_USER")
	cfg.Database.Password = os.Getenv("DB_PASSWORD")
	cfg.Database.Name = os.Getenv("DB_NAME")
	cfg.Database.SSLMode = getEnvDefault("DB_SSL_MODE", "disable")
	cfg.Database.MigrationPath = getEnvDefault("MIGRATION_PATH", "scripts/migrations")
	cfg.Database.MaxConns = getEnvIntDefault("DB_MAX_CONNS", 10)

	// Stripe
	cfg.Stripe.SecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.Stripe.WebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	// Auth
	cfg.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Auth.TokenTTL = getEnvDurationDefault("JWT_TTL", 24*time.Hour)
	cfg.Auth.Issuer = getEnvDefault("JWT_ISSUER", "clinical-platform")

	// Affiliate
	cfg.Affiliate.FrontendURL = getEnvDefault("FRONTEND_URL", "http://localhost:3000")
	cfg.Affiliate.ReconcileLookback = getEnvDurationDefault("AFFILIATE_RECONCILE_LOOKBACK", 7*24*time.Hour)
	cfg.Affiliate.ArchiveAfter = getEnvDurationDefault("AFFILIATE_ARCHIVE_AFTER", 365*24*time.Hour)
	cfg.Affiliate.DashboardRecentCnt = getEnvIntDefault("AFFILIATE_DASHBOARD_RECENT", 5)

	// Scheduler
	cfg.Scheduler.Enabled = getEnvBoolDefault("SCHEDULER_ENABLED", true)
	cfg.Scheduler.ReconcileEvery = getEnvDurationDefault("SCHEDULER_RECONCILE_EVERY", 24*time.Hour)
	cfg.Scheduler.StatsEvery = getEnvDurationDefault("SCHEDULER_STATS_EVERY", 24*time.Hour)
	cfg.Scheduler.NotifyEvery = getEnvDurationDefault("SCHEDULER_NOTIFY_EVERY", 7*24*time.Hour)
	cfg.Scheduler.ArchiveEvery = getEnvDurationDefault("SCHEDULER_ARCHIVE_EVERY", 30*24*time.Hour)

	// App
	cfg.App.Env = getEnvDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvDefault("LOG_LEVEL", "info")
	cfg.App.Port = getEnvIntDefault("APP_PORT", 8080)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("ошибка валидации конфигурации: %w", err)
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// validateConfig проверяет корректность конфигурации
func validateConfig(config *Config) error {
	if config.Database.Host == "" {
		return fmt.Errorf("DB_HOST не установлен")
	}
	if config.Database.User == "" {
		return fmt.Errorf("DB_USER не установлен")
	}
	if config.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD не установлен")
	}
	if config.Database.Name == "" {
		return fmt.Errorf("DB_NAME не установлен")
	}
	if config.Stripe.SecretKey == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY не установлен")
	}
	if config.Stripe.WebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET не установлен")
	}
	if len(config.Auth.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET не установлен или короче 16 символов")
	}
	if config.Auth.TokenTTL <= 0 {
		return fmt.Errorf("JWT_TTL должен быть положительным")
	}

	if config.Scheduler.Enabled {
		intervals := []struct {
			key   string
			value time.Duration
		}{
			{"SCHEDULER_RECONCILE_EVERY", config.Scheduler.ReconcileEvery},
			{"SCHEDULER_STATS_EVERY", config.Scheduler.StatsEvery},
			{"SCHEDULER_NOTIFY_EVERY", config.Scheduler.NotifyEvery},
			{"SCHEDULER_ARCHIVE_EVERY", config.Scheduler.ArchiveEvery},
			{"AFFILIATE_RECONCILE_LOOKBACK", config.Affiliate.ReconcileLookback},
			{"AFFILIATE_ARCHIVE_AFTER", config.Affiliate.ArchiveAfter},
		}
		for _, i := range intervals {
			if i.value <= 0 {
				return fmt.Errorf("%s должен быть положительным, получено %s", i.key, i.value)
			}
		}
	}

	return nil
}

// GetDSN возвращает строку подключения к базе данных
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// GetURL возвращает строку подключения в формате URL для database/sql
func (c *DatabaseConfig) GetURL() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// IsDevelopment проверяет, запущено ли приложение в режиме разработки
func (c *AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction проверяет, запущено ли приложение в продакшн режиме
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}

// GetLogLevel возвращает уровень логирования в формате zap
func (c *AppConfig) GetLogLevel() zap.AtomicLevel {
	switch c.LogLevel {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return zap.NewAtomicLevelAt(zap.InfoLevel)
	}
}
