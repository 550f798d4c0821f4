package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	CORS      CORSConfig
	Log       LogConfig
	Bkash     BkashConfig
	Billing   BillingConfig
	Scheduler SchedulerConfig
	SMS       SMSConfig
	Metrics   MetricsConfig
}

type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxOpenConns   int
	MaxIdleConns   int
	MigrateOnStart bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JWTConfig holds the shared secret used to validate access tokens minted by the identity service.
type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BkashConfig carries the tokenized checkout credentials and redirect targets.
type BkashConfig struct {
	BaseURL       string
	AppKey        string
	AppSecret     string
	Username      string
	Password      string
	WebhookSecret string
	CallbackURL   string
	Timeout       time.Duration
	TokenMargin   time.Duration

	FrontendSuccessURL string
	FrontendFailureURL string
	FrontendCancelURL  string
}

// BillingConfig governs money rules and recovery cadence.
type BillingConfig struct {
	MinimumCharge     decimal.Decimal
	Currency          string
	Timezone          string
	FeeCacheTTL       time.Duration
	RecoveryInterval  time.Duration
	StalePaymentAge   time.Duration
	RecoveryBatchSize int
}

// SchedulerConfig toggles the daily billing jobs.
type SchedulerConfig struct {
	Enabled        bool
	TickInterval   time.Duration
	InvoiceHour    int
	ReminderHour   int
	QueueWorkers   int
	QueueRetries   int
	QueueRetryWait time.Duration
}

// SMSConfig configures the Greenweb gateway used for payment reminders.
type SMSConfig struct {
	Enabled  bool
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// MetricsConfig toggles the Prometheus exposition route.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// Location resolves the billing timezone, falling back to UTC+6 when tzdata is absent.
func (b BillingConfig) Location() *time.Location {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.FixedZone("Asia/Dhaka", 6*60*60)
	}
	return loc
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:           v.GetString("DB_HOST"),
		Port:           v.GetInt("DB_PORT"),
		User:           v.GetString("DB_USER"),
		Password:       v.GetString("DB_PASSWORD"),
		Name:           v.GetString("DB_NAME"),
		SSLMode:        v.GetString("DB_SSL_MODE"),
		MaxOpenConns:   v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:   v.GetInt("DB_MAX_IDLE_CONNS"),
		MigrateOnStart: v.GetBool("DB_MIGRATE_ON_START"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{Secret: v.GetString("JWT_SECRET")}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	webhookSecret := v.GetString("BKASH_WEBHOOK_SECRET")
	if webhookSecret == "" {
		webhookSecret = v.GetString("BKASH_APP_SECRET")
	}
	cfg.Bkash = BkashConfig{
		BaseURL:            strings.TrimRight(v.GetString("BKASH_BASE_URL"), "/"),
		AppKey:             v.GetString("BKASH_APP_KEY"),
		AppSecret:          v.GetString("BKASH_APP_SECRET"),
		Username:           v.GetString("BKASH_USERNAME"),
		Password:           v.GetString("BKASH_PASSWORD"),
		WebhookSecret:      webhookSecret,
		CallbackURL:        v.GetString("BKASH_CALLBACK_URL"),
		Timeout:            parseDuration(v.GetString("BKASH_TIMEOUT"), 30*time.Second),
		TokenMargin:        parseDuration(v.GetString("BKASH_TOKEN_MARGIN"), 5*time.Minute),
		FrontendSuccessURL: v.GetString("FRONTEND_PAYMENT_SUCCESS_URL"),
		FrontendFailureURL: v.GetString("FRONTEND_PAYMENT_FAILURE_URL"),
		FrontendCancelURL:  v.GetString("FRONTEND_PAYMENT_CANCEL_URL"),
	}

	cfg.Billing = BillingConfig{
		MinimumCharge:     parseDecimal(v.GetString("BILLING_MINIMUM_CHARGE"), decimal.NewFromInt(1)),
		Currency:          v.GetString("BILLING_CURRENCY"),
		Timezone:          v.GetString("BILLING_TIMEZONE"),
		FeeCacheTTL:       parseDuration(v.GetString("BILLING_FEE_CACHE_TTL"), 5*time.Minute),
		RecoveryInterval:  parseDuration(v.GetString("BILLING_RECOVERY_INTERVAL"), 10*time.Minute),
		StalePaymentAge:   parseDuration(v.GetString("BILLING_STALE_PAYMENT_AGE"), 30*time.Minute),
		RecoveryBatchSize: v.GetInt("BILLING_RECOVERY_BATCH_SIZE"),
	}

	cfg.Scheduler = SchedulerConfig{
		Enabled:        v.GetBool("ENABLE_SCHEDULER"),
		TickInterval:   parseDuration(v.GetString("SCHEDULER_TICK_INTERVAL"), time.Minute),
		InvoiceHour:    v.GetInt("SCHEDULER_INVOICE_HOUR"),
		ReminderHour:   v.GetInt("SCHEDULER_REMINDER_HOUR"),
		QueueWorkers:   v.GetInt("SCHEDULER_QUEUE_WORKERS"),
		QueueRetries:   v.GetInt("SCHEDULER_QUEUE_RETRIES"),
		QueueRetryWait: parseDuration(v.GetString("SCHEDULER_QUEUE_RETRY_WAIT"), 30*time.Second),
	}

	cfg.SMS = SMSConfig{
		Enabled:  v.GetBool("SMS_ENABLED"),
		Endpoint: v.GetString("SMS_ENDPOINT"),
		Token:    v.GetString("SMS_API_TOKEN"),
		Timeout:  parseDuration(v.GetString("SMS_TIMEOUT"), 10*time.Second),
	}

	cfg.Metrics = MetricsConfig{
		Enabled: v.GetBool("ENABLE_METRICS"),
		Path:    v.GetString("METRICS_PATH"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "tuition_billing")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_MIGRATE_ON_START", true)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BKASH_BASE_URL", "https://tokenized.sandbox.bka.sh/v1.2.0-beta")
	v.SetDefault("BKASH_APP_KEY", "")
	v.SetDefault("BKASH_APP_SECRET", "")
	v.SetDefault("BKASH_USERNAME", "")
	v.SetDefault("BKASH_PASSWORD", "")
	v.SetDefault("BKASH_WEBHOOK_SECRET", "")
	v.SetDefault("BKASH_CALLBACK_URL", "http://localhost:8080/api/v1/payments/callback")
	v.SetDefault("BKASH_TIMEOUT", "30s")
	v.SetDefault("BKASH_TOKEN_MARGIN", "5m")
	v.SetDefault("FRONTEND_PAYMENT_SUCCESS_URL", "http://localhost:3000/payment/success")
	v.SetDefault("FRONTEND_PAYMENT_FAILURE_URL", "http://localhost:3000/payment/failed")
	v.SetDefault("FRONTEND_PAYMENT_CANCEL_URL", "http://localhost:3000/payment/cancelled")

	v.SetDefault("BILLING_MINIMUM_CHARGE", "1.00")
	v.SetDefault("BILLING_CURRENCY", "BDT")
	v.SetDefault("BILLING_TIMEZONE", "Asia/Dhaka")
	v.SetDefault("BILLING_FEE_CACHE_TTL", "5m")
	v.SetDefault("BILLING_RECOVERY_INTERVAL", "10m")
	v.SetDefault("BILLING_STALE_PAYMENT_AGE", "30m")
	v.SetDefault("BILLING_RECOVERY_BATCH_SIZE", 50)

	v.SetDefault("ENABLE_SCHEDULER", true)
	v.SetDefault("SCHEDULER_TICK_INTERVAL", "1m")
	v.SetDefault("SCHEDULER_INVOICE_HOUR", 0)
	v.SetDefault("SCHEDULER_REMINDER_HOUR", 10)
	v.SetDefault("SCHEDULER_QUEUE_WORKERS", 2)
	v.SetDefault("SCHEDULER_QUEUE_RETRIES", 3)
	v.SetDefault("SCHEDULER_QUEUE_RETRY_WAIT", "30s")

	v.SetDefault("SMS_ENABLED", false)
	v.SetDefault("SMS_ENDPOINT", "http://api.greenweb.com.bd/api.php")
	v.SetDefault("SMS_API_TOKEN", "")
	v.SetDefault("SMS_TIMEOUT", "10s")

	v.SetDefault("ENABLE_METRICS", true)
	v.SetDefault("METRICS_PATH", "/metrics")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func parseDecimal(raw string, fallback decimal.Decimal) decimal.Decimal {
	if raw == "" {
		return fallback
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || d.IsNegative() {
		return fallback
	}
	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}
