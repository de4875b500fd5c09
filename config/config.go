package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"sequenceflow/models"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	Redis     *redis.Client
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// ClientConfig is the sending brand exposed to templates.
type ClientConfig struct {
	CompanyName string `json:"company_name"`
	ContactName string `json:"contact_name"`
	Phone       string `json:"phone"`
	Website     string `json:"website"`
}

type Config struct {
	Environment    string   `json:"environment"`
	ServerPort     string   `json:"server_port"`
	AllowedOrigins []string `json:"allowed_origins"`
	SentryDSN      string   `json:"-"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`

	// Outbound email
	EmailProvider   string `json:"email_provider"`
	SMTPHost        string `json:"smtp_host"`
	SMTPPort        int    `json:"smtp_port"`
	SMTPUsername    string `json:"smtp_username"`
	SMTPPassword    string `json:"-"`
	SendGridAPIKey  string `json:"-"`
	BrevoAPIKey     string `json:"-"`
	BrevoBaseURL    string `json:"brevo_base_url"`
	FromEmail       string `json:"from_email"`
	FromName        string `json:"from_name"`
	MessageIDDomain string `json:"message_id_domain"`

	// Provider webhooks
	WebhookSecret          string        `json:"-"`
	WebhookSignatureHeader string        `json:"webhook_signature_header"`
	WebhookRateLimit       int           `json:"webhook_rate_limit"`
	EventDedupTTL          time.Duration `json:"event_dedup_ttl"`
	ReplyFallback          string        `json:"reply_fallback"`

	// Dispatch and enrollment
	DispatchInterval  time.Duration `json:"dispatch_interval"`
	DispatchBatchSize int           `json:"dispatch_batch_size"`
	StaleClaimAfter   time.Duration `json:"stale_claim_after"`
	SweepSchedule     string        `json:"sweep_schedule"`
	SweepBatchSize    int           `json:"sweep_batch_size"`

	Client ClientConfig `json:"client"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		SentryDSN:      getEnv("SENTRY_DSN", ""),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "sequenceflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		EmailProvider:   strings.ToLower(getEnv("EMAIL_PROVIDER", "log")),
		SMTPHost:        getEnv("SMTP_HOST", ""),
		SMTPPort:        getEnvAsInt("SMTP_PORT", 587),
		SMTPUsername:    getEnv("SMTP_USERNAME", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		SendGridAPIKey:  getEnv("SENDGRID_API_KEY", ""),
		BrevoAPIKey:     getEnv("BREVO_API_KEY", ""),
		BrevoBaseURL:    getEnv("BREVO_BASE_URL", "https://api.brevo.com/v3"),
		FromEmail:       getEnv("FROM_EMAIL", ""),
		FromName:        getEnv("FROM_NAME", ""),
		MessageIDDomain: getEnv("MESSAGE_ID_DOMAIN", ""),

		WebhookSecret:          getEnv("WEBHOOK_SECRET", ""),
		WebhookSignatureHeader: getEnv("WEBHOOK_SIGNATURE_HEADER", "X-Brevo-Signature"),
		WebhookRateLimit:       getEnvAsInt("WEBHOOK_RATE_LIMIT", 600),
		EventDedupTTL:          getEnvAsDuration("EVENT_DEDUP_TTL", 72*time.Hour),
		ReplyFallback:          strings.ToLower(getEnv("REPLY_FALLBACK", "stop_all")),

		DispatchInterval:  getEnvAsDuration("DISPATCH_INTERVAL", time.Minute),
		DispatchBatchSize: getEnvAsInt("DISPATCH_BATCH_SIZE", 100),
		StaleClaimAfter:   getEnvAsDuration("STALE_CLAIM_AFTER", 15*time.Minute),
		SweepSchedule:     getEnv("SWEEP_SCHEDULE", "@hourly"),
		SweepBatchSize:    getEnvAsInt("SWEEP_BATCH_SIZE", 500),

		Client: ClientConfig{
			CompanyName: getEnv("CLIENT_COMPANY_NAME", ""),
			ContactName: getEnv("CLIENT_CONTACT_NAME", ""),
			Phone:       getEnv("CLIENT_PHONE", ""),
			Website:     getEnv("CLIENT_WEBSITE", ""),
		},
	}

	if err := AppConfig.Validate(); err != nil {
		return err
	}

	if AppConfig.MessageIDDomain == "" {
		if at := strings.LastIndex(AppConfig.FromEmail, "@"); at >= 0 {
			AppConfig.MessageIDDomain = AppConfig.FromEmail[at+1:]
		}
	}

	logConfig()
	return nil
}

// Validate checks required settings and enumerated values.
func (c Config) Validate() error {
	if c.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	switch c.EmailProvider {
	case "smtp", "sendgrid", "brevo", "log":
	default:
		return fmt.Errorf("EMAIL_PROVIDER must be one of smtp, sendgrid, brevo, log; got %q", c.EmailProvider)
	}
	if c.EmailProvider != "log" && c.FromEmail == "" {
		return fmt.Errorf("FROM_EMAIL is required for the %s provider", c.EmailProvider)
	}
	switch c.ReplyFallback {
	case "stop_all", "review":
	default:
		return fmt.Errorf("REPLY_FALLBACK must be stop_all or review; got %q", c.ReplyFallback)
	}
	if c.Environment == "production" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production")
	}
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// ConnectRedis opens the shared Redis client when Redis is enabled. A nil
// Redis means in-memory rate limiting and no event deduplication.
func ConnectRedis() error {
	if !AppConfig.Redis.Enabled {
		log.Println("⚠️ Redis disabled, using in-memory rate limiting without event deduplication")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	Redis = client
	log.Printf("✅ Connected to Redis at %s", AppConfig.Redis.Address)
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		log.Printf("⚠️ Invalid integer for %s: %q, using %d", key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil || value < 0 {
		log.Printf("⚠️ Invalid duration for %s: %q, using %s", key, valueStr, fallback)
		return fallback
	}
	return value
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Email provider: %s (from %q)", AppConfig.EmailProvider, AppConfig.FromEmail)
	log.Printf("Dispatch: every %s, batch %d, stale claims after %s",
		AppConfig.DispatchInterval, AppConfig.DispatchBatchSize, AppConfig.StaleClaimAfter)
	log.Printf("Auto-enrollment sweep: %s", AppConfig.SweepSchedule)
	log.Printf("Webhook signature check: %t, Redis: %t",
		AppConfig.WebhookSecret != "", AppConfig.Redis.Enabled)
}
