package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/coldpath/sequencer/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// GoogleOAuthConfig holds the client credentials the Gmail client factory
// uses to build a refresh request. Token issuance itself is out of scope,
// so the consent-flow redirect URI below is loaded but not used.
type GoogleOAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	// RedirectURI is unused by the refresh-only oauth2.Config this engine
	// builds (spec: OAuth consent flow is out of scope) but is still read
	// from the environment so the same .env used by the consent-flow
	// service that issues these tokens can be pointed at this process.
	RedirectURI string `json:"redirect_uri"`
}

type Config struct {
	Environment   string            `json:"environment"`
	Google        GoogleOAuthConfig `json:"google"`
	EncryptionKey string            `json:"-"`
	ServerPort    string            `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`

	// QueuePrefix namespaces every Redis queue key.
	QueuePrefix string `json:"queue_prefix"`

	// DemoMode caps every computed delay at 8h.
	DemoMode bool `json:"demo_mode"`
	// BypassBusinessHours skips business-hours adjustment without the demo
	// delay cap.
	BypassBusinessHours bool `json:"bypass_business_hours"`
	// TestEmail is the redirect target for any Sequence with TestMode set.
	TestEmail string `json:"test_email"`

	// PubSubAudience is the expected `aud` claim on inbound Gmail push
	// notification JWTs.
	PubSubAudience string `json:"pubsub_audience"`
	// ControlAPISecret signs/verifies bearer tokens on the control API.
	ControlAPISecret string `json:"-"`

	// TrackAPIURL is the base URL for pixel/click redirector URLs in sent
	// mail. WebAppURL is loaded from WEB_APP_URL, but no code reads it; sent
	// mail carries no unsubscribe or preference links.
	WebAppURL   string `json:"web_app_url"`
	TrackAPIURL string `json:"track_api_url"`
}

func init() {
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Google: GoogleOAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
		},
		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		ServerPort:    getEnv("PORT", getEnv("SERVER_PORT", "5000")),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "sequencer"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Address:  fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		QueuePrefix: getEnv("QUEUE_PREFIX", "sequencer"),

		DemoMode:            getEnvAsBool("DEMO_MODE", false),
		BypassBusinessHours: getEnvAsBool("BYPASS_BUSINESS_HOURS", false),
		TestEmail:           getEnv("TEST_EMAIL", ""),

		PubSubAudience:   getEnv("PUBSUB_AUDIENCE", ""),
		ControlAPISecret: getEnv("CONTROL_API_SECRET", ""),

		WebAppURL:   getEnv("WEB_APP_URL", "http://localhost:3000"),
		TrackAPIURL: getEnv("TRACK_API_URL", "http://localhost:5000"),
	}

	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if AppConfig.ControlAPISecret == "" {
		return fmt.Errorf("CONTROL_API_SECRET is required")
	}
	if AppConfig.Environment == "production" {
		if AppConfig.Google.ClientID == "" || AppConfig.Google.ClientSecret == "" {
			return fmt.Errorf("Google OAuth credentials are required in production")
		}
		if AppConfig.PubSubAudience == "" {
			return fmt.Errorf("PUBSUB_AUDIENCE is required in production")
		}
	}

	logConfig()
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
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
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

	log.Println("successfully connected to the database")
	log.Println("starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("database migration completed")
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return strings.EqualFold(valueStr, "true") || valueStr == "1"
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
	log.Println("loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis: %s (enabled=%t)", AppConfig.Redis.Address, AppConfig.Redis.Enabled)
	log.Printf("Google OAuth configured: %t", AppConfig.Google.ClientID != "")
	log.Printf("Demo mode: %t, bypass business hours: %t", AppConfig.DemoMode, AppConfig.BypassBusinessHours)
}

// migrateDB ranges over models.AllModels() instead of naming each model
// inline, so a new model only needs registering in one place.
func migrateDB(db *gorm.DB) error {
	if err := db.Exec("SET CONSTRAINTS ALL DEFERRED").Error; err != nil {
		return fmt.Errorf("failed to defer constraints: %w", err)
	}
	return db.AutoMigrate(models.AllModels()...)
}
