package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	Holds        HoldsConfig
	Sweeper      SweeperConfig
	Orders       OrdersConfig
	Delivery     DeliveryConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TIENDITA_APP_ENV" required:"true"`
	Port         string `envconfig:"TIENDITA_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"TIENDITA_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TIENDITA_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"TIENDITA_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"TIENDITA_DB_DSN"`
	Driver string `envconfig:"TIENDITA_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"TIENDITA_DB_HOST"`
	LegacyPort     int    `envconfig:"TIENDITA_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"TIENDITA_DB_USER"`
	LegacyPassword string `envconfig:"TIENDITA_DB_PASSWORD"`
	LegacyName     string `envconfig:"TIENDITA_DB_NAME"`
	LegacySSLMode  string `envconfig:"TIENDITA_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"TIENDITA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"TIENDITA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"TIENDITA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"TIENDITA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TIENDITA_REDIS_URL" required:"true"`
	Address      string        `envconfig:"TIENDITA_REDIS_ADDR"`
	Password     string        `envconfig:"TIENDITA_REDIS_PASSWORD"`
	DB           int           `envconfig:"TIENDITA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TIENDITA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"TIENDITA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"TIENDITA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TIENDITA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TIENDITA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"TIENDITA_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"TIENDITA_JWT_ISSUER" default:"tiendita"`
	ExpirationMinutes int    `envconfig:"TIENDITA_JWT_EXPIRATION_MINUTES" default:"60"`
}

// RateLimitConfig bounds how many shopper requests a single identity may
// issue within one fixed window.
type RateLimitConfig struct {
	Enabled  bool          `envconfig:"TIENDITA_RATE_LIMIT_ENABLED" default:"true"`
	Requests int64         `envconfig:"TIENDITA_RATE_LIMIT_REQUESTS" default:"120"`
	Window   time.Duration `envconfig:"TIENDITA_RATE_LIMIT_WINDOW" default:"1m"`
}

// HoldsConfig carries the hold windows applied to stock reservations.
// Cart items ride a short rolling window refreshed on every cart mutation;
// standalone "apartado" reservations get a longer fixed window.
type HoldsConfig struct {
	CartWindow       time.Duration `envconfig:"TIENDITA_HOLDS_CART_WINDOW" default:"2h"`
	StandaloneWindow time.Duration `envconfig:"TIENDITA_HOLDS_STANDALONE_WINDOW" default:"168h"`
	CartTTL          time.Duration `envconfig:"TIENDITA_HOLDS_CART_TTL" default:"72h"`
}

type SweeperConfig struct {
	Interval  time.Duration `envconfig:"TIENDITA_SWEEPER_INTERVAL" default:"60s"`
	BatchSize int           `envconfig:"TIENDITA_SWEEPER_BATCH_SIZE" default:"200"`
	LockTTL   time.Duration `envconfig:"TIENDITA_SWEEPER_LOCK_TTL" default:"5m"`
}

type OrdersConfig struct {
	// RestockOnCancel controls whether cancelling an order returns its sold
	// units to availability. Physical goods may already be set aside for the
	// customer, so the default keeps them deducted.
	RestockOnCancel   bool   `envconfig:"TIENDITA_ORDERS_RESTOCK_ON_CANCEL" default:"false"`
	OrderNumberPrefix string `envconfig:"TIENDITA_ORDERS_NUMBER_PREFIX" default:"TND"`
}

type DeliveryConfig struct {
	MaxDaysAhead int    `envconfig:"TIENDITA_DELIVERY_MAX_DAYS_AHEAD" default:"14"`
	WindowStart  string `envconfig:"TIENDITA_DELIVERY_WINDOW_START" default:"09:00"`
	WindowEnd    string `envconfig:"TIENDITA_DELIVERY_WINDOW_END" default:"19:00"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"TIENDITA_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"TIENDITA_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"TIENDITA_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"TIENDITA_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"TIENDITA_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	OrdersTopic string `envconfig:"TIENDITA_PUBSUB_ORDERS_TOPIC" default:"tiendita-order-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"TIENDITA_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"TIENDITA_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"TIENDITA_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
