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
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Guest        GuestConfig
	Session      SessionConfig
	Shipping     ShippingConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if !cfg.FeatureFlags.UseSQLite {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Guest.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PRESTIGE_APP_ENV" required:"true"`
	Port         string `envconfig:"PRESTIGE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"PRESTIGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PRESTIGE_LOG_WARN_STACK" default:"false"`

	CORSOrigins []string `envconfig:"PRESTIGE_CORS_ORIGINS" default:"http://localhost:3000"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `envconfig:"PRESTIGE_SHUTDOWN_TIMEOUT" default:"15s"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN        string `envconfig:"PRESTIGE_DB_DSN"`
	SQLitePath string `envconfig:"PRESTIGE_DB_SQLITE_PATH" default:"prestige.db"`

	Host     string `envconfig:"PRESTIGE_DB_HOST"`
	Port     int    `envconfig:"PRESTIGE_DB_PORT" default:"5432"`
	User     string `envconfig:"PRESTIGE_DB_USER"`
	Password string `envconfig:"PRESTIGE_DB_PASSWORD"`
	Name     string `envconfig:"PRESTIGE_DB_NAME"`
	SSLMode  string `envconfig:"PRESTIGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PRESTIGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PRESTIGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PRESTIGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PRESTIGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PRESTIGE_REDIS_URL"`
	Address      string        `envconfig:"PRESTIGE_REDIS_ADDR"`
	Password     string        `envconfig:"PRESTIGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"PRESTIGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PRESTIGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PRESTIGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PRESTIGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PRESTIGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PRESTIGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether any redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

// JWTConfig verifies the access tokens issued by the authentication provider.
type JWTConfig struct {
	Secret            string `envconfig:"PRESTIGE_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"PRESTIGE_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"PRESTIGE_JWT_EXPIRATION_MINUTES" default:"60"`
}

// GuestConfig selects where guest (signed-out) collections live.
type GuestConfig struct {
	Driver     string        `envconfig:"PRESTIGE_GUEST_STORE_DRIVER" default:"redis"`
	TTL        time.Duration `envconfig:"PRESTIGE_GUEST_STORE_TTL" default:"720h"`
	SQLitePath string        `envconfig:"PRESTIGE_GUEST_STORE_SQLITE_PATH" default:"guest.db"`
}

func (g GuestConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(g.Driver)) {
	case GuestDriverRedis, GuestDriverSQLite:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvGuestDriver, GuestDriverRedis, GuestDriverSQLite, g.Driver)
	}
}

// SessionConfig tunes the reconciler session hub.
type SessionConfig struct {
	IdleTTL        time.Duration `envconfig:"PRESTIGE_SESSION_IDLE_TTL" default:"30m"`
	SweepInterval  time.Duration `envconfig:"PRESTIGE_SESSION_SWEEP_INTERVAL" default:"1m"`
	NoticeCapacity int           `envconfig:"PRESTIGE_SESSION_NOTICE_CAPACITY" default:"20"`

	// SwitchTimeout bounds how long an identity switch may wait for the
	// first remote snapshot.
	SwitchTimeout time.Duration `envconfig:"PRESTIGE_SESSION_SWITCH_TIMEOUT" default:"10s"`
}

// ShippingConfig defaults to the Accra shop front and a GHS fee table.
type ShippingConfig struct {
	OriginLat    float64 `envconfig:"PRESTIGE_SHIPPING_ORIGIN_LAT" default:"5.6037"`
	OriginLng    float64 `envconfig:"PRESTIGE_SHIPPING_ORIGIN_LNG" default:"-0.1870"`
	BaseFee      string  `envconfig:"PRESTIGE_SHIPPING_BASE_FEE" default:"20.00"`
	PerKmFee     string  `envconfig:"PRESTIGE_SHIPPING_PER_KM_FEE" default:"2.50"`
	FreeRadiusKm float64 `envconfig:"PRESTIGE_SHIPPING_FREE_RADIUS_KM" default:"0"`
	Currency     string  `envconfig:"PRESTIGE_SHIPPING_CURRENCY" default:"GHS"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"PRESTIGE_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	CollectionEventsTopic string `envconfig:"PRESTIGE_PUBSUB_COLLECTION_EVENTS_TOPIC" default:"storefront-collection-events"`
}

type FeatureFlagsConfig struct {
	UseSQLite     bool `envconfig:"PRESTIGE_USE_SQLITE" default:"false"`
	AutoMigrate   bool `envconfig:"PRESTIGE_AUTO_MIGRATE" default:"false"`
	PublishEvents bool `envconfig:"PRESTIGE_PUBLISH_EVENTS" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	discreteValues := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if discreteValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
