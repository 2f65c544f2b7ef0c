package config

// EnvPrefix is passed to envconfig; every field carries its full variable
// name so the prefix only matters for unnamed fields.
const EnvPrefix = "PRESTIGE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	GuestDriverRedis  = "redis"
	GuestDriverSQLite = "sqlite"
)

const (
	EnvAppEnv       = "PRESTIGE_APP_ENV"
	EnvPort         = "PRESTIGE_APP_PORT"
	EnvDBDSN        = "PRESTIGE_DB_DSN"
	EnvDBHost       = "PRESTIGE_DB_HOST"
	EnvDBUser       = "PRESTIGE_DB_USER"
	EnvDBName       = "PRESTIGE_DB_NAME"
	EnvDBPassword   = "PRESTIGE_DB_PASSWORD"
	EnvRedisURL     = "PRESTIGE_REDIS_URL"
	EnvJWTSecret    = "PRESTIGE_JWT_SECRET"
	EnvJWTIssuer    = "PRESTIGE_JWT_ISSUER"
	EnvGuestDriver  = "PRESTIGE_GUEST_STORE_DRIVER"
	EnvUseSQLite    = "PRESTIGE_USE_SQLITE"
	EnvSessionTTL   = "PRESTIGE_SESSION_IDLE_TTL"
	EnvShippingBase = "PRESTIGE_SHIPPING_BASE_FEE"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
