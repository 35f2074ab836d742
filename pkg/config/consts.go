package config

// EnvPrefix is intentionally empty: every field spells out its full
// TIENDITA_* variable name in its envconfig tag.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "TIENDITA_DB_DSN"
	EnvDBHost = "TIENDITA_DB_HOST"
	EnvDBUser = "TIENDITA_DB_USER"
	EnvDBName = "TIENDITA_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
