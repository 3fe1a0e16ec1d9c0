package config

// Environment identifies the runtime environment where eventwait operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// DefaultConfigPath is used when neither a flag nor EVENTWAIT_CONFIG names a file.
const DefaultConfigPath = "config/app.yaml"

// ConfigPathEnv overrides the config file location.
const ConfigPathEnv = "EVENTWAIT_CONFIG"

// RelayMode selects the direction of the Redis relay.
type RelayMode string

const (
	// RelaySubscribe feeds the local pools from Redis.
	RelaySubscribe RelayMode = "subscribe"
	// RelayPublish mirrors the local exchange feed into Redis.
	RelayPublish RelayMode = "publish"
)
