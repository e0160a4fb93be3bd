package config

import (
	"os"
	"strings"
)

// Env holds the bootstrap overrides read from the process environment.
// Everything else lives in the configuration file itself.
type Env struct {
	ConfigPath string
	DBPath     string
}

func LoadEnv() Env {
	return Env{
		ConfigPath: getEnvString("CONFIG_PATH", "data/config.json"),
		DBPath:     getEnvString("DB_PATH", "data/mailwatch.db"),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
