package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvToken     = "LINKWATCH_TOKEN"
	EnvTokenAlt  = "TOKEN"
	EnvStateFile = "LINKWATCH_STATE_FILE"
	EnvFile      = "ENV_FILE"
)

// LoadEnv loads ENV_FILE if set, otherwise .env.local then .env. Existing
// process variables win over file values; missing files are ignored.
func LoadEnv() error {
	if f := strings.TrimSpace(os.Getenv(EnvFile)); f != "" {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
		return nil
	}
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// applyEnv overlays environment values onto a parsed config.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if tok := strings.TrimSpace(getenv(EnvToken)); tok != "" {
		cfg.Telegram.Token = tok
	} else if tok := strings.TrimSpace(getenv(EnvTokenAlt)); tok != "" {
		cfg.Telegram.Token = tok
	}
	if p := strings.TrimSpace(getenv(EnvStateFile)); p != "" {
		cfg.Monitor.StateFile = p
	}
}
