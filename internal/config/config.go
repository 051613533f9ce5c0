package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"
)

type Config struct {
	HTTPAddress    string
	DatabaseURL    string
	DBProvider     string
	ConnAlias      string
	MigrationsDir  string
	TargetSnapshot string
	AdminToken     string
	SecretKey      string
	SecretKeyBytes []byte
	LogLevel       string
}

func Load() (Config, error) {
	cfg := Config{
		HTTPAddress:    getEnv("VIEWMIG_HTTP_ADDR", ":8080"),
		DBProvider:     getEnv("VIEWMIG_DB_PROVIDER", "postgres"),
		ConnAlias:      getEnv("VIEWMIG_CONN_ALIAS", "default"),
		MigrationsDir:  getEnv("VIEWMIG_MIGRATIONS_DIR", "./migrations"),
		TargetSnapshot: os.Getenv("VIEWMIG_TARGET_SNAPSHOT"),
		LogLevel:       getEnv("VIEWMIG_LOG_LEVEL", "info"),
	}

	cfg.DatabaseURL = os.Getenv("VIEWMIG_DB_DSN")
	cfg.AdminToken = os.Getenv("VIEWMIG_ADMIN_TOKEN")
	cfg.SecretKey = os.Getenv("VIEWMIG_SECRET_KEY")

	if cfg.SecretKey != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(cfg.SecretKey)
		if err != nil {
			return Config{}, errors.New("VIEWMIG_SECRET_KEY must be base64")
		}
		cfg.SecretKeyBytes = keyBytes
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("VIEWMIG_DB_DSN is required")
	}
	switch strings.ToLower(c.DBProvider) {
	case "postgres", "mysql":
	default:
		return errors.New("VIEWMIG_DB_PROVIDER must be postgres or mysql")
	}
	if c.MigrationsDir == "" {
		return errors.New("VIEWMIG_MIGRATIONS_DIR is required")
	}
	return nil
}

// ValidateServer adds the requirements of the HTTP surface on top of
// Validate; the CLI does not need them.
func (c Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.AdminToken == "" {
		return errors.New("VIEWMIG_ADMIN_TOKEN is required")
	}
	if c.SecretKey == "" || len(c.SecretKeyBytes) < 32 {
		return errors.New("VIEWMIG_SECRET_KEY is required (base64, >=32 bytes)")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
