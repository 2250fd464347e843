// Package config loads application configuration from environment variables.
package config

import (
	"log"
	"os"
	"time"
)

// Store backends selectable with APP_STORE.
const (
	StoreMySQL  = "mysql"
	StoreMemory = "memory"
)

// Config holds the runtime configuration. Each field corresponds to an
// environment variable.
type Config struct {
	Env      string // APP_ENV (dev, test, prod)
	Port     string // APP_PORT
	Store    string // APP_STORE, mysql (default) or memory
	LogLevel string // LOG_LEVEL, default info

	DBUser string // DB_USER
	DBPass string // DB_PASS, may be empty
	DBHost string // DB_HOST
	DBPort string // DB_PORT
	DBName string // DB_NAME

	JWTAccessSecret  string // JWT_ACCESS_SECRET
	JWTRefreshSecret string // JWT_REFRESH_SECRET, must differ from the access secret
	AccessTTLMin     int    // ACCESS_TOKEN_TTL_MIN
	RefreshTTLDays   int    // REFRESH_TOKEN_TTL_DAYS

	BcryptCost        int // BCRYPT_COST
	PasswordMinLength int // PASSWORD_MIN_LENGTH
}

// Load reads the configuration. Missing required variables stop the process
// with a fatal log message. Database variables are only required for the
// mysql store.
func Load() Config {
	c := Config{
		Env:      must("APP_ENV"),
		Port:     must("APP_PORT"),
		Store:    envStr("APP_STORE", StoreMySQL),
		LogLevel: envStr("LOG_LEVEL", "info"),

		JWTAccessSecret:  must("JWT_ACCESS_SECRET"),
		JWTRefreshSecret: must("JWT_REFRESH_SECRET"),
		AccessTTLMin:     envInt("ACCESS_TOKEN_TTL_MIN", 15),
		RefreshTTLDays:   envInt("REFRESH_TOKEN_TTL_DAYS", 7),

		BcryptCost:        envInt("BCRYPT_COST", 12),
		PasswordMinLength: envInt("PASSWORD_MIN_LENGTH", 8),
	}
	if c.Store != StoreMemory {
		c.Store = StoreMySQL
		c.DBUser = must("DB_USER")
		c.DBPass = os.Getenv("DB_PASS")
		c.DBHost = must("DB_HOST")
		c.DBPort = must("DB_PORT")
		c.DBName = must("DB_NAME")
	}
	return c
}

// LoadDatabase reads only the database variables. The migrate command uses
// it so it can run without JWT secrets.
func LoadDatabase() Config {
	return Config{
		Store:  StoreMySQL,
		DBUser: must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: must("DB_HOST"),
		DBPort: must("DB_PORT"),
		DBName: must("DB_NAME"),
	}
}

func (c Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTTLMin) * time.Minute
}

func (c Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLDays) * 24 * time.Hour
}

// must retrieves a required environment variable or exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}
