package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/giantswarm/oauth-core/capability"
	sqlstore "github.com/giantswarm/oauth-core/storage/sql"
	"github.com/giantswarm/oauth-core/token"
)

const envPrefix = "OAUTH_CORE"

// Storage backends selectable with storage.backend
const (
	backendMemory = "memory"
	backendValkey = "valkey"
	backendSQL    = "sql"
)

type config struct {
	Listen          string   `mapstructure:"listen"`
	MetricsEnabled  bool     `mapstructure:"metrics"`
	LogLevel        string   `mapstructure:"log-level"`
	LogFormat       string   `mapstructure:"log-format"`
	Seed            string   `mapstructure:"seed"`
	ScopesSupported []string `mapstructure:"scopes-supported"`

	Token capability.Config `mapstructure:"token"`

	// DisableRotation keeps refresh tokens valid after use
	DisableRotation bool `mapstructure:"disable-refresh-token-rotation"`

	Signing signingConfig `mapstructure:"signing"`
	Storage storageConfig `mapstructure:"storage"`
}

type signingConfig struct {
	// HMACSecret signs tokens with HS256. Base64, at least 32 bytes decoded.
	HMACSecret string `mapstructure:"hmac-secret"`

	// EncryptionKey seals access and refresh tokens when set. Base64, 32 bytes.
	EncryptionKey string `mapstructure:"encryption-key"`
}

type storageConfig struct {
	Backend string       `mapstructure:"backend"`
	Valkey  valkeyConfig `mapstructure:"valkey"`
	SQL     sqlConfig    `mapstructure:"sql"`
}

type valkeyConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key-prefix"`
	TLS       bool   `mapstructure:"tls"`
}

type sqlConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`

	// CleanupInterval is how often expired codes and refresh tokens are deleted
	CleanupInterval time.Duration `mapstructure:"cleanup-interval"`
}

// defaults are registered for every key so AutomaticEnv can resolve nested
// keys during Unmarshal.
var defaults = map[string]any{
	"listen":                          ":8080",
	"metrics":                         true,
	"log-level":                       "info",
	"log-format":                      "text",
	"seed":                            "",
	"scopes-supported":                []string{},
	"disable-refresh-token-rotation":  false,
	"token.issuer":                    "",
	"token.audience":                  "",
	"token.expiry.access_token":       capability.DefaultAccessTokenExpiry,
	"token.expiry.id_token":           capability.DefaultIDTokenExpiry,
	"token.expiry.refresh_token":      capability.DefaultRefreshTokenExpiry,
	"token.expiry.authorization_code": capability.DefaultAuthorizationCodeExpiry,
	"signing.hmac-secret":             "",
	"signing.encryption-key":          "",
	"storage.backend":                 backendMemory,
	"storage.valkey.address":          "localhost:6379",
	"storage.valkey.password":         "",
	"storage.valkey.db":               0,
	"storage.valkey.key-prefix":       "",
	"storage.valkey.tls":              false,
	"storage.sql.driver":              sqlstore.DriverSQLite,
	"storage.sql.dsn":                 "file:oauth-core.db?_foreign_keys=on",
	"storage.sql.cleanup-interval":    5 * time.Minute,
}

// newViper returns a viper instance reading OAUTH_CORE_* environment
// variables. A "storage.sql.dsn" key maps to OAUTH_CORE_STORAGE_SQL_DSN.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

// loadConfig reads the optional YAML file at path, binds flags and decodes
// the result.
func loadConfig(v *viper.Viper, path string, flags *pflag.FlagSet) (*config, error) {
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config file %q: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config file %q is a directory", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	if flags != nil {
		for _, name := range []string{"listen", "metrics", "log-level", "log-format", "seed"} {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(name, f); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *config) validate() error {
	switch c.Storage.Backend {
	case backendMemory, backendValkey:
	case backendSQL:
		switch c.Storage.SQL.Driver {
		case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		default:
			return fmt.Errorf("unsupported sql driver %q", c.Storage.SQL.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}

	if c.Signing.HMACSecret == "" {
		return fmt.Errorf("signing.hmac-secret is required (generate one with 'oauth-core keygen')")
	}
	if c.Token.Issuer == "" {
		return fmt.Errorf("token.issuer is required")
	}
	return nil
}

// signingSecret decodes the HMAC secret
func (c *config) signingSecret() ([]byte, error) {
	secret, err := decodeBase64(c.Signing.HMACSecret)
	if err != nil {
		return nil, fmt.Errorf("signing.hmac-secret: %w", err)
	}
	if len(secret) < token.MinHMACSecretLength {
		return nil, fmt.Errorf("signing.hmac-secret must decode to at least %d bytes", token.MinHMACSecretLength)
	}
	return secret, nil
}

// newLogger builds the process logger from log-level and log-format
func newLogger(cfg *config) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.LogFormat) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log-format %q", cfg.LogFormat)
	}
}
