package server

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-core/capability"
	"github.com/giantswarm/oauth-core/security"
)

// Config holds server configuration
type Config struct {
	// Token is the configuration used by introspection when no get_config
	// handler is registered.
	Token capability.Config

	// ClockSkewGracePeriod is the grace period for token expiration checks (in seconds)
	// This prevents false expiration errors due to time synchronization issues
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// DisableRefreshTokenRotation keeps presented refresh tokens valid after a
	// refresh_token grant instead of minting a new one and revoking the old.
	// Default: false (rotation enabled, OAuth 2.1)
	DisableRefreshTokenRotation bool // default: false
}

// gracePeriod returns the clock skew allowance as a duration.
func (c *Config) gracePeriod() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = int64(security.DefaultClockSkewGracePeriod / time.Second)
	}
	if config.ClockSkewGracePeriod < 0 {
		config.ClockSkewGracePeriod = 0
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.DisableRefreshTokenRotation {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable until they expire",
			"recommendation", "Leave DisableRefreshTokenRotation=false for OAuth 2.1 compliance",
			"learn_more", "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-4.3.1")
	}
	if config.ClockSkewGracePeriod > 60 {
		logger.Warn("⚠️  SECURITY NOTICE: Large clock skew grace period",
			"grace_period_seconds", config.ClockSkewGracePeriod,
			"risk", "Expired tokens introspect as active for longer")
	}
}
