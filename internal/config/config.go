// Package config provides centralized configuration management for Burrow.
// Configuration is loaded from environment variables with sensible defaults.
// Required configuration that is missing will cause the application to fail
// fast with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Port      int
	LogFormat string // "text" (default) or "json"

	// Database configuration
	DBType     string // "sqlite" (default) or "postgres"
	DBPath     string // SQLite file path (when DBType="sqlite")
	DBDSN      string // Full PostgreSQL DSN (takes precedence over individual params)
	DBHost     string // PostgreSQL host
	DBPort     int    // PostgreSQL port (default: 5432)
	DBName     string // PostgreSQL database name
	DBUser     string // PostgreSQL user
	DBPassword string // PostgreSQL password
	DBSSLMode  string // PostgreSQL SSL mode (default: "disable")

	// Admission configuration
	MaxSessions int // Global cap on non-terminal sessions (0 = no global cap)

	// Lifecycle timing
	ProvisionTimeout   time.Duration
	DeprovisionTimeout time.Duration
	IdleAfter          time.Duration // Inactivity before ACTIVE sessions are marked IDLE
	IdleTimeout        time.Duration // Inactivity before sessions are reaped
	ReapInterval       time.Duration // Reaper sweep interval

	// Provisioner configuration
	Provisioner string // "kubernetes" (default) or "fake"
	Namespace   string
	Kubeconfig  string
	VPNImage    string
	ListenPort  int

	// Client config artifact storage
	ArtifactBackend       string // "local" (default) or "s3"
	ArtifactPath          string // Local storage directory
	ArtifactS3Bucket      string
	ArtifactS3Region      string
	ArtifactS3Endpoint    string // Custom endpoint for MinIO/self-hosted S3
	ArtifactS3Prefix      string
	ArtifactS3AccessKeyID string
	ArtifactS3SecretKey   string
	ClientDNS             string // DNS server written into client configs
	ClientConfigTTLHours  int    // Hours an unconsumed client config stays retrievable

	// API rate limiting
	RateLimit float64 // Requests per second per IP (0 = disabled)
	RateBurst int     // Maximum burst size for rate limiter

	// Audit configuration
	AuditRetentionDays int // Days to retain audit events (0 = keep forever)
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultPort                 = 8080
	DefaultLogFormat            = "text"
	DefaultDBPath               = "burrow.db"
	DefaultDBType               = "sqlite"
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "disable"
	DefaultMaxSessions          = 25
	DefaultProvisionTimeout     = 2 * time.Minute
	DefaultDeprovisionTimeout   = 1 * time.Minute
	DefaultIdleAfter            = 15 * time.Minute
	DefaultIdleTimeout          = 1 * time.Hour
	DefaultReapInterval         = 5 * time.Minute
	DefaultProvisioner          = "kubernetes"
	DefaultNamespace            = "default"
	DefaultVPNImage             = "ghcr.io/burrowvpn/burrow-wireguard:latest"
	DefaultListenPort           = 51820
	DefaultArtifactBackend      = "local"
	DefaultArtifactPath         = "/data/client-configs"
	DefaultArtifactS3Region     = "us-east-1"
	DefaultArtifactS3Prefix     = "client-configs/"
	DefaultClientConfigTTLHours = 24
	DefaultRateLimit            = float64(10) // 10 requests/sec per IP
	DefaultRateBurst            = 20          // burst of 20
	DefaultAuditRetentionDays   = 90
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      DefaultPort,
		LogFormat: DefaultLogFormat,

		DBType:    DefaultDBType,
		DBPath:    DefaultDBPath,
		DBPort:    DefaultDBPort,
		DBSSLMode: DefaultDBSSLMode,

		MaxSessions: DefaultMaxSessions,

		ProvisionTimeout:   DefaultProvisionTimeout,
		DeprovisionTimeout: DefaultDeprovisionTimeout,
		IdleAfter:          DefaultIdleAfter,
		IdleTimeout:        DefaultIdleTimeout,
		ReapInterval:       DefaultReapInterval,

		Provisioner: DefaultProvisioner,
		Namespace:   DefaultNamespace,
		VPNImage:    DefaultVPNImage,
		ListenPort:  DefaultListenPort,

		ArtifactBackend:      DefaultArtifactBackend,
		ArtifactPath:         DefaultArtifactPath,
		ArtifactS3Region:     DefaultArtifactS3Region,
		ArtifactS3Prefix:     DefaultArtifactS3Prefix,
		ClientConfigTTLHours: DefaultClientConfigTTLHours,

		RateLimit: DefaultRateLimit,
		RateBurst: DefaultRateBurst,

		AuditRetentionDays: DefaultAuditRetentionDays,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	intVar := func(name string, min int, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
			})
			return
		}
		if n < min {
			parseErrors = append(parseErrors, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("value must be at least %d: %d", min, n),
			})
			return
		}
		*dst = n
	}

	durationVar := func(name string, dst *time.Duration) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("invalid duration: %q (use Go duration syntax, e.g. \"15m\")", v),
			})
			return
		}
		if d <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("duration must be positive: %s", d),
			})
			return
		}
		*dst = d
	}

	stringVar := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	// Server configuration
	intVar("BURROW_PORT", 1, &c.Port)
	stringVar("BURROW_LOG_FORMAT", &c.LogFormat)

	// Database configuration
	stringVar("BURROW_DB_TYPE", &c.DBType)
	stringVar("BURROW_DB", &c.DBPath)
	stringVar("BURROW_DB_DSN", &c.DBDSN)
	stringVar("BURROW_DB_HOST", &c.DBHost)
	intVar("BURROW_DB_PORT", 1, &c.DBPort)
	stringVar("BURROW_DB_NAME", &c.DBName)
	stringVar("BURROW_DB_USER", &c.DBUser)
	stringVar("BURROW_DB_PASSWORD", &c.DBPassword)
	stringVar("BURROW_DB_SSLMODE", &c.DBSSLMode)

	// Admission configuration
	intVar("BURROW_MAX_SESSIONS", 0, &c.MaxSessions)

	// Lifecycle timing
	durationVar("BURROW_PROVISION_TIMEOUT", &c.ProvisionTimeout)
	durationVar("BURROW_DEPROVISION_TIMEOUT", &c.DeprovisionTimeout)
	durationVar("BURROW_IDLE_AFTER", &c.IdleAfter)
	durationVar("BURROW_IDLE_TIMEOUT", &c.IdleTimeout)
	durationVar("BURROW_REAP_INTERVAL", &c.ReapInterval)

	// Provisioner configuration
	stringVar("BURROW_PROVISIONER", &c.Provisioner)
	stringVar("BURROW_NAMESPACE", &c.Namespace)
	stringVar("KUBECONFIG", &c.Kubeconfig)
	stringVar("BURROW_VPN_IMAGE", &c.VPNImage)
	intVar("BURROW_LISTEN_PORT", 1, &c.ListenPort)

	// Artifact storage configuration
	stringVar("BURROW_ARTIFACT_BACKEND", &c.ArtifactBackend)
	stringVar("BURROW_ARTIFACT_PATH", &c.ArtifactPath)
	stringVar("BURROW_ARTIFACT_S3_BUCKET", &c.ArtifactS3Bucket)
	stringVar("BURROW_ARTIFACT_S3_REGION", &c.ArtifactS3Region)
	stringVar("BURROW_ARTIFACT_S3_ENDPOINT", &c.ArtifactS3Endpoint)
	stringVar("BURROW_ARTIFACT_S3_PREFIX", &c.ArtifactS3Prefix)
	stringVar("BURROW_ARTIFACT_S3_ACCESS_KEY_ID", &c.ArtifactS3AccessKeyID)
	stringVar("BURROW_ARTIFACT_S3_SECRET_ACCESS_KEY", &c.ArtifactS3SecretKey)
	stringVar("BURROW_CLIENT_DNS", &c.ClientDNS)
	intVar("BURROW_CLIENT_CONFIG_TTL_HOURS", 1, &c.ClientConfigTTLHours)

	// Rate limiting
	if v := os.Getenv("BURROW_RATE_LIMIT"); v != "" {
		rl, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "BURROW_RATE_LIMIT",
				Message: fmt.Sprintf("invalid rate: %q (must be a number)", v),
			})
		} else if rl < 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "BURROW_RATE_LIMIT",
				Message: fmt.Sprintf("rate must be non-negative: %v", rl),
			})
		} else {
			c.RateLimit = rl
		}
	}
	intVar("BURROW_RATE_BURST", 1, &c.RateBurst)

	// Audit configuration
	intVar("BURROW_AUDIT_RETENTION_DAYS", 0, &c.AuditRetentionDays)

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "BURROW_PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "BURROW_LOG_FORMAT",
			Message: fmt.Sprintf("unsupported log format: %q (must be \"text\" or \"json\")", c.LogFormat),
		})
	}

	switch c.DBType {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, ValidationError{
				Field:   "BURROW_DB",
				Message: "database path cannot be empty",
			})
		}
	case "postgres":
		if c.DBDSN == "" && (c.DBHost == "" || c.DBName == "" || c.DBUser == "") {
			errs = append(errs, ValidationError{
				Field:   "BURROW_DB_DSN",
				Message: "PostgreSQL requires either BURROW_DB_DSN or all of BURROW_DB_HOST, BURROW_DB_NAME, and BURROW_DB_USER",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "BURROW_DB_TYPE",
			Message: fmt.Sprintf("unsupported database type: %q (must be \"sqlite\" or \"postgres\")", c.DBType),
		})
	}

	switch c.Provisioner {
	case "kubernetes", "fake":
	default:
		errs = append(errs, ValidationError{
			Field:   "BURROW_PROVISIONER",
			Message: fmt.Sprintf("unsupported provisioner: %q (must be \"kubernetes\" or \"fake\")", c.Provisioner),
		})
	}

	if c.VPNImage == "" {
		errs = append(errs, ValidationError{
			Field:   "BURROW_VPN_IMAGE",
			Message: "VPN image cannot be empty",
		})
	}

	// Idle sessions must be markable before they become reapable.
	if c.IdleAfter > c.IdleTimeout {
		errs = append(errs, ValidationError{
			Field:   "BURROW_IDLE_AFTER",
			Message: fmt.Sprintf("idle-after (%s) must not exceed idle-timeout (%s)", c.IdleAfter, c.IdleTimeout),
		})
	}

	switch c.ArtifactBackend {
	case "local":
		if c.ArtifactPath == "" {
			errs = append(errs, ValidationError{
				Field:   "BURROW_ARTIFACT_PATH",
				Message: "artifact path cannot be empty when backend is \"local\"",
			})
		}
	case "s3":
		if c.ArtifactS3Bucket == "" {
			errs = append(errs, ValidationError{
				Field:   "BURROW_ARTIFACT_S3_BUCKET",
				Message: "S3 bucket is required when artifact backend is \"s3\"",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "BURROW_ARTIFACT_BACKEND",
			Message: fmt.Sprintf("unsupported artifact backend: %q (must be \"local\" or \"s3\")", c.ArtifactBackend),
		})
	}

	// S3 credentials: if one is set, both must be set
	if (c.ArtifactS3AccessKeyID != "") != (c.ArtifactS3SecretKey != "") {
		errs = append(errs, ValidationError{
			Field:   "BURROW_ARTIFACT_S3_ACCESS_KEY_ID / BURROW_ARTIFACT_S3_SECRET_ACCESS_KEY",
			Message: "both S3 access key ID and secret access key must be set together",
		})
	}

	return errs
}

// DSN returns the database connection string based on the configured
// database type. For SQLite, it returns the file path. For PostgreSQL, it
// constructs a DSN from individual parameters or returns the explicit DSN
// if set.
func (c *Config) DSN() string {
	switch c.DBType {
	case "postgres":
		if c.DBDSN != "" {
			return c.DBDSN
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
	default:
		return c.DBPath
	}
}

// IsSQLite returns true if the configured database type is SQLite.
func (c *Config) IsSQLite() bool {
	return c.DBType == "" || c.DBType == "sqlite"
}

// IsPostgres returns true if the configured database type is PostgreSQL.
func (c *Config) IsPostgres() bool {
	return c.DBType == "postgres"
}

// ClientConfigTTL returns the artifact retention window as a duration.
func (c *Config) ClientConfigTTL() time.Duration {
	return time.Duration(c.ClientConfigTTLHours) * time.Hour
}

// MustLoad loads configuration and panics if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}
