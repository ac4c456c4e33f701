// Package config defines the orchestrator's settings surface, bound from
// environment variables (prefix MATRX_) and command-line flags via viper.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "MATRX"

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9.-]{3,63}$`)

// Settings holds every MATRX_-prefixed configuration value recognized by
// the orchestrator.
type Settings struct {
	Host  string
	Port  int
	Debug bool

	LogLevel  string // DEBUG/INFO/WARNING/ERROR/CRITICAL
	LogFormat string // json/text

	APIKey       string
	APIKeyHeader string

	SandboxImage  string
	DockerNetwork string

	ContainerCPULimit    float64
	ContainerMemoryLimit string
	ContainerDiskLimit   string

	S3Bucket string
	S3Region string

	MaxSessionDurationSeconds  int
	ShutdownTimeoutSeconds     int
	HealthcheckIntervalSeconds int
	MaxCommandLength           int
	CommandTimeoutSeconds      int

	SandboxStore string // memory/postgres
	DatabaseURL  string
}

// BindFlags registers every setting as a persistent flag on cmd and binds
// it into v with the MATRX_ environment prefix, so flags, environment
// variables, and defaults resolve in viper's standard precedence order.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()

	flags.String("host", "0.0.0.0", "bind address")
	flags.Int("port", 8080, "HTTP listen port")
	flags.Bool("debug", false, "enable debug mode")

	flags.String("log-level", "INFO", "DEBUG/INFO/WARNING/ERROR/CRITICAL")
	flags.String("log-format", "json", "json/text")

	flags.String("api-key", "", "static API key required on /sandboxes routes; empty disables auth")
	flags.String("api-key-header", "X-API-Key", "header carrying the API key")

	flags.String("sandbox-image", "", "default container image for new sandboxes")
	flags.String("docker-network", "bridge", "docker network name")

	flags.Float64("container-cpu-limit", 1.0, "CPU cores per sandbox")
	flags.String("container-memory-limit", "4g", "memory limit per sandbox")
	flags.String("container-disk-limit", "10g", "disk limit per sandbox (loaded but not applied to containers)")

	flags.String("s3-bucket", "", "S3 bucket for user storage")
	flags.String("s3-region", "us-east-1", "S3 region")

	flags.Int("max-session-duration-seconds", 7200, "session duration (loaded but not applied; the default sandbox TTL is a fixed 7200s)")
	flags.Int("shutdown-timeout-seconds", 10, "container shutdown timeout; graceful stop waits this plus 10s before kill")
	flags.Int("healthcheck-interval-seconds", 30, "healthcheck interval (loaded but not applied; the reconciler runs every 30s)")
	flags.Int("max-command-length", 65536, "exec command length (loaded but not applied; exec rejects commands over 10000 characters)")
	flags.Int("command-timeout-seconds", 30, "exec timeout (loaded but not applied; exec defaults to a fixed 30s when the request sets none)")

	flags.String("sandbox-store", "memory", "memory/postgres")
	flags.String("database-url", "", "postgres connection string, required when sandbox-store=postgres")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
}

// Load reads bound values out of v into a validated Settings.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		Host:                       v.GetString("host"),
		Port:                       v.GetInt("port"),
		Debug:                      v.GetBool("debug"),
		LogLevel:                   strings.ToUpper(v.GetString("log-level")),
		LogFormat:                  strings.ToLower(v.GetString("log-format")),
		APIKey:                     v.GetString("api-key"),
		APIKeyHeader:               v.GetString("api-key-header"),
		SandboxImage:               v.GetString("sandbox-image"),
		DockerNetwork:              v.GetString("docker-network"),
		ContainerCPULimit:          v.GetFloat64("container-cpu-limit"),
		ContainerMemoryLimit:       v.GetString("container-memory-limit"),
		ContainerDiskLimit:         v.GetString("container-disk-limit"),
		S3Bucket:                   v.GetString("s3-bucket"),
		S3Region:                   v.GetString("s3-region"),
		MaxSessionDurationSeconds:  v.GetInt("max-session-duration-seconds"),
		ShutdownTimeoutSeconds:     v.GetInt("shutdown-timeout-seconds"),
		HealthcheckIntervalSeconds: v.GetInt("healthcheck-interval-seconds"),
		MaxCommandLength:           v.GetInt("max-command-length"),
		CommandTimeoutSeconds:      v.GetInt("command-timeout-seconds"),
		SandboxStore:               strings.ToLower(v.GetString("sandbox-store")),
		DatabaseURL:                v.GetString("database-url"),
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	switch s.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL":
	default:
		return fmt.Errorf("invalid log level %q", s.LogLevel)
	}
	switch s.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", s.LogFormat)
	}
	switch s.SandboxStore {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid sandbox store %q", s.SandboxStore)
	}
	if s.SandboxStore == "postgres" && s.DatabaseURL == "" {
		return fmt.Errorf("database-url is required when sandbox-store=postgres")
	}
	if s.S3Bucket != "" && !bucketNamePattern.MatchString(s.S3Bucket) {
		return fmt.Errorf("invalid s3 bucket name %q: must be 3-63 lowercase alnum/dot/dash chars", s.S3Bucket)
	}
	return nil
}
