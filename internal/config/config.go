// Package config loads canopy's runtime configuration via viper: a config
// file, CANOPY_-prefixed environment overrides, and cobra flag binding.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Database selects where job/account state lives.
type Database struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// Worker tunes the worker runtime's pacing.
type Worker struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
}

// Sweeper tunes the stale-claim reclaimer.
type Sweeper struct {
	StaleFactor int           `mapstructure:"stale_factor"`
	Interval    time.Duration `mapstructure:"interval"`
}

// Supervisor tunes the stream supervisor's reconciliation cadence.
type Supervisor struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// OAuth carries default client credentials and token endpoint used by the
// provisioning CLI and the account refresh flow.
type OAuth struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
	AuthURL      string `mapstructure:"auth_url"`
}

// Blobstore enables optional large job-result offload to object storage.
type Blobstore struct {
	Enabled        bool   `mapstructure:"enabled"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	// AccessKeyID and SecretAccessKey opt into static credentials for
	// S3-compatible backends outside AWS's credential chain.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ThresholdBytes  int    `mapstructure:"threshold_bytes"`
}

// Log controls the constructed zap logger.
type Log struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Config is the top-level application configuration.
type Config struct {
	Database   Database   `mapstructure:"database"`
	Worker     Worker     `mapstructure:"worker"`
	Sweeper    Sweeper    `mapstructure:"sweeper"`
	Supervisor Supervisor `mapstructure:"supervisor"`
	OAuth      OAuth      `mapstructure:"oauth"`
	Blobstore  Blobstore  `mapstructure:"blobstore"`
	Log        Log        `mapstructure:"log"`
}

const envPrefix = "CANOPY"

func defaults(v *viper.Viper) {
	v.SetDefault("database.path", "canopy.db")
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.heartbeat_interval", 15*time.Second)
	v.SetDefault("worker.drain_timeout", 30*time.Second)
	v.SetDefault("sweeper.stale_factor", 4)
	v.SetDefault("sweeper.interval", 15*time.Second)
	v.SetDefault("supervisor.reconcile_interval", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("blobstore.threshold_bytes", 32*1024)
}

// Load reads configuration from an optional file path, environment
// variables prefixed CANOPY_, and whatever flags the caller has already
// bound onto v via BindPFlag.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	defaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}
