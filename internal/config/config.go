// Package config loads service configuration from a YAML file and
// PLAYGROUND_* environment variables, with working defaults for local
// development.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Provider Provider `mapstructure:"provider"`
	Sessions Sessions `mapstructure:"sessions"`
	Reaper   Reaper   `mapstructure:"reaper"`
	Catalog  Catalog  `mapstructure:"catalog"`
	Quota    Quota    `mapstructure:"quota"`
	LogLevel string   `mapstructure:"log_level"`
}

type Server struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AdminToken guards the admin endpoints. Empty disables them.
	AdminToken string `mapstructure:"admin_token"`

	// DevUser is the identity assumed when no X-User-ID header is
	// present. Empty (the production setting) rejects such requests.
	DevUser string `mapstructure:"dev_user"`
}

type Database struct {
	// DSN is the Postgres connection string. Empty selects the in-memory
	// store (development only; records do not survive a restart).
	DSN string `mapstructure:"dsn"`
}

type Provider struct {
	// Mode selects the sandbox backend: "kubernetes" or "local".
	Mode string `mapstructure:"mode"`

	Kubeconfig   string `mapstructure:"kubeconfig"`
	ToolboxImage string `mapstructure:"toolbox_image"`
	Shell        string `mapstructure:"shell"`

	// LocalDir roots local-mode namespaces.
	LocalDir string `mapstructure:"local_dir"`

	// CredentialsDir holds optional per-user credential artifacts,
	// one file named per owner id. Empty disables seeding.
	CredentialsDir string `mapstructure:"credentials_dir"`
}

type Sessions struct {
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	DefaultLifetime time.Duration `mapstructure:"default_lifetime"`
	ExtendIncrement time.Duration `mapstructure:"extend_increment"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

type Reaper struct {
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	UsageInterval  time.Duration `mapstructure:"usage_interval"`
}

type Catalog struct {
	Path string `mapstructure:"path"`
}

type Quota struct {
	CPU      string `mapstructure:"cpu"`
	Memory   string `mapstructure:"memory"`
	Pods     int    `mapstructure:"pods"`
	Services int    `mapstructure:"services"`
	PVCs     int    `mapstructure:"pvcs"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.dev_user", "")

	v.SetDefault("provider.mode", "kubernetes")
	v.SetDefault("provider.toolbox_image", "playground-toolbox:latest")
	v.SetDefault("provider.shell", "/bin/bash")
	v.SetDefault("provider.local_dir", "/tmp/playground")

	v.SetDefault("sessions.max_concurrent", 5)
	v.SetDefault("sessions.default_lifetime", 8*time.Hour)
	v.SetDefault("sessions.extend_increment", time.Hour)
	v.SetDefault("sessions.max_lifetime", 24*time.Hour)

	v.SetDefault("reaper.expiry_interval", 5*time.Minute)
	v.SetDefault("reaper.usage_interval", 2*time.Minute)

	v.SetDefault("catalog.path", "labs.json")

	v.SetDefault("quota.cpu", "20")
	v.SetDefault("quota.memory", "64Gi")
	v.SetDefault("quota.pods", 20)
	v.SetDefault("quota.services", 10)
	v.SetDefault("quota.pvcs", 5)

	v.SetDefault("log_level", "info")
}

// Load reads configuration from the given file (optional) and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PLAYGROUND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("playground")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/playground")
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional; defaults plus env are enough.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
