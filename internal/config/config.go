// Package config loads the engine's runtime configuration from
// environment variables, with sane defaults for a single-host libvirt
// setup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the engine.
type Config struct {
	Environment string       `mapstructure:"environment"`
	Libvirt     LibvirtConfig `mapstructure:"libvirt"`
	SSH         SSHConfig     `mapstructure:"ssh"`
	Session     SessionConfig `mapstructure:"session"`
}

// LibvirtConfig describes how to reach the hypervisor.
type LibvirtConfig struct {
	URI         string `mapstructure:"uri"`
	NetworkName string `mapstructure:"network_name"`
	ImageDir    string `mapstructure:"image_dir"`
}

// SSHConfig describes the default credentials used to reach a guest.
type SSHConfig struct {
	User           string        `mapstructure:"user"`
	KeyPath        string        `mapstructure:"key_path"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// SessionConfig bounds how long a challenge run is allowed to take.
type SessionConfig struct {
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	DefaultScore     int           `mapstructure:"default_score"`
}

// Load reads configuration from an optional config file and LPEM_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/lpem")

	v.SetEnvPrefix("LPEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("libvirt.uri", "LPEM_LIBVIRT_URI", "LIBVIRT_URI")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("libvirt.uri", "qemu:///system")
	v.SetDefault("libvirt.network_name", "default")
	v.SetDefault("libvirt.image_dir", "/var/lib/libvirt/images")

	v.SetDefault("ssh.user", "roo")
	v.SetDefault("ssh.key_path", "~/.ssh/id_ed25519")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "120s")

	v.SetDefault("session.readiness_timeout", "120s")
	v.SetDefault("session.shutdown_timeout", "120s")
	v.SetDefault("session.default_score", 100)
}
