// Package config loads per-process settings. One YAML file describes the
// process identity and how it reaches the rest of the cluster; scheduled-job
// definitions live separately in crons.json.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Peer names one remote process and the endpoint it advertises.
type Peer struct {
	ID   string `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Server struct {
		Type     string `mapstructure:"type"`
		ID       string `mapstructure:"id"`
		Base     string `mapstructure:"base"`
		Env      string `mapstructure:"env"`
		LogLevel string `mapstructure:"log_level"`
		Frontend bool   `mapstructure:"frontend"`
	} `mapstructure:"server"`

	Mesh struct {
		// Advertise is the endpoint this process binds for forwarded
		// messages and session calls.
		Advertise string `mapstructure:"advertise"`
		// Peers maps a server type to the processes serving it.
		Peers map[string][]Peer `mapstructure:"peers"`
		// ProxyPub and ProxySub are the cluster event proxy's XSUB and
		// XPUB endpoints.
		ProxyPub string `mapstructure:"proxy_pub"`
		ProxySub string `mapstructure:"proxy_sub"`
		// Timeout bounds one remote call.
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"mesh"`
}

// LoadConfig reads and validates the process config at path.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("PINUS")

	v.SetDefault("server.base", ".")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("mesh.timeout", 5*time.Second)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if c.Server.Type == "" {
		return nil, fmt.Errorf("config %s: server.type is required", path)
	}
	if c.Server.ID == "" {
		return nil, fmt.Errorf("config %s: server.id is required", path)
	}
	return &c, nil
}
