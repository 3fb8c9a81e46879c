// Package config is used to load the configuration file
package config

import (
	"fmt"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/objrun/objrun/pkg/rtlib"
)

// Config is the configuration struct
type Config struct {
	Repo    string `json:"repo"`     // module repository directory
	Clang   string `json:"clang"`    // compiler binary
	NoCache bool   `json:"no-cache"` // skip cache container generation
	Verbose bool   `json:"verbose"`
}

func (c *Config) verify() error {
	if c.Repo == "" {
		c.Repo = rtlib.RepoDir()
	}
	if c.Clang == "" {
		c.Clang = "clang"
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	// flag-bound keys bypass Unmarshal
	c.Verbose = c.Verbose || cast.ToBool(viper.Get("verbose"))
	c.NoCache = c.NoCache || cast.ToBool(viper.Get("no-cache"))

	return c, nil
}
