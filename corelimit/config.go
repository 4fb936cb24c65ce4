/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package corelimit

import (
	"fmt"
	"time"

	"github.com/acronis/go-ratelimit/config"
	"github.com/acronis/go-ratelimit/corelimit/backend"
	"github.com/acronis/go-ratelimit/corelimit/cache"
)

const cfgDefaultKeyPrefix = "ratelimit"

const (
	cfgKeyConfigPath     = "configPath"
	cfgKeyReloadInterval = "reloadInterval"
	cfgKeyHealthInterval = "healthInterval"
)

const (
	defaultReloadInterval = time.Duration(0) // disabled: reload is driven externally (e.g. a signal or admin endpoint)
	defaultHealthInterval = 5 * time.Second
)

// Config represents a set of configuration parameters for a Service.
type Config struct {
	// ConfigPath is a directory of *.yaml/*.yml limit configuration
	// documents, read by configcompile.ReadDir.
	ConfigPath string `mapstructure:"configPath" yaml:"configPath" json:"configPath"`

	// ReloadInterval, if positive, makes Service periodically reload
	// ConfigPath on its own. Zero disables automatic reload; callers may
	// still call Service.Reload explicitly (e.g. from a signal handler or
	// an admin HTTP endpoint).
	ReloadInterval config.TimeDuration `mapstructure:"reloadInterval" yaml:"reloadInterval" json:"reloadInterval"`

	// HealthInterval controls how often Service supervises backend
	// connectivity via backend.Pool.EnsureConnected.
	HealthInterval config.TimeDuration `mapstructure:"healthInterval" yaml:"healthInterval" json:"healthInterval"`

	Cache   cache.Config   `mapstructure:"cache" yaml:"cache" json:"cache"`
	Backend backend.Config `mapstructure:"backend" yaml:"backend" json:"backend"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// KeyPrefix implements config.KeyPrefixProvider.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults implements config.Config.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyReloadInterval, defaultReloadInterval)
	dp.SetDefault(cfgKeyHealthInterval, defaultHealthInterval)
	c.Cache.SetProviderDefaults(config.NewKeyPrefixedDataProvider(dp, c.Cache.KeyPrefix()))
	c.Backend.SetProviderDefaults(config.NewKeyPrefixedDataProvider(dp, c.Backend.KeyPrefix()))
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.ConfigPath, err = dp.GetString(cfgKeyConfigPath); err != nil {
		return err
	}
	if c.ConfigPath == "" {
		return dp.WrapKeyErr(cfgKeyConfigPath, fmt.Errorf("configPath must be set"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyReloadInterval); err != nil {
		return err
	}
	c.ReloadInterval = config.TimeDuration(dur)

	if dur, err = dp.GetDuration(cfgKeyHealthInterval); err != nil {
		return err
	}
	c.HealthInterval = config.TimeDuration(dur)
	if c.HealthInterval <= 0 {
		c.HealthInterval = config.TimeDuration(defaultHealthInterval)
	}

	if err = c.Cache.Set(config.NewKeyPrefixedDataProvider(dp, c.Cache.KeyPrefix())); err != nil {
		return err
	}
	if err = c.Backend.Set(config.NewKeyPrefixedDataProvider(dp, c.Backend.KeyPrefix())); err != nil {
		return err
	}

	return nil
}
