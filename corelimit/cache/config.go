/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package cache

import (
	"fmt"

	"github.com/acronis/go-ratelimit/config"
)

const cfgDefaultKeyPrefix = "cache"

const (
	cfgKeyCounterKeyPrefix   = "counterKeyPrefix"
	cfgKeyNearLimitRatio     = "nearLimitRatio"
	cfgKeyLocalCacheCapacity = "localCacheCapacity"
)

const (
	defaultCounterKeyPrefix   = "ratelimit"
	defaultNearLimitRatio     = 0.8
	defaultLocalCacheCapacity = 1000
)

// localCacheSafetySlack is added to a counter's TTL beyond its unit
// divisor, so a slow reader never sees a key evicted a moment before its
// window logically ends.
const localCacheSafetySlack = 1 // seconds, matches spec's "typically 1s" guidance

// Config represents a set of configuration parameters for the cache core.
type Config struct {
	CounterKeyPrefix   string  `mapstructure:"counterKeyPrefix" yaml:"counterKeyPrefix" json:"counterKeyPrefix"`
	NearLimitRatio     float64 `mapstructure:"nearLimitRatio" yaml:"nearLimitRatio" json:"nearLimitRatio"`
	LocalCacheCapacity int     `mapstructure:"localCacheCapacity" yaml:"localCacheCapacity" json:"localCacheCapacity"`

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
	dp.SetDefault(cfgKeyCounterKeyPrefix, defaultCounterKeyPrefix)
	dp.SetDefault(cfgKeyNearLimitRatio, defaultNearLimitRatio)
	dp.SetDefault(cfgKeyLocalCacheCapacity, defaultLocalCacheCapacity)
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.CounterKeyPrefix, err = dp.GetString(cfgKeyCounterKeyPrefix); err != nil {
		return err
	}
	if c.CounterKeyPrefix == "" {
		c.CounterKeyPrefix = defaultCounterKeyPrefix
	}

	nearLimitRatio, err := dp.GetFloat64(cfgKeyNearLimitRatio)
	if err != nil {
		return err
	}
	if nearLimitRatio <= 0 || nearLimitRatio > 1 {
		return dp.WrapKeyErr(cfgKeyNearLimitRatio, fmt.Errorf("nearLimitRatio must be in (0, 1]"))
	}
	c.NearLimitRatio = nearLimitRatio

	if c.LocalCacheCapacity, err = dp.GetInt(cfgKeyLocalCacheCapacity); err != nil {
		return err
	}
	if c.LocalCacheCapacity <= 0 {
		return dp.WrapKeyErr(cfgKeyLocalCacheCapacity, fmt.Errorf("localCacheCapacity must be positive"))
	}

	return nil
}
