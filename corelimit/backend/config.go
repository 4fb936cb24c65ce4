/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package backend

import (
	"fmt"
	"time"

	"github.com/acronis/go-ratelimit/config"
)

const cfgDefaultKeyPrefix = "backend"

const (
	cfgKeyPrimaryURL              = "primaryUrl"
	cfgKeyPerSecondURL            = "perSecondUrl"
	cfgKeyPoolSize                = "poolSize"
	cfgKeyPoolWaitTimeout         = "poolWaitTimeout"
	cfgKeyDeadline                = "deadline"
	cfgKeyTLSEnabled              = "tls.enabled"
	cfgKeyTLSInsecureSkipVerify   = "tls.insecureSkipVerify"
	cfgKeyDNSResolverAddrs        = "dnsResolver.addrs"
	cfgKeyDNSResolverTimeout      = "dnsResolver.timeout"
	cfgKeyReconnectInitialBackoff = "reconnect.initialBackoff"
	cfgKeyReconnectMaxAttempts    = "reconnect.maxAttempts"
)

const (
	defaultPoolSize                = 16
	defaultPoolWaitTimeout         = 50 * time.Millisecond
	defaultDeadline                = 100 * time.Millisecond
	defaultDNSResolverTimeout      = 2 * time.Second
	defaultReconnectInitialBackoff = 200 * time.Millisecond
	defaultReconnectMaxAttempts    = 5
)

// Config represents a set of configuration parameters for the backend pool.
type Config struct {
	// PrimaryURL addresses the store used for every unit except SECOND,
	// unless PerSecondURL is empty, in which case it is used for all units.
	PrimaryURL string `mapstructure:"primaryUrl" yaml:"primaryUrl" json:"primaryUrl"`

	// PerSecondURL, if set, addresses a dedicated store for SECOND-unit
	// counters, isolating the highest-volume traffic.
	PerSecondURL string `mapstructure:"perSecondUrl" yaml:"perSecondUrl" json:"perSecondUrl"`

	PoolSize        int                 `mapstructure:"poolSize" yaml:"poolSize" json:"poolSize"`
	PoolWaitTimeout config.TimeDuration `mapstructure:"poolWaitTimeout" yaml:"poolWaitTimeout" json:"poolWaitTimeout"`
	Deadline        config.TimeDuration `mapstructure:"deadline" yaml:"deadline" json:"deadline"`

	TLS         TLSConfig         `mapstructure:"tls" yaml:"tls" json:"tls"`
	DNSResolver DNSResolverConfig `mapstructure:"dnsResolver" yaml:"dnsResolver" json:"dnsResolver"`
	Reconnect   ReconnectConfig   `mapstructure:"reconnect" yaml:"reconnect" json:"reconnect"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// TLSConfig controls optional transport security for store connections.
type TLSConfig struct {
	Enabled            bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	InsecureSkipVerify bool `mapstructure:"insecureSkipVerify" yaml:"insecureSkipVerify" json:"insecureSkipVerify"`
}

// DNSResolverConfig optionally points store lookups at a custom resolver
// (e.g. a service-discovery DNS), via netutil.NewCustomDNSResolver.
type DNSResolverConfig struct {
	Addrs   []string            `mapstructure:"addrs" yaml:"addrs" json:"addrs"`
	Timeout config.TimeDuration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// ReconnectConfig controls the backoff policy used when re-establishing a
// lost store connection.
type ReconnectConfig struct {
	InitialBackoff config.TimeDuration `mapstructure:"initialBackoff" yaml:"initialBackoff" json:"initialBackoff"`
	MaxAttempts    int                 `mapstructure:"maxAttempts" yaml:"maxAttempts" json:"maxAttempts"`
}

// KeyPrefix implements config.KeyPrefixProvider.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults implements config.Config.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyPoolSize, defaultPoolSize)
	dp.SetDefault(cfgKeyPoolWaitTimeout, defaultPoolWaitTimeout)
	dp.SetDefault(cfgKeyDeadline, defaultDeadline)
	dp.SetDefault(cfgKeyDNSResolverTimeout, defaultDNSResolverTimeout)
	dp.SetDefault(cfgKeyReconnectInitialBackoff, defaultReconnectInitialBackoff)
	dp.SetDefault(cfgKeyReconnectMaxAttempts, defaultReconnectMaxAttempts)
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.PrimaryURL, err = dp.GetString(cfgKeyPrimaryURL); err != nil {
		return err
	}
	if c.PrimaryURL == "" {
		return dp.WrapKeyErr(cfgKeyPrimaryURL, fmt.Errorf("primary store URL must be set"))
	}
	if c.PerSecondURL, err = dp.GetString(cfgKeyPerSecondURL); err != nil {
		return err
	}

	if c.PoolSize, err = dp.GetInt(cfgKeyPoolSize); err != nil {
		return err
	}
	if c.PoolSize <= 0 {
		return dp.WrapKeyErr(cfgKeyPoolSize, fmt.Errorf("poolSize must be positive"))
	}

	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyPoolWaitTimeout); err != nil {
		return err
	}
	c.PoolWaitTimeout = config.TimeDuration(dur)

	if dur, err = dp.GetDuration(cfgKeyDeadline); err != nil {
		return err
	}
	c.Deadline = config.TimeDuration(dur)

	if err = c.TLS.set(dp); err != nil {
		return err
	}
	if err = c.DNSResolver.set(dp); err != nil {
		return err
	}
	if err = c.Reconnect.set(dp); err != nil {
		return err
	}

	return nil
}

func (t *TLSConfig) set(dp config.DataProvider) error {
	var err error
	if t.Enabled, err = dp.GetBool(cfgKeyTLSEnabled); err != nil {
		return err
	}
	if t.InsecureSkipVerify, err = dp.GetBool(cfgKeyTLSInsecureSkipVerify); err != nil {
		return err
	}
	return nil
}

func (r *DNSResolverConfig) set(dp config.DataProvider) error {
	var err error
	if r.Addrs, err = dp.GetStringSlice(cfgKeyDNSResolverAddrs); err != nil {
		return err
	}
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyDNSResolverTimeout); err != nil {
		return err
	}
	r.Timeout = config.TimeDuration(dur)
	return nil
}

func (r *ReconnectConfig) set(dp config.DataProvider) error {
	var err error
	var dur time.Duration
	if dur, err = dp.GetDuration(cfgKeyReconnectInitialBackoff); err != nil {
		return err
	}
	r.InitialBackoff = config.TimeDuration(dur)
	if r.MaxAttempts, err = dp.GetInt(cfgKeyReconnectMaxAttempts); err != nil {
		return err
	}
	if r.MaxAttempts < 0 {
		return dp.WrapKeyErr(cfgKeyReconnectMaxAttempts, fmt.Errorf("maxAttempts must not be negative"))
	}
	return nil
}
