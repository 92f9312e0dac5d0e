// Package config loads and validates ftthd's on-disk TOML configuration,
// and watches it for changes so the daemon can reload without restarting.
package config

import (
	"fmt"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/BurntSushi/toml"
)

// DefaultPath is the configuration file path used when none is given on the
// command line.
const DefaultPath = "/etc/ftthd.toml"

// Proxy modes recognized in [GlobalConfig.ProxyMode].  Only
// [ProxyModeNDPProxy] is currently honoured; "dhcpv6_pd" is reserved for a
// future prefix-delegation mode.
const (
	ProxyModeNDPProxy = "ndp_proxy"
	ProxyModeDHCPv6PD = "dhcpv6_pd"
)

// Config is the top-level on-disk configuration structure.
type Config struct {
	Interfaces InterfacesConfig `toml:"interfaces"`
	Global     GlobalConfig     `toml:"global"`
}

// validator is the interface for configuration entities that can validate
// themselves.
type validator interface {
	validate() (err error)
}

// type check
var _ validator = (*Config)(nil)

// validate implements the [validator] interface for *Config.
func (c *Config) validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	validators := container.KeyValues[string, validator]{{
		Key:   "interfaces",
		Value: &c.Interfaces,
	}, {
		Key:   "global",
		Value: &c.Global,
	}}

	for _, kv := range validators {
		if err = kv.Value.validate(); err != nil {
			return fmt.Errorf("%s: %w", kv.Key, err)
		}
	}

	return nil
}

// InterfacesConfig is the on-disk `[interfaces]` section.
type InterfacesConfig struct {
	Upstream    string   `toml:"upstream"`
	Downstreams []string `toml:"downstreams"`
}

// type check
var _ validator = (*InterfacesConfig)(nil)

// validate implements the [validator] interface for *InterfacesConfig.
func (c *InterfacesConfig) validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	if c.Upstream == "" {
		return fmt.Errorf("upstream: %w", errors.ErrEmptyValue)
	}

	if len(c.Downstreams) == 0 {
		return fmt.Errorf("downstreams: %w", errors.ErrEmptyValue)
	}

	for _, d := range c.Downstreams {
		if d == "" {
			return fmt.Errorf("downstreams: %w", errors.ErrEmptyValue)
		}

		if d == c.Upstream {
			return fmt.Errorf("downstreams: %q: %w", d, errUpstreamRepeated)
		}
	}

	return nil
}

// errUpstreamRepeated is returned when the upstream interface also appears
// in the downstream list.
const errUpstreamRepeated errors.Error = "upstream interface repeated in downstreams"

// GlobalConfig is the on-disk `[global]` section.
type GlobalConfig struct {
	ProxyMode string `toml:"proxy_mode"`
}

// type check
var _ validator = (*GlobalConfig)(nil)

// validate implements the [validator] interface for *GlobalConfig.
func (c *GlobalConfig) validate() (err error) {
	if c == nil {
		return errors.ErrNoValue
	}

	switch c.ProxyMode {
	case ProxyModeNDPProxy, ProxyModeDHCPv6PD:
		return nil
	default:
		return fmt.Errorf("proxy_mode: %w: %q", errors.ErrBadEnumValue, c.ProxyMode)
	}
}

// Read decodes and validates the configuration file at path.
func Read(path string) (c *Config, err error) {
	c = &Config{}

	_, err = toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err = c.validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}

	return c, nil
}
