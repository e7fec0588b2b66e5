// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package config loads the plugin configuration file.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/netplug/netplug/firewall"
	"github.com/kata-containers/netplug/pkg/rootless"
)

const (
	// DefaultConfigPath is read when no other file is given.
	DefaultConfigPath = "/etc/kata-netplug/config.toml"

	defaultLockDir  = "/run/lock/kata-netplug"
	lockFileName    = "firewall.lock"
	rootlessLockDir = "kata-netplug"

	defaultLogLevel = "warn"
)

// Config is the content of the configuration file.
type Config struct {
	Firewall FirewallConfig `toml:"firewall"`
	Log      LogConfig      `toml:"log"`
	Trace    TraceConfig    `toml:"trace"`
}

// FirewallConfig selects the firewall backend.
type FirewallConfig struct {
	// Driver is one of iptables, nftables, none or auto.
	Driver string `toml:"driver"`

	// LockPath is the file serializing rule changes across processes.
	LockPath string `toml:"lock_path"`
}

// LogConfig sets the verbosity of the logs written to stderr.
type LogConfig struct {
	Level string `toml:"level"`
}

// TraceConfig turns on opentracing spans for each command.
type TraceConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Firewall: FirewallConfig{
			Driver:   firewall.NameAuto,
			LockPath: DefaultLockPath(),
		},
		Log: LogConfig{
			Level: defaultLogLevel,
		},
	}
}

// DefaultLockPath returns the firewall lock file, under the user runtime
// directory when running rootless.
func DefaultLockPath() string {
	if rootless.IsRootless() {
		return filepath.Join(rootless.RuntimeDir(), rootlessLockDir, lockFileName)
	}
	return filepath.Join(defaultLockDir, lockFileName)
}

// Load reads the configuration at path. A missing file yields the
// defaults; unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not read configuration %s", path)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode configuration %s", path)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		var keys []string
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid configuration %s", path)
	}

	return cfg, nil
}

// Validate checks the values of the configuration and fills in the
// defaults of empty fields.
func (c *Config) Validate() error {
	switch c.Firewall.Driver {
	case "":
		c.Firewall.Driver = firewall.NameAuto
	case firewall.NameAuto, firewall.NameIptables, firewall.NameNftables, firewall.NameNone:
	default:
		return fmt.Errorf("unknown firewall driver %q", c.Firewall.Driver)
	}

	if c.Firewall.LockPath == "" {
		c.Firewall.LockPath = DefaultLockPath()
	}
	if !filepath.IsAbs(c.Firewall.LockPath) {
		return fmt.Errorf("lock path %q is not absolute", c.Firewall.LockPath)
	}

	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.WarnLevel
	}
	return level
}
