//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package config

import (
	"bytes"
	"io/ioutil"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nestybox/cachefs/domain"
	"github.com/nestybox/cachefs/handler"
)

const (
	DefaultRedisAddress = "127.0.0.1:6379"
	DefaultRedisTimeout = 1500 * time.Millisecond
	DefaultAttrSuffix   = "α"
	DefaultListSuffix   = "β"
	DefaultCacheDir     = "/var/cache/cachefs"
	DefaultFetchTimeout = 30 * time.Second
	DefaultLog          = "/dev/stdout"
	DefaultLogLevel     = "info"
)

// Log levels accepted by the 'log-level' setting.
var LogLevels = []string{"debug", "info", "warning", "error", "fatal"}

// Config holds cachefs' settings. Settings may be provided through a yaml
// file, environment variables or command-line flags; the latter take
// precedence.
type Config struct {
	MountPoint      string        `yaml:"mountpoint"`
	URLRoot         string        `yaml:"url-root"`
	RedisAddress    string        `yaml:"redis-address"`
	RedisPassword   string        `yaml:"redis-password"`
	RedisDB         int           `yaml:"redis-db"`
	RedisTimeout    time.Duration `yaml:"redis-timeout"`
	AttrSuffix      string        `yaml:"attr-suffix"`
	ListSuffix      string        `yaml:"list-suffix"`
	CacheDir        string        `yaml:"cache-dir"`
	FetchPolicy     string        `yaml:"fetch-policy"`
	FetchTimeout    time.Duration `yaml:"fetch-timeout"`
	ProbeFilter     []string      `yaml:"probe-filter"`
	StrictErrors    bool          `yaml:"strict-errors"`
	AllowOther      bool          `yaml:"allow-other"`
	MetricsAddress  string        `yaml:"metrics-address"`
	Log             string        `yaml:"log"`
	LogLevel        string        `yaml:"log-level"`
	CPUProfiling    bool          `yaml:"cpu-profiling"`
	MemoryProfiling bool          `yaml:"memory-profiling"`
}

// Default returns the settings utilized when nothing else is specified. The
// url-root has no default and must always be provided. An empty probe-filter
// disables probe short-circuiting.
func Default() Config {

	return Config{
		RedisAddress: DefaultRedisAddress,
		RedisTimeout: DefaultRedisTimeout,
		AttrSuffix:   DefaultAttrSuffix,
		ListSuffix:   DefaultListSuffix,
		CacheDir:     DefaultCacheDir,
		FetchPolicy:  string(domain.FetchSync),
		FetchTimeout: DefaultFetchTimeout,
		ProbeFilter:  append([]string(nil), handler.DefaultProbeFilter...),
		Log:          DefaultLog,
		LogLevel:     DefaultLogLevel,
	}
}

// Load reads the yaml config file at the given path. Settings absent from the
// file keep their default value; unknown settings are rejected.
func Load(path string) (Config, error) {

	cfg := Default()

	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "could not read config file %s", path)
	}

	if err := Parse(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "invalid config file %s", path)
	}

	return cfg, nil
}

// Parse decodes a yaml document on top of the given settings.
func Parse(buf []byte, cfg *Config) error {

	if len(bytes.TrimSpace(buf)) == 0 {
		return nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	return dec.Decode(cfg)
}

// Validate reports every invalid setting found.
func (c *Config) Validate() error {

	var result *multierror.Error

	if c.URLRoot == "" {
		result = multierror.Append(result, errors.New("url-root must be provided"))
	}
	if c.RedisAddress == "" {
		result = multierror.Append(result, errors.New("redis-address must be provided"))
	}
	if c.RedisDB < 0 {
		result = multierror.Append(result, errors.Errorf("invalid redis-db %d", c.RedisDB))
	}
	if c.RedisTimeout <= 0 {
		result = multierror.Append(result, errors.New("redis-timeout must be positive"))
	}
	if c.FetchTimeout <= 0 {
		result = multierror.Append(result, errors.New("fetch-timeout must be positive"))
	}
	if c.AttrSuffix == "" || c.ListSuffix == "" {
		result = multierror.Append(result, errors.New("attr-suffix and list-suffix must be provided"))
	} else if c.AttrSuffix == c.ListSuffix {
		result = multierror.Append(result, errors.New("attr-suffix and list-suffix must differ"))
	}

	switch domain.FetchPolicy(c.FetchPolicy) {
	case domain.FetchSync, domain.FetchEagain:
	default:
		result = multierror.Append(result,
			errors.Errorf("fetch-policy '%s' not recognized", c.FetchPolicy))
	}

	if !validLogLevel(c.LogLevel) {
		result = multierror.Append(result,
			errors.Errorf("log-level option '%s' not recognized", c.LogLevel))
	}

	return result.ErrorOrNil()
}

// StoreOptions returns the metadata store settings.
func (c *Config) StoreOptions() domain.StoreOptions {

	return domain.StoreOptions{
		Address:    c.RedisAddress,
		Password:   c.RedisPassword,
		DB:         c.RedisDB,
		Timeout:    c.RedisTimeout,
		AttrSuffix: c.AttrSuffix,
		ListSuffix: c.ListSuffix,
	}
}

func validLogLevel(level string) bool {

	for _, l := range LogLevels {
		if l == level {
			return true
		}
	}

	return false
}
