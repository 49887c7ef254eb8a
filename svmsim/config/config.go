// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for svmsim. Each setting is a flag and may also be set in a TOML file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mohae/deepcopy"
	"gvisor.dev/gpusvm/pkg/log"
	"gvisor.dev/gpusvm/pkg/svm"
)

// Config holds configuration that is not part of a scenario.
//
// Fields tagged with "flag" are populated from the flag of that name. Fields
// tagged with "toml" may also be set by the file named by --config; flags
// given explicitly on the command line take precedence over the file.
type Config struct {
	// ConfigFile is the path of a TOML file with further settings.
	ConfigFile string `flag:"config"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format" toml:"log_format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// PollInterval is the delay between reads of the replay status
	// register.
	PollInterval time.Duration `flag:"poll-interval" toml:"poll_interval"`

	// MaxRetries bounds the restarts of one fault window.
	MaxRetries int `flag:"max-retries" toml:"max_retries"`

	// MaxHoleSize is the largest accepted device aperture, in bytes.
	MaxHoleSize uint64 `flag:"max-hole-size" toml:"max_hole_size"`

	// Entries is the default fault-buffer capacity of simulated devices.
	Entries uint `flag:"entries" toml:"entries"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval %v must not be negative", c.PollInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries %d must not be negative", c.MaxRetries)
	}
	if c.Entries < 2 || c.Entries > 1<<20 {
		return fmt.Errorf("fault buffer entries %d must be in [2, %d]", c.Entries, 1<<20)
	}
	return nil
}

// Options returns the fault-servicing options selected by c.
func (c *Config) Options() svm.Options {
	return svm.Options{
		PollInterval: c.PollInterval,
		MaxHoleSize:  c.MaxHoleSize,
		MaxRetries:   c.MaxRetries,
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("Config.%s (--%s): %s", st.Field(i).Name, name, getVal(obj.Field(i)))
	}
}
