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
// for vmsim. Each setting can be changed with a flag or a TOML file.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/kernel"
)

// Config holds configuration that is not part of a scenario. Every field
// with a flag tag is set from the flag of that name.
type Config struct {
	// ConfigFile is an optional TOML file. Flags given on the command line
	// take precedence over it.
	ConfigFile string `flag:"config" toml:"-"`

	// PhysTop is the end of simulated physical memory.
	PhysTop Size `flag:"phys-top" toml:"phys_top"`

	// KernEnd is the end of the kernel image; memory below it is never
	// allocated.
	KernEnd Size `flag:"kern-end" toml:"kern_end"`

	// EarlyTop bounds the memory registered before locking is enabled.
	EarlyTop Size `flag:"early-top" toml:"early_top"`

	// CPUs is the number of simulated processors.
	CPUs int `flag:"cpus" toml:"cpus"`

	// MaxRegions limits the mmap regions of each process.
	MaxRegions int `flag:"max-regions" toml:"max_regions"`

	// MaxFDs is the size of each process's descriptor table.
	MaxFDs int `flag:"max-fds" toml:"max_fds"`

	// LogFilename is the file to log to. It may contain %TIMESTAMP%,
	// %COMMAND% and %PID%. Empty means stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`

	// MetricsFile receives metrics in Prometheus text format after the
	// command runs. "-" is stdout, empty disables the export.
	MetricsFile string `flag:"metrics" toml:"metrics"`

	// MetricsPrefix is prepended to exported metric names.
	MetricsPrefix string `flag:"metrics-prefix" toml:"metrics_prefix"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	def := kernel.DefaultConfig()

	flagSet.String("config", "", "TOML file with settings; flags given on the command line override it.")

	// Machine flags.
	flagSet.Var(sizePtr(Size(def.PhysTop)), "phys-top", "end of physical memory, e.g. 16M.")
	flagSet.Var(sizePtr(Size(def.KernEnd)), "kern-end", "end of the kernel image; frames below it are never allocated.")
	flagSet.Var(sizePtr(Size(def.EarlyTop)), "early-top", "end of the memory registered before the allocator lock is enabled.")
	flagSet.Int("cpus", def.CPUs, "number of simulated CPUs.")
	flagSet.Int("max-regions", def.MaxRegions, "maximum number of mmap regions per process.")
	flagSet.Int("max-fds", def.MaxFDs, "size of the per-process descriptor table.")

	// Debugging flags.
	flagSet.String("log", "", "file path where log messages are written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%, %PID%.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")

	// Metrics flags.
	flagSet.String("metrics", "", "file path where metrics are written in Prometheus text format after the command runs, - for stdout.")
	flagSet.String("metrics-prefix", "vmsim_", "prefix for all exported metric names.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if set, the configuration file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	set := func(fl *flag.Flag) {
		if i, ok := fieldIndex(fl.Name); ok {
			obj.Field(i).Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
		}
	}
	flagSet.VisitAll(set)
	for i := 0; i < obj.NumField(); i++ {
		name := obj.Type().Field(i).Tag.Get("flag")
		if flagSet.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
	}

	if conf.ConfigFile != "" {
		if err := conf.load(conf.ConfigFile); err != nil {
			return nil, err
		}
		flagSet.Visit(set)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// load decodes the TOML file at path over c.
func (c *Config) load(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("loading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}
	return nil
}

// fieldIndex returns the index of the Config field set by the flag name.
func fieldIndex(name string) (int, bool) {
	st := reflect.TypeOf(Config{})
	for i := 0; i < st.NumField(); i++ {
		if st.Field(i).Tag.Get("flag") == name {
			return i, true
		}
	}
	return 0, false
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be text, json, or logrus", c.LogFormat)
	}
	kc := c.KernelConfig()
	return kc.Validate()
}

// KernelConfig returns the machine settings in c.
func (c *Config) KernelConfig() kernel.Config {
	kc := kernel.DefaultConfig()
	kc.PhysTop = uint32(c.PhysTop)
	kc.KernEnd = uint32(c.KernEnd)
	kc.EarlyTop = uint32(c.EarlyTop)
	kc.CPUs = c.CPUs
	kc.MaxRegions = c.MaxRegions
	kc.MaxFDs = c.MaxFDs
	return kc
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()

	var rv []string
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name := f.Tag.Get("flag")
		rv = append(rv, fmt.Sprintf("--%s=%v", name, obj.Field(i).Interface()))
	}
	return rv
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	for _, fl := range c.ToFlags() {
		log.Infof("\t%s", strings.TrimPrefix(fl, "--"))
	}
}

// Size is a byte count that parses with an optional K or M suffix and
// prints in hex.
type Size uint32

func sizePtr(s Size) *Size {
	return &s
}

// Set implements flag.Value and flag.Getter.
func (s *Size) Set(v string) error {
	num, mult := v, uint64(1)
	switch {
	case strings.HasSuffix(v, "K"):
		num, mult = strings.TrimSuffix(v, "K"), 1<<10
	case strings.HasSuffix(v, "M"):
		num, mult = strings.TrimSuffix(v, "M"), 1<<20
	}
	n, err := strconv.ParseUint(num, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", v, err)
	}
	if n*mult > 1<<32-1 {
		return fmt.Errorf("size %q does not fit in 32 bits", v)
	}
	*s = Size(n * mult)
	return nil
}

// Get implements flag.Value and flag.Getter.
func (s *Size) Get() any {
	return *s
}

// String implements flag.Value and flag.Getter.
func (s Size) String() string {
	return fmt.Sprintf("%#x", uint32(s))
}

// UnmarshalText implements encoding.TextUnmarshaler, so sizes in a config
// file may be written as strings such as "16M".
func (s *Size) UnmarshalText(text []byte) error {
	return s.Set(string(text))
}
