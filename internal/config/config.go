// Package config reads rvjit run settings from a YAML file and the
// environment and turns them into a vm.Config.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/rvjit/internal/jit"
	"github.com/tinyrange/rvjit/internal/rv64"
	"github.com/tinyrange/rvjit/internal/timeslice"
	"github.com/tinyrange/rvjit/internal/vm"
)

const (
	DefaultFilename = "rvjit.yaml"

	DefaultMemoryMB = rv64.DefaultRAMSize >> 20
	DefaultCodeKB   = jit.DefaultCodeSize >> 10
)

// Environment overrides, applied after the file.
const (
	EnvMode     = "RVJIT_MODE"
	EnvMemoryMB = "RVJIT_MEMORY_MB"
	EnvCodeKB   = "RVJIT_CODE_KB"
	EnvVerbose  = "RVJIT_VERBOSE"
)

type Config struct {
	Version int    `yaml:"version"`
	Mode    string `yaml:"mode"`
	// Native allows the JIT to generate and run host code.
	Native     bool   `yaml:"native"`
	Compressed bool   `yaml:"compressed,omitempty"`
	MemoryMB   uint64 `yaml:"memoryMB"`
	// LoadAddress is where raw images are placed. ELF files carry their
	// own addresses.
	LoadAddress       uint64 `yaml:"loadAddress,omitempty"`
	SliceInstructions uint64 `yaml:"sliceInstructions,omitempty"`
	Verbose           bool   `yaml:"verbose,omitempty"`
	// Profile names a timeslice trace file to write.
	Profile string `yaml:"profile,omitempty"`

	JIT     JITConfig     `yaml:"jit"`
	Console ConsoleConfig `yaml:"console"`
}

type JITConfig struct {
	CodeKB               int  `yaml:"codeKB"`
	MaxBlocks            int  `yaml:"maxBlocks,omitempty"`
	MaxBlockInstructions int  `yaml:"maxBlockInstructions,omitempty"`
	LookupSize           int  `yaml:"lookupSize,omitempty"`
	ResetOnExhaustion    bool `yaml:"resetOnExhaustion,omitempty"`
	VerifyBlocks         bool `yaml:"verifyBlocks,omitempty"`
}

type ConsoleConfig struct {
	// Surface mirrors the MMIO text surface onto the host terminal.
	Surface bool `yaml:"surface,omitempty"`
	Cols    int  `yaml:"cols,omitempty"`
	Rows    int  `yaml:"rows,omitempty"`
	// Raw puts the host terminal in raw mode so keys reach the guest
	// unbuffered.
	Raw bool `yaml:"raw,omitempty"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	c := Config{Native: true}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Mode == "" {
		c.Mode = vm.ModeAuto.String()
	}
	if c.MemoryMB == 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.LoadAddress == 0 {
		c.LoadAddress = rv64.RAMBase
	}
	if c.SliceInstructions == 0 {
		c.SliceInstructions = vm.DefaultSliceInstructions
	}
	if c.JIT.CodeKB == 0 {
		c.JIT.CodeKB = DefaultCodeKB
	}
}

// applyEnv re-reads the process environment first; env caches it.
func (c *Config) applyEnv() {
	env.Load()
	c.Mode = env.Str(EnvMode, c.Mode)
	c.MemoryMB = uint64(env.Int(EnvMemoryMB, int(c.MemoryMB)))
	c.JIT.CodeKB = env.Int(EnvCodeKB, c.JIT.CodeKB)
	if env.Has(EnvVerbose) {
		c.Verbose = env.Bool(EnvVerbose)
	}
}

// Validate checks the settings that New would otherwise reject later.
func (c *Config) Validate() error {
	if _, err := vm.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MemoryMB > 1<<14 {
		return fmt.Errorf("config: memoryMB %d is larger than 16GiB", c.MemoryMB)
	}
	if c.JIT.CodeKB < 0 || c.JIT.CodeKB > 1<<20 {
		return fmt.Errorf("config: jit.codeKB %d out of range", c.JIT.CodeKB)
	}
	if err := c.Layout().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Load reads path, or only the defaults when path is empty, then applies
// the environment.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		c.normalize()
	}
	c.applyEnv()
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WriteTemplate writes c, with defaults filled in, as YAML.
func WriteTemplate(w io.Writer, c Config) error {
	c.normalize()
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return nil
}

func (c *Config) Layout() rv64.Layout {
	l := rv64.DefaultLayout()
	l.RAMSize = c.MemoryMB << 20
	return l
}

// VM converts the settings. trap, logger and profile come from the caller.
func (c *Config) VM(trap rv64.TrapHandler, logger *slog.Logger, profile *timeslice.Recorder) (vm.Config, error) {
	mode, err := vm.ParseMode(c.Mode)
	if err != nil {
		return vm.Config{}, fmt.Errorf("config: %w", err)
	}
	return vm.Config{
		Layout:            c.Layout(),
		Mode:              mode,
		Native:            c.Native,
		Compressed:        c.Compressed,
		Trap:              trap,
		SliceInstructions: c.SliceInstructions,
		JIT: jit.Config{
			CodeSize:             c.JIT.CodeKB << 10,
			MaxBlocks:            c.JIT.MaxBlocks,
			MaxBlockInstructions: c.JIT.MaxBlockInstructions,
			LookupSize:           c.JIT.LookupSize,
			ResetOnExhaustion:    c.JIT.ResetOnExhaustion,
			VerifyBlocks:         c.JIT.VerifyBlocks,
		},
		Logger:  logger,
		Profile: profile,
	}, nil
}

// LogLevel is Debug when verbose and Info otherwise.
func (c *Config) LogLevel() slog.Level {
	if c.Verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
