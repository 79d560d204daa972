// Package config loads the erasure-code profile and storage settings.
//
// Settings come from an optional YAML file and are then overridden by
// environment variables prefixed with ECSTRIPE, e.g. ECSTRIPE_PROFILE_K or
// ECSTRIPE_DATA_DIR. Lists are comma separated.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kunal-geeks/ecstripe/internal/bufferlist"
	"github.com/kunal-geeks/ecstripe/internal/ecutil"
	"github.com/kunal-geeks/ecstripe/internal/erasure"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ECSTRIPE"

// PluginReedSolomon is the only erasure-code plugin built in.
const PluginReedSolomon = "reedsolomon"

// Profile describes the stripe geometry and the erasure code.
type Profile struct {
	K         int    `yaml:"k" envconfig:"K"`
	M         int    `yaml:"m" envconfig:"M"`
	ChunkSize uint64 `yaml:"chunk_size" envconfig:"CHUNK_SIZE"`
	// ChunkMapping[raw] is the shard id storing raw chunk position raw.
	ChunkMapping []int  `yaml:"chunk_mapping" envconfig:"CHUNK_MAPPING"`
	Plugin       string `yaml:"plugin" envconfig:"PLUGIN"`
}

// Config is the full configuration of ectool.
type Config struct {
	Profile  Profile `yaml:"profile" envconfig:"PROFILE"`
	DataDir  string  `yaml:"data_dir" envconfig:"DATA_DIR"`
	LogLevel string  `yaml:"log_level" envconfig:"LOG_LEVEL"`
	// DirectIO opens shard files with O_DIRECT where supported.
	DirectIO bool `yaml:"direct_io" envconfig:"DIRECT_IO"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Profile: Profile{
			K:         4,
			M:         2,
			ChunkSize: 4096,
			Plugin:    PluginReedSolomon,
		},
		DataDir:  "ecstripe-data",
		LogLevel: "info",
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Load: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("Load: parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("Load: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Profile.Validate(); err != nil {
		return err
	}
	if c.DataDir == "" {
		return errors.New("Config: data_dir must be set")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("Config: %w", err)
	}
	return nil
}

// Logger returns a logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

// Validate checks that the profile makes sense.
func (p Profile) Validate() error {
	if p.Plugin != PluginReedSolomon {
		return fmt.Errorf("Profile: unknown plugin %q", p.Plugin)
	}
	if p.ChunkSize == 0 || bits.OnesCount64(p.ChunkSize) != 1 {
		return fmt.Errorf("Profile: chunk_size %d must be a power of two", p.ChunkSize)
	}
	if p.ChunkSize%bufferlist.SIMDAlign != 0 {
		return fmt.Errorf("Profile: chunk_size %d must be a multiple of %d", p.ChunkSize, bufferlist.SIMDAlign)
	}
	if err := p.ErasureParams().Validate(); err != nil {
		return fmt.Errorf("Profile: %w", err)
	}
	return nil
}

// ErasureParams returns the erasure-code parameters of the profile.
func (p Profile) ErasureParams() erasure.Params {
	var mapping []int
	if len(p.ChunkMapping) > 0 {
		mapping = p.ChunkMapping
	}
	return erasure.Params{DataShards: p.K, ParityShards: p.M, ChunkMapping: mapping}
}

// NewCode builds the profile's erasure code and the stripe geometry it
// implies.
func (p Profile) NewCode() (ecutil.ErasureCode, *ecutil.StripeInfo, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}
	code, err := erasure.New(p.ErasureParams())
	if err != nil {
		return nil, nil, fmt.Errorf("NewCode: %w", err)
	}
	sinfo, err := ecutil.StripeInfoFor(code, p.ChunkSize)
	if err != nil {
		return nil, nil, fmt.Errorf("NewCode: %w", err)
	}
	return code, sinfo, nil
}
