// Package config loads the fsp configuration file. The file is YAML or JSON;
// command-line flags override its values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danceos/fail-sub001/internal/faultspace"
	"github.com/danceos/fail-sub001/internal/fieldcodec"
	"github.com/danceos/fail-sub001/internal/prune"
	"github.com/danceos/fail-sub001/internal/store"
	"github.com/danceos/fail-sub001/internal/trace"
)

// Store configures the database.
type Store struct {
	Path          string `json:"path" yaml:"path"`
	BusyTimeoutMS int    `json:"busy_timeout_ms,omitempty" yaml:"busy_timeout_ms,omitempty"`
}

// Import configures trace import.
type Import struct {
	Variant           string             `json:"variant" yaml:"variant"`
	Benchmark         string             `json:"benchmark" yaml:"benchmark"`
	Trace             string             `json:"trace" yaml:"trace"`
	Format            string             `json:"format,omitempty" yaml:"format,omitempty"` // auto, proto or jsonl
	MemoryMap         string             `json:"memory_map,omitempty" yaml:"memory_map,omitempty"`
	RightMargin       string             `json:"right_margin" yaml:"right_margin"` // R or W, no default
	FlushEvery        int                `json:"flush_every,omitempty" yaml:"flush_every,omitempty"`
	MaxDecodeFailures int                `json:"max_decode_failures,omitempty" yaml:"max_decode_failures,omitempty"`
	Areas             []faultspace.Area  `json:"areas,omitempty" yaml:"areas,omitempty"`
	Aux               []fieldcodec.Field `json:"aux,omitempty" yaml:"aux,omitempty"`
}

// Prune configures pilot selection.
type Prune struct {
	Method            string   `json:"method" yaml:"method"`
	SampleSize        int      `json:"samplesize" yaml:"samplesize"`
	Incremental       bool     `json:"incremental,omitempty" yaml:"incremental,omitempty"`
	UseKnownResults   bool     `json:"use_known_results,omitempty" yaml:"use_known_results,omitempty"`
	NoWeighting       bool     `json:"no_weighting,omitempty" yaml:"no_weighting,omitempty"`
	Seed              uint64   `json:"seed,omitempty" yaml:"seed,omitempty"`
	Parallel          int      `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Variants          []string `json:"variants,omitempty" yaml:"variants,omitempty"`
	Benchmarks        []string `json:"benchmarks,omitempty" yaml:"benchmarks,omitempty"`
	ExcludeVariants   []string `json:"exclude_variants,omitempty" yaml:"exclude_variants,omitempty"`
	ExcludeBenchmarks []string `json:"exclude_benchmarks,omitempty" yaml:"exclude_benchmarks,omitempty"`
}

// Config is the whole configuration file.
type Config struct {
	Store  Store  `json:"store" yaml:"store"`
	Import Import `json:"import" yaml:"import"`
	Prune  Prune  `json:"prune" yaml:"prune"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store: Store{Path: store.DefaultDBPath},
		Import: Import{
			Format:     trace.FormatAuto,
			FlushEvery: store.DefaultFlushEvery,
		},
		Prune: Prune{
			Method:     prune.MethodBasic,
			SampleSize: prune.DefaultSampleSize,
			Parallel:   1,
		},
	}
}

// LoadFromPath reads a config file (YAML or JSON) over the defaults.
// Format is detected by extension (.yaml/.yml or .json), else by content.
func LoadFromPath(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Load(data, filepath.Ext(path))
}

// Load parses config bytes over the defaults. ext is the file extension
// used as a format hint; empty detects from content.
func Load(data []byte, ext string) (Config, error) {
	c := Default()
	ext = strings.ToLower(ext)
	if ext == ".yml" {
		ext = ".yaml"
	}
	if ext == "" && strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		ext = ".json"
	}
	if ext == ".json" {
		if err := json.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config json: %w", err)
		}
		return c, nil
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config yaml: %w", err)
	}
	return c, nil
}

// RightMarginType parses Import.RightMargin.
func (c Config) RightMarginType() (trace.AccessType, error) {
	if c.Import.RightMargin == "" {
		return 0, errors.New("import.right_margin is required (R or W)")
	}
	a, err := trace.ParseAccessType(c.Import.RightMargin)
	if err != nil {
		return 0, fmt.Errorf("import.right_margin: %w", err)
	}
	return a, nil
}

// ValidateImport checks the settings an import needs.
func (c Config) ValidateImport() error {
	var errs []error
	if c.Import.Variant == "" {
		errs = append(errs, errors.New("import.variant is required"))
	}
	if c.Import.Benchmark == "" {
		errs = append(errs, errors.New("import.benchmark is required"))
	}
	if c.Import.Trace == "" {
		errs = append(errs, errors.New("import.trace is required"))
	}
	if _, err := c.RightMarginType(); err != nil {
		errs = append(errs, err)
	}
	switch c.Import.Format {
	case "", trace.FormatAuto, trace.FormatProto, trace.FormatJSONL:
	default:
		errs = append(errs, fmt.Errorf("import.format %q is not auto, proto or jsonl", c.Import.Format))
	}
	if c.Import.FlushEvery < 0 || c.Import.MaxDecodeFailures < 0 {
		errs = append(errs, errors.New("import.flush_every and import.max_decode_failures must not be negative"))
	}
	for _, f := range c.Import.Aux {
		if err := f.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("import.aux: %w", err))
		}
	}
	if _, err := faultspace.NewSpace(c.Import.Areas...); err != nil {
		errs = append(errs, fmt.Errorf("import.areas: %w", err))
	}
	return errors.Join(errs...)
}

// ValidatePrune checks the pruning settings.
func (c Config) ValidatePrune() error {
	var errs []error
	if _, err := prune.New(c.Prune.Method, c.PruneOptions()); err != nil {
		errs = append(errs, fmt.Errorf("prune: %w", err))
	}
	if c.Prune.SampleSize < 1 {
		errs = append(errs, errors.New("prune.samplesize must be positive"))
	}
	if c.Prune.Parallel < 1 {
		errs = append(errs, errors.New("prune.parallel must be at least 1"))
	}
	return errors.Join(errs...)
}

// StoreOptions derives the store options.
func (c Config) StoreOptions() store.Options {
	return store.Options{
		BusyTimeout: time.Duration(c.Store.BusyTimeoutMS) * time.Millisecond,
		Aux:         c.Import.Aux,
	}
}

// PruneOptions derives the pruner options.
func (c Config) PruneOptions() prune.Options {
	return prune.Options{
		SampleSize:      c.Prune.SampleSize,
		Incremental:     c.Prune.Incremental,
		UseKnownResults: c.Prune.UseKnownResults,
		NoWeighting:     c.Prune.NoWeighting,
		Seed:            c.Prune.Seed,
	}
}

// VariantFilter derives the variant selection of a pruning run.
func (c Config) VariantFilter() store.VariantFilter {
	return store.VariantFilter{
		Variants:          c.Prune.Variants,
		Benchmarks:        c.Prune.Benchmarks,
		ExcludeVariants:   c.Prune.ExcludeVariants,
		ExcludeBenchmarks: c.Prune.ExcludeBenchmarks,
	}
}
