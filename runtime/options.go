package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	goruntime "runtime"

	"github.com/xyproto/env/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/sbl8/tapeworks/backend"
)

// NoHoist disables hoisting when used as MaxCommandsPerSplittableChunk.
const NoHoist = math.MaxInt

// Options configures an Engine.
type Options struct {
	// Workers bounds the goroutines used for parallel chunks and the parallel
	// destination flush.
	Workers int
	// MaxCommandsPerSplittableChunk is the hoist threshold. NoHoist disables
	// hoisting.
	MaxCommandsPerSplittableChunk int
	// DisableAdvancedFeatures records flat programs without ordered ports,
	// nesting or replay. It is the baseline mode for comparisons.
	DisableAdvancedFeatures bool
	// MinUses and MaxLocals configure the local variable planner.
	MinUses   int
	MaxLocals int
	// FallbackThreshold sends leaves shorter than this to the Interpreter
	// whatever kind was requested.
	FallbackThreshold int
	// ParallelFlush accumulates destinations on several workers.
	ParallelFlush bool
	EnableStats   bool

	Logger *slog.Logger
	Tracer trace.Tracer
}

// DefaultOptions provides sensible runtime defaults.
func DefaultOptions() Options {
	planner := backend.DefaultPlannerOptions()
	return Options{
		Workers:                       goruntime.NumCPU(),
		MaxCommandsPerSplittableChunk: 64,
		MinUses:                       planner.MinUses,
		MaxLocals:                     planner.MaxLocals,
		FallbackThreshold:             0,
		ParallelFlush:                 true,
		EnableStats:                   true,
	}
}

// FromEnv returns o with TAPEWORKS_* environment overrides applied.
func (o Options) FromEnv() Options {
	o.Workers = env.Int("TAPEWORKS_WORKERS", o.Workers)
	o.MaxLocals = env.Int("TAPEWORKS_MAX_LOCALS", o.MaxLocals)
	o.MinUses = env.Int("TAPEWORKS_MIN_USES", o.MinUses)
	o.MaxCommandsPerSplittableChunk = env.Int("TAPEWORKS_HOIST_THRESHOLD", o.MaxCommandsPerSplittableChunk)
	o.FallbackThreshold = env.Int("TAPEWORKS_FALLBACK_THRESHOLD", o.FallbackThreshold)
	if env.Bool("TAPEWORKS_DISABLE_ADVANCED") {
		o.DisableAdvancedFeatures = true
	}
	return o
}

func (o Options) planner() backend.PlannerOptions {
	return backend.PlannerOptions{MinUses: o.MinUses, MaxLocals: o.MaxLocals}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (o Options) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return otel.Tracer("github.com/sbl8/tapeworks/runtime")
}

func (o Options) workers() int {
	if o.Workers < 1 {
		return 1
	}
	return o.Workers
}

// Config is the YAML form of Options. Absent keys leave the corresponding
// option unchanged.
type Config struct {
	Workers                       *int   `yaml:"workers"`
	MaxCommandsPerSplittableChunk *int   `yaml:"max_commands_per_splittable_chunk"`
	DisableAdvancedFeatures       *bool  `yaml:"disable_advanced_features"`
	MinUses                       *int   `yaml:"min_uses"`
	MaxLocals                     *int   `yaml:"max_locals"`
	FallbackThreshold             *int   `yaml:"fallback_threshold"`
	ParallelFlush                 *bool  `yaml:"parallel_flush"`
	EnableStats                   *bool  `yaml:"enable_stats"`
	Executor                      string `yaml:"executor"`
}

// LoadConfig reads a YAML configuration file. Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig decodes a YAML configuration.
func ParseConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Executor != "" {
		if _, err := backend.ParseKind(cfg.Executor); err != nil {
			return nil, fmt.Errorf("config executor: %w", err)
		}
	}
	return &cfg, nil
}

// Apply copies the keys present in c onto o.
func (c *Config) Apply(o *Options) {
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setBool := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	setInt(&o.Workers, c.Workers)
	setInt(&o.MaxCommandsPerSplittableChunk, c.MaxCommandsPerSplittableChunk)
	setBool(&o.DisableAdvancedFeatures, c.DisableAdvancedFeatures)
	setInt(&o.MinUses, c.MinUses)
	setInt(&o.MaxLocals, c.MaxLocals)
	setInt(&o.FallbackThreshold, c.FallbackThreshold)
	setBool(&o.ParallelFlush, c.ParallelFlush)
	setBool(&o.EnableStats, c.EnableStats)
}

// Kind returns the configured executor kind, or def when none is set.
func (c *Config) Kind(def backend.Kind) backend.Kind {
	if c.Executor == "" {
		return def
	}
	k, err := backend.ParseKind(c.Executor)
	if err != nil {
		return def
	}
	return k
}
