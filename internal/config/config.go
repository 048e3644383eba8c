/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutorMode selects how mix-trigger signals are dispatched.
type ExecutorMode string

const (
	// ExecutorUI marshals mix actions onto the single-threaded control queue.
	ExecutorUI ExecutorMode = "ui"
	// ExecutorThread dispatches mix actions on a dedicated worker, FIFO per device.
	ExecutorThread ExecutorMode = "thread"
	// ExecutorOff disables native trigger arming; only the progress-polling
	// fallback fires mixes.
	ExecutorOff ExecutorMode = "off"
	// ExecutorNative delegates the worker to an externally compiled plugin.
	ExecutorNative ExecutorMode = "native"
)

// PlaybackConfig covers mix execution and fade behavior.
type PlaybackConfig struct {
	MixExecutor           ExecutorMode `yaml:"mix_executor"`
	FadeSeconds           float64      `yaml:"fade_seconds"`
	MicroFadeMillis       int          `yaml:"micro_fade_millis"`
	ZeroCrossWindowMillis int          `yaml:"zero_cross_window_millis"`
}

// PreloadConfig covers next-track prefetch behavior.
type PreloadConfig struct {
	Enabled           bool    `yaml:"enabled"`
	WarmupBudgetBytes int64   `yaml:"warmup_budget_bytes"`
	RefetchSeconds    int     `yaml:"refetch_seconds"`
	LeadSeconds       float64 `yaml:"lead_seconds"`
}

// RefetchInterval is the minimum delay between warm-ups of the same path.
func (p PreloadConfig) RefetchInterval() time.Duration {
	return time.Duration(p.RefetchSeconds) * time.Second
}

// BackendConfig covers audio backend tuning knobs consumed by the core.
type BackendConfig struct {
	AsyncFileRead bool `yaml:"async_file_read"`
	// BufferMillis is the output buffer duration; smaller means lower mix
	// latency at a higher underrun risk.
	BufferMillis int `yaml:"buffer_millis"`
	SampleRate   int `yaml:"sample_rate"`
	Channels     int `yaml:"channels"`
}

// Config covers process-level configuration: an optional YAML file overlaid
// with GRIMNIR_* environment variables. Environment always wins so a
// diagnostic override never has to touch the persisted file.
type Config struct {
	Environment string `yaml:"environment"`
	MetricsBind string `yaml:"metrics_bind"`
	MediaRoot   string `yaml:"media_root"`
	PlayLogPath string `yaml:"play_log_path"`

	Playback PlaybackConfig `yaml:"playback"`
	Preload  PreloadConfig  `yaml:"preload"`
	Backend  BackendConfig  `yaml:"backend"`

	// ExecutorOverride is environment-only (never persisted): ui | thread |
	// off | native. Empty means "use the persisted playback.mix_executor".
	ExecutorOverride ExecutorMode `yaml:"-"`
	// NativeExecutorPath points at the external executor library, or at a
	// directory containing it.
	NativeExecutorPath string `yaml:"native_executor_path"`
}

// Load reads the YAML file at path (optional, "" means env-only), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = getEnvAny([]string{"GRIMNIR_PLAYOUT_CONFIG"}, "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Environment: "development",
		MetricsBind: "127.0.0.1:9100",
		MediaRoot:   "./media",
		Playback: PlaybackConfig{
			MixExecutor:           ExecutorThread,
			FadeSeconds:           3.0,
			MicroFadeMillis:       4,
			ZeroCrossWindowMillis: 5,
		},
		Preload: PreloadConfig{
			Enabled:           true,
			WarmupBudgetBytes: 32 * 1024 * 1024,
			RefetchSeconds:    60,
			LeadSeconds:       10,
		},
		Backend: BackendConfig{
			AsyncFileRead: true,
			BufferMillis:  20,
			SampleRate:    48000,
			Channels:      2,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Environment = getEnvAny([]string{"GRIMNIR_ENV"}, cfg.Environment)
	cfg.MetricsBind = getEnvAny([]string{"GRIMNIR_METRICS_BIND"}, cfg.MetricsBind)
	cfg.MediaRoot = getEnvAny([]string{"GRIMNIR_MEDIA_ROOT"}, cfg.MediaRoot)
	cfg.PlayLogPath = getEnvAny([]string{"GRIMNIR_PLAY_LOG_PATH"}, cfg.PlayLogPath)

	cfg.Playback.MixExecutor = ExecutorMode(getEnvAny([]string{"GRIMNIR_MIX_EXECUTOR"}, string(cfg.Playback.MixExecutor)))
	cfg.Playback.FadeSeconds = getEnvFloatAny([]string{"GRIMNIR_FADE_SECONDS"}, cfg.Playback.FadeSeconds)
	cfg.Playback.MicroFadeMillis = getEnvIntAny([]string{"GRIMNIR_MICRO_FADE_MILLIS"}, cfg.Playback.MicroFadeMillis)
	cfg.Playback.ZeroCrossWindowMillis = getEnvIntAny([]string{"GRIMNIR_ZERO_CROSS_WINDOW_MILLIS"}, cfg.Playback.ZeroCrossWindowMillis)

	cfg.Preload.Enabled = getEnvBoolAny([]string{"GRIMNIR_PRELOAD_ENABLED"}, cfg.Preload.Enabled)
	if mb := getEnvIntAny([]string{"GRIMNIR_PRELOAD_WARMUP_MB"}, 0); mb > 0 {
		cfg.Preload.WarmupBudgetBytes = int64(mb) * 1024 * 1024
	}
	cfg.Preload.RefetchSeconds = getEnvIntAny([]string{"GRIMNIR_PRELOAD_REFETCH_SECONDS"}, cfg.Preload.RefetchSeconds)

	cfg.Backend.AsyncFileRead = getEnvBoolAny([]string{"GRIMNIR_ASYNC_FILE_READ"}, cfg.Backend.AsyncFileRead)
	cfg.Backend.BufferMillis = getEnvIntAny([]string{"GRIMNIR_BUFFER_MILLIS"}, cfg.Backend.BufferMillis)
	cfg.Backend.SampleRate = getEnvIntAny([]string{"GRIMNIR_SAMPLE_RATE"}, cfg.Backend.SampleRate)
	cfg.Backend.Channels = getEnvIntAny([]string{"GRIMNIR_CHANNELS"}, cfg.Backend.Channels)

	cfg.ExecutorOverride = ExecutorMode(getEnvAny([]string{"GRIMNIR_MIX_EXECUTOR_OVERRIDE"}, string(cfg.ExecutorOverride)))
	cfg.NativeExecutorPath = getEnvAny([]string{"GRIMNIR_MIX_EXECUTOR_LIBRARY_PATH"}, cfg.NativeExecutorPath)
}

func validate(cfg *Config) error {
	switch cfg.Playback.MixExecutor {
	case ExecutorUI, ExecutorThread:
	default:
		return fmt.Errorf("unsupported playback.mix_executor %q", cfg.Playback.MixExecutor)
	}
	switch cfg.ExecutorOverride {
	case "", ExecutorUI, ExecutorThread, ExecutorOff, ExecutorNative:
	default:
		return fmt.Errorf("unsupported GRIMNIR_MIX_EXECUTOR_OVERRIDE %q", cfg.ExecutorOverride)
	}
	if cfg.Backend.BufferMillis <= 0 {
		return fmt.Errorf("backend.buffer_millis must be positive, got %d", cfg.Backend.BufferMillis)
	}
	if cfg.Backend.SampleRate <= 0 || cfg.Backend.Channels <= 0 {
		return fmt.Errorf("backend sample_rate and channels must be positive")
	}
	if cfg.Preload.WarmupBudgetBytes < 0 {
		return fmt.Errorf("preload.warmup_budget_bytes must not be negative")
	}
	return nil
}

// EffectiveExecutorMode resolves the diagnostic override against the
// persisted setting.
func (c *Config) EffectiveExecutorMode() ExecutorMode {
	if c.ExecutorOverride != "" {
		return c.ExecutorOverride
	}
	return c.Playback.MixExecutor
}

// BlockFrames converts the configured buffer duration into frames at the
// configured sample rate.
func (c *Config) BlockFrames() int {
	frames := c.Backend.SampleRate * c.Backend.BufferMillis / 1000
	if frames <= 0 {
		frames = 1024
	}
	return frames
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
