// Package config assembles runtime configuration from three layers applied
// in order: built-in defaults, an optional YAML file, then VOXLOOP_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxloop/voxloop/pkg/realtime"
)

const defaultConfigPath = "voxloop.yaml"

type Config struct {
	APIKey  string
	BaseURL string

	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string
	Temperature        float64
	MaxOutputTokens    int

	VADThreshold         float64
	VADPrefixPaddingMS   int
	VADSilenceDurationMS int

	// Cadence of microphone chunk emission.
	ChunkInterval time.Duration

	LogLevel string
}

// fileConfig mirrors the optional YAML file. Zero values mean "not set" and
// leave the default in place.
type fileConfig struct {
	BaseURL              string  `yaml:"base_url"`
	Model                string  `yaml:"model"`
	Voice                string  `yaml:"voice"`
	Instructions         string  `yaml:"instructions"`
	TranscriptionModel   string  `yaml:"transcription_model"`
	Temperature          float64 `yaml:"temperature"`
	MaxOutputTokens      int     `yaml:"max_output_tokens"`
	VADThreshold         float64 `yaml:"vad_threshold"`
	VADPrefixPaddingMS   int     `yaml:"vad_prefix_padding_ms"`
	VADSilenceDurationMS int     `yaml:"vad_silence_ms"`
	ChunkIntervalMS      int     `yaml:"chunk_interval_ms"`
	LogLevel             string  `yaml:"log_level"`
}

// Load builds the effective configuration. The config file path comes from
// VOXLOOP_CONFIG; when unset, voxloop.yaml is read only if present. The API
// key is env-only and required.
func Load() (Config, error) {
	cfg := Config{
		Model:                realtime.DefaultModel,
		Voice:                realtime.DefaultVoice,
		TranscriptionModel:   realtime.DefaultTranscriptionModel,
		Temperature:          realtime.DefaultTemperature,
		MaxOutputTokens:      realtime.DefaultMaxOutputTokens,
		VADThreshold:         realtime.DefaultVADThreshold,
		VADPrefixPaddingMS:   realtime.DefaultVADPrefixPaddingMS,
		VADSilenceDurationMS: realtime.DefaultVADSilenceDurationMS,
		ChunkInterval:        400 * time.Millisecond,
		LogLevel:             "info",
	}

	path := strings.TrimSpace(os.Getenv("VOXLOOP_CONFIG"))
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	if err := applyFile(&cfg, path, explicit); err != nil {
		return Config{}, err
	}

	cfg.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.BaseURL = envOr("VOXLOOP_BASE_URL", cfg.BaseURL)
	cfg.Model = envOr("VOXLOOP_MODEL", cfg.Model)
	cfg.Voice = envOr("VOXLOOP_VOICE", cfg.Voice)
	cfg.Instructions = envOr("VOXLOOP_INSTRUCTIONS", cfg.Instructions)
	cfg.TranscriptionModel = envOr("VOXLOOP_TRANSCRIPTION_MODEL", cfg.TranscriptionModel)
	cfg.Temperature = envFloat64Or("VOXLOOP_TEMPERATURE", cfg.Temperature)
	cfg.MaxOutputTokens = envIntOr("VOXLOOP_MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens)
	cfg.VADThreshold = envFloat64Or("VOXLOOP_VAD_THRESHOLD", cfg.VADThreshold)
	cfg.VADPrefixPaddingMS = envIntOr("VOXLOOP_VAD_PREFIX_PADDING_MS", cfg.VADPrefixPaddingMS)
	cfg.VADSilenceDurationMS = envIntOr("VOXLOOP_VAD_SILENCE_MS", cfg.VADSilenceDurationMS)
	cfg.ChunkInterval = envDurationOr("VOXLOOP_CHUNK_INTERVAL", cfg.ChunkInterval)
	cfg.LogLevel = envOr("VOXLOOP_LOG_LEVEL", cfg.LogLevel)

	if cfg.APIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if cfg.Temperature < 0 {
		return Config{}, fmt.Errorf("VOXLOOP_TEMPERATURE must be >= 0")
	}
	if cfg.MaxOutputTokens <= 0 {
		return Config{}, fmt.Errorf("VOXLOOP_MAX_OUTPUT_TOKENS must be > 0")
	}
	if cfg.VADThreshold < 0 || cfg.VADThreshold > 1 {
		return Config{}, fmt.Errorf("VOXLOOP_VAD_THRESHOLD must be within [0, 1]")
	}
	if cfg.VADPrefixPaddingMS < 0 {
		return Config{}, fmt.Errorf("VOXLOOP_VAD_PREFIX_PADDING_MS must be >= 0")
	}
	if cfg.VADSilenceDurationMS < 0 {
		return Config{}, fmt.Errorf("VOXLOOP_VAD_SILENCE_MS must be >= 0")
	}
	if cfg.ChunkInterval <= 0 {
		return Config{}, fmt.Errorf("VOXLOOP_CHUNK_INTERVAL must be > 0")
	}

	return cfg, nil
}

// SessionOptions converts the loaded configuration into realtime session
// options.
func (c Config) SessionOptions() realtime.SessionOptions {
	return realtime.SessionOptions{
		Model:                c.Model,
		Voice:                c.Voice,
		Instructions:         c.Instructions,
		TranscriptionModel:   c.TranscriptionModel,
		Temperature:          c.Temperature,
		MaxOutputTokens:      c.MaxOutputTokens,
		VADThreshold:         c.VADThreshold,
		VADPrefixPaddingMS:   c.VADPrefixPaddingMS,
		VADSilenceDurationMS: c.VADSilenceDurationMS,
	}
}

func applyFile(cfg *Config, path string, explicit bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if v := strings.TrimSpace(fc.BaseURL); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(fc.Model); v != "" {
		cfg.Model = v
	}
	if v := strings.TrimSpace(fc.Voice); v != "" {
		cfg.Voice = v
	}
	if v := strings.TrimSpace(fc.Instructions); v != "" {
		cfg.Instructions = v
	}
	if v := strings.TrimSpace(fc.TranscriptionModel); v != "" {
		cfg.TranscriptionModel = v
	}
	if fc.Temperature != 0 {
		cfg.Temperature = fc.Temperature
	}
	if fc.MaxOutputTokens != 0 {
		cfg.MaxOutputTokens = fc.MaxOutputTokens
	}
	if fc.VADThreshold != 0 {
		cfg.VADThreshold = fc.VADThreshold
	}
	if fc.VADPrefixPaddingMS != 0 {
		cfg.VADPrefixPaddingMS = fc.VADPrefixPaddingMS
	}
	if fc.VADSilenceDurationMS != 0 {
		cfg.VADSilenceDurationMS = fc.VADSilenceDurationMS
	}
	if fc.ChunkIntervalMS != 0 {
		cfg.ChunkInterval = time.Duration(fc.ChunkIntervalMS) * time.Millisecond
	}
	if v := strings.TrimSpace(fc.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
