package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/realtime"
)

// withCleanEnv isolates the process environment for one test.
func withCleanEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "VOXLOOP_CONFIG", "VOXLOOP_BASE_URL", "VOXLOOP_MODEL",
		"VOXLOOP_VOICE", "VOXLOOP_INSTRUCTIONS", "VOXLOOP_TRANSCRIPTION_MODEL",
		"VOXLOOP_TEMPERATURE", "VOXLOOP_MAX_OUTPUT_TOKENS", "VOXLOOP_VAD_THRESHOLD",
		"VOXLOOP_VAD_PREFIX_PADDING_MS", "VOXLOOP_VAD_SILENCE_MS",
		"VOXLOOP_CHUNK_INTERVAL", "VOXLOOP_LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	// Keep a stray voxloop.yaml in the working directory out of the test.
	// (t.Chdir equivalent; the t.Chdir helper needs Go 1.24+.)
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(oldWD); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}

func TestLoad_DefaultsWithAPIKey(t *testing.T) {
	withCleanEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != realtime.DefaultModel {
		t.Fatalf("Model = %q, want %q", cfg.Model, realtime.DefaultModel)
	}
	if cfg.ChunkInterval != 400*time.Millisecond {
		t.Fatalf("ChunkInterval = %v, want 400ms", cfg.ChunkInterval)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoad_RequiresAPIKey(t *testing.T) {
	withCleanEnv(t)

	if _, err := Load(); err == nil {
		t.Fatalf("Load without OPENAI_API_KEY succeeded, want error")
	}
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	withCleanEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "voxloop.yaml")
	body := "voice: verse\ntemperature: 0.4\nchunk_interval_ms: 200\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("VOXLOOP_CONFIG", path)
	t.Setenv("VOXLOOP_VOICE", "shimmer")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Env beats file, file beats default.
	if cfg.Voice != "shimmer" {
		t.Fatalf("Voice = %q, want shimmer", cfg.Voice)
	}
	if cfg.Temperature != 0.4 {
		t.Fatalf("Temperature = %v, want 0.4", cfg.Temperature)
	}
	if cfg.ChunkInterval != 200*time.Millisecond {
		t.Fatalf("ChunkInterval = %v, want 200ms", cfg.ChunkInterval)
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	withCleanEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VOXLOOP_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Fatalf("Load with missing explicit config file succeeded, want error")
	}
}

func TestLoad_MalformedFileFails(t *testing.T) {
	withCleanEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "voxloop.yaml")
	if err := os.WriteFile(path, []byte("voice: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("VOXLOOP_CONFIG", path)

	if _, err := Load(); err == nil {
		t.Fatalf("Load with malformed YAML succeeded, want error")
	}
}

func TestLoad_RejectsInvalidBounds(t *testing.T) {
	withCleanEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VOXLOOP_VAD_THRESHOLD", "1.5")

	if _, err := Load(); err == nil {
		t.Fatalf("Load with out-of-range VAD threshold succeeded, want error")
	}
}

func TestLoad_IgnoresUnparsableEnvValues(t *testing.T) {
	withCleanEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VOXLOOP_MAX_OUTPUT_TOKENS", "lots")
	t.Setenv("VOXLOOP_CHUNK_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxOutputTokens != realtime.DefaultMaxOutputTokens {
		t.Fatalf("MaxOutputTokens = %d, want default", cfg.MaxOutputTokens)
	}
	if cfg.ChunkInterval != 400*time.Millisecond {
		t.Fatalf("ChunkInterval = %v, want default", cfg.ChunkInterval)
	}
}

func TestSessionOptions_CarriesTuning(t *testing.T) {
	cfg := Config{
		Model:                "gpt-4o-realtime-preview-2024-12-17",
		Voice:                "echo",
		Instructions:         "short answers",
		TranscriptionModel:   "whisper-1",
		Temperature:          0.6,
		MaxOutputTokens:      512,
		VADThreshold:         0.7,
		VADPrefixPaddingMS:   200,
		VADSilenceDurationMS: 400,
	}
	opts := cfg.SessionOptions()
	if opts.Model != cfg.Model || opts.Voice != cfg.Voice || opts.Instructions != cfg.Instructions {
		t.Fatalf("options = %+v", opts)
	}
	if opts.VADThreshold != 0.7 || opts.VADSilenceDurationMS != 400 {
		t.Fatalf("VAD tuning lost: %+v", opts)
	}
}
