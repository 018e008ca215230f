// Package config defines the broker configuration surface and its loading
// rules. Values are resolved in three layers: built-in defaults, then the
// YAML config file, then environment variables (uppercased option names with
// the ANTIGRAVITY_ prefix). A .env file placed beside the config file is
// loaded into the environment before overrides are applied.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to uppercased option names for environment overrides.
const EnvPrefix = "ANTIGRAVITY_"

// SignatureCacheConfig tunes the dual-TTL thinking signature cache.
type SignatureCacheConfig struct {
	Enabled              bool  `yaml:"enabled"`
	MemoryTTLSeconds     int64 `yaml:"memory_ttl_seconds"`
	DiskTTLSeconds       int64 `yaml:"disk_ttl_seconds"`
	WriteIntervalSeconds int64 `yaml:"write_interval_seconds"`
}

// Config holds every recognized broker option.
type Config struct {
	QuietMode       bool   `yaml:"quiet_mode"`
	Debug           bool   `yaml:"debug"`
	LogDir          string `yaml:"log_dir"`
	KeepThinking    bool   `yaml:"keep_thinking"`
	SessionRecovery bool   `yaml:"session_recovery"`
	AutoResume      bool   `yaml:"auto_resume"`
	ResumeText      string `yaml:"resume_text"`

	SignatureCache SignatureCacheConfig `yaml:"signature_cache"`

	EmptyResponseMaxAttempts  int   `yaml:"empty_response_max_attempts"`
	EmptyResponseRetryDelayMs int64 `yaml:"empty_response_retry_delay_ms"`

	ToolIDRecovery      bool `yaml:"tool_id_recovery"`
	ClaudeToolHardening bool `yaml:"claude_tool_hardening"`

	ProactiveTokenRefresh bool  `yaml:"proactive_token_refresh"`
	BufferSeconds         int64 `yaml:"buffer_seconds"`
	CheckIntervalSeconds  int64 `yaml:"check_interval_seconds"`

	// ProxyURL routes upstream traffic through an http, https or socks5 proxy.
	ProxyURL string `yaml:"proxy_url"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		QuietMode:       false,
		Debug:           false,
		KeepThinking:    false,
		SessionRecovery: true,
		AutoResume:      true,
		ResumeText:      "continue",
		SignatureCache: SignatureCacheConfig{
			Enabled:              true,
			MemoryTTLSeconds:     3600,
			DiskTTLSeconds:       172800,
			WriteIntervalSeconds: 60,
		},
		EmptyResponseMaxAttempts:  4,
		EmptyResponseRetryDelayMs: 2000,
		ToolIDRecovery:            true,
		ClaudeToolHardening:       true,
		ProactiveTokenRefresh:     true,
		BufferSeconds:             1800,
		CheckIntervalSeconds:      300,
	}
}

// Dir returns the platform configuration directory for the broker:
// $XDG_CONFIG_HOME/opencode (falling back to ~/.config/opencode) on
// Unix-likes, %APPDATA%/opencode on Windows.
func Dir() string {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "opencode")
		}
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "opencode"
	}
	return filepath.Join(home, ".config", "opencode")
}

// ResolveLogDir returns the effective log directory for this config.
func (c *Config) ResolveLogDir() string {
	if strings.TrimSpace(c.LogDir) != "" {
		return c.LogDir
	}
	return filepath.Join(Dir(), "antigravity-logs")
}

// Load reads the YAML config at path, applying defaults for absent values and
// environment overrides on top. A missing file is not an error; a malformed
// file is logged and ignored so a bad edit never takes the broker down.
func Load(path string) *Config {
	cfg := Default()

	if env := filepath.Join(filepath.Dir(path), ".env"); fileExists(env) {
		if err := godotenv.Load(env); err != nil {
			log.Debugf("config: load .env failed: %v", err)
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if errParse := yaml.Unmarshal(data, cfg); errParse != nil {
			log.Warnf("config: parse %s failed, using defaults: %v", path, errParse)
			cfg = Default()
		}
	case !os.IsNotExist(err):
		log.Warnf("config: read %s failed, using defaults: %v", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides maps ANTIGRAVITY_<OPTION> variables onto fields.
// Nested signature cache options use ANTIGRAVITY_SIGNATURE_CACHE_<OPTION>.
func (c *Config) applyEnvOverrides() {
	envBool("QUIET_MODE", &c.QuietMode)
	envBool("DEBUG", &c.Debug)
	envString("LOG_DIR", &c.LogDir)
	envBool("KEEP_THINKING", &c.KeepThinking)
	envBool("SESSION_RECOVERY", &c.SessionRecovery)
	envBool("AUTO_RESUME", &c.AutoResume)
	envString("RESUME_TEXT", &c.ResumeText)
	envBool("SIGNATURE_CACHE_ENABLED", &c.SignatureCache.Enabled)
	envInt64("SIGNATURE_CACHE_MEMORY_TTL_SECONDS", &c.SignatureCache.MemoryTTLSeconds)
	envInt64("SIGNATURE_CACHE_DISK_TTL_SECONDS", &c.SignatureCache.DiskTTLSeconds)
	envInt64("SIGNATURE_CACHE_WRITE_INTERVAL_SECONDS", &c.SignatureCache.WriteIntervalSeconds)
	envInt("EMPTY_RESPONSE_MAX_ATTEMPTS", &c.EmptyResponseMaxAttempts)
	envInt64("EMPTY_RESPONSE_RETRY_DELAY_MS", &c.EmptyResponseRetryDelayMs)
	envBool("TOOL_ID_RECOVERY", &c.ToolIDRecovery)
	envBool("CLAUDE_TOOL_HARDENING", &c.ClaudeToolHardening)
	envBool("PROACTIVE_TOKEN_REFRESH", &c.ProactiveTokenRefresh)
	envInt64("BUFFER_SECONDS", &c.BufferSeconds)
	envInt64("CHECK_INTERVAL_SECONDS", &c.CheckIntervalSeconds)
	envString("PROXY_URL", &c.ProxyURL)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		*dst = strings.TrimSpace(v)
	}
}

func envBool(name string, dst *bool) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = parsed
		}
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = parsed
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = parsed
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
