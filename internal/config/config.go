// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	GeminiAPIKey string

	// Model selection. Empty values fall back to the packages' own
	// defaults.
	LiveModel string
	TextModel string
	TTSModel  string
	VoiceName string

	SystemInstruction string

	WakePhrase      string
	FarewellPhrases []string
	SettleDelay     time.Duration

	ProfilePath string
	LogLevel    string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		GeminiAPIKey:      strings.TrimSpace(os.Getenv("MOCHI_GEMINI_API_KEY")),
		LiveModel:         envOr("MOCHI_LIVE_MODEL", ""),
		TextModel:         envOr("MOCHI_TEXT_MODEL", ""),
		TTSModel:          envOr("MOCHI_TTS_MODEL", ""),
		VoiceName:         envOr("MOCHI_VOICE", "Aoede"),
		SystemInstruction: envOr("MOCHI_SYSTEM_INSTRUCTION", ""),
		WakePhrase:        envOr("MOCHI_WAKE_PHRASE", "mochi"),
		FarewellPhrases:   splitCSV(envOr("MOCHI_FAREWELL_PHRASES", "tạm biệt,goodbye,good night,bye bye")),
		SettleDelay:       envDurationOr("MOCHI_SETTLE_DELAY", 2500*time.Millisecond),
		ProfilePath:       envOr("MOCHI_PROFILE_PATH", "profile.json"),
		LogLevel:          envOr("MOCHI_LOG_LEVEL", "info"),
	}

	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("MOCHI_GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.WakePhrase) == "" {
		return Config{}, fmt.Errorf("MOCHI_WAKE_PHRASE must not be empty")
	}
	if len(cfg.FarewellPhrases) == 0 {
		return Config{}, fmt.Errorf("MOCHI_FAREWELL_PHRASES must name at least one phrase")
	}
	if cfg.SettleDelay <= 0 {
		return Config{}, fmt.Errorf("MOCHI_SETTLE_DELAY must be > 0")
	}
	if strings.TrimSpace(cfg.ProfilePath) == "" {
		return Config{}, fmt.Errorf("MOCHI_PROFILE_PATH must not be empty")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
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

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
