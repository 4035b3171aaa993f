package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultPort              = "3335"
	DefaultPanelURL          = "http://localhost:3001"
	DefaultGenerationURL     = "http://127.0.0.1:8000"
	DefaultGenerationTimeout = 40 * time.Second
	DefaultTranscribeURL     = "https://api.openai.com/v1"
	DefaultTranscribeModel   = "whisper-1"
	DefaultSessionsDir       = "./sessions"
	DefaultMediaDir          = "./downloads"
	DefaultVoiceThreshold    = 0.6
	DefaultMailboxSize       = 64
	DefaultMediaRetention    = 72 * time.Hour
	DefaultRetentionSpec     = "@every 1h"
)

// DefaultIgnoreSenders are the numbers the bridge never answers.
var DefaultIgnoreSenders = []string{
	"556599994101",
	"556592382772",
	"559984066965",
	"553184500320",
	"556584521369",
	"5511968797843",
}

// DefaultCORSOrigins are the panel origins allowed to call the control API.
var DefaultCORSOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// Config is the bridge process configuration, read from the environment.
type Config struct {
	Port string

	PanelURL          string
	GenerationURL     string
	GenerationTimeout time.Duration
	OpenAIKey         string

	TranscribeURL   string
	TranscribeModel string
	TranscribeKey   string

	SessionsDir  string
	MediaDir     string
	AudioBaseDir string

	IgnoreSenders  []string
	VoiceThreshold float64
	MailboxSize    int

	MediaRetention     time.Duration
	MediaRetentionSpec string

	CORSOrigins []string
	QRTerminal  bool

	LogMode  string
	LogLevel string
	LogFile  string

	TelegramToken  string
	TelegramChatID string

	Proxy *ProxyPool
}

// Load reads envFile (when it exists) into the process environment and
// builds a Config from it.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", envFile, err)
	}
	return Parse(os.Getenv)
}

// Parse builds a Config from a lookup function.
func Parse(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Port:               env("PORT_BOT", DefaultPort),
		PanelURL:           strings.TrimRight(env("PANEL_URL", DefaultPanelURL), "/"),
		GenerationURL:      strings.TrimRight(env("URL_FASTAPI", DefaultGenerationURL), "/"),
		OpenAIKey:          getenv("OPENAI_API_KEY"),
		TranscribeURL:      strings.TrimRight(env("TRANSCRIBE_URL", DefaultTranscribeURL), "/"),
		TranscribeModel:    env("TRANSCRIBE_MODEL", DefaultTranscribeModel),
		SessionsDir:        env("SESSIONS_DIR", DefaultSessionsDir),
		MediaDir:           env("MEDIA_DIR", DefaultMediaDir),
		AudioBaseDir:       env("AUDIO_BASE_DIR", "."),
		IgnoreSenders:      splitList(env("IGNORE_SENDERS", strings.Join(DefaultIgnoreSenders, ","))),
		MediaRetentionSpec: env("MEDIA_RETENTION_SPEC", DefaultRetentionSpec),
		CORSOrigins:        splitList(env("CORS_ORIGINS", strings.Join(DefaultCORSOrigins, ","))),
		LogMode:            env("LOG_MODE", "development"),
		LogLevel:           env("LOG_LEVEL", "info"),
		LogFile:            getenv("LOG_FILE"),
		TelegramToken:      getenv("TELEGRAM_TOKEN"),
		TelegramChatID:     getenv("TELEGRAM_CHAT_ID"),
	}
	cfg.TranscribeKey = env("TRANSCRIBE_API_KEY", cfg.OpenAIKey)

	var err error
	if cfg.GenerationTimeout, err = parseDuration(env("GENERATION_TIMEOUT", ""), DefaultGenerationTimeout); err != nil {
		return nil, fmt.Errorf("GENERATION_TIMEOUT: %w", err)
	}
	if cfg.MediaRetention, err = parseDuration(env("MEDIA_RETENTION", ""), DefaultMediaRetention); err != nil {
		return nil, fmt.Errorf("MEDIA_RETENTION: %w", err)
	}

	cfg.VoiceThreshold = DefaultVoiceThreshold
	if v := env("VOICE_THRESHOLD", ""); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("VOICE_THRESHOLD must be a number in [0,1], got %q", v)
		}
		cfg.VoiceThreshold = f
	}

	cfg.MailboxSize = DefaultMailboxSize
	if v := env("MAILBOX_SIZE", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("MAILBOX_SIZE must be a positive integer, got %q", v)
		}
		cfg.MailboxSize = n
	}

	if v := env("BRIDGE_QR_TERMINAL", ""); v != "" {
		cfg.QRTerminal, _ = strconv.ParseBool(v)
	}

	cfg.Proxy = LoadProxyPool(getenv)
	return cfg, nil
}

// TelegramEnabled reports whether ops alerts should be sent.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != ""
}

func parseDuration(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
