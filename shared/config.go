package shared

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	oaishared "github.com/openai/openai-go/v3/shared"
)

// Environment variable keys
const (
	EnvKeyAPIBaseURL      = "WRITING_API_BASE_URL"
	EnvKeyWSBaseURL       = "WRITING_WS_BASE_URL"
	EnvKeyAPIKey          = "WRITING_API_KEY"
	EnvKeyModel           = "WRITING_MODEL"
	EnvKeyProgram         = "WRITING_PROGRAM"
	EnvKeyResponseTimeout = "WRITING_RESPONSE_TIMEOUT"
	EnvKeyLogFile         = "WRITING_LOG_FILE"
)

// DefaultModel is what the assistant runs when the config names none.
const DefaultModel = oaishared.ChatModelGPT4oMini

var knownModels = map[string]struct{}{
	oaishared.ChatModelGPT4o:      {},
	oaishared.ChatModelGPT4oMini:  {},
	oaishared.ChatModelGPT4_1:     {},
	oaishared.ChatModelGPT4_1Mini: {},
	oaishared.ChatModelGPT4_1Nano: {},
}

// IsKnownModel reports whether model is one the writing assistant is known to accept.
func IsKnownModel(model string) bool {
	_, ok := knownModels[model]
	return ok
}

type Config struct {
	APIBaseURL      string          `yaml:"api_base_url"`
	WSBaseURL       string          `yaml:"ws_base_url"`
	APIKey          string          `yaml:"api_key"`
	Model           string          `yaml:"model"`
	Program         string          `yaml:"program"`
	ResponseTimeout time.Duration   `yaml:"response_timeout"`
	Transport       TransportConfig `yaml:"transport"`
	Log             LogConfig       `yaml:"log"`
}

type TransportConfig struct {
	ReconnectMin    time.Duration `yaml:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxSendAttempts int           `yaml:"max_send_attempts"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ReconnectMin:    500 * time.Millisecond,
		ReconnectMax:    30 * time.Second,
		WriteTimeout:    5 * time.Second,
		MaxSendAttempts: 5,
	}
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:      "http://localhost:8000/api",
		WSBaseURL:       "ws://localhost:8000/ws",
		Model:           DefaultModel,
		ResponseTimeout: 2 * time.Minute,
		Transport:       DefaultTransportConfig(),
		Log: LogConfig{
			File:       "writing/writing.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "parsing config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// LoadConfig layers defaults, the YAML file at path (skipped when path is
// empty), the given dotenv files and finally the process environment.
// Missing dotenv files are ignored.
func LoadConfig(path string, envFiles ...string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &ParseError{Path: path, Err: err}
		}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("loading env file %s: %w", f, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() (err error) {
	if c.APIBaseURL, err = Getenv(GetenvString, EnvKeyAPIBaseURL, false, c.APIBaseURL); err != nil {
		return err
	}
	if c.WSBaseURL, err = Getenv(GetenvString, EnvKeyWSBaseURL, false, c.WSBaseURL); err != nil {
		return err
	}
	if c.APIKey, err = Getenv(GetenvString, EnvKeyAPIKey, false, c.APIKey); err != nil {
		return err
	}
	if c.Model, err = Getenv(GetenvString, EnvKeyModel, false, c.Model); err != nil {
		return err
	}
	if c.Program, err = Getenv(GetenvString, EnvKeyProgram, false, c.Program); err != nil {
		return err
	}
	if c.ResponseTimeout, err = Getenv(GetenvDuration, EnvKeyResponseTimeout, false, c.ResponseTimeout); err != nil {
		return err
	}
	if c.Log.File, err = Getenv(GetenvString, EnvKeyLogFile, false, c.Log.File); err != nil {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("api_base_url cannot be empty")
	}
	if c.WSBaseURL == "" {
		return errors.New("ws_base_url cannot be empty")
	}
	if c.Model == "" {
		return errors.New("model cannot be empty")
	}
	if c.ResponseTimeout < 0 {
		return errors.New("response_timeout cannot be negative")
	}
	return c.Transport.Validate()
}

func (t *TransportConfig) Validate() error {
	if t.ReconnectMin <= 0 {
		return errors.New("transport.reconnect_min must be positive")
	}
	if t.ReconnectMax < t.ReconnectMin {
		return errors.New("transport.reconnect_max must not be below reconnect_min")
	}
	if t.WriteTimeout <= 0 {
		return errors.New("transport.write_timeout must be positive")
	}
	if t.MaxSendAttempts <= 0 {
		return errors.New("transport.max_send_attempts must be positive")
	}
	return nil
}
