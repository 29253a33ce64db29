package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names. The second name in each pair is accepted
// when the first is unset.
const (
	EnvSlackToken     = "SLACK_TOKEN"
	EnvSlackBotToken  = "SLACK_BOT_TOKEN"
	EnvSlackChannel   = "SLACK_CHANNEL"
	EnvOpenAIKey      = "OPEN_AI"
	EnvOpenAIKeyAlt   = "OPENAI_API_KEY"
	EnvOllamaURL      = "OLLAMA_URL"
	EnvOllamaModel    = "OLLAMA_MODEL"
	EnvOpenAIModel    = "OPENAI_MODEL"
	EnvOnError        = "SLACKPROBS_ON_ERROR"
	EnvVerdictCache   = "SLACKPROBS_CACHE"
	defaultDotEnvFile = ".env"
)

// ErrMissingChannel is returned when no channel ID is configured.
var ErrMissingChannel = errors.New("SLACK_CHANNEL not set")

// Config is the resolved configuration for one run.
type Config struct {
	SlackToken   string
	SlackChannel string
	OpenAIAPIKey string
	OpenAIModel  string
	OllamaURL    string
	OllamaModel  string
	OnError      string
	CachePath    string
}

// LoadDotEnv loads .env from the working directory if present. Variables
// already set in the environment win. A missing file is not an error.
func LoadDotEnv() error {
	err := godotenv.Load(defaultDotEnvFile)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load resolves configuration. Environment variables take precedence over
// the global config file; unset values stay empty so callers can apply
// their own defaults.
func Load() (*Config, error) {
	global, err := LoadGlobalConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		SlackToken:   GetConfigValue(EnvSlackToken, GetConfigValue(EnvSlackBotToken, global.SlackToken)),
		SlackChannel: GetConfigValue(EnvSlackChannel, global.SlackChannel),
		OpenAIAPIKey: GetConfigValue(EnvOpenAIKey, GetConfigValue(EnvOpenAIKeyAlt, global.OpenAIAPIKey)),
		OpenAIModel:  GetConfigValue(EnvOpenAIModel, global.OpenAIModel),
		OllamaURL:    GetConfigValue(EnvOllamaURL, global.OllamaURL),
		OllamaModel:  GetConfigValue(EnvOllamaModel, global.OllamaModel),
		OnError:      GetConfigValue(EnvOnError, global.OnError),
		CachePath:    GetConfigValue(EnvVerdictCache, global.CachePath),
	}
	if cfg.CachePath == "" {
		cfg.CachePath = DefaultCachePath()
	}
	return cfg, nil
}

// GetConfigValue returns the environment variable envKey if set, otherwise
// configValue.
func GetConfigValue(envKey, configValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return configValue
}

// Channel returns the configured channel ID or ErrMissingChannel.
func (c *Config) Channel() (string, error) {
	if c.SlackChannel == "" {
		return "", ErrMissingChannel
	}
	return c.SlackChannel, nil
}
