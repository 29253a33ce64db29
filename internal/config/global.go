// Package config resolves credentials and defaults from the environment,
// an optional .env file, and the global config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// GlobalConfig represents configuration stored in
// ~/.config/slackprobs/config.yml.
type GlobalConfig struct {
	SlackToken   string `yaml:"slack_token,omitempty"`
	SlackChannel string `yaml:"slack_channel,omitempty"`
	OpenAIAPIKey string `yaml:"openai_api_key,omitempty"`
	OpenAIModel  string `yaml:"openai_model,omitempty"`
	OllamaURL    string `yaml:"ollama_url,omitempty"`
	OllamaModel  string `yaml:"ollama_model,omitempty"`
	OnError      string `yaml:"on_error,omitempty"`
	CachePath    string `yaml:"cache_path,omitempty"`
}

const (
	// GlobalConfigDir is the directory name under XDG_CONFIG_HOME.
	GlobalConfigDir = "slackprobs"
	// GlobalConfigFile is the config file name.
	GlobalConfigFile = "config.yml"
	// CacheFile is the verdict cache file name under the user cache dir.
	CacheFile = "verdicts.db"
)

// globalConfigCache caches the loaded global config.
var globalConfigCache *GlobalConfig

// GlobalConfigPath returns the path to the global config file.
// Respects XDG_CONFIG_HOME, defaults to ~/.config/slackprobs/config.yml.
func GlobalConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, GlobalConfigDir, GlobalConfigFile)
}

// LoadGlobalConfig loads the global configuration file.
// Returns an empty config (not an error) if the file doesn't exist.
func LoadGlobalConfig() (*GlobalConfig, error) {
	if globalConfigCache != nil {
		return globalConfigCache, nil
	}

	path := GlobalConfigPath()
	if path == "" {
		return &GlobalConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &GlobalConfig{}, nil
		}
		return nil, fmt.Errorf("reading global config: %w", err)
	}

	var cfg GlobalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing global config %s: %w", path, err)
	}
	if cfg.CachePath != "" {
		cfg.CachePath = ExpandTilde(cfg.CachePath)
	}

	globalConfigCache = &cfg
	return &cfg, nil
}

// ResetGlobalConfigCache clears the cached global config.
// Useful for testing.
func ResetGlobalConfigCache() {
	globalConfigCache = nil
}

// ExpandTilde replaces a leading ~ with the user's home directory.
func ExpandTilde(path string) string {
	if path != "~" && !hasTildePrefix(path) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func hasTildePrefix(path string) bool {
	return len(path) >= 2 && path[0] == '~' && path[1] == '/'
}

// DefaultCachePath returns where the verdict cache lives when neither a
// flag nor the config file names one.
func DefaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return CacheFile
	}
	return filepath.Join(dir, GlobalConfigDir, CacheFile)
}
