// Package config loads service configuration from a JSON file with
// environment variable overrides.
package config

import (
	"fmt"
)

type Config struct {
	Server  ServerConfig
	API     APIConfig
	Storage StorageConfig
	Session SessionConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	Token   string // bearer token for the management API; empty disables auth
}

type APIConfig struct {
	BaseURL string
	Key     string
	Model   string
}

type StorageConfig struct {
	DataDir string
}

type SessionConfig struct {
	IdleTimeout   string // Go duration string, e.g. "72h"
	MaxMessages   int
	KnowledgeTTL  string // Go duration string for temp knowledge, e.g. "1h"
	Persona       string
	KnowledgeFile string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    8080,
			MCPPort: 8081,
		},
		API: APIConfig{
			BaseURL: "https://api.moonshot.cn/v1",
			Model:   "moonshot-v1-8k",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Session: SessionConfig{
			IdleTimeout:  "72h",
			MaxMessages:  300,
			KnowledgeTTL: "1h",
			Persona:      "You are a helpful assistant.",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/moonchat/config.json, then applies MOONCHAT_* environment
// variable overrides. The API key is required; when it is set neither in the
// environment nor in the secrets file, Load fails.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), fileSecrets{})
}

// secrets abstracts secret lookup for testing.
type secrets interface {
	Get(service, account string) (string, error)
}

func loadWith(b Backend, sec secrets) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.API.Key == "" {
		if key, err := sec.Get("moonchat", "api_key"); err == nil && key != "" {
			cfg.API.Key = key
		}
	}

	// The server token is optional; auth stays off when it is set nowhere.
	if cfg.Server.Token == "" {
		if tok, err := sec.Get("moonchat", "server_token"); err == nil && tok != "" {
			cfg.Server.Token = tok
		}
	}

	if cfg.API.Key == "" {
		return Config{}, fmt.Errorf("missing required config: API key. Set it via environment variable MOONCHAT_API_KEY")
	}

	return cfg, nil
}
