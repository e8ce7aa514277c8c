package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "MOONCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "MOONCHAT_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.token", typ: kString, env: "MOONCHAT_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "api.base_url", typ: kString, env: "MOONCHAT_API_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.API.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.API.BaseURL },
	},
	{
		key: "api.key", typ: kString, env: "MOONCHAT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.API.Key = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Key },
	},
	{
		key: "api.model", typ: kString, env: "MOONCHAT_API_MODEL",
		apply:   func(cfg *Config, v any) { cfg.API.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.API.Model },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MOONCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "session.idle_timeout", typ: kString, env: "MOONCHAT_SESSION_IDLE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Session.IdleTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.IdleTimeout },
	},
	{
		key: "session.max_messages", typ: kInt, env: "MOONCHAT_SESSION_MAX_MESSAGES",
		apply:   func(cfg *Config, v any) { cfg.Session.MaxMessages = v.(int) },
		extract: func(cfg Config) any { return cfg.Session.MaxMessages },
	},
	{
		key: "session.knowledge_ttl", typ: kString, env: "MOONCHAT_SESSION_KNOWLEDGE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Session.KnowledgeTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.KnowledgeTTL },
	},
	{
		key: "session.persona", typ: kString, env: "MOONCHAT_SESSION_PERSONA",
		apply:   func(cfg *Config, v any) { cfg.Session.Persona = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.Persona },
	},
	{
		key: "session.knowledge_file", typ: kString, env: "MOONCHAT_SESSION_KNOWLEDGE_FILE",
		apply:   func(cfg *Config, v any) { cfg.Session.KnowledgeFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Session.KnowledgeFile },
	},
	{
		key: "log.level", typ: kString, env: "MOONCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
