package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Sync    SyncConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

// SyncConfig covers both sides: the server's idempotency retention and the
// client's connection to the sync service. Durations are strings parsed at
// the point of use.
type SyncConfig struct {
	ServerURL         string
	OwnerID           string
	IdempotencyHeader string
	IdempotencyTTL    string
	SweepInterval     string
	Debounce          string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Sync: SyncConfig{
			ServerURL:         "http://127.0.0.1:4600",
			IdempotencyHeader: "X-Idempotency-Key",
			IdempotencyTTL:    "24h",
			SweepInterval:     "1h",
			Debounce:          "1s",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

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
		key: "server.port", typ: kInt, env: "MEALSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "MEALSYNC_TOKEN", secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEALSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "sync.server_url", typ: kString, env: "MEALSYNC_SYNC_SERVER_URL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ServerURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.ServerURL },
	},
	{
		key: "sync.owner_id", typ: kString, env: "MEALSYNC_SYNC_OWNER_ID",
		apply:   func(cfg *Config, v any) { cfg.Sync.OwnerID = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.OwnerID },
	},
	{
		key: "sync.idempotency_header", typ: kString, env: "MEALSYNC_SYNC_IDEMPOTENCY_HEADER",
		apply:   func(cfg *Config, v any) { cfg.Sync.IdempotencyHeader = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.IdempotencyHeader },
	},
	{
		key: "sync.idempotency_ttl", typ: kString, env: "MEALSYNC_SYNC_IDEMPOTENCY_TTL",
		apply:   func(cfg *Config, v any) { cfg.Sync.IdempotencyTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.IdempotencyTTL },
	},
	{
		key: "sync.sweep_interval", typ: kString, env: "MEALSYNC_SYNC_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.SweepInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.SweepInterval },
	},
	{
		key: "sync.debounce", typ: kString, env: "MEALSYNC_SYNC_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Debounce = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Debounce },
	},
	{
		key: "log.level", typ: kString, env: "MEALSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "MEALSYNC_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.max_size_mb", typ: kInt, env: "MEALSYNC_LOG_MAX_SIZE_MB",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxSizeMB },
	},
	{
		key: "log.max_backups", typ: kInt, env: "MEALSYNC_LOG_MAX_BACKUPS",
		apply:   func(cfg *Config, v any) { cfg.Log.MaxBackups = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxBackups },
	},
}

// Load reads configuration from the JSON file backend (XDG config dir) with
// MEALSYNC_* environment variables taking precedence.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
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
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, v)
		case kInt:
			if n, err := strconv.Atoi(v); err == nil {
				s.apply(cfg, n)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse int from %s=%q: %v. Using default value.\n", s.env, v, err)
			}
		}
	}
}

// KeyValue is one config entry for display.
type KeyValue struct {
	Key   string
	Value string
}

// ShowAll returns every config key with its effective value, secrets
// redacted, sorted by key.
func ShowAll(cfg Config) []KeyValue {
	out := make([]KeyValue, 0, len(specs))
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret && v != "" {
			v = "(set)"
		}
		out = append(out, KeyValue{Key: s.key, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetKey persists one config value to the file backend.
func SetKey(key, value string) error {
	return setKeyWith(newFileBackend(), key, value)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.typ == kInt {
			if _, err := strconv.Atoi(value); err != nil {
				return fmt.Errorf("key %s expects an integer: %w", key, err)
			}
		}
		return b.SetString(key, value)
	}
	return fmt.Errorf("unknown config key %q", key)
}
