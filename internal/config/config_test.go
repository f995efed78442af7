package config

import (
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	n, _ := v.(int)
	return n, true, nil
}

func (b *mapBackend) SetString(key, value string) error {
	b.data[key] = value
	return nil
}

func TestLoadWith_Defaults(t *testing.T) {
	cfg, err := loadWith(&mapBackend{data: map[string]any{}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("Port = %d, want default 4600", cfg.Server.Port)
	}
	if cfg.Sync.IdempotencyHeader != "X-Idempotency-Key" {
		t.Errorf("IdempotencyHeader = %q", cfg.Sync.IdempotencyHeader)
	}
	if cfg.Sync.IdempotencyTTL != "24h" || cfg.Sync.SweepInterval != "1h" || cfg.Sync.Debounce != "1s" {
		t.Errorf("sync durations = %+v", cfg.Sync)
	}
}

func TestLoadWith_BackendOverridesDefaults(t *testing.T) {
	cfg, err := loadWith(&mapBackend{data: map[string]any{
		"server.port":     9000,
		"sync.server_url": "http://sync.example.com",
		"log.level":       "debug",
	}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Sync.ServerURL != "http://sync.example.com" {
		t.Errorf("ServerURL = %q", cfg.Sync.ServerURL)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Level = %q", cfg.Log.Level)
	}
}

func TestLoadWith_EnvOverridesBackend(t *testing.T) {
	t.Setenv("MEALSYNC_SERVER_PORT", "7777")
	t.Setenv("MEALSYNC_TOKEN", "env-token")

	cfg, err := loadWith(&mapBackend{data: map[string]any{"server.port": 9000}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("Port = %d, env must win over backend", cfg.Server.Port)
	}
	if cfg.Server.Token != "env-token" {
		t.Errorf("Token = %q", cfg.Server.Token)
	}
}

func TestSetKey_UnknownKey(t *testing.T) {
	b := &mapBackend{data: map[string]any{}}
	if err := setKeyWith(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSetKey_IntValidation(t *testing.T) {
	b := &mapBackend{data: map[string]any{}}
	if err := setKeyWith(b, "server.port", "not-a-number"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := setKeyWith(b, "server.port", "4601"); err != nil {
		t.Errorf("SetKey: %v", err)
	}
}

func TestShowAll_RedactsSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Server.Token = "super-secret"

	for _, kv := range ShowAll(cfg) {
		if kv.Key == "server.token" {
			if kv.Value != "(set)" {
				t.Errorf("token shown as %q, want redacted", kv.Value)
			}
			return
		}
	}
	t.Error("server.token missing from ShowAll")
}
