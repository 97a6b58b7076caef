package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default address, got %s", cfg.HTTPAddress)
	}
	if cfg.SyncInterval != 5*time.Second {
		t.Fatalf("expected 5s sync interval, got %s", cfg.SyncInterval)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Fatalf("expected 12h token ttl, got %s", cfg.TokenTTL)
	}
	if cfg.Launch.Present() {
		t.Fatalf("did not expect a launch context")
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	_, err := Load(NewViper())
	if err == nil || !strings.Contains(err.Error(), "api.signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadRejectsShortFileTimeout(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.signing_secret", "secret")
	configViper.Set("sync.file_timeout", time.Second)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected file timeout validation error")
	}
}

func TestLoadReadsLaunchContext(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.signing_secret", "secret")
	configViper.Set("launch.backend_url", "https://backend.example.com/api?client=1")
	configViper.Set("launch.user_key", "user-1")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !cfg.Launch.Present() {
		t.Fatalf("expected launch context to be present")
	}
	if cfg.Launch.UserKey != "user-1" {
		t.Fatalf("unexpected user key %q", cfg.Launch.UserKey)
	}
}

func TestLoadReadsAllowedOrigins(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.signing_secret", "secret")
	configViper.Set("http.allowed_origins", []string{"https://writer.example.com"})

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://writer.example.com" {
		t.Fatalf("unexpected allowed origins %v", cfg.AllowedOrigins)
	}
}
