package app

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q want=0.0.0.0:8080", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel=%q want=info", cfg.LogLevel)
	}
	if cfg.ReadHeaderTimeout != 5*time.Second {
		t.Fatalf("ReadHeaderTimeout=%v want=5s", cfg.ReadHeaderTimeout)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("RTCHAT_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("RTCHAT_LOG_LEVEL", "debug")
	t.Setenv("RTCHAT_HTTP_IDLE_TIMEOUT", "90s")
	t.Setenv("RTCHAT_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg := LoadConfig()

	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel=%q", cfg.LogLevel)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("IdleTimeout=%v", cfg.IdleTimeout)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
}
