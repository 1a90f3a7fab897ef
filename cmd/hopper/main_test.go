package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"garbage", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRunStatusCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"healthy":true}`))
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	home := t.TempDir()
	t.Setenv("HOPPER_HOME", home)
	t.Setenv("HOPPER_BIND_ADDR", u.Host)

	if code := runStatusCommand(context.Background()); code != 0 {
		t.Fatalf("status against healthy daemon: exit %d", code)
	}
}

func TestRunStatusCommandUnreachable(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOPPER_HOME", home)
	t.Setenv("HOPPER_BIND_ADDR", "127.0.0.1:1") // nothing listens here

	if code := runStatusCommand(context.Background()); code == 0 {
		t.Fatal("status against dead address should fail")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("config load should have created the home dir: %v", err)
	}
}
