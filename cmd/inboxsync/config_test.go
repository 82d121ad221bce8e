package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}

	set := []struct{ key, value string }{
		{"server.base_url", "https://inbox.example.com"},
		{"auth.token", "tok_123"},
		{"cache.db_path", "/tmp/inbox.db"},
		{"sync.page_size", "25"},
		{"push.secret", "s3cret"},
		{"push.addr", ":8090"},
	}
	for _, s := range set {
		if err := setConfigValue(cfg, s.key, s.value); err != nil {
			t.Fatalf("setConfigValue(%q): %v", s.key, err)
		}
	}

	if cfg.Server.BaseURL != "https://inbox.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Auth.Token != "tok_123" {
		t.Errorf("Token = %q", cfg.Auth.Token)
	}
	if cfg.Cache.DBPath != "/tmp/inbox.db" {
		t.Errorf("DBPath = %q", cfg.Cache.DBPath)
	}
	if cfg.Sync.PageSize != 25 {
		t.Errorf("PageSize = %d", cfg.Sync.PageSize)
	}
	if cfg.Push.Secret != "s3cret" || cfg.Push.Addr != ":8090" {
		t.Errorf("Push = %+v", cfg.Push)
	}
}

func TestSetConfigValueErrors(t *testing.T) {
	cases := map[string]struct{ key, value, want string }{
		"no dot":        {"token", "x", "dot notation"},
		"bad section":   {"default.api_key", "x", "unknown config section"},
		"bad field":     {"server.environment", "x", "unknown field"},
		"bad page size": {"sync.page_size", "-1", "positive integer"},
		"non-numeric":   {"sync.page_size", "ten", "positive integer"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := setConfigValue(&Config{}, tc.key, tc.value)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %q, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig on missing file: %v", err)
	}
	if cfg.Server.BaseURL != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}

	cfg.Server.BaseURL = "https://inbox.example.com"
	cfg.Auth.Token = "tok_abc"
	cfg.Sync.PageSize = 20
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	path, _ := configPath()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config mode = %o, want 600", perm)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[server]") || !strings.Contains(string(data), "base_url") {
		t.Errorf("unexpected TOML:\n%s", data)
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got.Server.BaseURL != cfg.Server.BaseURL || got.Auth.Token != cfg.Auth.Token || got.Sync.PageSize != 20 {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestResolveConfigEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	if err := saveConfig(&Config{Server: ConfigServer{BaseURL: "https://file.example.com"}, Auth: ConfigAuth{Token: "file"}}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	t.Setenv(envToken, "from-env")
	t.Setenv(envPushSecret, "push-env")

	cfg, err := resolveConfig()
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Server.BaseURL != "https://file.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Auth.Token != "from-env" {
		t.Errorf("Token = %q, want env override", cfg.Auth.Token)
	}
	if cfg.Push.Secret != "push-env" {
		t.Errorf("Push.Secret = %q", cfg.Push.Secret)
	}
	if want := filepath.Join(home, ".inboxsync", "inbox.db"); cfg.Cache.DBPath != want {
		t.Errorf("DBPath = %q, want %q", cfg.Cache.DBPath, want)
	}

	stored, _ := loadConfig()
	if stored.Auth.Token != "file" {
		t.Errorf("env override written back: %q", stored.Auth.Token)
	}
}

func TestResolveConfigDotEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv(envBaseURL, "")
	os.Unsetenv(envBaseURL)

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envBaseURL+"=https://dotenv.example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv(envBaseURL) })

	cfg, err := resolveConfig()
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.Server.BaseURL != "https://dotenv.example.com" {
		t.Fatalf("BaseURL = %q, want value from .env", cfg.Server.BaseURL)
	}
}

func TestResolveConfigRejectsMalformedDotEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("INBOXSYNC-TOKEN=abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := resolveConfig()
	if err == nil {
		t.Fatal("expected error for malformed .env")
	}
	if !strings.Contains(err.Error(), ".env") {
		t.Fatalf("error = %q, want it to name .env", err)
	}
}

func TestResolveConfigWithoutDotEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	if _, err := resolveConfig(); err != nil {
		t.Fatalf("resolveConfig without .env: %v", err)
	}
}

func TestWriteConfigMasksSecrets(t *testing.T) {
	cfg := &Config{
		Server: ConfigServer{BaseURL: "https://inbox.example.com"},
		Auth:   ConfigAuth{Token: "tok_1234567890abcd"},
		Push:   ConfigPush{Secret: "whsec_0123456789", Addr: ":8090"},
	}

	for _, asJSON := range []bool{false, true} {
		var buf bytes.Buffer
		if err := writeConfig(&buf, masked(cfg), asJSON); err != nil {
			t.Fatalf("writeConfig(json=%v): %v", asJSON, err)
		}
		out := buf.String()
		if strings.Contains(out, "tok_1234567890abcd") || strings.Contains(out, "whsec_0123456789") {
			t.Fatalf("secret printed (json=%v):\n%s", asJSON, out)
		}
		if !strings.Contains(out, "tok_...abcd") || !strings.Contains(out, "https://inbox.example.com") {
			t.Fatalf("unexpected output (json=%v):\n%s", asJSON, out)
		}
	}
	if cfg.Auth.Token != "tok_1234567890abcd" {
		t.Fatal("masked modified its argument")
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("abc"); got != "***" {
		t.Errorf("maskKey(short) = %q", got)
	}
	if got := maskKey("tok_1234567890abcd"); got != "tok_...abcd" {
		t.Errorf("maskKey = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("line one\nline two", 6); got != "line …" {
		t.Errorf("truncate = %q", got)
	}
}
