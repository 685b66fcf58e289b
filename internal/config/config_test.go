package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "continuum.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Name != "localhost" {
		t.Errorf("Server.Name = %q", cfg.Server.Name)
	}
	if cfg.Server.Listen != "0.0.0.0:8448" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if cfg.Federation.DefaultRoomVersion != "10" {
		t.Errorf("DefaultRoomVersion = %q", cfg.Federation.DefaultRoomVersion)
	}
	if cfg.Media.Backend != "filesystem" {
		t.Errorf("Media.Backend = %q", cfg.Media.Backend)
	}
	if len(cfg.Federation.TrustedServers) == 0 {
		t.Error("default trusted servers should not be empty")
	}
}

func TestLoad_FileValues(t *testing.T) {
	path := writeConfig(t, `
[server]
name = "continuum.test"
listen = "127.0.0.1:9448"
max_request_size = "10MB"

[federation]
enabled = true
max_fetch_prev_events = 50
trusted_servers = ["notary.test"]

[media]
backend = "s3"

[media.s3]
endpoint = "s3.test:3900"
bucket = "media"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Name != "continuum.test" {
		t.Errorf("Server.Name = %q", cfg.Server.Name)
	}
	if cfg.Federation.MaxFetchPrevEvents != 50 {
		t.Errorf("MaxFetchPrevEvents = %d", cfg.Federation.MaxFetchPrevEvents)
	}
	size, err := cfg.Server.MaxRequestSizeBytes()
	if err != nil || size != 10*1024*1024 {
		t.Errorf("MaxRequestSizeBytes = (%d, %v)", size, err)
	}
	if cfg.Media.S3.Bucket != "media" {
		t.Errorf("S3.Bucket = %q", cfg.Media.S3.Bucket)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
name = "from-file.test"
`)
	t.Setenv("CONTINUUM_SERVER_NAME", "from-env.test")
	t.Setenv("CONTINUUM_DATABASE_URL", "postgres://env/db")
	t.Setenv("CONTINUUM_FEDERATION_TRUSTED_SERVERS", "a.test,b.test")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Name != "from-env.test" {
		t.Errorf("env override lost: %q", cfg.Server.Name)
	}
	if cfg.Database.URL != "postgres://env/db" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}
	if len(cfg.Federation.TrustedServers) != 2 || cfg.Federation.TrustedServers[0] != "a.test" {
		t.Errorf("TrustedServers = %v", cfg.Federation.TrustedServers)
	}
}

func TestLoad_DatabasePoolTuning(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	lifetime, err := cfg.Database.MaxConnLifetimeParsed()
	if err != nil || lifetime != 30*time.Minute {
		t.Errorf("MaxConnLifetimeParsed = (%v, %v)", lifetime, err)
	}
	idle, err := cfg.Database.MaxConnIdleTimeParsed()
	if err != nil || idle != 5*time.Minute {
		t.Errorf("MaxConnIdleTimeParsed = (%v, %v)", idle, err)
	}
	health, err := cfg.Database.HealthCheckPeriodParsed()
	if err != nil || health != 30*time.Second {
		t.Errorf("HealthCheckPeriodParsed = (%v, %v)", health, err)
	}

	bad := writeConfig(t, `
[database]
max_conn_lifetime = "forever"
`)
	if _, err := Load(bad); err == nil {
		t.Error("invalid pool lifetime must be rejected")
	}

	inverted := writeConfig(t, `
[database]
max_connections = 5
min_connections = 10
`)
	if _, err := Load(inverted); err == nil {
		t.Error("min_connections above max_connections must be rejected")
	}
}

func TestLoad_FanoutConstraint(t *testing.T) {
	path := writeConfig(t, `
[media.filesystem]
path = "/tmp/media"
structure = "deep"
length = 8
depth = 8
`)
	if _, err := Load(path); err == nil {
		t.Error("length x depth >= 64 must be rejected")
	}
}

func TestLoad_TURNValidation(t *testing.T) {
	// Both auth modes set: rejected.
	path := writeConfig(t, `
[turn]
uris = ["turn:turn.test"]
shared_secret = "s"
username = "u"
password = "p"
`)
	if _, err := Load(path); err == nil {
		t.Error("turn with both auth modes must be rejected")
	}

	path = writeConfig(t, `
[turn]
uris = ["turn:turn.test"]
shared_secret = "s"
ttl = "2h"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ttl, err := cfg.TURN.TTLParsed()
	if err != nil || ttl != 2*time.Hour {
		t.Errorf("TTLParsed = (%v, %v)", ttl, err)
	}
}

func TestLoad_RetentionValidation(t *testing.T) {
	path := writeConfig(t, `
[media.retention.local]
accessed = "720h"
space = "50GB"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	d, err := ParsedDuration(cfg.Media.Retention.Local.Accessed)
	if err != nil || d != 720*time.Hour {
		t.Errorf("accessed = (%v, %v)", d, err)
	}
	space, err := ParsedSize(cfg.Media.Retention.Local.Space)
	if err != nil || space != 50*1024*1024*1024 {
		t.Errorf("space = (%d, %v)", space, err)
	}

	bad := writeConfig(t, `
[media.retention.remote]
created = "one week"
`)
	if _, err := Load(bad); err == nil {
		t.Error("invalid retention duration must be rejected")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[logging]
level = "verbose"
`)
	if _, err := Load(path); err == nil {
		t.Error("invalid log level must be rejected")
	}
}

func TestEmergencyPasswordHash(t *testing.T) {
	sc := ServerConfig{}
	if hash, err := sc.EmergencyPasswordHash(); err != nil || hash != "" {
		t.Errorf("empty password should hash to empty: (%q, %v)", hash, err)
	}
	sc.EmergencyPassword = "recovery-secret"
	hash, err := sc.EmergencyPasswordHash()
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	if hash == "" || hash == sc.EmergencyPassword {
		t.Error("password must be hashed, not stored plaintext")
	}
}

func TestParseSize_Units(t *testing.T) {
	cases := map[string]int64{
		"100":   100,
		"5KB":   5 * 1024,
		"20MB":  20 * 1024 * 1024,
		"3GB":   3 * 1024 * 1024 * 1024,
		"1TB":   1024 * 1024 * 1024 * 1024,
		"512B":  512,
		" 7 MB": 7 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParsedSize(in)
		if err != nil || got != want {
			t.Errorf("ParsedSize(%q) = (%d, %v), want %d", in, got, err, want)
		}
	}
	if _, err := ParsedSize("lots"); err == nil {
		t.Error("invalid size must fail")
	}
}
