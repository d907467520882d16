package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != DefaultPort || cfg.Startup.InitConcurrency != DefaultInitConcurrency {
		t.Errorf("cfg = %+v", cfg.Server)
	}
	if cfg.MediaMaxBytes() != 16<<20 || cfg.MediaCacheTTL() != 10*time.Minute || cfg.ConnectTimeout() != 30*time.Second {
		t.Errorf("media/startup defaults wrong: %d %v %v", cfg.MediaMaxBytes(), cfg.MediaCacheTTL(), cfg.ConnectTimeout())
	}
	if cfg.Events.RedisChannel != DefaultRedisChannel {
		t.Errorf("redis channel = %q", cfg.Events.RedisChannel)
	}
}

func TestLoad_JSON5OverlaysDefaults(t *testing.T) {
	p := writeConfig(t, `{
		// comments and trailing commas are fine
		server: { port: 8080, token: "s3cret", },
		data: { dir: "/var/lib/wagate" },
		log: { format: "json" },
	}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.Token != "s3cret" || cfg.Log.Format != "json" {
		t.Errorf("cfg = %+v %+v", cfg.Server, cfg.Log)
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Media.MaxMB != 16 {
		t.Error("unset fields lost their defaults")
	}
	if got := cfg.CatalogPath(); got != "/var/lib/wagate/instances.json" {
		t.Errorf("CatalogPath = %q", got)
	}
	if got := cfg.SessionsDir(); got != "/var/lib/wagate/sessions" {
		t.Errorf("SessionsDir = %q", got)
	}
	if got := cfg.Addr(); got != "0.0.0.0:8080" {
		t.Errorf("Addr = %q", got)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	p := writeConfig(t, `{server: {port: 8080, token: "file"}}`)
	t.Setenv("WAGATE_PORT", "9000")
	t.Setenv("WAGATE_API_TOKEN", "env")
	t.Setenv("WAGATE_DATA_DIR", "/tmp/wagate")
	t.Setenv("WAGATE_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.Token != "env" || cfg.DataDir() != "/tmp/wagate" || cfg.Events.RedisURL == "" {
		t.Errorf("env not applied: %+v %+v", cfg.Server, cfg.Data)
	}

	t.Setenv("WAGATE_PORT", "abc")
	if _, err := Load(p); err == nil {
		t.Error("bad WAGATE_PORT accepted")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", `{server: `, "parse"},
		{"port", `{server: {port: 70000}}`, "server.port"},
		{"concurrency", `{startup: {init_concurrency: 0}}`, "init_concurrency"},
		{"duration", `{media: {cache_ttl: "soon"}}`, "cache_ttl"},
		{"format", `{log: {format: "xml"}}`, "log.format"},
		{"protocol", `{telemetry: {protocol: "udp"}}`, "telemetry.protocol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := map[string]string{
		"~":          home,
		"~/x/y":      filepath.Join(home, "x/y"),
		"/abs":       "/abs",
		"rel":        "rel",
		"~user/path": "~user/path",
	}
	for in, want := range tests {
		if got := ExpandHome(in); got != want {
			t.Errorf("ExpandHome(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("WAGATE_CONFIG", "/etc/wagate.json")
	if got := ResolvePath(); got != "/etc/wagate.json" {
		t.Errorf("ResolvePath = %q", got)
	}
}
