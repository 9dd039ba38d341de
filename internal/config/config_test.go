package config

import (
	"os"
	"path/filepath"
	"testing"
)

func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

func TestLoad_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[remote]
host = "icap.example.com"
port = 1344
service = "avscan"

[request]
api_version = "1.0"
user_agent = "test-agent/1.0"
connect_timeout_ms = 2000
read_timeout_ms = 15000

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Remote.Host != "icap.example.com" {
		t.Errorf("Remote.Host = %q, want %q", cfg.Remote.Host, "icap.example.com")
	}
	if cfg.Remote.Port != 1344 {
		t.Errorf("Remote.Port = %d, want %d", cfg.Remote.Port, 1344)
	}
	if cfg.Remote.Service != "avscan" {
		t.Errorf("Remote.Service = %q, want %q", cfg.Remote.Service, "avscan")
	}
	if cfg.Request.ConnectTimeoutMS != 2000 {
		t.Errorf("Request.ConnectTimeoutMS = %d, want %d", cfg.Request.ConnectTimeoutMS, 2000)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoad_MissingRemoteHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[remote]
service = "avscan"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cliWithPath(path)); err == nil {
		t.Fatal("Load() expected error for missing remote.host, got nil")
	}
}

func TestLoad_CLIOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := `
[remote]
host = "from-file.example.com"
port = 1344
service = "avscan"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cli := &CLI{Config: path, Host: "from-cli.example.com", Port: 2000}
	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.Host != "from-cli.example.com" {
		t.Errorf("Remote.Host = %q, want CLI override %q", cfg.Remote.Host, "from-cli.example.com")
	}
	if cfg.Remote.Port != 2000 {
		t.Errorf("Remote.Port = %d, want CLI override %d", cfg.Remote.Port, 2000)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cli := &CLI{Host: "icap.example.com", Service: "avscan"}
	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Remote.Port != 1344 {
		t.Errorf("Remote.Port default = %d, want 1344", cfg.Remote.Port)
	}
	if cfg.Request.APIVersion != "1.0" {
		t.Errorf("Request.APIVersion default = %q, want %q", cfg.Request.APIVersion, "1.0")
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("Gateway.Port default = %d, want 8080", cfg.Gateway.Port)
	}
	if cfg.Audit.DSN == "" {
		t.Error("Audit.DSN default should be non-empty")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	cli := &CLI{Host: "icap.example.com", Service: "avscan", LogLevel: "verbose"}
	if _, err := Load(cli); err == nil {
		t.Fatal("Load() expected error for invalid log.level, got nil")
	}
}

func TestWarnPermissions_NoConfigFile(t *testing.T) {
	var cfg Config
	var warned bool
	cfg.WarnPermissions(func(string) { warned = true })
	if warned {
		t.Error("WarnPermissions() should not warn when no config file was loaded")
	}
}

func TestServiceInformation(t *testing.T) {
	cfg := &Config{Remote: RemoteConfig{Host: "h", Port: 1, Service: "s", Secure: true}}
	si := cfg.ServiceInformation()
	if si.HostName != "h" || si.ServicePort != 1 || si.ServiceName != "s" || !si.SecureConnection {
		t.Errorf("ServiceInformation() = %+v, want HostName=h ServicePort=1 ServiceName=s SecureConnection=true", si)
	}
}
