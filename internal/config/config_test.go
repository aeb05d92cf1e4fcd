package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.Provisioning.HistoryCapacity != 1000 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Provisioning.PollInterval != time.Second || cfg.Provisioning.WaitInterval != 500*time.Millisecond {
		t.Fatalf("unexpected intervals: %+v", cfg.Provisioning)
	}
	if cfg.Device.ClientType != "esp32" || cfg.Device.DeviceVersion != "1.0.0" {
		t.Fatalf("unexpected device defaults: %+v", cfg.Device)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := writeConfig(t, `
port: "9090"
provisioning:
  history_capacity: 25
  stop_timeout: 2s
toolchain:
  idf_path: /opt/esp-idf
mqtt:
  enabled: true
  broker: tcp://localhost:1883
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Provisioning.HistoryCapacity != 25 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Provisioning.StopTimeout != 2*time.Second {
		t.Fatalf("stop timeout = %v", cfg.Provisioning.StopTimeout)
	}
	if cfg.Toolchain.IDFPath != "/opt/esp-idf" || !cfg.MQTT.Enabled {
		t.Fatalf("nested values not applied: %+v", cfg)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("PROVISION_DB_PATH", "/tmp/override.db")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.Path != "/tmp/override.db" {
		t.Fatalf("db path = %q", cfg.DB.Path)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]string{
		"zero capacity":     "provisioning:\n  history_capacity: 0\n",
		"mqtt sans broker":  "mqtt:\n  enabled: true\n  broker: \"\"\n",
		"bad qos":           "mqtt:\n  qos: 3\n",
		"influx sans url":   "influxdb:\n  enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
