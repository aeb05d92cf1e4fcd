package toolchain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"device_provisioner/internal/config"
)

func readFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	return string(b), err
}

func TestRewriteSDKConfig_SwitchesTransportAndInsertsClientID(t *testing.T) {
	in := "CONFIG_A=1\n# CONFIG_CONNECTION_TYPE_WEBSOCKET is not set\nCONFIG_CONNECTION_TYPE_MQTT_UDP=y\nCONFIG_B=2\n"
	out := rewriteSDKConfig(in, "client-9")

	want := "CONFIG_A=1\nCONFIG_CONNECTION_TYPE_WEBSOCKET=y\nCONFIG_WEBSOCKET_CLIENT_ID=\"client-9\"\n" +
		"# CONFIG_CONNECTION_TYPE_MQTT_UDP is not set\nCONFIG_B=2\n"
	if out != want {
		t.Fatalf("got:\n%s\nwant:\n%s", out, want)
	}
}

func TestRewriteSDKConfig_ReplacesExistingClientID(t *testing.T) {
	in := "CONFIG_CONNECTION_TYPE_WEBSOCKET=y\nCONFIG_WEBSOCKET_CLIENT_ID=\"old\"\n"
	out := rewriteSDKConfig(in, "new-id")
	if strings.Contains(out, "old") {
		t.Fatalf("old client id kept:\n%s", out)
	}
	if strings.Count(out, "CONFIG_WEBSOCKET_CLIENT_ID=") != 1 {
		t.Fatalf("client id line duplicated:\n%s", out)
	}
	if out2 := rewriteSDKConfig(out, "new-id"); out2 != out {
		t.Fatalf("rewrite is not idempotent:\n%s", out2)
	}
}

func TestRewriteSDKConfig_AppendsWhenTransportMissing(t *testing.T) {
	out := rewriteSDKConfig("CONFIG_A=1", "c1")
	want := "CONFIG_A=1\nCONFIG_CONNECTION_TYPE_WEBSOCKET=y\nCONFIG_WEBSOCKET_CLIENT_ID=\"c1\"\n"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestUpdateConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, sdkconfigFile)
	if err := os.WriteFile(path, []byte("# CONFIG_CONNECTION_TYPE_WEBSOCKET is not set\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	e := New(config.ToolchainConfig{}, nil)
	if err := e.UpdateConfig(context.Background(), dir, "abc"); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	got, err := readFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, `CONFIG_WEBSOCKET_CLIENT_ID="abc"`) {
		t.Fatalf("sdkconfig = %q", got)
	}
}

func TestUpdateConfig_MissingFile(t *testing.T) {
	e := New(config.ToolchainConfig{}, nil)
	if err := e.UpdateConfig(context.Background(), t.TempDir(), "abc"); err == nil {
		t.Fatal("expected error for missing sdkconfig")
	}
}
