package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const sdkconfigFile = "sdkconfig"

const (
	websocketDisabled = "# CONFIG_CONNECTION_TYPE_WEBSOCKET is not set"
	websocketEnabled  = "CONFIG_CONNECTION_TYPE_WEBSOCKET=y"
	mqttUDPEnabled    = "CONFIG_CONNECTION_TYPE_MQTT_UDP=y"
	mqttUDPDisabled   = "# CONFIG_CONNECTION_TYPE_MQTT_UDP is not set"
)

var clientIDLine = regexp.MustCompile(`(?m)^CONFIG_WEBSOCKET_CLIENT_ID=.*$`)

// rewriteSDKConfig switches the firmware to the websocket transport and
// pins its client id.
func rewriteSDKConfig(content, clientID string) string {
	content = strings.ReplaceAll(content, websocketDisabled, websocketEnabled)
	content = strings.ReplaceAll(content, mqttUDPEnabled, mqttUDPDisabled)

	line := fmt.Sprintf("CONFIG_WEBSOCKET_CLIENT_ID=%q", clientID)
	if clientIDLine.MatchString(content) {
		return clientIDLine.ReplaceAllLiteralString(content, line)
	}
	if strings.Contains(content, websocketEnabled) {
		return strings.Replace(content, websocketEnabled, websocketEnabled+"\n"+line, 1)
	}
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + websocketEnabled + "\n" + line + "\n"
}

// UpdateConfig rewrites <workspace>/sdkconfig for clientID.
func (e *ESP) UpdateConfig(ctx context.Context, workspace, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(workspace, sdkconfigFile)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	updated := rewriteSDKConfig(string(raw), clientID)
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	e.log.Infow("sdkconfig updated", "workspace", workspace, "client_id", clientID)
	return nil
}
