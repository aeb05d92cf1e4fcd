// Package toolchain drives the ESP-IDF tools, the serial port enumerator and
// the registration backend used by the provisioning phases.
package toolchain

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"device_provisioner/internal/config"
	"device_provisioner/internal/logger"

	"go.bug.st/serial/enumerator"
)

const defaultRequestTimeout = 30 * time.Second

// ESP drives esptool, idf.py and the registration API.
type ESP struct {
	python          string
	esptool         string
	idfPath         string
	registrationURL string

	http      *http.Client
	log       *logger.Logger
	command   func(ctx context.Context, name string, args ...string) *exec.Cmd
	listPorts func() ([]*enumerator.PortDetails, error)
}

func New(cfg config.ToolchainConfig, log *logger.Logger) *ESP {
	if log == nil {
		log = logger.Nop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	python := cfg.Python
	if python == "" {
		python = "python3"
	}
	esptool := cfg.EsptoolPath
	if esptool == "" {
		esptool = "esptool.py"
	}
	return &ESP{
		python:          python,
		esptool:         esptool,
		idfPath:         strings.TrimSpace(cfg.IDFPath),
		registrationURL: cfg.RegistrationURL,
		http:            &http.Client{Timeout: timeout},
		log:             log,
		command:         exec.CommandContext,
		listPorts:       enumerator.GetDetailedPortsList,
	}
}

var macPattern = regexp.MustCompile(`(?i)MAC:\s+([0-9a-f]{2}(?::[0-9a-f]{2}){5})`)

// parseMAC extracts the first MAC address printed by esptool read_mac.
func parseMAC(output string) (string, bool) {
	m := macPattern.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// GetDeviceMAC runs esptool read_mac on port, first as a python module and
// then as the standalone script.
func (e *ESP) GetDeviceMAC(ctx context.Context, port string) (string, error) {
	attempts := [][]string{
		{e.python, "-m", "esptool", "--port", port, "read_mac"},
		{e.esptool, "--port", port, "read_mac"},
	}

	var lastErr error
	for _, argv := range attempts {
		out, err := e.command(ctx, argv[0], argv[1:]...).CombinedOutput()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, lastLine(string(out)))
			e.log.Debugw("read_mac attempt failed", "port", port, "error", lastErr)
			continue
		}
		mac, ok := parseMAC(string(out))
		if !ok {
			return "", fmt.Errorf("no MAC address in esptool output for %s", port)
		}
		return mac, nil
	}
	return "", fmt.Errorf("read MAC on %s: %w", port, lastErr)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
