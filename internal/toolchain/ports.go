package toolchain

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.bug.st/serial/enumerator"
)

// USB vendor ids of the serial bridges found on ESP32 boards.
var espVendorIDs = []string{
	"10C4", // Silicon Labs CP210x
	"1A86", // QinHeng CH340/CH9102
	"0403", // FTDI
	"303A", // Espressif native USB
}

var espProductKeywords = []string{"cp210", "ch340", "ch910", "ftdi", "usb serial", "silicon labs", "usb jtag"}

// DetectPorts lists serial ports that look like ESP32 boards. When none
// match, every port is returned.
func (e *ESP) DetectPorts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	details, err := e.listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}
	ports := filterPorts(details)
	e.log.Debugw("serial ports enumerated", "found", len(details), "selected", ports)
	return ports, nil
}

func filterPorts(details []*enumerator.PortDetails) []string {
	var matched, all []string
	for _, d := range details {
		if d == nil || d.Name == "" {
			continue
		}
		all = append(all, d.Name)
		if looksLikeESP(d) {
			matched = append(matched, d.Name)
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return all
}

func looksLikeESP(d *enumerator.PortDetails) bool {
	if !d.IsUSB {
		return false
	}
	if slices.Contains(espVendorIDs, strings.ToUpper(d.VID)) {
		return true
	}
	product := strings.ToLower(d.Product)
	for _, kw := range espProductKeywords {
		if strings.Contains(product, kw) {
			return true
		}
	}
	return false
}
