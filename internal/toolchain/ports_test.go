package toolchain

import (
	"context"
	"errors"
	"slices"
	"testing"

	"device_provisioner/internal/config"

	"go.bug.st/serial/enumerator"
)

func TestFilterPorts(t *testing.T) {
	cases := []struct {
		name  string
		ports []*enumerator.PortDetails
		want  []string
	}{
		{
			name: "vendor ids",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60"},
				{Name: "/dev/ttyACM0", IsUSB: true, VID: "303A", PID: "1001"},
			},
			want: []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		},
		{
			name: "product keyword",
			ports: []*enumerator.PortDetails{
				{Name: "COM3", IsUSB: true, VID: "FFFF", Product: "USB-SERIAL CH340 (COM3)"},
				{Name: "COM1"},
			},
			want: []string{"COM3"},
		},
		{
			name: "no match returns all",
			ports: []*enumerator.PortDetails{
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyS1"},
			},
			want: []string{"/dev/ttyS0", "/dev/ttyS1"},
		},
		{
			name:  "nil and unnamed skipped",
			ports: []*enumerator.PortDetails{nil, {Name: ""}},
			want:  nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := filterPorts(tc.ports); !slices.Equal(got, tc.want) {
				t.Fatalf("filterPorts = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDetectPorts_EnumeratorError(t *testing.T) {
	e := New(config.ToolchainConfig{}, nil)
	boom := errors.New("enumeration failed")
	e.listPorts = func() ([]*enumerator.PortDetails, error) { return nil, boom }

	if _, err := e.DetectPorts(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
}

func TestDetectPorts_CancelledContext(t *testing.T) {
	e := New(config.ToolchainConfig{}, nil)
	e.listPorts = func() ([]*enumerator.PortDetails, error) {
		t.Fatal("enumerator must not run")
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.DetectPorts(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
}
