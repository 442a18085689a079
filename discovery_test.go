// discovery_test.go
package leg_controller

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/services/discovery"
)

func TestFilterCandidatePorts(t *testing.T) {
	tests := []struct {
		name     string
		ports    []string
		expected []string
	}{
		{
			name:     "Linux USB ports",
			ports:    []string{"/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyACM0", "/dev/null"},
			expected: []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		},
		{
			name:     "macOS USB ports",
			ports:    []string{"/dev/tty.usbmodem123", "/dev/tty.Bluetooth", "/dev/cu.usbserial-AB"},
			expected: []string{"/dev/tty.usbmodem123", "/dev/cu.usbserial-AB"},
		},
		{
			name:     "Windows COM ports",
			ports:    []string{"COM3", "COM10", "LPT1", "PRN"},
			expected: []string{"COM3", "COM10"},
		},
		{
			name:     "Empty list",
			ports:    []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, filterCandidatePorts(tt.ports))
		})
	}
}

func TestExtractPortSuffix(t *testing.T) {
	assert.Equal(t, "ttyUSB0", extractPortSuffix("/dev/ttyUSB0"))
	assert.Equal(t, "COM3", extractPortSuffix("COM3"))
	assert.Equal(t, "usbmodem123", extractPortSuffix("/dev/tty.usbmodem123"))
	assert.Equal(t, "usbserial-AB", extractPortSuffix("/dev/cu.usbserial-AB"))
}

func TestFindGainsFile(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	assert.Empty(t, findGainsFile(dir, "ttyUSB0", logger))

	require.NoError(t, os.WriteFile(filepath.Join(dir, defaultGainsFile), []byte("{}"), 0o644))
	assert.Equal(t, defaultGainsFile, findGainsFile(dir, "ttyUSB0", logger))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ttyUSB0_gains.json"), []byte("{}"), 0o644))
	assert.Equal(t, "ttyUSB0_gains.json", findGainsFile(dir, "ttyUSB0", logger))
}

func TestDiscoverResources(t *testing.T) {
	t.Setenv("VIAM_MODULE_DATA", t.TempDir())
	ctx := context.Background()

	dis := &legDiscovery{
		Named:    discovery.Named("disc").AsNamed(),
		logger:   logging.NewTestLogger(t),
		baudrate: defaultBaudRate,
		numLegs:  4,
		listPorts: func() []string {
			return []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyACM0"}
		},
		probe: func(_ context.Context, port string, baudrate int, ids []int) ([]int, error) {
			assert.Equal(t, defaultBaudRate, baudrate)
			switch port {
			case "/dev/ttyUSB0":
				return ids, nil
			case "/dev/ttyUSB1":
				return ids[:6], nil
			default:
				return nil, errors.New("permission denied")
			}
		},
	}

	configs, err := dis.DiscoverResources(ctx, nil)
	require.NoError(t, err)
	require.Len(t, configs, 1)

	conf := configs[0]
	assert.Equal(t, "leg-controller-ttyUSB0", conf.Name)
	assert.Equal(t, sensor.API, conf.API)
	assert.Equal(t, LegControllerModel, conf.Model)
	assert.Equal(t, "/dev/ttyUSB0", conf.Attributes["port"])
	assert.NotContains(t, conf.Attributes, "gains_file")

	// the proposed attributes must produce a valid controller config
	var lcConf LegControllerConfig
	require.NoError(t, decodeArg(map[string]any{"attrs": map[string]interface{}(conf.Attributes)}, "attrs", &lcConf))
	_, _, err = lcConf.Validate("attrs")
	require.NoError(t, err)
	require.Len(t, lcConf.Joints, 12)
	assert.Equal(t, 12, lcConf.Joints[11].ServoID)

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := dis.DiscoverResources(cctx, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
