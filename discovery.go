// discovery.go
package leg_controller

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"

	"leg_controller/control"
	"leg_controller/kinematics"
)

var LegDiscoveryModel = resource.NewModel("devrel", "leg-controller", "discovery")

func init() {
	resource.RegisterService(
		discovery.API,
		LegDiscoveryModel,
		resource.Registration[discovery.Service, *LegDiscoveryConfig]{
			Constructor: newLegDiscovery,
		})
}

// LegDiscoveryConfig is the configuration for the discovery service
type LegDiscoveryConfig struct {
	Baudrate int `json:"baudrate,omitempty"`
}

// Validate ensures the config is valid
func (cfg *LegDiscoveryConfig) Validate(path string) ([]string, []string, error) {
	return nil, nil, nil
}

// legDiscovery looks for serial buses carrying a full set of leg servos.
type legDiscovery struct {
	resource.Named
	resource.AlwaysRebuild
	resource.TriviallyCloseable
	logger   logging.Logger
	baudrate int
	numLegs  int

	listPorts func() []string
	// probe returns the servo IDs among ids that answer a ping on port.
	probe func(ctx context.Context, port string, baudrate int, ids []int) ([]int, error)
}

func newLegDiscovery(
	ctx context.Context,
	deps resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (discovery.Service, error) {
	cfg, err := resource.NativeConfig[*LegDiscoveryConfig](conf)
	if err != nil {
		return nil, err
	}
	baudrate := cfg.Baudrate
	if baudrate == 0 {
		baudrate = defaultBaudRate
	}

	return &legDiscovery{
		Named:     conf.ResourceName().AsNamed(),
		logger:    logger,
		baudrate:  baudrate,
		numLegs:   len(kinematics.DefaultConfig().Legs),
		listPorts: enumerateSerialPorts,
		probe:     probeFeetechPort,
	}, nil
}

// DiscoverResources scans serial ports for leg servos and proposes a leg controller per port
func (dis *legDiscovery) DiscoverResources(ctx context.Context, extra map[string]any) ([]resource.Config, error) {
	dis.logger.Info("Starting leg servo discovery")

	allPorts := dis.listPorts()
	dis.logger.Debugf("Found %d total serial ports", len(allPorts))

	candidates := filterCandidatePorts(allPorts)
	dis.logger.Debugf("Filtered to %d candidate ports", len(candidates))

	var allConfigs []resource.Config
	for _, portPath := range candidates {
		select {
		case <-ctx.Done():
			dis.logger.Info("Discovery cancelled")
			return allConfigs, ctx.Err()
		default:
		}

		if conf, ok := dis.discoverPort(ctx, portPath); ok {
			allConfigs = append(allConfigs, conf)
		}
	}

	if len(allConfigs) == 0 {
		dis.logger.Info("No leg servo buses discovered")
	} else {
		dis.logger.Infof("Discovered %d leg controller configurations", len(allConfigs))
	}
	return allConfigs, nil
}

func (dis *legDiscovery) discoverPort(ctx context.Context, portPath string) (resource.Config, bool) {
	dis.logger.Debugf("Checking port %s", portPath)

	want := make([]int, control.JointsPerLeg*dis.numLegs)
	for i := range want {
		want[i] = i + 1
	}
	found, err := dis.probe(ctx, portPath, dis.baudrate, want)
	if err != nil {
		dis.logger.Debugf("Failed to probe %s: %v", portPath, err)
		return resource.Config{}, false
	}
	if len(found) == 0 {
		dis.logger.Debugf("No leg servos detected on %s", portPath)
		return resource.Config{}, false
	}
	if len(found) != len(want) {
		dis.logger.Warnw("incomplete leg servo set, skipping port",
			"port", portPath, "found", found, "want", len(want))
		return resource.Config{}, false
	}

	dis.logger.Infof("Discovered %d leg servos on %s", len(found), portPath)
	portSuffix := extractPortSuffix(portPath)
	gainsFile := findGainsFile(moduleDataPath(""), portSuffix, dis.logger)
	return dis.generateConfig(portPath, portSuffix, found, gainsFile), true
}

// generateConfig proposes a leg controller on portPath. Joint calibrations start centered on the
// servo's full range and are expected to be tuned afterwards.
func (dis *legDiscovery) generateConfig(portPath, portSuffix string, ids []int, gainsFile string) resource.Config {
	joints := make([]interface{}, len(ids))
	for i, id := range ids {
		joints[i] = map[string]interface{}{
			"servo_id":      id,
			"zero_position": stsResolution / 2,
			"range_min":     0,
			"range_max":     stsResolution - 1,
		}
	}
	attrs := map[string]interface{}{
		"port":     portPath,
		"baudrate": dis.baudrate,
		"joints":   joints,
	}
	if gainsFile != "" {
		attrs["gains_file"] = gainsFile
	}

	return resource.Config{
		Name:       "leg-controller-" + portSuffix,
		API:        sensor.API,
		Model:      LegControllerModel,
		Attributes: attrs,
	}
}

// probeFeetechPort pings each servo ID on a freshly opened bus.
func probeFeetechPort(ctx context.Context, portPath string, baudrate int, ids []int) ([]int, error) {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     portPath,
		BaudRate: baudrate,
		Protocol: feetech.ProtocolSTS,
		Timeout:  500 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	defer bus.Close()

	var found []int
	for _, id := range ids {
		servo := feetech.NewServo(bus, id, &feetech.ModelSTS3215)
		if _, err := servo.Ping(ctx); err == nil {
			found = append(found, id)
		}
	}
	return found, nil
}

// filterCandidatePorts filters serial ports by platform-specific naming patterns
func filterCandidatePorts(ports []string) []string {
	candidates := []string{}
	for _, port := range ports {
		if isCandidatePort(port) {
			candidates = append(candidates, port)
		}
	}
	return candidates
}

// isCandidatePort checks if a port looks like a USB serial adapter
func isCandidatePort(port string) bool {
	// Linux: /dev/ttyUSB*, /dev/ttyACM*
	if strings.HasPrefix(port, "/dev/ttyUSB") || strings.HasPrefix(port, "/dev/ttyACM") {
		return true
	}
	// macOS: /dev/tty.usbmodem*, /dev/tty.usbserial*, /dev/cu.usbmodem*, /dev/cu.usbserial*
	if strings.HasPrefix(port, "/dev/tty.usbmodem") || strings.HasPrefix(port, "/dev/tty.usbserial") || strings.HasPrefix(port, "/dev/cu.usbmodem") || strings.HasPrefix(port, "/dev/cu.usbserial") {
		return true
	}
	// Windows: COM*
	return strings.HasPrefix(port, "COM")
}

// extractPortSuffix extracts a friendly suffix from port path for naming
// /dev/ttyUSB0 -> "ttyUSB0"
// COM3 -> "COM3"
// /dev/tty.usbmodem123 -> "usbmodem123"
func extractPortSuffix(portPath string) string {
	base := filepath.Base(portPath)

	if strings.HasPrefix(base, "tty.usb") {
		return strings.TrimPrefix(base, "tty.")
	}
	if strings.HasPrefix(base, "cu.usb") {
		return strings.TrimPrefix(base, "cu.")
	}
	return base
}

// findGainsFile searches moduleDataDir for a gains file, port-specific first.
// Returns just the filename or empty string if not found
func findGainsFile(moduleDataDir, portSuffix string, logger logging.Logger) string {
	portSpecific := portSuffix + "_gains.json"
	if _, err := os.Stat(filepath.Join(moduleDataDir, portSpecific)); err == nil {
		logger.Debugf("Found port-specific gains file: %s", portSpecific)
		return portSpecific
	}

	if _, err := os.Stat(filepath.Join(moduleDataDir, defaultGainsFile)); err == nil {
		logger.Debugf("Found default gains file: %s", defaultGainsFile)
		return defaultGainsFile
	}

	logger.Debug("No gains file found")
	return ""
}

// enumerateSerialPorts returns a list of all serial ports on the system
func enumerateSerialPorts() []string {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return []string{}
	}

	var portPaths []string
	for _, port := range ports {
		portPaths = append(portPaths, port.Name)
	}
	return portPaths
}
