package leg_controller

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"leg_controller/control"
	"leg_controller/kinematics"
)

const (
	defaultBaudRate  = 1000000
	defaultLoopHz    = 500
	defaultGainsFile = "leg_controller_gains.json"
	defaultCalFile   = "leg_controller_calibration.json"
	defaultTimeoutMs = 100
)

// LegControllerConfig is the attribute set of the leg controller sensor.
type LegControllerConfig struct {
	Kinematics *kinematics.Config `json:"kinematics,omitempty"`

	// Gains are used when set; otherwise GainsFile is loaded if it exists.
	Gains     *control.GainConfig `json:"gains,omitempty"`
	GainsFile string              `json:"gains_file,omitempty"`

	KneeCorrectionGain   *float64 `json:"knee_correction_gain,omitempty"`
	KneeCorrectionStance *bool    `json:"knee_correction_stance,omitempty"`
	KneeCorrectionSwing  *bool    `json:"knee_correction_swing,omitempty"`
	// ContactHorizon limits how many plan samples are searched for a swing leg's next foothold.
	ContactHorizon int `json:"contact_horizon,omitempty"`

	LoopHz    float64 `json:"loop_hz,omitempty"`
	AutoStart bool    `json:"auto_start,omitempty"`

	// Hardware. Without a port the controller only computes commands.
	Port      string             `json:"port,omitempty"`
	Baudrate  int                `json:"baudrate,omitempty"`
	TimeoutMs int                `json:"timeout_ms,omitempty"`
	Joints    []JointCalibration `json:"joints,omitempty"`
	// CalibrationFile supplies the joints when none are listed inline; set_zero saves to it.
	CalibrationFile string `json:"calibration_file,omitempty"`

	// RecordFile enables the SQLite tick recorder.
	RecordFile string `json:"record_file,omitempty"`
}

// Validate ensures all parts of the config are valid
func (cfg *LegControllerConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Kinematics == nil {
		def := kinematics.DefaultConfig()
		cfg.Kinematics = &def
	}
	if err := cfg.Kinematics.Validate(); err != nil {
		return nil, nil, errors.Wrapf(err, "%s.kinematics", path)
	}
	if cfg.Gains != nil {
		if _, err := control.NewGainSet(*cfg.Gains); err != nil {
			return nil, nil, errors.Wrapf(err, "%s.gains", path)
		}
	}
	if cfg.GainsFile == "" {
		cfg.GainsFile = defaultGainsFile
	}
	if cfg.KneeCorrectionGain != nil && *cfg.KneeCorrectionGain < 0 {
		return nil, nil, errors.Errorf("%s: knee_correction_gain must not be negative", path)
	}
	if cfg.ContactHorizon < 0 {
		return nil, nil, errors.Errorf("%s: contact_horizon must not be negative", path)
	}
	if cfg.LoopHz == 0 {
		cfg.LoopHz = defaultLoopHz
	}
	if !(cfg.LoopHz > 0) {
		return nil, nil, errors.Errorf("%s: loop_hz must be positive", path)
	}
	if time.Duration(float64(time.Second)/cfg.LoopHz) <= 0 {
		return nil, nil, errors.Errorf("%s: loop_hz %v gives a zero tick period", path, cfg.LoopHz)
	}

	if cfg.CalibrationFile == "" {
		cfg.CalibrationFile = defaultCalFile
	}

	if cfg.Port == "" {
		return nil, nil, nil
	}
	if cfg.Baudrate == 0 {
		cfg.Baudrate = defaultBaudRate
	}
	if cfg.TimeoutMs == 0 {
		cfg.TimeoutMs = defaultTimeoutMs
	}
	// without inline joints the calibration file is checked at construction
	if len(cfg.Joints) == 0 {
		return nil, nil, nil
	}
	if err := checkJoints(cfg.Joints, control.JointsPerLeg*len(cfg.Kinematics.Legs)); err != nil {
		return nil, nil, errors.Wrapf(err, "%s", path)
	}
	return nil, nil, nil
}

func checkJoints(joints []JointCalibration, want int) error {
	if len(joints) != want {
		return errors.Errorf("joints must have %d entries when port is set, got %d", want, len(joints))
	}
	for i := range joints {
		if err := joints[i].Validate(); err != nil {
			return errors.Wrapf(err, "joints.%d", i)
		}
	}
	return nil
}

// JointCalibrations returns the inline joint calibrations, or those saved in CalibrationFile.
func (cfg *LegControllerConfig) JointCalibrations() ([]JointCalibration, error) {
	if len(cfg.Joints) > 0 {
		return cfg.Joints, nil
	}
	path := moduleDataPath(cfg.CalibrationFile)
	joints, err := LoadCalibrationFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := checkJoints(joints, control.JointsPerLeg*len(cfg.Kinematics.Legs)); err != nil {
		return nil, errors.Wrapf(err, "calibration file %s", path)
	}
	return joints, nil
}

// Options returns the controller options the config selects.
func (cfg *LegControllerConfig) Options() control.Options {
	opts := control.DefaultOptions()
	if cfg.KneeCorrectionGain != nil {
		opts.KneeCorrection.Gain = *cfg.KneeCorrectionGain
	}
	if cfg.KneeCorrectionStance != nil {
		opts.KneeCorrection.Stance = *cfg.KneeCorrectionStance
	}
	if cfg.KneeCorrectionSwing != nil {
		opts.KneeCorrection.Swing = *cfg.KneeCorrectionSwing
	}
	opts.ContactHorizon = cfg.ContactHorizon
	return opts
}

// LoadGains returns the configured gains, falling back to the gains file. It returns nil without
// error when neither is available; the controller then refuses to tick until gains are set.
func (cfg *LegControllerConfig) LoadGains(logger logging.Logger) (*control.GainSet, error) {
	if cfg.Gains != nil {
		return control.NewGainSet(*cfg.Gains)
	}

	path := moduleDataPath(cfg.GainsFile)
	gains, err := LoadGainsFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Infof("No gains file at %s, waiting for set_gains", path)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Infof("Successfully loaded gains from %s", path)
	return control.NewGainSet(gains)
}

// LoadGainsFromFile reads a gain file written by SaveGainsToFile.
func LoadGainsFromFile(filePath string) (control.GainConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return control.GainConfig{}, errors.Wrap(err, "failed to read gains file")
	}

	var gains control.GainConfig
	if err := json.Unmarshal(data, &gains); err != nil {
		return control.GainConfig{}, errors.Wrap(err, "failed to parse gains JSON")
	}
	if _, err := control.NewGainSet(gains); err != nil {
		return control.GainConfig{}, errors.Wrap(err, "gains validation failed")
	}
	return gains, nil
}

// SaveGainsToFile saves gains to a JSON file
func SaveGainsToFile(filePath string, gains control.GainConfig) error {
	data, err := json.MarshalIndent(gains, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal gains")
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write gains file")
	}
	return nil
}

// LoadCalibrationFromFile reads joint calibrations saved by SaveCalibrationToFile.
func LoadCalibrationFromFile(filePath string) ([]JointCalibration, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read calibration file")
	}
	var joints []JointCalibration
	if err := json.Unmarshal(data, &joints); err != nil {
		return nil, errors.Wrap(err, "failed to parse calibration JSON")
	}
	return joints, nil
}

// SaveCalibrationToFile saves joint calibrations to a JSON file
func SaveCalibrationToFile(filePath string, joints []JointCalibration) error {
	data, err := json.MarshalIndent(joints, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal calibration")
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write calibration file")
	}
	return nil
}

// moduleDataPath resolves relative file names under VIAM_MODULE_DATA.
func moduleDataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	moduleDataDir := os.Getenv("VIAM_MODULE_DATA")
	if moduleDataDir == "" {
		moduleDataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
	}
	return filepath.Join(moduleDataDir, name)
}
