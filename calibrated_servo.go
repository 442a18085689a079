package leg_controller

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
)

// stsResolution is the number of raw position counts per revolution on STS servos.
const stsResolution = 4096

// JointCalibration maps one joint onto its servo.
type JointCalibration struct {
	ServoID int `json:"servo_id"`
	// DriveMode inverts the joint direction when non-zero.
	DriveMode int `json:"drive_mode,omitempty"`
	// ZeroPosition is the raw count at which the joint angle is zero.
	ZeroPosition int `json:"zero_position"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Validate checks if the calibration parameters are valid
func (c *JointCalibration) Validate() error {
	if c.ServoID < 0 || c.ServoID > 253 {
		return errors.Errorf("invalid servo ID: %d", c.ServoID)
	}
	if c.RangeMin >= c.RangeMax {
		return errors.Errorf("invalid range: min (%d) must be less than max (%d)", c.RangeMin, c.RangeMax)
	}
	if c.RangeMin < 0 || c.RangeMax >= stsResolution {
		return errors.Errorf("range values must be between 0-%d, got min=%d max=%d", stsResolution-1, c.RangeMin, c.RangeMax)
	}
	if c.ZeroPosition < c.RangeMin || c.ZeroPosition > c.RangeMax {
		return errors.Errorf("zero position %d outside range [%d, %d]", c.ZeroPosition, c.RangeMin, c.RangeMax)
	}
	return nil
}

// Radians converts a raw servo position to a joint angle.
func (c *JointCalibration) Radians(raw int) float64 {
	rad := float64(raw-c.ZeroPosition) * 2 * math.Pi / stsResolution
	if c.DriveMode != 0 {
		rad = -rad
	}
	return rad
}

// Raw converts a joint angle to a raw servo position, clamped to the calibrated range.
func (c *JointCalibration) Raw(rad float64) int {
	if c.DriveMode != 0 {
		rad = -rad
	}
	raw := int(math.Round(rad*stsResolution/(2*math.Pi))) + c.ZeroPosition
	if raw < c.RangeMin {
		raw = c.RangeMin
	}
	if raw > c.RangeMax {
		raw = c.RangeMax
	}
	return raw
}

// servoDriver is the subset of *feetech.Servo used by the leg controller.
type servoDriver interface {
	Ping(ctx context.Context) (int, error)
	Position(ctx context.Context) (int, error)
	SetPosition(ctx context.Context, raw int) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// CalibratedServo wraps a servo with its joint calibration.
type CalibratedServo struct {
	servo       servoDriver
	calibration JointCalibration
	mu          sync.RWMutex
}

// NewCalibratedServo creates a new calibrated servo wrapper
func NewCalibratedServo(servo servoDriver, calibration JointCalibration) *CalibratedServo {
	return &CalibratedServo{
		servo:       servo,
		calibration: calibration,
	}
}

// Angle reads the current joint angle in radians.
func (cs *CalibratedServo) Angle(ctx context.Context) (float64, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	raw, err := cs.servo.Position(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "servo %d: failed to read position", cs.calibration.ServoID)
	}
	return cs.calibration.Radians(raw), nil
}

// RawPosition reads the uncalibrated servo position.
func (cs *CalibratedServo) RawPosition(ctx context.Context) (int, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	raw, err := cs.servo.Position(ctx)
	if err != nil {
		return 0, errors.Wrapf(err, "servo %d: failed to read position", cs.calibration.ServoID)
	}
	return raw, nil
}

// SetAngle commands the joint angle in radians.
func (cs *CalibratedServo) SetAngle(ctx context.Context, rad float64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := cs.servo.SetPosition(ctx, cs.calibration.Raw(rad)); err != nil {
		return errors.Wrapf(err, "servo %d: failed to set position", cs.calibration.ServoID)
	}
	return nil
}

// Enable enables the servo torque
func (cs *CalibratedServo) Enable(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.servo.Enable(ctx)
}

// Disable disables the servo torque
func (cs *CalibratedServo) Disable(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.servo.Disable(ctx)
}

// Ping pings the servo
func (cs *CalibratedServo) Ping(ctx context.Context) (int, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.servo.Ping(ctx)
}

// Calibration returns the joint calibration in use.
func (cs *CalibratedServo) Calibration() JointCalibration {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.calibration
}

// UpdateCalibration safely updates the calibration data
func (cs *CalibratedServo) UpdateCalibration(calibration JointCalibration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.calibration = calibration
}
