package leg_controller

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"

	"leg_controller/control"
)

// LegActuator moves the robot's joints and reports where they are.
type LegActuator interface {
	// ReadJoints returns the measured joint state, JointsPerLeg entries per leg.
	ReadJoints(ctx context.Context) (control.JointState, error)
	// Apply sends one command set to the joints.
	Apply(ctx context.Context, cmds control.LegCommandArray) error
	Close(ctx context.Context) error
}

// jointPeeker reads joints without advancing the actuator's velocity estimate.
type jointPeeker interface {
	PeekJoints(ctx context.Context) (control.JointState, error)
}

// jointCalibrator is implemented by actuators whose joint zeros can be captured in place.
type jointCalibrator interface {
	Calibrations() []JointCalibration
	SetZero(ctx context.Context) ([]JointCalibration, error)
}

// servoActuator drives position-controlled servos. Only position setpoints can be applied; the
// remaining command fields are reported by the controller but have no register to land in.
type servoActuator struct {
	joints  []*CalibratedServo
	clk     clock.Clock
	logger  logging.Logger
	onClose func() error

	mu       sync.Mutex
	last     []float64
	lastVel  []float64
	lastRead time.Time
}

func newServoActuator(joints []*CalibratedServo, clk clock.Clock, logger logging.Logger, onClose func() error) *servoActuator {
	return &servoActuator{joints: joints, clk: clk, logger: logger, onClose: onClose}
}

// newFeetechActuator opens (or shares) the bus on settings.Port and binds one STS3215 servo per
// joint calibration, in joint vector order.
func newFeetechActuator(
	ctx context.Context,
	settings BusSettings,
	calibrations []JointCalibration,
	clk clock.Clock,
	logger logging.Logger,
) (*servoActuator, error) {
	bus, err := globalRegistry.Acquire(settings)
	if err != nil {
		return nil, err
	}
	release := func() error { return globalRegistry.Release(settings.Port) }

	joints := make([]*CalibratedServo, 0, len(calibrations))
	for i, cal := range calibrations {
		servo := feetech.NewServo(bus, cal.ServoID, &feetech.ModelSTS3215)
		if _, err := servo.Ping(ctx); err != nil {
			return nil, multierr.Combine(
				errors.Wrapf(err, "joint %d (%s): servo %d did not respond",
					i, control.JointRole(i%control.JointsPerLeg), cal.ServoID),
				release())
		}
		joints = append(joints, NewCalibratedServo(servo, cal))
	}
	logger.Infof("Bound %d joint servos on %s", len(joints), settings.Port)
	return newServoActuator(joints, clk, logger, release), nil
}

func (a *servoActuator) readPositions(ctx context.Context) ([]float64, error) {
	positions := make([]float64, len(a.joints))
	for i, j := range a.joints {
		angle, err := j.Angle(ctx)
		if err != nil {
			return nil, err
		}
		positions[i] = angle
	}
	return positions, nil
}

// ReadJoints reads every joint angle. Velocities are finite differences against the previous
// read and are zero on the first one.
func (a *servoActuator) ReadJoints(ctx context.Context) (control.JointState, error) {
	positions, err := a.readPositions(ctx)
	if err != nil {
		return control.JointState{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.clk.Now()
	velocities := make([]float64, len(positions))
	if dt := now.Sub(a.lastRead).Seconds(); a.last != nil && dt > 0 {
		for i := range positions {
			velocities[i] = (positions[i] - a.last[i]) / dt
		}
	}
	a.last, a.lastVel, a.lastRead = positions, velocities, now
	return control.JointState{Position: positions, Velocity: append([]float64(nil), velocities...)}, nil
}

// PeekJoints reads every joint angle and reports the velocities of the last ReadJoints.
func (a *servoActuator) PeekJoints(ctx context.Context) (control.JointState, error) {
	positions, err := a.readPositions(ctx)
	if err != nil {
		return control.JointState{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	velocities := make([]float64, len(positions))
	copy(velocities, a.lastVel)
	return control.JointState{Position: positions, Velocity: velocities}, nil
}

// Apply sends each joint its position setpoint. Every joint is attempted even if some fail.
func (a *servoActuator) Apply(ctx context.Context, cmds control.LegCommandArray) error {
	if len(cmds.LegCommands)*control.JointsPerLeg != len(a.joints) {
		return errors.Errorf("got commands for %d legs, actuator drives %d joints",
			len(cmds.LegCommands), len(a.joints))
	}
	var err error
	for leg, lc := range cmds.LegCommands {
		for role, mc := range lc.MotorCommands {
			joint := a.joints[control.JointIndex(leg, control.JointRole(role))]
			err = multierr.Append(err, joint.SetAngle(ctx, mc.PosSetpoint))
		}
	}
	return err
}

// Calibrations returns the joint calibrations in joint vector order.
func (a *servoActuator) Calibrations() []JointCalibration {
	out := make([]JointCalibration, len(a.joints))
	for i, j := range a.joints {
		out[i] = j.Calibration()
	}
	return out
}

// SetZero makes the current pose the zero of every joint. Nothing changes unless every joint
// reads back inside its calibrated range.
func (a *servoActuator) SetZero(ctx context.Context) ([]JointCalibration, error) {
	updated := make([]JointCalibration, len(a.joints))
	for i, j := range a.joints {
		raw, err := j.RawPosition(ctx)
		if err != nil {
			return nil, err
		}
		cal := j.Calibration()
		cal.ZeroPosition = raw
		if err := cal.Validate(); err != nil {
			return nil, errors.Wrapf(err, "joint %d", i)
		}
		updated[i] = cal
	}

	for i, j := range a.joints {
		j.UpdateCalibration(updated[i])
		a.logger.Infof("Joint %d (%s, servo %d): zero_position=%d",
			i, control.JointRole(i%control.JointsPerLeg), updated[i].ServoID, updated[i].ZeroPosition)
	}
	a.mu.Lock()
	a.last, a.lastVel = nil, nil
	a.mu.Unlock()
	return updated, nil
}

// Close disables torque on every joint and releases the bus.
func (a *servoActuator) Close(ctx context.Context) error {
	var err error
	for _, j := range a.joints {
		err = multierr.Append(err, j.Disable(ctx))
	}
	if a.onClose != nil {
		err = multierr.Append(err, a.onClose())
	}
	return err
}
