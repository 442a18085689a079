package control

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
)

// Options tunes the underbrush behaviour of the controller.
type Options struct {
	KneeCorrection KneeCorrection
	// ContactHorizon bounds the next-contact search to the first ContactHorizon plan samples.
	// Zero searches the whole plan.
	ContactHorizon int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{KneeCorrection: DefaultKneeCorrection()}
}

// TickStatus carries the non-fatal conditions raised during a tick.
type TickStatus struct {
	SampleIndex        int
	Fraction           float64
	OutOfRange         bool
	MissingContactLegs []int
	// Warnings combines ErrPlanTimeOutOfRange and ErrMissingFutureContact occurrences.
	Warnings error
}

// TickResult is the output of one control tick.
type TickResult struct {
	Commands LegCommandArray
	// GRFReport is the force set actually used this tick.
	GRFReport GRFArray
	// Reference is the reshaped, knee-corrected reference the commands were built from.
	Reference RobotState
	Status    TickStatus
}

// InverseDynamicsController tracks a local plan with inverse dynamics feedforward and reshapes
// swing legs toward their next foothold for traversing underbrush.
type InverseDynamicsController struct {
	kd     KinematicsDynamics
	opts   Options
	gains  GainScheduler
	logger logging.Logger
}

// NewInverseDynamicsController returns a controller using kd for kinematics and dynamics. Gains
// must be set before the first tick.
func NewInverseDynamicsController(kd KinematicsDynamics, opts Options, logger logging.Logger) *InverseDynamicsController {
	return &InverseDynamicsController{kd: kd, opts: opts, logger: logger}
}

// SetGains atomically replaces the gain set used by subsequent ticks.
func (c *InverseDynamicsController) SetGains(g *GainSet) {
	c.gains.SetGains(g)
}

// Gains returns the active gain set, or nil.
func (c *InverseDynamicsController) Gains() *GainSet {
	return c.gains.Gains()
}

// NumLegs is the leg count of the underlying model.
func (c *InverseDynamicsController) NumLegs() int {
	return c.kd.NumLegs()
}

// ComputeLegCommandArray runs one tick: sample the plan at now, reshape swing legs, regenerate
// joint references, apply the knee correction, solve inverse dynamics and assemble commands.
// measured and plan are treated as immutable snapshots. A returned error means no command set
// was produced and the caller must fall back.
func (c *InverseDynamicsController) ComputeLegCommandArray(
	ctx context.Context,
	measured RobotState,
	plan RobotPlan,
	now float64,
) (TickResult, error) {
	if err := ctx.Err(); err != nil {
		return TickResult{}, err
	}
	gains := c.gains.Gains()
	if gains == nil {
		return TickResult{}, ErrGainsNotConfigured
	}
	if err := c.validate(measured, plan); err != nil {
		return TickResult{}, err
	}

	sample, err := SampleTrajectory(plan, now)
	if err != nil {
		return TickResult{}, err
	}
	status := TickStatus{SampleIndex: sample.Index, Fraction: sample.Fraction, OutOfRange: sample.OutOfRange}
	if sample.OutOfRange {
		start, end := plan.States[0].Time, plan.States[len(plan.States)-1].Time
		status.Warnings = multierr.Append(status.Warnings,
			errors.Wrapf(ErrPlanTimeOutOfRange, "t=%.6f outside [%.6f, %.6f]", now, start, end))
		c.logger.Warnw("plan time out of range, holding boundary sample",
			"now", now, "plan_start", start, "plan_end", end, "sample", sample.Index)
	}

	horizon := c.opts.ContactHorizon
	if horizon <= 0 || horizon > len(plan.States) {
		horizon = len(plan.States)
	}
	reshaped, missing := ReshapeSwingLegs(sample.State, plan, now, horizon)
	status.MissingContactLegs = missing
	for _, leg := range missing {
		status.Warnings = multierr.Append(status.Warnings, errors.Wrapf(ErrMissingFutureContact, "leg %d", leg))
		c.logger.Warnw("swing leg has no future contact, keeping interpolated reference",
			"leg", leg, "now", now, "horizon", horizon)
	}

	positions, velocities, err := c.kd.InverseKinematics(reshaped)
	if err != nil {
		return TickResult{}, errors.Wrap(err, "inverse kinematics")
	}
	numJoints := JointsPerLeg * c.kd.NumLegs()
	if len(positions) != numJoints || len(velocities) != numJoints {
		return TickResult{}, malformedf("inverse kinematics returned %d/%d joints, want %d",
			len(positions), len(velocities), numJoints)
	}
	reshaped.Joints = JointState{Position: positions, Velocity: velocities}
	ref := ApplyKneeCorrection(reshaped, measured.Joints, c.opts.KneeCorrection)

	contacts := ref.Contacts()
	torques, err := c.kd.InverseDynamics(DynamicsInput{
		JointPositions:    measured.Joints.Position,
		JointVelocities:   measured.Joints.Velocity,
		Body:              measured.Body,
		FootAccelerations: ref.FootAccelerations(),
		GRFs:              sample.GRF.Vectors,
		Contacts:          contacts,
	})
	if err != nil {
		return TickResult{}, errors.Wrap(err, "inverse dynamics")
	}

	cmds, err := AssembleLegCommands(ref, torques, contacts, gains)
	if err != nil {
		return TickResult{}, err
	}
	return TickResult{Commands: cmds, GRFReport: sample.GRF, Reference: ref, Status: status}, nil
}

func (c *InverseDynamicsController) validate(measured RobotState, plan RobotPlan) error {
	legs := c.kd.NumLegs()
	numJoints := JointsPerLeg * legs
	if len(measured.Joints.Position) != numJoints || len(measured.Joints.Velocity) != numJoints {
		return malformedf("measured state has %d/%d joints, want %d",
			len(measured.Joints.Position), len(measured.Joints.Velocity), numJoints)
	}
	if len(plan.States) == 0 {
		return malformedf("plan has no states")
	}
	for i, s := range plan.States {
		if len(s.Feet) != legs {
			return malformedf("plan sample %d has %d feet, want %d", i, len(s.Feet), legs)
		}
		if len(s.Joints.Position) != numJoints || len(s.Joints.Velocity) != numJoints {
			return malformedf("plan sample %d has %d/%d joints, want %d",
				i, len(s.Joints.Position), len(s.Joints.Velocity), numJoints)
		}
	}
	for i, g := range plan.GRFs {
		if len(g.Vectors) != legs {
			return malformedf("plan force set %d has %d vectors, want %d", i, len(g.Vectors), legs)
		}
	}
	return nil
}
