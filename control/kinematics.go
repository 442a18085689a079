package control

import (
	"github.com/golang/geo/r3"
)

// DynamicsInput is everything an inverse dynamics solve needs for one tick.
type DynamicsInput struct {
	// Measured joint state, JointsPerLeg entries per leg.
	JointPositions  []float64
	JointVelocities []float64
	// Measured floating base state.
	Body BodyState
	// Reference foot accelerations, sampled forces and contact modes, one per leg.
	FootAccelerations []r3.Vector
	GRFs              []r3.Vector
	Contacts          []bool
}

// KinematicsDynamics converts task space references into joint space and computes feedforward
// joint torques. Implementations are keyed to a physical model and must be stateless and
// deterministic.
type KinematicsDynamics interface {
	// NumLegs is the leg count of the model.
	NumLegs() int

	// InverseKinematics returns joint positions and velocities reaching the foot positions and
	// velocities of state, given its body state.
	InverseKinematics(state RobotState) (positions, velocities []float64, err error)

	// InverseDynamics returns one torque per joint.
	InverseDynamics(in DynamicsInput) ([]float64, error)
}
