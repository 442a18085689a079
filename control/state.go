// Package control computes per-joint leg commands for a legged robot from its measured state
// and a time-indexed local plan.
package control

import (
	"github.com/golang/geo/r3"
)

// JointsPerLeg is the number of actuated joints on every leg.
const JointsPerLeg = 3

// JointRole identifies a joint within a leg.
type JointRole int

// Joint roles, in the order they appear in joint vectors and motor command lists.
const (
	Abad JointRole = iota
	Hip
	Knee
)

func (r JointRole) String() string {
	switch r {
	case Abad:
		return "abad"
	case Hip:
		return "hip"
	case Knee:
		return "knee"
	default:
		return "unknown"
	}
}

// JointIndex returns the index of a joint in a flat 3*N joint vector.
func JointIndex(leg int, role JointRole) int {
	return JointsPerLeg*leg + int(role)
}

// JointState holds joint positions (rad) and velocities (rad/s), JointsPerLeg entries per leg.
type JointState struct {
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity"`
}

// BodyState is the floating base pose and twist. Orientation is roll, pitch, yaw in radians.
type BodyState struct {
	Position        r3.Vector `json:"position"`
	Orientation     r3.Vector `json:"orientation"`
	LinearVelocity  r3.Vector `json:"linear_velocity"`
	AngularVelocity r3.Vector `json:"angular_velocity"`
}

// FootState is the task space state of one foot, expressed in the world frame.
type FootState struct {
	Position     r3.Vector `json:"position"`
	Velocity     r3.Vector `json:"velocity"`
	Acceleration r3.Vector `json:"acceleration"`
	Contact      bool      `json:"contact"`
}

// RobotState is a full snapshot of the robot, measured or planned. Time is in seconds.
type RobotState struct {
	Time   float64     `json:"time"`
	Joints JointState  `json:"joints"`
	Body   BodyState   `json:"body"`
	Feet   []FootState `json:"feet"`
}

// Clone returns a deep copy of the state.
func (s RobotState) Clone() RobotState {
	out := s
	out.Joints.Position = append([]float64(nil), s.Joints.Position...)
	out.Joints.Velocity = append([]float64(nil), s.Joints.Velocity...)
	out.Feet = append([]FootState(nil), s.Feet...)
	return out
}

// Contacts returns the per-leg contact flags of the state.
func (s RobotState) Contacts() []bool {
	contacts := make([]bool, len(s.Feet))
	for i, f := range s.Feet {
		contacts[i] = f.Contact
	}
	return contacts
}

// FootAccelerations returns the per-leg foot accelerations of the state.
func (s RobotState) FootAccelerations() []r3.Vector {
	acc := make([]r3.Vector, len(s.Feet))
	for i, f := range s.Feet {
		acc[i] = f.Acceleration
	}
	return acc
}

// GRFArray is one ground reaction force per leg, in the world frame.
type GRFArray struct {
	Vectors []r3.Vector `json:"vectors"`
}

// Clone returns a deep copy of the force set.
func (g GRFArray) Clone() GRFArray {
	return GRFArray{Vectors: append([]r3.Vector(nil), g.Vectors...)}
}

// RobotPlan is a local plan: states with non-decreasing timestamps and the feedforward forces
// associated with each of them. GRFs[i] applies from States[i].Time until the next sample.
type RobotPlan struct {
	States []RobotState `json:"states"`
	GRFs   []GRFArray   `json:"grfs"`
}

// MotorCommand is the command for a single joint.
type MotorCommand struct {
	PosSetpoint float64 `json:"pos_setpoint"`
	VelSetpoint float64 `json:"vel_setpoint"`
	TorqueFF    float64 `json:"torque_ff"`
	Kp          float64 `json:"kp"`
	Kd          float64 `json:"kd"`
}

// LegCommand holds the JointsPerLeg motor commands of a leg, ordered abad, hip, knee.
type LegCommand struct {
	MotorCommands []MotorCommand `json:"motor_commands"`
}

// LegCommandArray is the command set emitted for one control tick.
type LegCommandArray struct {
	LegCommands []LegCommand `json:"leg_commands"`
}
