// Package kinematics implements control.KinematicsDynamics for a quadruped whose legs each have
// an abduction joint about the body x axis followed by hip and knee joints about the leg y axis.
package kinematics

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"leg_controller/control"
)

// Gravity is the magnitude of gravitational acceleration, acting along world -z.
const Gravity = 9.81

// LegConfig places one leg on the body.
type LegConfig struct {
	// HipOffset is the abduction joint position in the body frame, in meters.
	HipOffset []float64 `json:"hip_offset"`
	// Side is +1 for legs on the body's left, -1 for the right.
	Side float64 `json:"side"`
}

// Config describes the leg geometry shared by every leg.
type Config struct {
	Legs        []LegConfig `json:"legs"`
	AbadLength  float64     `json:"abad_length"`
	UpperLength float64     `json:"upper_length"`
	LowerLength float64     `json:"lower_length"`
	// FootMass is the lumped distal mass accelerated by swing legs, in kg.
	FootMass float64 `json:"foot_mass"`
}

// DefaultConfig is a 12 kg class quadruped with legs ordered front left, back left, front right,
// back right.
func DefaultConfig() Config {
	return Config{
		Legs: []LegConfig{
			{HipOffset: []float64{0.2263, 0.07, 0}, Side: 1},
			{HipOffset: []float64{-0.2263, 0.07, 0}, Side: 1},
			{HipOffset: []float64{0.2263, -0.07, 0}, Side: -1},
			{HipOffset: []float64{-0.2263, -0.07, 0}, Side: -1},
		},
		AbadLength:  0.1,
		UpperLength: 0.206,
		LowerLength: 0.206,
		FootMass:    0.3,
	}
}

// Validate checks the geometry is usable.
func (c Config) Validate() error {
	if len(c.Legs) == 0 {
		return errors.New("at least one leg is required")
	}
	for i, l := range c.Legs {
		if len(l.HipOffset) != 3 {
			return errors.Errorf("leg %d: hip_offset must have 3 entries, got %d", i, len(l.HipOffset))
		}
		if l.Side != 1 && l.Side != -1 {
			return errors.Errorf("leg %d: side must be 1 or -1, got %v", i, l.Side)
		}
	}
	if c.AbadLength < 0 {
		return errors.New("abad_length must not be negative")
	}
	if c.UpperLength <= 0 || c.LowerLength <= 0 {
		return errors.New("upper_length and lower_length must be positive")
	}
	if c.FootMass < 0 {
		return errors.New("foot_mass must not be negative")
	}
	return nil
}

type leg struct {
	hip  r3.Vector
	side float64
}

// Quadruped is a stateless kinematics and dynamics provider.
type Quadruped struct {
	legs           []leg
	l0, l1, l2     float64
	footMass       float64
	jacobianConfig *fd.JacobianSettings
}

var _ control.KinematicsDynamics = (*Quadruped)(nil)

// New returns a provider for the given geometry.
func New(cfg Config) (*Quadruped, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Quadruped{
		l0:             cfg.AbadLength,
		l1:             cfg.UpperLength,
		l2:             cfg.LowerLength,
		footMass:       cfg.FootMass,
		jacobianConfig: &fd.JacobianSettings{Formula: fd.Central},
	}
	for _, l := range cfg.Legs {
		q.legs = append(q.legs, leg{
			hip:  r3.Vector{X: l.HipOffset[0], Y: l.HipOffset[1], Z: l.HipOffset[2]},
			side: l.Side,
		})
	}
	return q, nil
}

// NumLegs is the leg count of the model.
func (q *Quadruped) NumLegs() int {
	return len(q.legs)
}

// LegForward returns the foot position relative to the leg's hip, in body frame axes.
func (q *Quadruped) LegForward(legIdx int, joints [3]float64) r3.Vector {
	q0, q1, q2 := joints[0], joints[1], joints[2]
	x := -q.l1*math.Sin(q1) - q.l2*math.Sin(q1+q2)
	z := -q.l1*math.Cos(q1) - q.l2*math.Cos(q1+q2)
	y := q.legs[legIdx].side * q.l0
	s, c := math.Sincos(q0)
	return r3.Vector{X: x, Y: y*c - z*s, Z: y*s + z*c}
}

// LegInverse returns the joint angles placing the foot at p, relative to the hip in body frame
// axes. The knee always bends with a non-negative angle. Targets outside the workspace are
// projected onto its boundary.
func (q *Quadruped) LegInverse(legIdx int, p r3.Vector) ([3]float64, error) {
	if !finite(p) {
		return [3]float64{}, errors.Errorf("leg %d: non-finite foot target %v", legIdx, p)
	}
	side := q.legs[legIdx].side
	planar := math.Sqrt(math.Max(p.Y*p.Y+p.Z*p.Z-q.l0*q.l0, 0))
	q0 := wrapAngle(math.Atan2(p.Z, p.Y) - math.Atan2(-planar, side*q.l0))

	c := (p.X*p.X + planar*planar - q.l1*q.l1 - q.l2*q.l2) / (2 * q.l1 * q.l2)
	q2 := math.Acos(math.Max(-1, math.Min(1, c)))

	a := q.l1 + q.l2*math.Cos(q2)
	b := q.l2 * math.Sin(q2)
	q1 := math.Atan2(-p.X, planar) - math.Atan2(b, a)
	return [3]float64{q0, q1, q2}, nil
}

// LegJacobian is the 3x3 derivative of LegForward with respect to the joint angles.
func (q *Quadruped) LegJacobian(legIdx int, joints [3]float64) *mat.Dense {
	jac := mat.NewDense(3, 3, nil)
	fd.Jacobian(jac, func(y, x []float64) {
		p := q.LegForward(legIdx, [3]float64{x[0], x[1], x[2]})
		y[0], y[1], y[2] = p.X, p.Y, p.Z
	}, joints[:], q.jacobianConfig)
	return jac
}

// FootPositions returns the world frame foot positions for a body pose and joint vector.
func (q *Quadruped) FootPositions(body control.BodyState, joints []float64) ([]r3.Vector, error) {
	if len(joints) != control.JointsPerLeg*len(q.legs) {
		return nil, errors.Errorf("got %d joints, want %d", len(joints), control.JointsPerLeg*len(q.legs))
	}
	rot := rotation(body.Orientation)
	out := make([]r3.Vector, len(q.legs))
	for i, l := range q.legs {
		rel := q.LegForward(i, legJoints(joints, i)).Add(l.hip)
		out[i] = rotate(rot, rel).Add(body.Position)
	}
	return out, nil
}

// InverseKinematics maps the world frame foot positions and velocities of state to joint
// positions and velocities, using the state's body pose and twist. A leg at a kinematic
// singularity gets zero joint velocity.
func (q *Quadruped) InverseKinematics(state control.RobotState) ([]float64, []float64, error) {
	if len(state.Feet) != len(q.legs) {
		return nil, nil, errors.Errorf("state has %d feet, want %d", len(state.Feet), len(q.legs))
	}
	rot := rotation(state.Body.Orientation)
	positions := make([]float64, 0, control.JointsPerLeg*len(q.legs))
	velocities := make([]float64, 0, control.JointsPerLeg*len(q.legs))
	for i, l := range q.legs {
		foot := state.Feet[i]
		r := foot.Position.Sub(state.Body.Position)
		joints, err := q.LegInverse(i, rotateT(rot, r).Sub(l.hip))
		if err != nil {
			return nil, nil, err
		}
		positions = append(positions, joints[:]...)

		v := foot.Velocity.Sub(state.Body.LinearVelocity).Sub(state.Body.AngularVelocity.Cross(r))
		vRel := rotateT(rot, v)
		var qd mat.VecDense
		if err := qd.SolveVec(q.LegJacobian(i, joints), mat.NewVecDense(3, []float64{vRel.X, vRel.Y, vRel.Z})); err != nil {
			velocities = append(velocities, 0, 0, 0)
			continue
		}
		velocities = append(velocities, qd.AtVec(0), qd.AtVec(1), qd.AtVec(2))
	}
	return positions, velocities, nil
}

// InverseDynamics returns the torques a stance leg needs to apply its ground reaction force and
// a swing leg needs to give its foot mass the reference acceleration against gravity. Jacobians
// are evaluated at the measured joint positions.
func (q *Quadruped) InverseDynamics(in control.DynamicsInput) ([]float64, error) {
	n := len(q.legs)
	if len(in.JointPositions) != control.JointsPerLeg*n {
		return nil, errors.Errorf("got %d joint positions, want %d", len(in.JointPositions), control.JointsPerLeg*n)
	}
	if len(in.GRFs) != n || len(in.FootAccelerations) != n || len(in.Contacts) != n {
		return nil, errors.Errorf("got %d forces, %d accelerations and %d contacts, want %d of each",
			len(in.GRFs), len(in.FootAccelerations), len(in.Contacts), n)
	}
	rot := rotation(in.Body.Orientation)
	tau := make([]float64, 0, control.JointsPerLeg*n)
	for i := range q.legs {
		var f r3.Vector
		if in.Contacts[i] {
			f = rotateT(rot, in.GRFs[i]).Mul(-1)
		} else {
			a := in.FootAccelerations[i].Add(r3.Vector{Z: Gravity})
			f = rotateT(rot, a).Mul(q.footMass)
		}
		var t mat.VecDense
		t.MulVec(q.LegJacobian(i, legJoints(in.JointPositions, i)).T(), mat.NewVecDense(3, []float64{f.X, f.Y, f.Z}))
		tau = append(tau, t.AtVec(0), t.AtVec(1), t.AtVec(2))
	}
	return tau, nil
}

func legJoints(joints []float64, legIdx int) [3]float64 {
	base := control.JointIndex(legIdx, control.Abad)
	return [3]float64{joints[base], joints[base+1], joints[base+2]}
}

// rotation is the body to world rotation for roll, pitch, yaw applied as Rz(yaw) Ry(pitch) Rx(roll).
func rotation(rpy r3.Vector) *mat.Dense {
	sr, cr := math.Sincos(rpy.X)
	sp, cp := math.Sincos(rpy.Y)
	sy, cy := math.Sincos(rpy.Z)
	return mat.NewDense(3, 3, []float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	})
}

func rotate(rot mat.Matrix, v r3.Vector) r3.Vector {
	var out mat.VecDense
	out.MulVec(rot, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

func rotateT(rot *mat.Dense, v r3.Vector) r3.Vector {
	return rotate(rot.T(), v)
}

func wrapAngle(a float64) float64 {
	return math.Remainder(a, 2*math.Pi)
}

func finite(v r3.Vector) bool {
	for _, f := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
