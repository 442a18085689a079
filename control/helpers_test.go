package control

import (
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const testLegs = 4

var approx = cmpopts.EquateApprox(0, 1e-12)

// stubKD maps each leg's foot position/velocity straight onto its abad, hip and knee joints and
// returns the sampled force components as torques, so every stage of a tick is observable.
type stubKD struct {
	legs    int
	lastIn  DynamicsInput
	ikCalls int
}

func (s *stubKD) NumLegs() int { return s.legs }

func (s *stubKD) InverseKinematics(state RobotState) ([]float64, []float64, error) {
	s.ikCalls++
	pos := make([]float64, 0, JointsPerLeg*s.legs)
	vel := make([]float64, 0, JointsPerLeg*s.legs)
	for _, f := range state.Feet {
		pos = append(pos, f.Position.X, f.Position.Y, f.Position.Z)
		vel = append(vel, f.Velocity.X, f.Velocity.Y, f.Velocity.Z)
	}
	return pos, vel, nil
}

func (s *stubKD) InverseDynamics(in DynamicsInput) ([]float64, error) {
	s.lastIn = in
	tau := make([]float64, 0, JointsPerLeg*s.legs)
	for _, f := range in.GRFs {
		tau = append(tau, f.X, f.Y, f.Z)
	}
	return tau, nil
}

func makeState(t float64, contacts []bool, base float64) RobotState {
	n := len(contacts)
	s := RobotState{
		Time: t,
		Joints: JointState{
			Position: make([]float64, JointsPerLeg*n),
			Velocity: make([]float64, JointsPerLeg*n),
		},
		Body: BodyState{
			Position:        r3.Vector{X: base, Y: 2 * base, Z: 0.3 + base},
			Orientation:     r3.Vector{X: 0.01 * base, Y: 0.02 * base, Z: 0.03 * base},
			LinearVelocity:  r3.Vector{X: base},
			AngularVelocity: r3.Vector{Z: -base},
		},
		Feet: make([]FootState, n),
	}
	for i := range s.Joints.Position {
		s.Joints.Position[i] = base + float64(i)
		s.Joints.Velocity[i] = -base - float64(i)
	}
	for leg, c := range contacts {
		l := float64(leg)
		s.Feet[leg] = FootState{
			Position:     r3.Vector{X: base + l, Y: base - l, Z: base * l},
			Velocity:     r3.Vector{X: 1 + base, Y: 2 + base, Z: 3 + base},
			Acceleration: r3.Vector{X: 4 * base, Y: 5 * base, Z: 6 * base},
			Contact:      c,
		}
	}
	return s
}

func makeGRF(legs int, v float64) GRFArray {
	g := GRFArray{Vectors: make([]r3.Vector, legs)}
	for i := range g.Vectors {
		g.Vectors[i] = r3.Vector{X: v, Y: -v, Z: 10 * v}
	}
	return g
}

func allContacts(n int, c bool) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = c
	}
	return out
}

func testGains() *GainSet {
	g, err := NewGainSet(GainConfig{
		StanceKp: []float64{50, 60, 70},
		StanceKd: []float64{1, 2, 3},
		SwingKp:  []float64{20, 25, 30},
		SwingKd:  []float64{0.1, 0.2, 0.3},
	})
	if err != nil {
		panic(err)
	}
	return g
}

func diff(want, got interface{}) string {
	return cmp.Diff(want, got, approx)
}
