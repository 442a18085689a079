package kinematics

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leg_controller/control"
)

func newTestQuadruped(t *testing.T) *Quadruped {
	t.Helper()
	q, err := New(DefaultConfig())
	require.NoError(t, err)
	return q
}

func standingJoints() []float64 {
	return []float64{
		0.1, 0.6, 1.2,
		-0.05, 0.7, 1.1,
		-0.1, 0.5, 1.3,
		0.05, 0.8, 1.0,
	}
}

func assertVecInDelta(t *testing.T, want, got r3.Vector, delta float64, msgAndArgs ...interface{}) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, delta, msgAndArgs...)
	assert.InDelta(t, want.Y, got.Y, delta, msgAndArgs...)
	assert.InDelta(t, want.Z, got.Z, delta, msgAndArgs...)
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		err    string
	}{
		{"default", func(*Config) {}, ""},
		{"no legs", func(c *Config) { c.Legs = nil }, "at least one leg"},
		{"short hip offset", func(c *Config) { c.Legs[2].HipOffset = []float64{1} }, "leg 2: hip_offset must have 3 entries"},
		{"bad side", func(c *Config) { c.Legs[0].Side = 0 }, "leg 0: side must be 1 or -1"},
		{"zero link", func(c *Config) { c.LowerLength = 0 }, "must be positive"},
		{"negative mass", func(c *Config) { c.FootMass = -1 }, "foot_mass"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			_, err := New(cfg)
			if tc.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestLegInverseRoundTrip(t *testing.T) {
	q := newTestQuadruped(t)
	for leg := 0; leg < q.NumLegs(); leg++ {
		for _, joints := range [][3]float64{
			{0, 0.7, 1.4},
			{0.3, -0.2, 0.4},
			{-0.4, 0.3, 1.5},
		} {
			foot := q.LegForward(leg, joints)
			got, err := q.LegInverse(leg, foot)
			require.NoError(t, err)
			for j := range joints {
				assert.InDelta(t, joints[j], got[j], 1e-9, "leg %d joints %v", leg, joints)
			}
		}
	}
}

func TestLegInverseOutOfReach(t *testing.T) {
	q := newTestQuadruped(t)
	got, err := q.LegInverse(0, r3.Vector{Z: -5})
	require.NoError(t, err)
	assert.InDelta(t, 0, got[2], 1e-9, "fully stretched knee")

	_, err = q.LegInverse(0, r3.Vector{X: math.NaN()})
	assert.Error(t, err)
}

func TestInverseKinematicsWorldFrame(t *testing.T) {
	q := newTestQuadruped(t)
	body := control.BodyState{
		Position:    r3.Vector{X: 1, Y: -0.5, Z: 0.3},
		Orientation: r3.Vector{X: 0.05, Y: -0.1, Z: 0.8},
	}
	joints := standingJoints()
	feet, err := q.FootPositions(body, joints)
	require.NoError(t, err)

	state := control.RobotState{Body: body, Feet: make([]control.FootState, len(feet))}
	for i, p := range feet {
		state.Feet[i] = control.FootState{Position: p}
	}

	t.Run("positions round trip", func(t *testing.T) {
		pos, vel, err := q.InverseKinematics(state)
		require.NoError(t, err)
		assert.InDeltaSlice(t, joints, pos, 1e-9)
		assert.InDeltaSlice(t, make([]float64, len(joints)), vel, 1e-6)
	})

	t.Run("joint velocities reproduce foot velocity", func(t *testing.T) {
		qd := []float64{0.2, -0.3, 0.5, 0.1, 0.4, -0.2, -0.3, 0.2, 0.1, 0, 0.5, -0.5}
		const eps = 1e-6
		plus, minus := make([]float64, len(joints)), make([]float64, len(joints))
		for i := range joints {
			plus[i] = joints[i] + eps*qd[i]
			minus[i] = joints[i] - eps*qd[i]
		}
		fp, err := q.FootPositions(body, plus)
		require.NoError(t, err)
		fm, err := q.FootPositions(body, minus)
		require.NoError(t, err)

		moving := state
		moving.Feet = append([]control.FootState(nil), state.Feet...)
		for i := range moving.Feet {
			moving.Feet[i].Velocity = fp[i].Sub(fm[i]).Mul(1 / (2 * eps))
		}
		_, vel, err := q.InverseKinematics(moving)
		require.NoError(t, err)
		assert.InDeltaSlice(t, qd, vel, 1e-5)
	})

	t.Run("feet moving with the body have zero joint velocity", func(t *testing.T) {
		moving := state
		moving.Body.LinearVelocity = r3.Vector{X: 0.4, Y: 0.1}
		moving.Feet = append([]control.FootState(nil), state.Feet...)
		for i := range moving.Feet {
			moving.Feet[i].Velocity = moving.Body.LinearVelocity
		}
		_, vel, err := q.InverseKinematics(moving)
		require.NoError(t, err)
		assert.InDeltaSlice(t, make([]float64, len(joints)), vel, 1e-6)
	})

	t.Run("foot count mismatch", func(t *testing.T) {
		short := state
		short.Feet = state.Feet[:3]
		_, _, err := q.InverseKinematics(short)
		assert.Error(t, err)
	})
}

func TestInverseDynamics(t *testing.T) {
	q := newTestQuadruped(t)
	joints := standingJoints()
	zero := make([]r3.Vector, q.NumLegs())

	t.Run("stance torque does the virtual work of the force", func(t *testing.T) {
		grfs := []r3.Vector{{X: 5, Z: 30}, {Y: -3, Z: 25}, {X: -2, Z: 30}, {Z: 28}}
		tau, err := q.InverseDynamics(control.DynamicsInput{
			JointPositions:    joints,
			JointVelocities:   make([]float64, len(joints)),
			FootAccelerations: zero,
			GRFs:              grfs,
			Contacts:          []bool{true, true, true, true},
		})
		require.NoError(t, err)
		require.Len(t, tau, len(joints))

		const eps = 1e-6
		for leg := 0; leg < q.NumLegs(); leg++ {
			for j := 0; j < control.JointsPerLeg; j++ {
				plus, minus := legJoints(joints, leg), legJoints(joints, leg)
				plus[j] += eps
				minus[j] -= eps
				dp := q.LegForward(leg, plus).Sub(q.LegForward(leg, minus)).Mul(1 / (2 * eps))
				assert.InDelta(t, -dp.Dot(grfs[leg]), tau[control.JointIndex(leg, control.JointRole(j))], 1e-6,
					"leg %d joint %d", leg, j)
			}
		}
	})

	t.Run("swing leg in free fall needs no torque", func(t *testing.T) {
		acc := make([]r3.Vector, q.NumLegs())
		for i := range acc {
			acc[i] = r3.Vector{Z: -Gravity}
		}
		tau, err := q.InverseDynamics(control.DynamicsInput{
			JointPositions:    joints,
			JointVelocities:   make([]float64, len(joints)),
			Body:              control.BodyState{Orientation: r3.Vector{X: 0.2, Y: 0.1, Z: 1}},
			FootAccelerations: acc,
			GRFs:              zero,
			Contacts:          make([]bool, q.NumLegs()),
		})
		require.NoError(t, err)
		assert.InDeltaSlice(t, make([]float64, len(joints)), tau, 1e-9)
	})

	t.Run("swing leg holding still supports its own weight", func(t *testing.T) {
		tau, err := q.InverseDynamics(control.DynamicsInput{
			JointPositions:    joints,
			JointVelocities:   make([]float64, len(joints)),
			FootAccelerations: zero,
			GRFs:              zero,
			Contacts:          make([]bool, q.NumLegs()),
		})
		require.NoError(t, err)
		weight := r3.Vector{Z: DefaultConfig().FootMass * Gravity}
		stance, err := q.InverseDynamics(control.DynamicsInput{
			JointPositions:    joints,
			JointVelocities:   make([]float64, len(joints)),
			FootAccelerations: zero,
			GRFs:              []r3.Vector{weight.Mul(-1), weight.Mul(-1), weight.Mul(-1), weight.Mul(-1)},
			Contacts:          []bool{true, true, true, true},
		})
		require.NoError(t, err)
		assert.InDeltaSlice(t, stance, tau, 1e-9)
	})

	t.Run("count mismatch", func(t *testing.T) {
		_, err := q.InverseDynamics(control.DynamicsInput{
			JointPositions:    joints[:9],
			FootAccelerations: zero,
			GRFs:              zero,
			Contacts:          make([]bool, 4),
		})
		assert.Error(t, err)

		_, err = q.InverseDynamics(control.DynamicsInput{
			JointPositions:    joints,
			FootAccelerations: zero,
			GRFs:              zero[:2],
			Contacts:          make([]bool, 4),
		})
		assert.Error(t, err)
	})
}

func TestRotationIsOrthonormal(t *testing.T) {
	rot := rotation(r3.Vector{X: 0.3, Y: -0.7, Z: 2.1})
	v := r3.Vector{X: 1, Y: 2, Z: -3}
	assertVecInDelta(t, v, rotateT(rot, rotate(rot, v)), 1e-12)
	assert.InDelta(t, v.Norm(), rotate(rot, v).Norm(), 1e-12)

	yaw := rotation(r3.Vector{Z: math.Pi / 2})
	assertVecInDelta(t, r3.Vector{Y: 1}, rotate(yaw, r3.Vector{X: 1}), 1e-12)
}
