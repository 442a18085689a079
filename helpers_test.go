package leg_controller

import (
	"context"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"

	"leg_controller/control"
	"leg_controller/kinematics"
)

func standingJoints() []float64 {
	return []float64{
		0, 0.7, 1.3,
		0, 0.7, 1.3,
		0, 0.7, 1.3,
		0, 0.7, 1.3,
	}
}

func standingState(t *testing.T, at float64) control.RobotState {
	t.Helper()
	q, err := kinematics.New(kinematics.DefaultConfig())
	require.NoError(t, err)
	body := control.BodyState{Position: r3.Vector{Z: 0.3}}
	feet, err := q.FootPositions(body, standingJoints())
	require.NoError(t, err)

	s := control.RobotState{
		Time:   at,
		Joints: control.JointState{Position: standingJoints(), Velocity: make([]float64, 12)},
		Body:   body,
		Feet:   make([]control.FootState, len(feet)),
	}
	for i, p := range feet {
		s.Feet[i] = control.FootState{Position: p, Contact: true}
	}
	return s
}

// standingPlan holds the robot still on four feet, each carrying a quarter of 12 kg.
func standingPlan(t *testing.T, times ...float64) control.RobotPlan {
	t.Helper()
	var plan control.RobotPlan
	for _, at := range times {
		plan.States = append(plan.States, standingState(t, at))
		plan.GRFs = append(plan.GRFs, control.GRFArray{Vectors: []r3.Vector{
			{Z: 29.43}, {Z: 29.43}, {Z: 29.43}, {Z: 29.43},
		}})
	}
	return plan
}

type fakeActuator struct {
	mu       sync.Mutex
	joints   control.JointState
	applied  []control.LegCommandArray
	applyErr error
	onApply  func()
	closed   bool
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{joints: control.JointState{Position: standingJoints(), Velocity: make([]float64, 12)}}
}

func (a *fakeActuator) ReadJoints(context.Context) (control.JointState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joints, nil
}

func (a *fakeActuator) Apply(_ context.Context, cmds control.LegCommandArray) error {
	a.mu.Lock()
	a.applied = append(a.applied, cmds)
	onApply := a.onApply
	err := a.applyErr
	a.mu.Unlock()
	if onApply != nil {
		onApply()
	}
	return err
}

func (a *fakeActuator) Close(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeActuator) Applied() []control.LegCommandArray {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]control.LegCommandArray(nil), a.applied...)
}
