package control

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// Sample is the reference extracted from a plan at a given instant.
type Sample struct {
	State RobotState
	GRF   GRFArray
	// Index is the earlier bracket sample; contact flags and forces come from it.
	Index    int
	Fraction float64
	// OutOfRange is set when the requested time is outside the plan span and a boundary
	// sample was returned instead of an interpolated one.
	OutOfRange bool
}

// SampleTrajectory finds the plan samples bracketing now and linearly interpolates every
// continuous field between them. Contact flags and the feedforward GRF are taken from the earlier
// sample and never interpolated. Times outside the plan span return the nearest boundary sample
// with OutOfRange set.
func SampleTrajectory(plan RobotPlan, now float64) (Sample, error) {
	n := len(plan.States)
	if n == 0 {
		return Sample{}, malformedf("plan has no states")
	}
	if math.IsNaN(now) || math.IsInf(now, 0) {
		return Sample{}, malformedf("tick time %v is not finite", now)
	}
	if err := checkPlanTiming(plan); err != nil {
		return Sample{}, err
	}

	first, last := plan.States[0].Time, plan.States[n-1].Time
	var out Sample
	switch {
	case now < first:
		out = Sample{State: plan.States[0].Clone(), Index: 0, OutOfRange: true}
	case now >= last:
		out = Sample{State: plan.States[n-1].Clone(), Index: n - 1, OutOfRange: now > last}
	default:
		// first index strictly after now; first <= now < last guarantees 1 <= next <= n-1
		next := sort.Search(n, func(k int) bool { return plan.States[k].Time > now })
		i := next - 1
		t0, t1 := plan.States[i].Time, plan.States[next].Time
		f := clamp01((now - t0) / (t1 - t0))
		state, err := InterpolateState(plan.States[i], plan.States[next], f)
		if err != nil {
			return Sample{}, err
		}
		out = Sample{State: state, Index: i, Fraction: f}
	}

	grfIndex := out.Index
	if grfIndex > len(plan.GRFs)-1 {
		grfIndex = len(plan.GRFs) - 1
	}
	out.GRF = plan.GRFs[grfIndex].Clone()
	return out, nil
}

func checkPlanTiming(plan RobotPlan) error {
	n := len(plan.States)
	if len(plan.GRFs) == 0 || (len(plan.GRFs) != n && len(plan.GRFs) != n-1) {
		return malformedf("plan has %d states but %d force sets", n, len(plan.GRFs))
	}
	for i, s := range plan.States {
		if math.IsNaN(s.Time) || math.IsInf(s.Time, 0) {
			return malformedf("plan sample %d has non-finite time %v", i, s.Time)
		}
	}
	for i := 1; i < n; i++ {
		if plan.States[i].Time < plan.States[i-1].Time {
			return malformedf("plan timestamps decrease at sample %d (%.6f < %.6f)",
				i, plan.States[i].Time, plan.States[i-1].Time)
		}
	}
	return nil
}

// InterpolateState blends two states with fraction f in [0, 1]. Contact flags come from a.
func InterpolateState(a, b RobotState, f float64) (RobotState, error) {
	if len(a.Joints.Position) != len(b.Joints.Position) ||
		len(a.Joints.Velocity) != len(b.Joints.Velocity) ||
		len(a.Feet) != len(b.Feet) {
		return RobotState{}, malformedf("cannot interpolate states of different shapes")
	}

	out := RobotState{
		Time: lerp(a.Time, b.Time, f),
		Joints: JointState{
			Position: lerpSlice(a.Joints.Position, b.Joints.Position, f),
			Velocity: lerpSlice(a.Joints.Velocity, b.Joints.Velocity, f),
		},
		Body: BodyState{
			Position:        lerpVec(a.Body.Position, b.Body.Position, f),
			Orientation:     lerpVec(a.Body.Orientation, b.Body.Orientation, f),
			LinearVelocity:  lerpVec(a.Body.LinearVelocity, b.Body.LinearVelocity, f),
			AngularVelocity: lerpVec(a.Body.AngularVelocity, b.Body.AngularVelocity, f),
		},
		Feet: make([]FootState, len(a.Feet)),
	}
	for i := range a.Feet {
		out.Feet[i] = FootState{
			Position:     lerpVec(a.Feet[i].Position, b.Feet[i].Position, f),
			Velocity:     lerpVec(a.Feet[i].Velocity, b.Feet[i].Velocity, f),
			Acceleration: lerpVec(a.Feet[i].Acceleration, b.Feet[i].Acceleration, f),
			Contact:      a.Feet[i].Contact,
		}
	}
	return out, nil
}

func lerp(a, b, f float64) float64 {
	return a + (b-a)*f
}

func lerpVec(a, b r3.Vector, f float64) r3.Vector {
	return r3.Vector{X: lerp(a.X, b.X, f), Y: lerp(a.Y, b.Y, f), Z: lerp(a.Z, b.Z, f)}
}

func lerpSlice(a, b []float64, f float64) []float64 {
	out := make([]float64, len(a))
	for i := range a {
		out[i] = lerp(a[i], b[i], f)
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
