package control

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
)

// DefaultKneeCorrectionGain is the knee flexion applied per radian of abad and hip tracking error.
const DefaultKneeCorrectionGain = 0.8

// KneeCorrection configures the knee offset added after swing reshaping. The offset is
// -Gain*|hip error| - Gain*|abad error|, with error = measured - reference.
type KneeCorrection struct {
	Gain float64
	// Stance and Swing gate the offset by the leg's contact mode.
	Stance bool
	Swing  bool
}

// DefaultKneeCorrection applies the default gain to every leg.
func DefaultKneeCorrection() KneeCorrection {
	return KneeCorrection{Gain: DefaultKneeCorrectionGain, Stance: true, Swing: true}
}

// NextContactIndex returns the first sample index below horizon whose time is strictly after
// `after` and where the given leg is in contact. The final plan sample is a valid foothold. ok is
// false when no such sample exists.
func NextContactIndex(plan RobotPlan, leg int, after float64, horizon int) (index int, ok bool) {
	if horizon > len(plan.States) {
		horizon = len(plan.States)
	}
	start := sort.Search(horizon, func(k int) bool { return plan.States[k].Time > after })
	for j := start; j < horizon; j++ {
		feet := plan.States[j].Feet
		if leg < len(feet) && feet[leg].Contact {
			return j, true
		}
	}
	return -1, false
}

// ReshapeSwingLegs aims every swing foot of ref at its next planned foothold: the foot position
// is replaced by the one of the next contact sample and the foot velocity and acceleration are
// zeroed. Legs without a future contact before horizon keep their reference unchanged and are
// returned in missing.
func ReshapeSwingLegs(ref RobotState, plan RobotPlan, now float64, horizon int) (reshaped RobotState, missing []int) {
	reshaped = ref.Clone()
	for leg, foot := range ref.Feet {
		if foot.Contact {
			continue
		}
		j, ok := NextContactIndex(plan, leg, now, horizon)
		if !ok {
			missing = append(missing, leg)
			continue
		}
		reshaped.Feet[leg].Position = plan.States[j].Feet[leg].Position
		reshaped.Feet[leg].Velocity = r3.Vector{}
		reshaped.Feet[leg].Acceleration = r3.Vector{}
	}
	return reshaped, missing
}

// ApplyKneeCorrection flexes each gated leg's reference knee in proportion to how poorly the abad
// and hip joints track their reference.
func ApplyKneeCorrection(ref RobotState, measured JointState, kc KneeCorrection) RobotState {
	out := ref.Clone()
	for leg, foot := range ref.Feet {
		if (foot.Contact && !kc.Stance) || (!foot.Contact && !kc.Swing) {
			continue
		}
		abad, hip, knee := JointIndex(leg, Abad), JointIndex(leg, Hip), JointIndex(leg, Knee)
		hipErr := measured.Position[hip] - out.Joints.Position[hip]
		abadErr := measured.Position[abad] - out.Joints.Position[abad]
		out.Joints.Position[knee] += -kc.Gain*math.Abs(hipErr) - kc.Gain*math.Abs(abadErr)
	}
	return out
}
