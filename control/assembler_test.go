package control

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleLegCommands(t *testing.T) {
	contacts := []bool{true, false, true, false}
	ref := makeState(0, contacts, 1)
	torques := make([]float64, JointsPerLeg*len(contacts))
	for i := range torques {
		torques[i] = 10 + float64(i)
	}
	gains := testGains()

	out, err := AssembleLegCommands(ref, torques, contacts, gains)
	require.NoError(t, err)
	require.Len(t, out.LegCommands, len(contacts))

	for leg, contact := range contacts {
		cmds := out.LegCommands[leg].MotorCommands
		require.Len(t, cmds, JointsPerLeg)
		for j, cmd := range cmds {
			idx := JointIndex(leg, JointRole(j))
			assert.Equal(t, ref.Joints.Position[idx], cmd.PosSetpoint)
			assert.Equal(t, ref.Joints.Velocity[idx], cmd.VelSetpoint)
			if contact {
				assert.Equal(t, torques[idx], cmd.TorqueFF)
				assert.Equal(t, gains.StanceKp[j], cmd.Kp)
				assert.Equal(t, gains.StanceKd[j], cmd.Kd)
			} else {
				assert.Zero(t, cmd.TorqueFF, "swing leg %d joint %d", leg, j)
				assert.Equal(t, gains.SwingKp[j], cmd.Kp)
				assert.Equal(t, gains.SwingKd[j], cmd.Kd)
			}
		}
	}
}

func TestAssembleLegCommandsErrors(t *testing.T) {
	contacts := []bool{true, true}
	ref := makeState(0, contacts, 1)
	torques := make([]float64, 6)

	_, err := AssembleLegCommands(ref, torques, contacts, nil)
	assert.True(t, errors.Is(err, ErrGainsNotConfigured))

	_, err = AssembleLegCommands(ref, torques[:5], contacts, testGains())
	assert.True(t, errors.Is(err, ErrMalformedInput))

	_, err = AssembleLegCommands(ref, torques, []bool{true, true, true}, testGains())
	assert.True(t, errors.Is(err, ErrMalformedInput))
}
