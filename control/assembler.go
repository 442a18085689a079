package control

// AssembleLegCommands builds the command set for a tick. Setpoints come from the reference
// joints, feedforward torque from the dynamics solve, and gains from the contact mode of each
// leg. Swing legs never receive feedforward torque.
func AssembleLegCommands(ref RobotState, torques []float64, contacts []bool, gains *GainSet) (LegCommandArray, error) {
	if gains == nil {
		return LegCommandArray{}, ErrGainsNotConfigured
	}
	numJoints := JointsPerLeg * len(contacts)
	switch {
	case len(ref.Joints.Position) != numJoints:
		return LegCommandArray{}, malformedf("reference has %d joint positions, want %d", len(ref.Joints.Position), numJoints)
	case len(ref.Joints.Velocity) != numJoints:
		return LegCommandArray{}, malformedf("reference has %d joint velocities, want %d", len(ref.Joints.Velocity), numJoints)
	case len(torques) != numJoints:
		return LegCommandArray{}, malformedf("dynamics returned %d torques, want %d", len(torques), numJoints)
	}

	out := LegCommandArray{LegCommands: make([]LegCommand, len(contacts))}
	for leg, contact := range contacts {
		cmds := make([]MotorCommand, JointsPerLeg)
		for j := range cmds {
			role := JointRole(j)
			idx := JointIndex(leg, role)
			kp, kd := gains.Select(contact, role)
			cmds[j] = MotorCommand{
				PosSetpoint: ref.Joints.Position[idx],
				VelSetpoint: ref.Joints.Velocity[idx],
				TorqueFF:    torques[idx],
				Kp:          kp,
				Kd:          kd,
			}
			if !contact {
				cmds[j].TorqueFF = 0
			}
		}
		out.LegCommands[leg] = LegCommand{MotorCommands: cmds}
	}
	return out, nil
}
