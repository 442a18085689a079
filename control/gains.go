package control

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// GainConfig is the external gain configuration: one entry per joint role (abad, hip, knee).
type GainConfig struct {
	StanceKp []float64 `json:"stance_kp"`
	StanceKd []float64 `json:"stance_kd"`
	SwingKp  []float64 `json:"swing_kp"`
	SwingKd  []float64 `json:"swing_kd"`
}

// GainSet is a validated, immutable set of stance and swing PD gains.
type GainSet struct {
	StanceKp [JointsPerLeg]float64
	StanceKd [JointsPerLeg]float64
	SwingKp  [JointsPerLeg]float64
	SwingKd  [JointsPerLeg]float64
}

// NewGainSet validates a gain configuration. Every vector must have exactly JointsPerLeg entries.
func NewGainSet(cfg GainConfig) (*GainSet, error) {
	vectors := []struct {
		name string
		in   []float64
	}{
		{"stance_kp", cfg.StanceKp},
		{"stance_kd", cfg.StanceKd},
		{"swing_kp", cfg.SwingKp},
		{"swing_kd", cfg.SwingKd},
	}
	for _, v := range vectors {
		if len(v.in) != JointsPerLeg {
			return nil, errors.Wrapf(ErrMalformedInput, "%s must have %d entries, got %d", v.name, JointsPerLeg, len(v.in))
		}
	}

	g := &GainSet{}
	copy(g.StanceKp[:], cfg.StanceKp)
	copy(g.StanceKd[:], cfg.StanceKd)
	copy(g.SwingKp[:], cfg.SwingKp)
	copy(g.SwingKd[:], cfg.SwingKd)
	return g, nil
}

// Config converts the set back to its external form.
func (g *GainSet) Config() GainConfig {
	return GainConfig{
		StanceKp: append([]float64(nil), g.StanceKp[:]...),
		StanceKd: append([]float64(nil), g.StanceKd[:]...),
		SwingKp:  append([]float64(nil), g.SwingKp[:]...),
		SwingKd:  append([]float64(nil), g.SwingKd[:]...),
	}
}

// Select returns the gains for a joint role given the leg's contact mode.
func (g *GainSet) Select(contact bool, role JointRole) (kp, kd float64) {
	if contact {
		return g.StanceKp[role], g.StanceKd[role]
	}
	return g.SwingKp[role], g.SwingKd[role]
}

// GainScheduler holds the active gain set. Replacing it is a single atomic swap, so a tick
// never observes a partially updated set.
type GainScheduler struct {
	current atomic.Pointer[GainSet]
}

// SetGains installs a new gain set for all subsequent ticks.
func (s *GainScheduler) SetGains(g *GainSet) {
	s.current.Store(g)
}

// Gains returns the active gain set, or nil if none was configured.
func (s *GainScheduler) Gains() *GainSet {
	return s.current.Load()
}
