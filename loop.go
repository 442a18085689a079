package leg_controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"leg_controller/control"
)

var (
	errNoPlan  = errors.New("no plan received")
	errNoState = errors.New("no robot state received")
)

// LoopStats are the running counters of a control loop.
type LoopStats struct {
	Ticks               int64
	Overruns            int64
	FatalTicks          int64
	OutOfRangeTicks     int64
	MissingContactTicks int64
	ApplyErrors         int64
	LastError           string
	// Last is the most recent successful tick, nil before the first one.
	Last *control.TickResult
}

// controlLoop runs the controller at a fixed rate against the latest state and plan snapshots.
// When a tick fails the previous command set is sent again.
type controlLoop struct {
	controller *control.InverseDynamicsController
	actuator   LegActuator
	recorder   *Recorder
	clk        clock.Clock
	period     time.Duration
	logger     logging.Logger

	state atomic.Pointer[control.RobotState]
	plan  atomic.Pointer[control.RobotPlan]

	mu      sync.Mutex
	cancel  context.CancelFunc
	runs    int
	stats   LoopStats
	workers sync.WaitGroup
}

func newControlLoop(
	controller *control.InverseDynamicsController,
	actuator LegActuator,
	recorder *Recorder,
	clk clock.Clock,
	rateHz float64,
	logger logging.Logger,
) *controlLoop {
	return &controlLoop{
		controller: controller,
		actuator:   actuator,
		recorder:   recorder,
		clk:        clk,
		period:     time.Duration(float64(time.Second) / rateHz),
		logger:     logger,
	}
}

// planSeconds is the controller time base: wall clock seconds.
func planSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// SetState replaces the measured state snapshot. With an actuator attached only the body and
// feet of the snapshot are used; joints are read from the hardware.
func (l *controlLoop) SetState(s control.RobotState) {
	c := s.Clone()
	l.state.Store(&c)
}

// SetPlan replaces the plan snapshot.
func (l *controlLoop) SetPlan(p control.RobotPlan) {
	c := control.RobotPlan{
		States: make([]control.RobotState, len(p.States)),
		GRFs:   make([]control.GRFArray, len(p.GRFs)),
	}
	for i, s := range p.States {
		c.States[i] = s.Clone()
	}
	for i, g := range p.GRFs {
		c.GRFs[i] = g.Clone()
	}
	l.plan.Store(&c)
}

// Plan returns the current plan snapshot, or nil.
func (l *controlLoop) Plan() *control.RobotPlan {
	return l.plan.Load()
}

// Stats returns a copy of the loop counters.
func (l *controlLoop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Running reports whether the background loop is started.
func (l *controlLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// measure builds the measured state. A dry run reads the joints without feeding the
// actuator's velocity estimate.
func (l *controlLoop) measure(ctx context.Context, dryRun bool) (control.RobotState, error) {
	snap := l.state.Load()
	if l.actuator == nil {
		if snap == nil {
			return control.RobotState{}, errNoState
		}
		return *snap, nil
	}
	read := l.actuator.ReadJoints
	if p, ok := l.actuator.(jointPeeker); ok && dryRun {
		read = p.PeekJoints
	}
	joints, err := read(ctx)
	if err != nil {
		return control.RobotState{}, errors.Wrap(err, "read joints")
	}
	var s control.RobotState
	if snap != nil {
		s = snap.Clone()
	}
	s.Joints = joints
	return s, nil
}

func (l *controlLoop) compute(ctx context.Context, now float64, dryRun bool) (control.TickResult, error) {
	plan := l.plan.Load()
	if plan == nil {
		return control.TickResult{}, errNoPlan
	}
	measured, err := l.measure(ctx, dryRun)
	if err != nil {
		return control.TickResult{}, err
	}
	return l.controller.ComputeLegCommandArray(ctx, measured, *plan, now)
}

// Tick runs one control tick at the current clock time, applies the result and records it.
func (l *controlLoop) Tick(ctx context.Context) (control.TickResult, error) {
	started := l.clk.Now()
	now := planSeconds(started)
	res, err := l.compute(ctx, now, false)

	l.mu.Lock()
	l.stats.Ticks++
	held := l.stats.Last
	if err != nil {
		l.stats.FatalTicks++
		l.stats.LastError = err.Error()
	} else {
		if res.Status.OutOfRange {
			l.stats.OutOfRangeTicks++
		}
		if len(res.Status.MissingContactLegs) > 0 {
			l.stats.MissingContactTicks++
		}
		l.stats.Last = &res
	}
	l.mu.Unlock()

	var applyErr error
	switch {
	case err == nil && l.actuator != nil:
		applyErr = l.actuator.Apply(ctx, res.Commands)
	case err != nil:
		if errors.Is(err, errNoPlan) || errors.Is(err, errNoState) {
			l.logger.Debugw("control tick skipped", "now", now, "reason", err)
		} else {
			l.logger.Errorw("control tick failed, holding previous command", "now", now, "error", err)
		}
		if l.actuator != nil && held != nil {
			applyErr = l.actuator.Apply(ctx, held.Commands)
		}
	}
	if applyErr != nil {
		l.mu.Lock()
		l.stats.ApplyErrors++
		l.stats.LastError = applyErr.Error()
		l.mu.Unlock()
		l.logger.Errorw("failed to apply leg commands", "now", now, "error", applyErr)
	}

	if l.recorder != nil && !errors.Is(err, errNoPlan) && !errors.Is(err, errNoState) {
		if rerr := l.recorder.Record(ctx, started, now, res, err); rerr != nil {
			l.logger.Warnw("failed to record tick", "error", rerr)
		}
	}

	if elapsed := l.clk.Since(started); elapsed > l.period {
		l.mu.Lock()
		l.stats.Overruns++
		l.mu.Unlock()
		l.logger.Warnw("control tick overran its period", "elapsed", elapsed, "period", l.period)
	}

	if err != nil {
		return res, err
	}
	return res, errors.Wrap(applyErr, "apply")
}

// Start launches the background loop.
func (l *controlLoop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return errors.New("control loop already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.runs++
	run := l.runs
	l.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer l.workers.Done()
		defer l.exited(run, cancel)
		l.run(ctx)
	})
	l.logger.Infof("Control loop started at %v per tick", l.period)
	return nil
}

func (l *controlLoop) run(ctx context.Context) {
	ticker := l.clk.Ticker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.safeTick(ctx)
		}
	}
}

// safeTick runs Tick and turns a panic into a fatal tick so the loop keeps running.
func (l *controlLoop) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.stats.FatalTicks++
			l.stats.LastError = fmt.Sprintf("control tick panicked: %v", r)
			l.mu.Unlock()
			l.logger.Errorw("control tick panicked", "panic", r)
		}
	}()
	// failures are counted and logged by Tick
	_, _ = l.Tick(ctx)
}

// exited clears the running state when a worker returns without Stop being called.
func (l *controlLoop) exited(run int, cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runs != run || l.cancel == nil {
		return
	}
	l.cancel = nil
	cancel()
	l.stats.LastError = "control loop exited unexpectedly"
	l.logger.Error("Control loop exited unexpectedly")
}

// Stop halts the background loop and waits for it to exit.
func (l *controlLoop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	l.workers.Wait()
	l.logger.Info("Control loop stopped")
}
