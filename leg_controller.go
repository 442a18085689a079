package leg_controller

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"leg_controller/control"
	"leg_controller/kinematics"
)

var LegControllerModel = resource.NewModel("devrel", "leg-controller", "underbrush-inverse-dynamics")

func init() {
	resource.RegisterComponent(sensor.API, LegControllerModel,
		resource.Registration[sensor.Sensor, *LegControllerConfig]{
			Constructor: NewLegController,
		},
	)
}

// legController exposes the underbrush inverse dynamics controller as a sensor. Readings report
// the last tick; DoCommand feeds it plans, states and gains and drives the control loop.
type legController struct {
	resource.Named
	resource.AlwaysRebuild

	logger     logging.Logger
	cfg        *LegControllerConfig
	clk        clock.Clock
	kd         *kinematics.Quadruped
	controller *control.InverseDynamicsController
	loop       *controlLoop
	actuator   LegActuator
	recorder   *Recorder
}

// NewLegController creates a new leg controller sensor
func NewLegController(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*LegControllerConfig](rawConf)
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	var actuator LegActuator
	if conf.Port != "" {
		// Validate has run, so the hardware defaults are filled in.
		joints, err := conf.JointCalibrations()
		if err != nil {
			return nil, err
		}
		a, err := newFeetechActuator(ctx, BusSettings{
			Port:     conf.Port,
			BaudRate: conf.Baudrate,
			Timeout:  time.Duration(conf.TimeoutMs) * time.Millisecond,
		}, joints, clk, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to set up leg servos")
		}
		actuator = a
	}

	lc, err := newLegController(ctx, rawConf.ResourceName(), conf, actuator, clk, logger)
	if err != nil {
		if actuator != nil {
			err = multierr.Combine(err, actuator.Close(ctx))
		}
		return nil, err
	}
	return lc, nil
}

func newLegController(
	ctx context.Context,
	name resource.Name,
	conf *LegControllerConfig,
	actuator LegActuator,
	clk clock.Clock,
	logger logging.Logger,
) (*legController, error) {
	if _, _, err := conf.Validate(""); err != nil {
		return nil, err
	}

	kd, err := kinematics.New(*conf.Kinematics)
	if err != nil {
		return nil, err
	}
	controller := control.NewInverseDynamicsController(kd, conf.Options(), logger)

	gains, err := conf.LoadGains(logger)
	if err != nil {
		return nil, err
	}
	if gains != nil {
		controller.SetGains(gains)
	}

	var recorder *Recorder
	if conf.RecordFile != "" {
		path := moduleDataPath(conf.RecordFile)
		if recorder, err = OpenRecorder(ctx, path, kd.NumLegs(), clk.Now()); err != nil {
			return nil, err
		}
		logger.Infof("Recording ticks to %s (session %s)", path, recorder.Session())
	}

	lc := &legController{
		Named:      name.AsNamed(),
		logger:     logger,
		cfg:        conf,
		clk:        clk,
		kd:         kd,
		controller: controller,
		loop:       newControlLoop(controller, actuator, recorder, clk, conf.LoopHz, logger),
		actuator:   actuator,
		recorder:   recorder,
	}

	if conf.AutoStart {
		if err := lc.loop.Start(); err != nil {
			return nil, multierr.Combine(err, lc.Close(ctx))
		}
	}
	logger.Infof("Leg controller initialized for %d legs (hardware: %v)", kd.NumLegs(), actuator != nil)
	return lc, nil
}

// Readings returns diagnostics of the most recent control tick.
func (lc *legController) Readings(ctx context.Context, extra map[string]any) (map[string]any, error) {
	stats := lc.loop.Stats()
	readings := map[string]any{
		"legs":                  lc.kd.NumLegs(),
		"loop_running":          lc.loop.Running(),
		"gains_configured":      lc.controller.Gains() != nil,
		"plan_received":         lc.loop.Plan() != nil,
		"ticks":                 stats.Ticks,
		"overruns":              stats.Overruns,
		"fatal_ticks":           stats.FatalTicks,
		"out_of_range_ticks":    stats.OutOfRangeTicks,
		"missing_contact_ticks": stats.MissingContactTicks,
		"apply_errors":          stats.ApplyErrors,
	}
	if stats.LastError != "" {
		readings["last_error"] = stats.LastError
	}
	if lc.cfg.Port != "" {
		if users, ok := globalRegistry.Status(lc.cfg.Port); ok {
			readings["bus_users"] = users
		}
	}
	if last := stats.Last; last != nil {
		readings["sample_index"] = last.Status.SampleIndex
		readings["fraction"] = last.Status.Fraction
		readings["out_of_range"] = last.Status.OutOfRange
		readings["missing_contact_legs"] = intList(last.Status.MissingContactLegs)
		readings["grf_report"] = vectorList(last.GRFReport.Vectors)
	}
	return readings, nil
}

// DoCommand handles controller commands
func (lc *legController) DoCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("command must be a string")
	}

	switch command {
	case "set_gains":
		return lc.setGains(cmd)
	case "get_gains":
		return lc.getGains()
	case "set_plan":
		return lc.setPlan(cmd)
	case "set_state":
		return lc.setState(cmd)
	case "compute":
		return lc.compute(ctx, cmd)
	case "start_loop":
		if err := lc.loop.Start(); err != nil {
			return map[string]any{"success": false}, err
		}
		return map[string]any{"success": true}, nil
	case "stop_loop":
		lc.loop.Stop()
		return map[string]any{"success": true}, nil
	case "status":
		return lc.Readings(ctx, nil)
	case "get_calibration":
		return lc.getCalibration()
	case "set_zero":
		return lc.setZero(ctx, cmd)
	default:
		return nil, errors.Errorf("unknown command: %s", command)
	}
}

func (lc *legController) setGains(cmd map[string]any) (map[string]any, error) {
	var cfg control.GainConfig
	if err := decodeArg(cmd, "gains", &cfg); err != nil {
		return map[string]any{"success": false}, err
	}
	gains, err := control.NewGainSet(cfg)
	if err != nil {
		return map[string]any{"success": false}, err
	}
	lc.controller.SetGains(gains)
	lc.logger.Infow("gains updated", "stance_kp", cfg.StanceKp, "swing_kp", cfg.SwingKp)

	resp := map[string]any{"success": true}
	if save, _ := cmd["save"].(bool); save {
		path := moduleDataPath(lc.cfg.GainsFile)
		if err := SaveGainsToFile(path, cfg); err != nil {
			return map[string]any{"success": false}, err
		}
		resp["saved_to"] = path
	}
	return resp, nil
}

func (lc *legController) getGains() (map[string]any, error) {
	gains := lc.controller.Gains()
	if gains == nil {
		return map[string]any{"configured": false}, nil
	}
	out, err := toMap(gains.Config())
	if err != nil {
		return nil, err
	}
	return map[string]any{"configured": true, "gains": out}, nil
}

func (lc *legController) setPlan(cmd map[string]any) (map[string]any, error) {
	var plan control.RobotPlan
	if err := decodeArg(cmd, "plan", &plan); err != nil {
		return map[string]any{"success": false}, err
	}
	if len(plan.States) == 0 {
		return map[string]any{"success": false}, errors.Wrap(control.ErrMalformedInput, "plan has no states")
	}
	for i, s := range plan.States {
		if math.IsNaN(s.Time) || math.IsInf(s.Time, 0) {
			return map[string]any{"success": false},
				errors.Wrapf(control.ErrMalformedInput, "plan sample %d has non-finite time", i)
		}
	}
	// relative plans are timed from the moment they arrive
	if rel, _ := cmd["relative"].(bool); rel {
		offset := planSeconds(lc.clk.Now())
		for i := range plan.States {
			plan.States[i].Time += offset
		}
	}
	lc.loop.SetPlan(plan)
	return map[string]any{
		"success":    true,
		"samples":    len(plan.States),
		"plan_start": plan.States[0].Time,
		"plan_end":   plan.States[len(plan.States)-1].Time,
	}, nil
}

func (lc *legController) setState(cmd map[string]any) (map[string]any, error) {
	var state control.RobotState
	if err := decodeArg(cmd, "state", &state); err != nil {
		return map[string]any{"success": false}, err
	}
	lc.loop.SetState(state)
	return map[string]any{"success": true}, nil
}

func (lc *legController) calibrator() (jointCalibrator, error) {
	cal, ok := lc.actuator.(jointCalibrator)
	if !ok {
		return nil, errors.New("no servo hardware configured")
	}
	return cal, nil
}

func (lc *legController) getCalibration() (map[string]any, error) {
	cal, err := lc.calibrator()
	if err != nil {
		return nil, err
	}
	return calibrationResponse(cal.Calibrations())
}

// setZero captures the current pose as the joint zero. With "save" the calibration is written to
// the calibration file so the next start picks it up.
func (lc *legController) setZero(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	cal, err := lc.calibrator()
	if err != nil {
		return nil, err
	}
	if lc.loop.Running() {
		return map[string]any{"success": false}, errors.New("stop the control loop before zeroing joints")
	}

	joints, err := cal.SetZero(ctx)
	if err != nil {
		return map[string]any{"success": false}, err
	}
	resp, err := calibrationResponse(joints)
	if err != nil {
		return nil, err
	}
	if save, _ := cmd["save"].(bool); save {
		path := moduleDataPath(lc.cfg.CalibrationFile)
		if err := SaveCalibrationToFile(path, joints); err != nil {
			return map[string]any{"success": false}, err
		}
		resp["saved_to"] = path
	}
	return resp, nil
}

func calibrationResponse(joints []JointCalibration) (map[string]any, error) {
	out, err := toMap(struct {
		Joints []JointCalibration `json:"joints"`
	}{joints})
	if err != nil {
		return nil, err
	}
	out["success"] = true
	return out, nil
}

// compute runs the controller once without commanding the joints, touching the loop counters or
// advancing the joint velocity estimate. The tick time defaults to now.
func (lc *legController) compute(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	now := planSeconds(lc.clk.Now())
	if t, ok := cmd["time"].(float64); ok {
		now = t
	}
	res, err := lc.loop.compute(ctx, now, true)
	if err != nil {
		return nil, err
	}

	out, err := toMap(struct {
		Commands  control.LegCommandArray `json:"commands"`
		GRFReport control.GRFArray        `json:"grf_report"`
	}{res.Commands, res.GRFReport})
	if err != nil {
		return nil, err
	}
	out["time"] = now
	out["sample_index"] = res.Status.SampleIndex
	out["fraction"] = res.Status.Fraction
	out["out_of_range"] = res.Status.OutOfRange
	out["missing_contact_legs"] = intList(res.Status.MissingContactLegs)
	if res.Status.Warnings != nil {
		out["warnings"] = res.Status.Warnings.Error()
	}
	return out, nil
}

// Close stops the loop and releases the hardware.
func (lc *legController) Close(ctx context.Context) error {
	lc.loop.Stop()
	var err error
	if lc.actuator != nil {
		err = multierr.Append(err, lc.actuator.Close(ctx))
	}
	if lc.recorder != nil {
		err = multierr.Append(err, lc.recorder.Close())
	}
	return err
}

// decodeArg decodes cmd[key] into out using the json field names.
func decodeArg(cmd map[string]any, key string, out any) error {
	raw, ok := cmd[key]
	if !ok {
		return errors.Errorf("%s is required", key)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: out})
	if err != nil {
		return err
	}
	return errors.Wrapf(decoder.Decode(raw), "invalid %s", key)
}

// toMap converts v to the generic form DoCommand responses carry.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func intList(in []int) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func vectorList(in []r3.Vector) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = []any{v.X, v.Y, v.Z}
	}
	return out
}
