// Package main is a bench tool for the leg controller: offline ticks, kinematics checks and
// servo bus probing.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/golang/geo/r3"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"

	"leg_controller/control"
	"leg_controller/kinematics"
)

const (
	flagState      = "state"
	flagPlan       = "plan"
	flagGains      = "gains"
	flagKinematics = "kinematics"
	flagTime       = "time"
	flagLeg        = "leg"
	flagJoints     = "joints"
	flagFoot       = "foot"
	flagPort       = "port"
	flagBaudrate   = "baudrate"
	flagServoCount = "servos"
)

func main() {
	logger := logging.NewLogger("leg-cli")

	app := &cli.App{
		Name:  "leg-cli",
		Usage: "exercise the underbrush leg controller off the robot",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagKinematics,
				Usage: "load leg geometry from JSON `FILE` instead of the default quadruped",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "tick",
				Usage: "run one control tick on recorded inputs and print the commands",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagState, Required: true, Usage: "measured robot state JSON `FILE`"},
					&cli.StringFlag{Name: flagPlan, Required: true, Usage: "local plan JSON `FILE`"},
					&cli.StringFlag{Name: flagGains, Required: true, Usage: "gain configuration JSON `FILE`"},
					&cli.Float64Flag{Name: flagTime, Usage: "tick time in plan seconds; defaults to the measured state time"},
				},
				Action: func(c *cli.Context) error {
					return tickAction(c, logger)
				},
			},
			{
				Name:  "fk",
				Usage: "print the hip-relative foot position of a leg",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagLeg, Usage: "leg index"},
					&cli.Float64SliceFlag{Name: flagJoints, Required: true, Usage: "abad, hip, knee angles in radians"},
				},
				Action: fkAction,
			},
			{
				Name:  "ik",
				Usage: "print the joint angles reaching a hip-relative foot position",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagLeg, Usage: "leg index"},
					&cli.Float64SliceFlag{Name: flagFoot, Required: true, Usage: "x, y, z in meters"},
				},
				Action: ikAction,
			},
			{
				Name:   "ports",
				Usage:  "list serial ports",
				Action: portsAction,
			},
			{
				Name:  "probe",
				Usage: "ping leg servos on a bus and print their raw positions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPort, Required: true},
					&cli.IntFlag{Name: flagBaudrate, Value: 1000000},
					&cli.IntFlag{Name: flagServoCount, Value: 12, Usage: "probe servo IDs 1 through `N`"},
				},
				Action: probeAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func loadJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(data, out), "parse %s", path)
}

func printJSON(c *cli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadQuadruped(c *cli.Context) (*kinematics.Quadruped, error) {
	cfg := kinematics.DefaultConfig()
	if path := c.String(flagKinematics); path != "" {
		if err := loadJSON(path, &cfg); err != nil {
			return nil, err
		}
	}
	return kinematics.New(cfg)
}

func tickAction(c *cli.Context, logger logging.Logger) error {
	var (
		measured control.RobotState
		plan     control.RobotPlan
		gainCfg  control.GainConfig
	)
	if err := loadJSON(c.String(flagState), &measured); err != nil {
		return err
	}
	if err := loadJSON(c.String(flagPlan), &plan); err != nil {
		return err
	}
	if err := loadJSON(c.String(flagGains), &gainCfg); err != nil {
		return err
	}

	q, err := loadQuadruped(c)
	if err != nil {
		return err
	}
	gains, err := control.NewGainSet(gainCfg)
	if err != nil {
		return err
	}
	controller := control.NewInverseDynamicsController(q, control.DefaultOptions(), logger)
	controller.SetGains(gains)

	now := measured.Time
	if c.IsSet(flagTime) {
		now = c.Float64(flagTime)
	}
	res, err := controller.ComputeLegCommandArray(c.Context, measured, plan, now)
	if err != nil {
		return err
	}

	out := struct {
		Time               float64                 `json:"time"`
		SampleIndex        int                     `json:"sample_index"`
		Fraction           float64                 `json:"fraction"`
		OutOfRange         bool                    `json:"out_of_range"`
		MissingContactLegs []int                   `json:"missing_contact_legs"`
		GRFReport          control.GRFArray        `json:"grf_report"`
		Commands           control.LegCommandArray `json:"commands"`
	}{
		Time:               now,
		SampleIndex:        res.Status.SampleIndex,
		Fraction:           res.Status.Fraction,
		OutOfRange:         res.Status.OutOfRange,
		MissingContactLegs: res.Status.MissingContactLegs,
		GRFReport:          res.GRFReport,
		Commands:           res.Commands,
	}
	return printJSON(c, out)
}

func fkAction(c *cli.Context) error {
	joints := c.Float64Slice(flagJoints)
	if len(joints) != control.JointsPerLeg {
		return errors.Errorf("need %d joint angles, got %d", control.JointsPerLeg, len(joints))
	}
	q, err := loadQuadruped(c)
	if err != nil {
		return err
	}
	leg := c.Int(flagLeg)
	if leg < 0 || leg >= q.NumLegs() {
		return errors.Errorf("leg must be in [0, %d)", q.NumLegs())
	}
	p := q.LegForward(leg, [control.JointsPerLeg]float64{joints[0], joints[1], joints[2]})
	return printJSON(c, p)
}

func ikAction(c *cli.Context) error {
	foot := c.Float64Slice(flagFoot)
	if len(foot) != 3 {
		return errors.Errorf("need x, y, z, got %d values", len(foot))
	}
	q, err := loadQuadruped(c)
	if err != nil {
		return err
	}
	leg := c.Int(flagLeg)
	if leg < 0 || leg >= q.NumLegs() {
		return errors.Errorf("leg must be in [0, %d)", q.NumLegs())
	}
	joints, err := q.LegInverse(leg, r3.Vector{X: foot[0], Y: foot[1], Z: foot[2]})
	if err != nil {
		return err
	}
	return printJSON(c, joints)
}

func portsAction(c *cli.Context) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return err
	}
	for _, p := range ports {
		if p.IsUSB {
			fmt.Fprintf(c.App.Writer, "%s\tusb %s:%s %s\n", p.Name, p.VID, p.PID, p.SerialNumber)
		} else {
			fmt.Fprintln(c.App.Writer, p.Name)
		}
	}
	return nil
}

func probeAction(c *cli.Context) error {
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     c.String(flagPort),
		BaudRate: c.Int(flagBaudrate),
		Protocol: feetech.ProtocolSTS,
		Timeout:  500 * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()
	for id := 1; id <= c.Int(flagServoCount); id++ {
		servo := feetech.NewServo(bus, id, &feetech.ModelSTS3215)
		if _, err := servo.Ping(ctx); err != nil {
			fmt.Fprintf(c.App.Writer, "servo %2d (%s): no response\n", id, control.JointRole((id-1)%control.JointsPerLeg))
			continue
		}
		raw, err := servo.Position(ctx)
		if err != nil {
			fmt.Fprintf(c.App.Writer, "servo %2d: position read failed: %v\n", id, err)
			continue
		}
		fmt.Fprintf(c.App.Writer, "servo %2d (%s): raw %d\n", id, control.JointRole((id-1)%control.JointsPerLeg), raw)
	}
	return nil
}
