package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/arloliu/go-servobus/engine"
	"github.com/arloliu/go-servobus/fault"
	"github.com/arloliu/go-servobus/protocol"
)

var paramsByName = map[string]uint16{
	"run_mode":      protocol.ParamRunMode,
	"iq_ref":        protocol.ParamIqRef,
	"speed_ref":     protocol.ParamSpeedRef,
	"limit_torque":  protocol.ParamLimitTorque,
	"loc_ref":       protocol.ParamLocRef,
	"limit_speed":   protocol.ParamLimitSpeed,
	"limit_current": protocol.ParamLimitCurrent,
	"mech_pos":      protocol.ParamMechPos,
	"iq_filter":     protocol.ParamIqFilter,
	"mech_vel":      protocol.ParamMechVel,
	"vbus":          protocol.ParamVBus,
	"can_timeout":   protocol.ParamCANTimeout,
}

func paramNames() []string {
	return slices.Sorted(maps.Keys(paramsByName))
}

func parseParam(s string) (uint16, error) {
	if index, ok := paramsByName[s]; ok {
		return index, nil
	}

	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: not a name or index", s)
	}

	return uint16(n), nil
}

type command struct {
	eng  *engine.Engine
	opts *options
	out  io.Writer
}

func (c *command) dispatch(ctx context.Context, args []string) error {
	name, args := args[0], args[1:]

	switch name {
	case "status":
		return c.status()
	case "monitor":
		return c.monitor(ctx)
	case "enable", "disable", "zero":
		if len(args) != 1 {
			return fmt.Errorf("%s: want <addr>", name)
		}
		return c.simple(ctx, name, args[0])
	case "set":
		if len(args) != 2 {
			return fmt.Errorf("set: want <addr> <position>")
		}
		return c.set(ctx, args[0], args[1])
	case "param":
		return c.param(ctx, args)
	case "identity":
		if len(args) != 1 {
			return fmt.Errorf("identity: want <addr>")
		}
		return c.identity(ctx, args[0])
	case "restart":
		return c.restart(ctx)
	case "watchdog":
		if len(args) != 1 {
			return fmt.Errorf("watchdog: want <min-hz>")
		}
		return c.watchdog(ctx, args[0])
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

func (c *command) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.timeout)
}

func (c *command) simple(ctx context.Context, name, addrArg string) error {
	addr, err := parseAddress(addrArg)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	switch name {
	case "enable":
		err = c.eng.Enable(ctx, addr)
	case "disable":
		err = c.eng.Disable(ctx, addr, c.opts.clearFaults)
	case "zero":
		err = c.eng.Zero(ctx, addr)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, addr, err)
	}

	return c.status()
}

func (c *command) identity(ctx context.Context, addrArg string) error {
	addr, err := parseAddress(addrArg)
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.eng.ReadIdentity(ctx, addr)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%s name=%q bar_code=%q build_date=%q\n", addr, id.Name, id.BarCode, id.BuildDate)

	return nil
}

func (c *command) restart(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.eng.Restart(ctx); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	return c.status()
}

func (c *command) watchdog(ctx context.Context, hzArg string) error {
	hz, err := strconv.ParseFloat(hzArg, 64)
	if err != nil {
		return fmt.Errorf("minimum rate %q: %w", hzArg, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.eng.SetMinUpdateRate(ctx, hz); err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}

	fmt.Fprintf(c.out, "watchdog armed for %g Hz\n", hz)

	return nil
}

func (c *command) set(ctx context.Context, addrArg, posArg string) error {
	addr, err := parseAddress(addrArg)
	if err != nil {
		return err
	}

	pos, err := strconv.ParseFloat(posArg, 64)
	if err != nil {
		return fmt.Errorf("position %q: %w", posArg, err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	fb, err := c.eng.SetTarget(ctx, addr, protocol.SetTarget{
		Position: pos,
		Velocity: c.opts.velocity,
		Torque:   c.opts.torque,
		Gains:    protocol.Gains{Kp: c.opts.kp, Kd: c.opts.kd},
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", addr, err)
	}

	fmt.Fprintf(c.out, "%s position=%.4f velocity=%.4f torque=%.4f temp=%.1f mode=%s faults=%s\n",
		addr, fb.Position, fb.Velocity, fb.Torque, fb.Temperature, fb.Mode, fb.Faults)

	return nil
}

func (c *command) param(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("param: want read <addr> <index> or write <addr> <index> <value>")
	}

	addr, err := parseAddress(args[1])
	if err != nil {
		return err
	}

	index, err := parseParam(args[2])
	if err != nil {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	switch args[0] {
	case "read":
		pv, err := c.eng.ReadParameter(ctx, addr, index)
		if err != nil {
			return fmt.Errorf("read 0x%04X from %s: %w", index, addr, err)
		}
		fmt.Fprintf(c.out, "%s 0x%04X raw=0x%08X float=%g\n", addr, pv.Index, pv.Raw, pv.Float())

		return nil
	case "write":
		if len(args) != 4 {
			return fmt.Errorf("param write: want <addr> <index> <value>")
		}
		v, err := strconv.ParseFloat(args[3], 32)
		if err != nil {
			return fmt.Errorf("value %q: %w", args[3], err)
		}
		if err := c.eng.WriteParameter(ctx, addr, index, protocol.FloatValue(float32(v))); err != nil {
			return fmt.Errorf("write 0x%04X to %s: %w", index, addr, err)
		}

		return nil
	default:
		return fmt.Errorf("param: unknown action %q", args[0])
	}
}

// monitor prints a table every interval and each fault transition as it happens.
func (c *command) monitor(ctx context.Context) error {
	sub := c.eng.SubscribeFaults(0)
	defer sub.Close()

	ticker := time.NewTicker(c.opts.interval)
	defer ticker.Stop()

	for n := 0; c.opts.count == 0 || n < c.opts.count; {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case tr := <-sub.C():
			c.printTransition(tr)
		case <-ticker.C:
			if err := c.status(); err != nil {
				return err
			}
			n++
		}
	}

	return nil
}

func (c *command) printTransition(tr fault.Transition) {
	fmt.Fprintf(c.out, "%s %s %s -> %s (failures=%d)\n",
		tr.At.Format(time.TimeOnly), tr.Address, tr.From, tr.To, tr.Failures)
}

func (c *command) status() error {
	snaps := c.eng.Snapshots()
	faults := c.eng.FaultStates()

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDR\tMODEL\tLIVENESS\tFAULT\tPOSITION\tVELOCITY\tTORQUE\tTEMP\tMODE\tSEQ\tFAILED")

	for _, addr := range c.eng.Addresses() {
		st := snaps[addr]
		pos, vel, torque, temp, mode, seq := "-", "-", "-", "-", "-", "-"
		if s := st.Sample; s != nil {
			pos = strconv.FormatFloat(s.Position, 'f', 4, 64)
			vel = strconv.FormatFloat(s.Velocity, 'f', 4, 64)
			torque = strconv.FormatFloat(s.Torque, 'f', 4, 64)
			temp = strconv.FormatFloat(s.Temperature, 'f', 1, 64)
			mode = s.Mode.String()
			seq = strconv.FormatUint(s.Sequence, 10)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			addr, st.Model, st.Liveness, faults[addr], pos, vel, torque, temp, mode, seq,
			st.FailedTransactions, st.TotalTransactions)
	}

	m := c.eng.Metrics()
	fmt.Fprintf(w, "\nattempts=%d retries=%d timeouts=%d decode_errors=%d comm_failures=%d polls=%d dropped=%d rate=%.1f/s\n",
		m.AttemptCount.Load(), m.RetryCount.Load(), m.TimeoutCount.Load(), m.DecodeErrCount.Load(),
		m.CommFailureCount.Load(), m.PollCount.Load(), m.PollDroppedCount.Load(), m.UpdateRate())

	return w.Flush()
}
