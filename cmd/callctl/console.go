package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/callctl/pkg/callctl"
	"github.com/arzzra/callctl/pkg/driver/loopback"
	"github.com/arzzra/callctl/pkg/trace"
)

// console интерактивное управление движком
type console struct {
	reg       *callctl.Registry
	net       *loopback.Network
	tracePath string
	out       io.Writer
	rl        *readline.Instance
}

func newConsole(reg *callctl.Registry, net *loopback.Network, tracePath string, out io.Writer) *console {
	return &console{reg: reg, net: net, tracePath: tracePath, out: out}
}

// attach открывает readline. Вывод консоли идет через readline,
// чтобы не ломать строку ввода.
func (c *console) attach(prompt, history string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	c.rl = rl
	c.out = rl.Stdout()
	return nil
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("status"),
		readline.PcItem("show", readline.PcItem("controllers")),
		readline.PcItem("dial"),
		readline.PcItem("hangup"),
		readline.PcItem("bundle"),
		readline.PcItem("unbundle"),
		readline.PcItem("send"),
		readline.PcItem("offer"),
		readline.PcItem("digits"),
		readline.PcItem("charge"),
		readline.PcItem("drop"),
		readline.PcItem("disable"),
		readline.PcItem("enable"),
		readline.PcItem("engine", readline.PcItem("start"), readline.PcItem("stop")),
		readline.PcItem("fsm", readline.PcItem("controller"), readline.PcItem("channel"), readline.PcItem("connection")),
		readline.PcItem("history"),
		readline.PcItem("trace"),
		readline.PcItem("quit"),
	)
}

// Run цикл чтения команд до quit, EOF или отмены ctx
func (c *console) Run(ctx context.Context) error {
	defer c.rl.Close()
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			return nil
		}
		if c.exec(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			return nil
		}
	}
}

// exec выполняет одну команду. true - пора выходить.
func (c *console) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "st":
		c.cmdStatus()
	case "show":
		err = c.cmdShow(args)
	case "dial":
		err = c.withName(args, func(name string) error { return c.reg.Dial(ctx, name) })
	case "hangup", "h":
		err = c.withName(args, func(name string) error { return c.reg.Hangup(ctx, name) })
	case "bundle":
		err = c.withName(args, func(name string) error {
			ch, err := c.reg.Bundle(ctx, name)
			if err == nil {
				fmt.Fprintf(c.out, "%s: added %s\n", name, ch)
			}
			return err
		})
	case "unbundle":
		err = c.withName(args, func(name string) error {
			ch, err := c.reg.Unbundle(ctx, name)
			if err == nil {
				fmt.Fprintf(c.out, "%s: dropped %s\n", name, ch)
			}
			return err
		})
	case "send":
		err = c.cmdSend(ctx, args)
	case "offer":
		err = c.cmdOffer(ctx, args)
	case "digits":
		err = c.cmdLine(args, 1, func(ctrl *loopback.Controller, ch int, rest []string) error {
			return ctrl.CallInfo(ctx, ch, rest[0])
		})
	case "charge":
		err = c.cmdLine(args, 0, func(ctrl *loopback.Controller, ch int, _ []string) error {
			return ctrl.Charge(ctx, ch)
		})
	case "drop":
		err = c.cmdLine(args, 0, func(ctrl *loopback.Controller, ch int, _ []string) error {
			return ctrl.RemoteHangup(ctx, ch)
		})
	case "disable", "enable":
		err = c.cmdLine(args, 0, func(ctrl *loopback.Controller, ch int, _ []string) error {
			return c.reg.DisableChannel(ctx, ctrl.ID(), ch, cmd == "disable")
		})
	case "engine":
		err = c.cmdEngine(ctx, args)
	case "fsm":
		err = c.cmdFSM(args)
	case "history":
		err = c.withName(args, c.cmdHistory)
	case "trace":
		err = c.cmdTrace(args)
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

func (c *console) printHelp() {
	fmt.Fprintln(c.out, `
callctl commands:
  Connections:
    status                     - List connections
    show [name|controllers]    - Dump status as YAML
    dial <name>                - Dial the configured numbers
    hangup <name>              - Hang up
    bundle <name>              - Add a channel to an active call
    unbundle <name>            - Drop the newest bundled channel
    send <name> <text>         - Send data over an active connection
    history <name>             - Connection state history

  Line simulation:
    offer <ctrl> <ch> <calling> <called> [si] - Inject an incoming call
    digits <ctrl> <ch> <digits>               - Inject call-info digits
    charge <ctrl> <ch>                        - Inject a charge unit
    drop <ctrl> <ch>                          - Remote hangup
    disable|enable <ctrl> <ch>                - Take a channel out of service

  Engine:
    engine start|stop          - Accept or refuse new calls
    fsm <machine>              - Print state diagram (controller, channel, connection)
    trace [n]                  - Last n recorded transitions

  General:
    help                       - Show this help
    quit                       - Exit`)
}

func (c *console) withName(args []string, fn func(name string) error) error {
	if len(args) < 1 {
		return errors.New("connection name required")
	}
	return fn(args[0])
}

func (c *console) cmdStatus() {
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tDIR\tPEER\tCHANNEL\tRX\tTX")
	for _, st := range c.reg.Connections() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			st.Name, st.State, st.Direction, st.Peer, st.Channel, st.RxBytes, st.TxBytes)
	}
	_ = tw.Flush()
}

func (c *console) cmdShow(args []string) error {
	var v any
	switch {
	case len(args) == 0:
		v = c.reg.Connections()
	case args[0] == "controllers":
		v = c.reg.Controllers()
	default:
		st, err := c.reg.Status(args[0])
		if err != nil {
			return err
		}
		v = st
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.out.Write(out)
	return err
}

func (c *console) cmdSend(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: send <name> <text>")
	}
	n, err := c.reg.Submit(ctx, args[0], []byte(strings.Join(args[1:], " ")))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: sent %d bytes\n", args[0], n)
	return nil
}

func (c *console) cmdOffer(ctx context.Context, args []string) error {
	if len(args) < 4 {
		return errors.New("usage: offer <ctrl> <ch> <calling> <called> [si]")
	}
	offer := callctl.Offer{Calling: args[2], Called: args[3], SI: callctl.SIData}
	if len(args) > 4 {
		si, err := parseSI(args[4])
		if err != nil {
			return err
		}
		offer.SI = si
	}
	return c.cmdLine(args, 0, func(ctrl *loopback.Controller, ch int, _ []string) error {
		return ctrl.Offer(ctx, ch, offer)
	})
}

func parseSI(s string) (callctl.ServiceIndicator, error) {
	switch strings.ToLower(s) {
	case "voice":
		return callctl.SIVoice, nil
	case "data":
		return callctl.SIData, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bad service indicator %q", s)
	}
	return callctl.ServiceIndicator(n), nil
}

// cmdLine команды вида <ctrl> <ch> [args...] над линией симулятора
func (c *console) cmdLine(args []string, extra int, fn func(ctrl *loopback.Controller, ch int, rest []string) error) error {
	if len(args) < 2+extra {
		return errors.New("controller and channel required")
	}
	ctrl, ok := c.net.Controller(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", callctl.ErrUnknownController, args[0])
	}
	ch, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad channel %q", args[1])
	}
	return fn(ctrl, ch, args[2:])
}

func (c *console) cmdEngine(ctx context.Context, args []string) error {
	if len(args) < 1 {
		fmt.Fprintf(c.out, "engine running: %v\n", c.reg.Running())
		return nil
	}
	switch args[0] {
	case "start":
		return c.reg.Start(ctx)
	case "stop":
		return c.reg.Stop(ctx)
	}
	return fmt.Errorf("usage: engine start|stop")
}

func (c *console) cmdFSM(args []string) error {
	machine := "connection"
	if len(args) > 0 {
		machine = args[0]
	}
	out, err := c.reg.Diagram(machine)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, out)
	return nil
}

func (c *console) cmdHistory(name string) error {
	hist, err := c.reg.History(name)
	if err != nil {
		return err
	}
	for _, tr := range hist {
		fmt.Fprintf(c.out, "%s  %s --%s--> %s\n", tr.At.Format("15:04:05.000"), tr.From, tr.Event, tr.To)
	}
	return nil
}

func (c *console) cmdTrace(args []string) error {
	if c.tracePath == "" {
		return errors.New("trace disabled")
	}
	n := 20
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Errorf("bad count %q", args[0])
		}
		n = v
	}
	rd, err := trace.Open(c.tracePath, trace.Filter{SkipSelfLoops: true})
	if err != nil {
		return err
	}
	defer rd.Close()
	events, err := rd.Tail(n)
	for _, ev := range events {
		fmt.Fprintln(c.out, ev.String())
	}
	return err
}
