package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/calvinalkan/tiercache/internal/config"

	flag "github.com/spf13/pflag"
)

// app is the per-invocation state shared by all commands.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	in     io.Reader
}

// Run is the main entry point. Returns exit code.
// sigCh may be nil; when it delivers a signal the command context is cancelled.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("tiercache", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.StringP("config", "c", "", "Use specified config `file`")
	flagSegment := globalFlags.String("segment", "", "Override segment file `path`")
	flagDurable := globalFlags.String("durable", "", "Override durable database `path`")

	if len(args) > 0 {
		args = args[1:]
	}

	err := globalFlags.Parse(args)
	if err != nil {
		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, globalFlags, nil)

		return 1
	}

	if globalFlags.Changed("segment") && *flagSegment == "" {
		fprintln(errOut, "error: --segment cannot be empty")
		fprintln(errOut)
		printUsage(errOut, globalFlags, nil)

		return 1
	}

	if globalFlags.Changed("durable") && *flagDurable == "" {
		fprintln(errOut, "error: --durable cannot be empty")
		fprintln(errOut)
		printUsage(errOut, globalFlags, nil)

		return 1
	}

	rest := globalFlags.Args()

	if *flagHelp || len(rest) == 0 {
		printUsage(out, globalFlags, allCommands(&app{}))

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride:     *flagCwd,
		ConfigPath:          *flagConfig,
		SegmentPathOverride: *flagSegment,
		DurablePathOverride: *flagDurable,
		Env:                 env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	level, err := cfg.Level()
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	a := &app{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level})),
		in:     in,
	}

	commands := allCommands(a)

	name := rest[0]

	idx := -1

	for i, cmd := range commands {
		if cmd.Name() == name {
			idx = i

			break
		}
	}

	if idx < 0 {
		fprintln(errOut, "error: unknown command:", name)
		fprintln(errOut)
		printUsage(errOut, globalFlags, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return commands[idx].Run(ctx, NewIO(out, errOut), rest[1:])
}

func allCommands(a *app) []*Command {
	return []*Command{
		GetCmd(a),
		SetCmd(a),
		DelCmd(a),
		ExistsCmd(a),
		FlushCmd(a),
		InfoCmd(a),
		StatsCmd(a),
		ResetCmd(a),
		ReplCmd(a),
		BenchCmd(a),
		InitCmd(a),
		PrintConfigCmd(a),
	}
}

var errUsage = errors.New("usage")

// usageError reports wrong positional arguments.
func usageError(cmd string) error {
	return fmt.Errorf("%w: tiercache %s", errUsage, cmd)
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globalFlags *flag.FlagSet, commands []*Command) {
	fprintln(w, `tiercache - multi-tier cache (memory, shared segment, sqlite)

Usage: tiercache [global flags] <command> [args]`)
	fprintln(w)
	fprintln(w, "Global flags:")

	var buf strings.Builder

	globalFlags.SetOutput(&buf)
	globalFlags.PrintDefaults()
	globalFlags.SetOutput(&strings.Builder{})

	_, _ = fmt.Fprint(w, buf.String())

	if len(commands) == 0 {
		return
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}
