package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
)

// prompter reads one command line at a time.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scriptPrompter reads lines from a non-terminal reader, one per prompt.
type scriptPrompter struct {
	scanner *bufio.Scanner
}

func newScriptPrompter(r io.Reader) *scriptPrompter {
	return &scriptPrompter{scanner: bufio.NewScanner(r)}
}

func (p *scriptPrompter) Prompt(string) (string, error) {
	if !p.scanner.Scan() {
		err := p.scanner.Err()
		if err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return p.scanner.Text(), nil
}

func (*scriptPrompter) AppendHistory(string) {}

func (*scriptPrompter) Close() error { return nil }

var replCommands = []string{"get", "set", "del", "exists", "flush", "stats", "info", "help", "exit"}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".tiercache_history")
}

// ReplCmd returns the repl command.
func ReplCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("repl", flag.ContinueOnError),
		Usage: "repl",
		Short: "Interactive shell on one open cache",
		Long: `Open the configured tiers once and read commands interactively. The memory
tier and the hit counters live as long as the session.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return usageError("repl")
			}

			return a.withStack(ctx, func(s *stack) error {
				p, interactive := a.newPrompter()
				defer func() { _ = p.Close() }()

				if interactive {
					o.Println("tiercache repl (tiers: " + strings.Join(a.cfg.Tiers, ", ") + ")")
					o.Println("Type 'help' for available commands.")
				}

				return runRepl(ctx, o, s, p)
			})
		},
	}
}

// newPrompter uses liner on a real terminal and plain line reading otherwise.
func (a *app) newPrompter() (prompter, bool) {
	in := a.in
	if in == nil {
		in = strings.NewReader("")
	}

	if f, ok := in.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		state := liner.NewLiner()
		state.SetCtrlCAborts(true)
		state.SetCompleter(func(line string) []string {
			var out []string

			for _, c := range replCommands {
				if strings.HasPrefix(c, strings.ToLower(line)) {
					out = append(out, c)
				}
			}

			return out
		})

		if hf, err := os.Open(historyFile()); err == nil {
			_, _ = state.ReadHistory(hf)
			_ = hf.Close()
		}

		return &historyPrompter{State: state}, true
	}

	return newScriptPrompter(in), false
}

// historyPrompter saves liner history on close.
type historyPrompter struct {
	*liner.State
}

func (p *historyPrompter) Close() error {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = p.WriteHistory(f)
			_ = f.Close()
		}
	}

	return p.State.Close()
}

func runRepl(ctx context.Context, o *IO, s *stack, p prompter) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := p.Prompt("tiercache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])

		if cmd == "exit" || cmd == "quit" {
			return nil
		}

		err = replExec(ctx, o, s, cmd, parts[1:])
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			o.Println("error:", err)
		}
	}
}

func replExec(ctx context.Context, o *IO, s *stack, cmd string, args []string) error {
	switch cmd {
	case "help", "?":
		o.Println(`Commands:
  get <key>                 Read through the tiers
  set <key> <value> [ttl]   Write to every tier (ttl like 30s, 0 = never)
  del <key>                 Delete from every tier
  exists <key>              Check without counting a hit
  flush                     Clear every tier
  stats                     Session hit/miss counters per tier
  info                      Segment header, records and gaps
  exit                      Leave`)

	case "get":
		if len(args) != 1 {
			return usageError("get <key>")
		}

		value, found, err := s.mgr.Get(ctx, args[0])
		if err != nil {
			return err
		}

		if !found {
			o.Println("(miss)")

			return nil
		}

		o.Println(string(value))

	case "set":
		if len(args) != 2 && len(args) != 3 {
			return usageError("set <key> <value> [ttl]")
		}

		var ttl time.Duration

		if len(args) == 3 {
			d, err := time.ParseDuration(args[2])
			if err != nil {
				return fmt.Errorf("invalid ttl: %w", err)
			}

			ttl = d
		}

		err := s.mgr.Set(ctx, args[0], []byte(args[1]), ttl)
		if err != nil {
			return err
		}

		o.Println("OK")

	case "del":
		if len(args) != 1 {
			return usageError("del <key>")
		}

		err := s.mgr.Delete(ctx, args[0])
		if err != nil {
			return err
		}

		o.Println("OK")

	case "exists":
		if len(args) != 1 {
			return usageError("exists <key>")
		}

		ok, err := s.mgr.Exists(ctx, args[0])
		if err != nil {
			return err
		}

		o.Println(ok)

	case "flush":
		err := s.mgr.Flush(ctx)
		if err != nil {
			return err
		}

		o.Println("OK")

	case "stats":
		printManagerStats(o, s)

	case "info":
		if s.seg == nil {
			return errSegmentDisabled
		}

		info, err := s.seg.Info(ctx)
		if err != nil {
			return err
		}

		printInfo(o, info)

	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}

	return nil
}

func printManagerStats(o *IO, s *stack) {
	st := s.mgr.Stats()

	o.Printf("hits=%d misses=%d writes=%d hit_rate=%.2f\n", st.Hits, st.Misses, st.Writes, st.HitRate)

	for _, t := range st.PerTier {
		o.Printf("  %-8s hits=%d errors=%d promotion_failures=%d\n", t.Name, t.Hits, t.Errors, t.PromotionFailures)
	}
}
