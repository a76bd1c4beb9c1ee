package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
)

var (
	errKeyNotFound = errors.New("key not found")
	errNoStdin     = errors.New("no stdin available")
)

// GetCmd returns the get command.
func GetCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("get", flag.ContinueOnError),
		Usage: "get <key>",
		Short: "Print a cached value",
		Long: `Read a key through the tier chain, fastest tier first. A hit in a slower
tier is copied into the faster ones. Exits 1 when no tier has the key.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return usageError("get <key>")
			}

			return a.withStack(ctx, func(s *stack) error {
				value, found, err := s.mgr.Get(ctx, args[0])
				if err != nil {
					return err
				}

				if !found {
					return fmt.Errorf("%w: %s", errKeyNotFound, args[0])
				}

				_, _ = o.Write(value)
				o.Println()

				return nil
			})
		},
	}
}

// SetCmd returns the set command.
func SetCmd(a *app) *Command {
	flags := flag.NewFlagSet("set", flag.ContinueOnError)
	ttl := flags.Duration("ttl", time.Duration(a.cfg.DefaultTTL), "Time to live (0 = never expires)")

	return &Command{
		Flags: flags,
		Usage: "set <key> <value> [--ttl <d>]",
		Short: "Write a value to every tier",
		Long: `Write a value to every configured tier. Use "-" as the value to read it
from stdin. A failure in one tier does not undo the write in the others;
the error names the tiers that failed.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 2 {
				return usageError("set <key> <value>")
			}

			if *ttl < 0 {
				return fmt.Errorf("--ttl cannot be negative: %s", *ttl)
			}

			value := []byte(args[1])

			if args[1] == "-" {
				if a.in == nil {
					return errNoStdin
				}

				data, err := io.ReadAll(a.in)
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}

				value = data
			}

			return a.withStack(ctx, func(s *stack) error {
				return s.mgr.Set(ctx, args[0], value, *ttl)
			})
		},
	}
}

// DelCmd returns the del command.
func DelCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("del", flag.ContinueOnError),
		Usage: "del <key>",
		Short: "Delete a key from every tier",
		Exec: func(ctx context.Context, _ *IO, args []string) error {
			if len(args) != 1 {
				return usageError("del <key>")
			}

			return a.withStack(ctx, func(s *stack) error {
				return s.mgr.Delete(ctx, args[0])
			})
		},
	}
}

// ExistsCmd returns the exists command.
func ExistsCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("exists", flag.ContinueOnError),
		Usage: "exists <key>",
		Short: "Print whether any tier holds a live key",
		Long:  "Print true or false. Does not count hits or promote.",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return usageError("exists <key>")
			}

			return a.withStack(ctx, func(s *stack) error {
				ok, err := s.mgr.Exists(ctx, args[0])
				if err != nil {
					return err
				}

				o.Println(strconv.FormatBool(ok))

				return nil
			})
		},
	}
}

// FlushCmd returns the flush command.
func FlushCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("flush", flag.ContinueOnError),
		Usage: "flush",
		Short: "Remove every entry from every tier",
		Exec: func(ctx context.Context, _ *IO, args []string) error {
			if len(args) != 0 {
				return usageError("flush")
			}

			return a.withStack(ctx, func(s *stack) error {
				return s.mgr.Flush(ctx)
			})
		},
	}
}
