package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/calvinalkan/tiercache/internal/config"
	"github.com/calvinalkan/tiercache/pkg/segcache"

	flag "github.com/spf13/pflag"
)

var (
	errSegmentDisabled   = errors.New("segment tier is not enabled in config")
	errResetNotConfirmed = errors.New("reset discards every segment entry; pass --yes to confirm")
)

// InfoCmd returns the info command.
func InfoCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("info", flag.ContinueOnError),
		Usage: "info",
		Short: "Show the segment header, records and free gaps",
		Long: `Print the shared segment's header fields, every record in offset order
and every free gap. Expired records are listed and marked; they are only
reclaimed when a write needs their space.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return usageError("info")
			}

			if !a.cfg.Has(config.TierSegment) {
				return errSegmentDisabled
			}

			seg, err := segcache.Open(a.segmentOptions())
			if err != nil {
				return err
			}

			defer func() { _ = seg.Close() }()

			info, err := seg.Info(ctx)
			if err != nil {
				return err
			}

			printInfo(o, info)

			return nil
		},
	}
}

func printInfo(o *IO, info segcache.Info) {
	o.Println("path=" + info.Path)
	o.Println("id=" + info.ID.String())
	o.Printf("capacity=%d\n", info.Capacity)
	o.Printf("header_reserve=%d\n", info.HeaderReserve)
	o.Printf("header_used=%d\n", info.HeaderUsed)
	o.Printf("generation=%d\n", info.Generation)
	o.Printf("items=%d\n", info.ItemCount)
	o.Printf("used_bytes=%d\n", info.UsedBytes)
	o.Printf("free_bytes=%d\n", info.FreeBytes)

	o.Println("")
	o.Println("# records")

	if len(info.Records) == 0 {
		o.Println("(none)")
	}

	for _, r := range info.Records {
		var b strings.Builder

		fmt.Fprintf(&b, "%s offset=%d size=%d hits=%d", r.Key, r.Offset, r.Size, r.Hits)

		if !r.ExpiresAt.IsZero() {
			fmt.Fprintf(&b, " expires=%s", r.ExpiresAt.UTC().Format(time.RFC3339))
		}

		if r.Expired {
			b.WriteString(" expired")
		}

		o.Println(b.String())
	}

	o.Println("")
	o.Println("# gaps")

	if len(info.Gaps) == 0 {
		o.Println("(none)")
	}

	for _, g := range info.Gaps {
		o.Printf("offset=%d size=%d\n", g.Offset, g.Size)
	}
}

// ResetCmd returns the reset command.
func ResetCmd(a *app) *Command {
	flags := flag.NewFlagSet("reset", flag.ContinueOnError)
	yes := flags.Bool("yes", false, "Confirm discarding all segment entries")

	return &Command{
		Flags: flags,
		Usage: "reset --yes",
		Short: "Reinitialize the segment header",
		Long: `Write a fresh empty header to the shared segment file. This is the way to
recover from a corrupt header. The segment id is kept when the file
preamble is still readable. Other tiers are not touched.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return usageError("reset --yes")
			}

			if !a.cfg.Has(config.TierSegment) {
				return errSegmentDisabled
			}

			if !*yes {
				return errResetNotConfirmed
			}

			err := segcache.Reset(a.segmentOptions())
			if err != nil {
				return err
			}

			o.Println("reset " + a.cfg.SegmentPathAbs)

			return nil
		},
	}
}

// StatsCmd returns the stats command.
func StatsCmd(a *app) *Command {
	flags := flag.NewFlagSet("stats", flag.ContinueOnError)
	purge := flags.Bool("purge", false, "Delete expired rows from the durable tier first")

	return &Command{
		Flags: flags,
		Usage: "stats [--purge]",
		Short: "Show entry counts per tier",
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return usageError("stats")
			}

			return a.withStack(ctx, func(s *stack) error {
				o.Println("tiers=" + strings.Join(a.cfg.Tiers, ","))

				if s.seg != nil {
					info, err := s.seg.Info(ctx)
					if err != nil {
						return err
					}

					var hits uint64

					expired := 0

					for _, r := range info.Records {
						hits += r.Hits

						if r.Expired {
							expired++
						}
					}

					o.Printf("segment_items=%d\n", info.ItemCount)
					o.Printf("segment_expired=%d\n", expired)
					o.Printf("segment_hits=%d\n", hits)
					o.Printf("segment_used_bytes=%d\n", info.UsedBytes)
					o.Printf("segment_free_bytes=%d\n", info.FreeBytes)
				}

				if s.durable != nil {
					if *purge {
						n, err := s.durable.PurgeExpired(ctx)
						if err != nil {
							return err
						}

						o.Printf("durable_purged=%d\n", n)
					}

					n, err := s.durable.Len(ctx)
					if err != nil {
						return err
					}

					o.Printf("durable_items=%d\n", n)
				}

				return nil
			})
		},
	}
}
