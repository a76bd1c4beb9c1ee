package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/tiercache/pkg/segcache"
	"github.com/calvinalkan/tiercache/pkg/tiercache/memtier"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// BenchCmd returns the bench command.
func BenchCmd(a *app) *Command {
	flags := flag.NewFlagSet("bench", flag.ContinueOnError)
	workers := flags.Int("workers", 4, "Concurrent workers")
	ops := flags.Int("ops", 1000, "Operations per worker")
	size := flags.Int("size", 256, "Value size in bytes")
	keys := flags.Int("keys", 100, "Distinct keys")
	seed := flags.Uint64("seed", 1, "Random seed")

	return &Command{
		Flags: flags,
		Usage: "bench [--workers N] [--ops N] [--size N] [--keys N] [--seed N]",
		Short: "Run a mixed get/set/del load",
		Long: `Run workers that issue a random mix of 70% get, 25% set and 5% del against
the configured tiers, then print throughput and hit counters. Allocation
failures in full tiers are counted, not fatal.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) != 0 {
				return usageError("bench")
			}

			if *workers <= 0 || *ops <= 0 || *keys <= 0 || *size < 0 {
				return errors.New("--workers, --ops and --keys must be > 0, --size >= 0")
			}

			return a.withStack(ctx, func(s *stack) error {
				var full atomic.Uint64

				value := make([]byte, *size)
				for i := range value {
					value[i] = byte('a' + i%26)
				}

				start := time.Now()

				g, gctx := errgroup.WithContext(ctx)

				for w := range *workers {
					rng := rand.New(rand.NewPCG(*seed, uint64(w)))

					g.Go(func() error {
						for range *ops {
							key := "bench-" + strconv.Itoa(rng.IntN(*keys))

							var err error

							switch r := rng.IntN(100); {
							case r < 70:
								_, _, err = s.mgr.Get(gctx, key)
							case r < 95:
								err = s.mgr.Set(gctx, key, value, 0)
							default:
								err = s.mgr.Delete(gctx, key)
							}

							if errors.Is(err, segcache.ErrAllocation) || errors.Is(err, memtier.ErrFull) {
								full.Add(1)

								continue
							}

							if err != nil {
								return fmt.Errorf("bench %s: %w", key, err)
							}
						}

						return nil
					})
				}

				err := g.Wait()
				if err != nil {
					return err
				}

				elapsed := time.Since(start)
				total := *workers * *ops

				o.Printf("ops=%d workers=%d elapsed=%s ops_per_sec=%.0f\n",
					total, *workers, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
				o.Printf("allocation_failures=%d\n", full.Load())
				printManagerStats(o, s)

				return nil
			})
		},
	}
}
