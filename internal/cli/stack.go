package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calvinalkan/tiercache/internal/config"
	"github.com/calvinalkan/tiercache/pkg/segcache"
	"github.com/calvinalkan/tiercache/pkg/tiercache"
	"github.com/calvinalkan/tiercache/pkg/tiercache/memtier"
	"github.com/calvinalkan/tiercache/pkg/tiercache/sqltier"
)

// stack is the configured tier chain plus typed handles on the tiers the
// diagnostic commands inspect. Disabled tiers are nil.
type stack struct {
	mgr     *tiercache.Manager
	mem     *memtier.Cache
	seg     *segcache.Segment
	durable *sqltier.Store
}

func (a *app) segmentOptions() segcache.Options {
	return segcache.Options{
		Path:          a.cfg.SegmentPathAbs,
		Capacity:      a.cfg.SegmentCapacity,
		HeaderReserve: a.cfg.HeaderReserve,
		LockTimeout:   time.Duration(a.cfg.LockTimeout),
		Logger:        a.logger,
	}
}

// openStack opens the enabled tiers in config order.
func (a *app) openStack(ctx context.Context) (*stack, error) {
	s := &stack{}

	var tiers []tiercache.Tier

	closeOpened := func() {
		for _, t := range tiers {
			if c, ok := t.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		}
	}

	for _, name := range a.cfg.Tiers {
		switch name {
		case config.TierMemory:
			s.mem = memtier.New(memtier.Options{
				MaxEntries: a.cfg.MemoryMaxEntries,
				Logger:     a.logger,
			})
			tiers = append(tiers, s.mem)

		case config.TierSegment:
			seg, err := segcache.Open(a.segmentOptions())
			if err != nil {
				closeOpened()

				if errors.Is(err, segcache.ErrCorruptHeader) {
					return nil, fmt.Errorf("%w (run 'tiercache reset --yes' to reinitialize)", err)
				}

				return nil, err
			}

			s.seg = seg
			tiers = append(tiers, seg)

		case config.TierDurable:
			durable, err := sqltier.Open(ctx, sqltier.Options{
				Path:   a.cfg.DurablePathAbs,
				Logger: a.logger,
			})
			if err != nil {
				closeOpened()

				return nil, err
			}

			s.durable = durable
			tiers = append(tiers, durable)
		}
	}

	mgr, err := tiercache.New(tiercache.Options{
		Tiers:      tiers,
		DefaultTTL: time.Duration(a.cfg.DefaultTTL),
		Logger:     a.logger,
	})
	if err != nil {
		closeOpened()

		return nil, err
	}

	s.mgr = mgr

	return s, nil
}

// withStack opens the stack, runs fn and closes the stack. A close error is
// returned only when fn succeeded.
func (a *app) withStack(ctx context.Context, fn func(s *stack) error) (err error) {
	s, err := a.openStack(ctx)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := s.mgr.Close()
		if err == nil && closeErr != nil {
			err = fmt.Errorf("closing cache: %w", closeErr)
		}
	}()

	return fn(s)
}
