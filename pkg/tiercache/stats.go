package tiercache

import "sync"

// Stats is a snapshot of manager counters.
type Stats struct {
	// Hits counts Get calls answered by any tier.
	Hits uint64
	// Misses counts Get calls no tier answered.
	Misses uint64
	// Writes counts Set calls, successful or not.
	Writes uint64
	// HitRate is Hits / (Hits + Misses), or 0 before the first Get.
	HitRate float64
	// PerTier is in tier order.
	PerTier []TierStats
}

// TierStats holds per-tier counters.
type TierStats struct {
	Name string
	// Hits counts Get calls this tier answered.
	Hits uint64
	// Errors counts failed calls of any kind.
	Errors uint64
	// PromotionFailures counts failed promotions into this tier.
	PromotionFailures uint64
}

type metrics struct {
	mu sync.Mutex

	hits    uint64
	misses  uint64
	writes  uint64
	perTier []TierStats
}

func newMetrics(tiers []Tier) *metrics {
	m := &metrics{perTier: make([]TierStats, len(tiers))}
	for i, t := range tiers {
		m.perTier[i].Name = t.Name()
	}

	return m
}

func (m *metrics) recordHit(tier int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.hits++
	m.perTier[tier].Hits++
}

func (m *metrics) recordMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.misses++
}

func (m *metrics) recordWrite() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
}

func (m *metrics) recordError(tier int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.perTier[tier].Errors++
}

func (m *metrics) recordPromotionFailure(tier int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.perTier[tier].Errors++
	m.perTier[tier].PromotionFailures++
}

func (m *metrics) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Hits:    m.hits,
		Misses:  m.misses,
		Writes:  m.writes,
		PerTier: append([]TierStats(nil), m.perTier...),
	}

	if total := m.hits + m.misses; total > 0 {
		s.HitRate = float64(m.hits) / float64(total)
	}

	return s
}
