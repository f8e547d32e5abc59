package categorize

import (
	"sync"
	"time"

	"github.com/Veraticus/expense-flow/internal/model"
)

// TierStat aggregates resolutions served by one tier.
type TierStat struct {
	Count        int
	TotalElapsed time.Duration
}

// Average returns the mean resolution latency.
func (s TierStat) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalElapsed / time.Duration(s.Count)
}

// Stats is a snapshot of the cascade's in-process counters.
type Stats struct {
	Tiers    map[model.Tier]TierStat
	Outcomes map[Outcome]int
}

// Total returns the number of resolutions recorded.
func (s Stats) Total() int {
	total := 0
	for _, n := range s.Outcomes {
		total += n
	}
	return total
}

// HitRate returns the fraction of resolutions served without inference.
func (s Stats) HitRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	cheap := s.Tiers[model.TierCache].Count + s.Tiers[model.TierSimilarity].Count
	return float64(cheap) / float64(total)
}

type statsCollector struct {
	tiers    map[model.Tier]TierStat
	outcomes map[Outcome]int
	mu       sync.Mutex
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		tiers:    make(map[model.Tier]TierStat),
		outcomes: make(map[Outcome]int),
	}
}

func (s *statsCollector) add(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat := s.tiers[r.Tier]
	stat.Count++
	stat.TotalElapsed += r.Elapsed
	s.tiers[r.Tier] = stat
	s.outcomes[r.Outcome]++
}

// Stats returns a snapshot of tier and outcome counters since the cascade was created.
func (c *Cascade) Stats() Stats {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()

	out := Stats{
		Tiers:    make(map[model.Tier]TierStat, len(c.stats.tiers)),
		Outcomes: make(map[Outcome]int, len(c.stats.outcomes)),
	}
	for k, v := range c.stats.tiers {
		out.Tiers[k] = v
	}
	for k, v := range c.stats.outcomes {
		out.Outcomes[k] = v
	}
	return out
}
