package websocket

import (
	"sync"
	"time"
)

// Tier buckets a client's round-trip latency. The tier picks the batching
// interval for deferred messages.
type Tier int

const (
	TierExcellent Tier = iota
	TierGood
	TierFair
	TierPoor
	TierBad
)

func (t Tier) String() string {
	switch t {
	case TierExcellent:
		return "excellent"
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	}
	return "bad"
}

// Batching intervals per tier.
var tierIntervals = map[Tier]time.Duration{
	TierExcellent: 16 * time.Millisecond,
	TierGood:      32 * time.Millisecond,
	TierFair:      50 * time.Millisecond,
	TierPoor:      100 * time.Millisecond,
	TierBad:       200 * time.Millisecond,
}

// RTT thresholds between tiers.
var tierThresholds = []time.Duration{
	30 * time.Millisecond,
	80 * time.Millisecond,
	150 * time.Millisecond,
	300 * time.Millisecond,
}

// ewmaAlpha weights the newest sample.
const ewmaAlpha = 0.3

// trendMargin is the relative EWMA change treated as a rising or falling
// trend rather than noise.
const trendMargin = 0.1

// latencyTracker folds ping/pong round trips into a smoothed latency tier.
type latencyTracker struct {
	mu       sync.Mutex
	ewma     time.Duration
	previous time.Duration
	samples  int
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{}
}

// Observe records one round-trip sample.
func (l *latencyTracker) Observe(rtt time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.previous = l.ewma
	if l.samples == 0 {
		l.ewma = rtt
	} else {
		l.ewma = time.Duration(ewmaAlpha*float64(rtt) + (1-ewmaAlpha)*float64(l.ewma))
	}
	l.samples++
}

// Tier returns the current latency tier, adjusted one step worse on a rising
// trend and one step better on a falling one.
func (l *latencyTracker) Tier() Tier {
	l.mu.Lock()
	defer l.mu.Unlock()

	tier := tierFor(l.ewma)
	if l.samples < 2 || l.previous == 0 {
		return tier
	}

	delta := float64(l.ewma-l.previous) / float64(l.previous)
	switch {
	case delta > trendMargin && tier < TierBad:
		tier++
	case delta < -trendMargin && tier > TierExcellent:
		tier--
	}
	return tier
}

// Interval returns the batching delay for the current tier.
func (l *latencyTracker) Interval() time.Duration {
	return tierIntervals[l.Tier()]
}

func tierFor(rtt time.Duration) Tier {
	for i, threshold := range tierThresholds {
		if rtt < threshold {
			return Tier(i)
		}
	}
	return TierBad
}
