// Package progress turns a byte counter into percentage, throughput and
// remaining-time strings for display.
package progress

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/dustin/go-humanize"
)

const DefaultInterval = 500 * time.Millisecond

// Calculating is shown until a rate can be computed.
const Calculating = "Calculating..."

type Sample struct {
	Transferred    uint64
	Total          uint64
	Percent        float64
	BytesPerSecond float64
	Speed          string
	Remaining      string
}

// Estimator samples throughput at most once per interval. It is safe for
// concurrent use.
type Estimator struct {
	clk      clock.Clock
	total    uint64
	interval time.Duration

	mu        sync.Mutex
	anchored  bool
	lastAt    time.Time
	lastBytes uint64
	sample    Sample
}

func New(clk clock.Clock, total uint64, interval time.Duration) *Estimator {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	e := &Estimator{clk: clk, total: total, interval: interval}
	e.sample = Sample{
		Total:     total,
		Percent:   percent(0, total),
		Speed:     FormatSpeed(0),
		Remaining: Calculating,
	}
	return e
}

// Update records the byte counter. It returns a fresh sample, and true, once
// per interval; the first call only anchors the window. Percent is updated on
// every call and never decreases.
func (e *Estimator) Update(transferred uint64) (Sample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clk.Now()
	if p := percent(transferred, e.total); p > e.sample.Percent {
		e.sample.Percent = p
	}
	if transferred > e.sample.Transferred {
		e.sample.Transferred = transferred
	}

	if !e.anchored {
		e.anchored = true
		e.lastAt = now
		e.lastBytes = transferred
		return e.sample, false
	}
	elapsed := now.Sub(e.lastAt)
	if elapsed < e.interval {
		return e.sample, false
	}

	var delta uint64
	if transferred > e.lastBytes {
		delta = transferred - e.lastBytes
	}
	bps := float64(delta) / elapsed.Seconds()
	e.sample.BytesPerSecond = bps
	e.sample.Speed = FormatSpeed(bps)
	e.sample.Remaining = Remaining(e.total-min(e.sample.Transferred, e.total), bps, e.sample.Transferred)

	e.lastAt = now
	e.lastBytes = transferred
	return e.sample, true
}

// Last returns the most recent sample without recording anything.
func (e *Estimator) Last() Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sample
}

func percent(transferred, total uint64) float64 {
	if total == 0 {
		return 100
	}
	p := float64(transferred) / float64(total) * 100
	return math.Max(0, math.Min(100, p))
}

// FormatSpeed renders a rate like "1.2 MB/s".
func FormatSpeed(bps float64) string {
	if math.IsNaN(bps) || math.IsInf(bps, 0) || bps < 0 {
		bps = 0
	}
	return humanize.Bytes(uint64(bps)) + "/s"
}

// FormatSize renders a file size like "48 KiB".
func FormatSize(n uint64) string {
	return humanize.IBytes(n)
}

// Remaining buckets the time left at the given rate into a short phrase.
func Remaining(remainingBytes uint64, bps float64, transferred uint64) string {
	if transferred == 0 {
		return Calculating
	}
	secs := float64(remainingBytes) / bps
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return Calculating
	}
	switch {
	case secs < 1:
		return "Less than a second"
	case secs < 60:
		return fmt.Sprintf("About %d seconds", int(math.Ceil(secs)))
	case secs < 3600:
		return fmt.Sprintf("About %d minutes", int(math.Ceil(secs/60)))
	default:
		hours := int(secs / 3600)
		minutes := int(math.Ceil(math.Mod(secs, 3600) / 60))
		return fmt.Sprintf("About %d hours %d minutes", hours, minutes)
	}
}
