package detector

import (
	"math"
	"time"

	"github.com/opensource-finance/merlin/internal/domain"
)

// series indexes metric values by calendar month so trailing windows align
// on calendar offsets. A gap in the series leaves the signals that need the
// missing month undefined instead of silently sliding the window.
type series map[int]float64

func buildSeries(points []*domain.MetricPoint) series {
	s := make(series, len(points))
	for _, p := range points {
		s[domain.MonthIndex(p.Month)] = p.Value
	}
	return s
}

// computeSignals derives the four detection signals for one month. A nil
// field means the signal is undefined for that month.
func computeSignals(s series, month time.Time) domain.Signals {
	idx := domain.MonthIndex(month)
	curr, ok := s[idx]
	if !ok {
		return domain.Signals{}
	}

	var sig domain.Signals

	if prev, ok := s[idx-1]; ok && prev != 0 {
		sig.MoM = ptr(pctChange(curr, prev))
	}
	if prior, ok := s[idx-12]; ok && prior != 0 {
		sig.YoY = ptr(pctChange(curr, prior))
	}

	// Rolling window: however many of the 3 preceding months exist.
	if mean, n := windowMean(s, idx, 3); n > 0 {
		sig.RollingMean = ptr(mean)
		if mean != 0 {
			sig.RollingDev = ptr(pctChange(curr, mean))
		}
	}

	// Z-score needs the full 6-month trailing window.
	if mean, n := windowMean(s, idx, 6); n == 6 {
		sig.WindowMean = ptr(mean)
		if sd := windowStdev(s, idx, 6, mean); sd > 0 {
			sig.WindowStdev = ptr(sd)
			sig.ZScore = ptr((curr - mean) / sd)
		}
	}

	return sig
}

// pctChange is the percentage change of curr relative to base.
func pctChange(curr, base float64) float64 {
	return (curr - base) / math.Abs(base) * 100
}

// windowMean averages the values of the `width` calendar months strictly
// before idx, skipping months with no value. Returns the count actually used.
func windowMean(s series, idx, width int) (float64, int) {
	var sum float64
	var n int
	for i := idx - width; i < idx; i++ {
		if v, ok := s[i]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

// windowStdev is the sample standard deviation of the full trailing window.
// Callers must have verified the window is complete.
func windowStdev(s series, idx, width int, mean float64) float64 {
	var sumSq float64
	for i := idx - width; i < idx; i++ {
		d := s[i] - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(width-1))
}

// classify applies the detection rule to a month's signals. Returns the
// reason tag and severity; an empty reason means no signal fired. MoM is a
// display value only and never fires on its own.
func classify(sig domain.Signals, cfg domain.DetectorConfig) (string, float64) {
	yoyFired := sig.YoY != nil && math.Abs(*sig.YoY) >= cfg.YoYThreshold
	rollFired := sig.RollingDev != nil && math.Abs(*sig.RollingDev) >= cfg.RollingThreshold
	zFired := sig.ZScore != nil && math.Abs(*sig.ZScore) >= cfg.ZScoreThreshold

	var reason string
	switch {
	case yoyFired && rollFired:
		reason = domain.ReasonYoYAndRolling
	case yoyFired:
		reason = domain.ReasonYoY
	case rollFired:
		reason = domain.ReasonRolling
	case zFired:
		reason = domain.ReasonZScore
	default:
		return "", 0
	}

	var severity float64
	if sig.YoY != nil {
		severity = math.Max(severity, math.Abs(*sig.YoY))
	}
	if sig.RollingDev != nil {
		severity = math.Max(severity, math.Abs(*sig.RollingDev))
	}
	if sig.ZScore != nil {
		severity = math.Max(severity, math.Abs(*sig.ZScore)*cfg.ZScoreScale)
	}

	return reason, severity
}

func ptr(v float64) *float64 {
	return &v
}
