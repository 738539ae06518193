// Package cost flags spend observations that deviate from their trailing
// baseline and summarizes spend per provider and service.
package cost

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Options configures a Detector.
type Options struct {
	// ZScoreThreshold is the |z| above which a point is anomalous.
	ZScoreThreshold float64

	// MinHistory is the number of baseline points required before a point
	// may be flagged.
	MinHistory int

	// MinStdDevRatio floors the baseline standard deviation at this
	// fraction of |mean|, so flat series still produce finite scores.
	MinStdDevRatio float64
}

// DefaultOptions returns the default detector options.
func DefaultOptions() Options {
	return Options{
		ZScoreThreshold: 3.0,
		MinHistory:      7,
		MinStdDevRatio:  0.01,
	}
}

// minStdDev is the floor used when the baseline mean is zero.
const minStdDev = 1e-9

// Detector finds cost anomalies. Detect is pure.
type Detector struct {
	opts   Options
	logger zerolog.Logger
}

// NewDetector creates a detector, filling unset options with defaults.
func NewDetector(opts Options, logger zerolog.Logger) *Detector {
	def := DefaultOptions()
	if opts.ZScoreThreshold <= 0 {
		opts.ZScoreThreshold = def.ZScoreThreshold
	}
	if opts.MinHistory <= 0 {
		opts.MinHistory = def.MinHistory
	}
	if opts.MinStdDevRatio <= 0 {
		opts.MinStdDevRatio = def.MinStdDevRatio
	}
	return &Detector{
		opts:   opts,
		logger: logger.With().Str("component", "cost-detector").Logger(),
	}
}

// Options returns the effective options.
func (d *Detector) Options() Options {
	return d.opts
}

// Detect scores every point against the points of the trailing window
// strictly before it. A series shorter than MinHistory+1 yields nothing.
func (d *Detector) Detect(series TimeSeries, window time.Duration) []engine.CostAnomaly {
	if len(series.Points) < d.opts.MinHistory+1 {
		return nil
	}
	s := series.Sorted()

	var anomalies []engine.CostAnomaly
	start := 0
	for i, p := range s.Points {
		if !isFinite(p.Value) {
			continue
		}
		for start < i && window > 0 && !s.Points[start].Timestamp.After(p.Timestamp.Add(-window)) {
			start++
		}

		var w welford
		for _, b := range s.Points[start:i] {
			if isFinite(b.Value) && b.Timestamp.Before(p.Timestamp) {
				w.add(b.Value)
			}
		}
		if w.n < d.opts.MinHistory {
			continue
		}

		sd := math.Sqrt(w.variance())
		floor := d.opts.MinStdDevRatio * math.Abs(w.mean)
		if floor == 0 {
			floor = minStdDev
		}
		if sd < floor {
			sd = floor
		}

		z := (p.Value - w.mean) / sd
		if math.Abs(z) <= d.opts.ZScoreThreshold {
			continue
		}

		anomaly := engine.CostAnomaly{
			Scope: s.Scope,
			ExpectedRange: engine.Range{
				Low:  math.Max(0, w.mean-d.opts.ZScoreThreshold*sd),
				High: w.mean + d.opts.ZScoreThreshold*sd,
			},
			Observed:       p.Value,
			DeviationScore: z,
			Severity:       d.severityOf(z),
			Timestamp:      p.Timestamp,
		}
		if w.mean != 0 {
			anomaly.VariancePercent = (p.Value - w.mean) / w.mean * 100
		}
		anomalies = append(anomalies, anomaly)
	}

	if len(anomalies) > 0 {
		d.logger.Debug().
			Str("scope", s.Scope.String()).
			Int("anomalies", len(anomalies)).
			Msg("Cost anomalies detected")
	}
	return anomalies
}

// DetectAll runs Detect over every series, ordered by |score| descending,
// then scope, then time.
func (d *Detector) DetectAll(series []TimeSeries, window time.Duration) []engine.CostAnomaly {
	var all []engine.CostAnomaly
	for i := range series {
		all = append(all, d.Detect(series[i], window)...)
	}
	SortAnomalies(all)
	return all
}

// Current keeps the anomalies found at the newest point of their series.
// Older points were already reported when they were the newest, so a spike
// that spend has since recovered from is not raised again.
func Current(series []TimeSeries, anomalies []engine.CostAnomaly) []engine.CostAnomaly {
	latest := make(map[engine.CostScope]time.Time, len(series))
	for _, s := range series {
		for _, p := range s.Points {
			if !isFinite(p.Value) {
				continue
			}
			if t, ok := latest[s.Scope]; !ok || p.Timestamp.After(t) {
				latest[s.Scope] = p.Timestamp
			}
		}
	}

	var out []engine.CostAnomaly
	for _, a := range anomalies {
		if t, ok := latest[a.Scope]; ok && a.Timestamp.Equal(t) {
			out = append(out, a)
		}
	}
	return out
}

func (d *Detector) severityOf(z float64) engine.Severity {
	if math.Abs(z) >= 2*d.opts.ZScoreThreshold {
		return engine.SeverityCritical
	}
	return engine.SeverityWarning
}

// SortAnomalies orders anomalies by |score| descending, then scope, then time.
func SortAnomalies(as []engine.CostAnomaly) {
	sort.SliceStable(as, func(i, j int) bool {
		a, b := math.Abs(as[i].DeviationScore), math.Abs(as[j].DeviationScore)
		if a != b {
			return a > b
		}
		if sa, sb := as[i].Scope.String(), as[j].Scope.String(); sa != sb {
			return sa < sb
		}
		return as[i].Timestamp.Before(as[j].Timestamp)
	})
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
