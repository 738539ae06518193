package cost

import (
	"sort"
	"time"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Point is one spend observation.
type Point struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Value     float64   `json:"value" yaml:"value"`
}

// TimeSeries is the spend history of one cost scope.
type TimeSeries struct {
	Scope  engine.CostScope `json:"scope" yaml:"scope"`
	Points []Point          `json:"points" yaml:"points"`
}

// Sorted returns a copy of the series with points in time order.
func (s TimeSeries) Sorted() TimeSeries {
	pts := make([]Point, len(s.Points))
	copy(pts, s.Points)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.Before(pts[j].Timestamp) })
	return TimeSeries{Scope: s.Scope, Points: pts}
}

// Total returns the sum of all points.
func (s TimeSeries) Total() float64 {
	var total float64
	for _, p := range s.Points {
		total += p.Value
	}
	return total
}

// welford accumulates mean and variance in one pass.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// variance returns the sample variance, zero below two observations.
func (w *welford) variance() float64 {
	if w.n < 2 {
		return 0
	}
	return w.m2 / float64(w.n-1)
}
