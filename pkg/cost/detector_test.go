package cost

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

var day0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

func daily(scope engine.CostScope, values ...float64) TimeSeries {
	s := TimeSeries{Scope: scope}
	for i, v := range values {
		s.Points = append(s.Points, Point{Timestamp: day0.Add(time.Duration(i) * 24 * time.Hour), Value: v})
	}
	return s
}

var s3Scope = engine.CostScope{Provider: "aws", Account: "123456789012", Service: "Amazon S3"}

func TestDetect_ColdStart(t *testing.T) {
	d := NewDetector(DefaultOptions(), zerolog.Nop())

	// seven points: shorter than MinHistory+1
	series := daily(s3Scope, 10, 10, 10, 10, 10, 10, 1000)
	assert.Empty(t, d.Detect(series, 30*24*time.Hour))

	// eight points, but the window only holds three baseline points
	series = daily(s3Scope, 10, 10, 10, 10, 10, 10, 10, 1000)
	assert.Empty(t, d.Detect(series, 4*24*time.Hour))
}

func TestDetect_Spike(t *testing.T) {
	d := NewDetector(DefaultOptions(), zerolog.Nop())

	series := daily(s3Scope, 100, 102, 98, 101, 99, 100, 103, 97, 450)
	anomalies := d.Detect(series, 30*24*time.Hour)

	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, s3Scope, a.Scope)
	assert.Equal(t, 450.0, a.Observed)
	assert.Equal(t, day0.Add(8*24*time.Hour), a.Timestamp)
	assert.Greater(t, a.DeviationScore, 6.0)
	assert.Equal(t, engine.SeverityCritical, a.Severity)
	assert.InDelta(t, 350, a.VariancePercent, 1)
	assert.Less(t, a.ExpectedRange.High, 450.0)
	assert.GreaterOrEqual(t, a.ExpectedRange.Low, 0.0)
}

func TestDetect_FlatSeriesJump(t *testing.T) {
	d := NewDetector(DefaultOptions(), zerolog.Nop())

	series := daily(s3Scope, 50, 50, 50, 50, 50, 50, 50, 50, 60)
	anomalies := d.Detect(series, 0)

	require.Len(t, anomalies, 1)
	// stddev floored at 1% of the mean: z = 10 / 0.5
	assert.InDelta(t, 20, anomalies[0].DeviationScore, 1e-9)
	assert.False(t, math.IsInf(anomalies[0].DeviationScore, 0))

	// a flat series at zero uses the absolute floor and stays finite
	zero := daily(s3Scope, 0, 0, 0, 0, 0, 0, 0, 0, 1)
	anomalies = d.Detect(zero, 0)
	require.Len(t, anomalies, 1)
	assert.False(t, math.IsInf(anomalies[0].DeviationScore, 0))
	assert.Zero(t, anomalies[0].VariancePercent)
}

func TestDetect_WarningBetweenThresholds(t *testing.T) {
	d := NewDetector(Options{ZScoreThreshold: 3, MinHistory: 7, MinStdDevRatio: 0.01}, zerolog.Nop())

	// mean 100, sample stddev 2: a point at 108 scores 4
	series := daily(s3Scope, 98, 102, 98, 102, 98, 102, 98, 102, 108)
	anomalies := d.Detect(series, 0)

	require.Len(t, anomalies, 1)
	assert.Equal(t, engine.SeverityWarning, anomalies[0].Severity)
}

func TestDetect_UnsortedInputAndDrop(t *testing.T) {
	d := NewDetector(DefaultOptions(), zerolog.Nop())

	series := daily(s3Scope, 100, 101, 99, 100, 102, 98, 100, 101, 5)
	series.Points[0], series.Points[8] = series.Points[8], series.Points[0]

	anomalies := d.Detect(series, 0)
	require.Len(t, anomalies, 1)
	assert.Equal(t, 5.0, anomalies[0].Observed)
	assert.Less(t, anomalies[0].DeviationScore, 0.0)
}

func TestDetectAll_Ordering(t *testing.T) {
	d := NewDetector(DefaultOptions(), zerolog.Nop())

	ec2 := engine.CostScope{Provider: "aws", Account: "123456789012", Service: "Amazon EC2"}
	anomalies := d.DetectAll([]TimeSeries{
		daily(s3Scope, 100, 102, 98, 101, 99, 100, 103, 97, 150),
		daily(ec2, 100, 102, 98, 101, 99, 100, 103, 97, 900),
	}, 0)

	require.Len(t, anomalies, 2)
	assert.Equal(t, ec2, anomalies[0].Scope)
	assert.Equal(t, s3Scope, anomalies[1].Scope)
}

func TestCurrent_DropsRecoveredSpike(t *testing.T) {
	d := NewDetector(DefaultOptions(), zerolog.Nop())

	values := []float64{100, 101, 100, 101, 100, 101, 100, 101, 100, 101, 500}
	for i := 0; i < 9; i++ {
		values = append(values, 100+float64(i%2))
	}
	series := []TimeSeries{daily(s3Scope, values...)}

	all := d.DetectAll(series, 0)
	require.Len(t, all, 1, "the old spike is still in the history")
	assert.Equal(t, 500.0, all[0].Observed)

	assert.Empty(t, Current(series, all))
}

func TestCurrent_KeepsNewestPoint(t *testing.T) {
	d := NewDetector(DefaultOptions(), zerolog.Nop())

	ec2 := engine.CostScope{Provider: "aws", Account: "123456789012", Service: "Amazon EC2"}
	series := []TimeSeries{
		daily(s3Scope, 100, 102, 98, 101, 99, 100, 103, 97, 450),
		daily(ec2, 100, 102, 98, 101, 99, 100, 103, 97, 450, 100, 99),
	}

	current := Current(series, d.DetectAll(series, 0))
	require.Len(t, current, 1)
	assert.Equal(t, s3Scope, current[0].Scope)
	assert.Equal(t, day0.Add(8*24*time.Hour), current[0].Timestamp)
}

func TestSummarize(t *testing.T) {
	ec2 := engine.CostScope{Provider: "aws", Account: "1", Service: "Amazon EC2"}
	gce := engine.CostScope{Provider: "gcp", Account: "p", Service: "Compute Engine"}
	account := engine.CostScope{Provider: "aws", Account: "1"}

	sum := Summarize([]TimeSeries{
		daily(s3Scope, 1, 2, 3),
		daily(ec2, 10, 10),
		daily(gce, 5),
		daily(account, 100),
	})

	assert.InDelta(t, 131, sum.Total, 1e-9)
	assert.InDelta(t, 126, sum.ByProvider["aws"], 1e-9)
	assert.InDelta(t, 5, sum.ByProvider["gcp"], 1e-9)
	require.Len(t, sum.Services, 3)
	assert.Equal(t, "Amazon EC2", sum.Services[0].Service)
	assert.Equal(t, "Amazon S3", sum.Services[1].Service)
	assert.Equal(t, "Compute Engine", sum.Services[2].Service)
}

func TestMemorySource(t *testing.T) {
	other := engine.CostScope{Provider: "aws", Account: "999", Service: "Amazon S3"}
	src := NewMemorySource(daily(s3Scope, 1, 2, 3, 4), daily(other, 1))

	scope := engine.Scope{Provider: "aws", Account: "123456789012", Region: "us-east-1"}
	series, err := src.Series(context.Background(), scope, day0.Add(24*time.Hour), day0.Add(3*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.Len(t, series[0].Points, 2)
	assert.Equal(t, 2.0, series[0].Points[0].Value)
	assert.Equal(t, 3.0, series[0].Points[1].Value)
}

func TestLoadMemorySource(t *testing.T) {
	content := `- scope:
    provider: aws
    account: "123456789012"
    service: Amazon S3
  points:
    - timestamp: 2026-01-01T00:00:00Z
      value: 12.5
    - timestamp: 2026-01-02T00:00:00Z
      value: 13
`
	path := filepath.Join(t.TempDir(), "cost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := LoadMemorySource(path)
	require.NoError(t, err)

	scope := engine.Scope{Provider: "aws", Account: "123456789012", Region: "us-east-1"}
	series, err := src.Series(context.Background(), scope, day0, day0.Add(week))
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "Amazon S3", series[0].Scope.Service)
	assert.InDelta(t, 25.5, series[0].Total(), 1e-9)
}
