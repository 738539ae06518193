package cost

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Source supplies spend history for a scope.
type Source interface {
	// Series returns the series of the scope's provider and account covering
	// [start, end).
	Series(ctx context.Context, scope engine.Scope, start, end time.Time) ([]TimeSeries, error)
}

// MemorySource serves fixed series, filtered by provider, account and time.
type MemorySource struct {
	mu     sync.RWMutex
	series []TimeSeries
}

// NewMemorySource creates a source holding series.
func NewMemorySource(series ...TimeSeries) *MemorySource {
	return &MemorySource{series: series}
}

// LoadMemorySource reads series from a YAML file (a list of TimeSeries).
func LoadMemorySource(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cost fixtures: %w", err)
	}
	var series []TimeSeries
	if err := yaml.Unmarshal(data, &series); err != nil {
		return nil, fmt.Errorf("failed to parse cost fixtures %s: %w", path, err)
	}
	return NewMemorySource(series...), nil
}

// Add appends series.
func (m *MemorySource) Add(series ...TimeSeries) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series = append(m.series, series...)
}

// Series implements Source.
func (m *MemorySource) Series(ctx context.Context, scope engine.Scope, start, end time.Time) ([]TimeSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []TimeSeries
	for _, s := range m.series {
		if s.Scope.Provider != scope.Provider || s.Scope.Account != scope.Account {
			continue
		}
		filtered := TimeSeries{Scope: s.Scope}
		for _, p := range s.Points {
			if !p.Timestamp.Before(start) && p.Timestamp.Before(end) {
				filtered.Points = append(filtered.Points, p)
			}
		}
		out = append(out, filtered)
	}
	return out, nil
}
