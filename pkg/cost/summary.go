package cost

import (
	"sort"
)

// ServiceTotal is the spend of one service.
type ServiceTotal struct {
	Provider string  `json:"provider"`
	Service  string  `json:"service"`
	Total    float64 `json:"total"`
}

// Summary aggregates spend over a set of series.
type Summary struct {
	Total      float64            `json:"total"`
	ByProvider map[string]float64 `json:"by_provider"`
	Services   []ServiceTotal     `json:"services"`
}

// Summarize totals spend per provider and per service. Services are sorted
// by total descending. Series without a service count toward their
// provider only.
func Summarize(series []TimeSeries) Summary {
	sum := Summary{ByProvider: make(map[string]float64)}
	services := make(map[[2]string]float64)

	for _, s := range series {
		t := s.Total()
		sum.Total += t
		sum.ByProvider[s.Scope.Provider] += t
		if s.Scope.Service != "" {
			services[[2]string{s.Scope.Provider, s.Scope.Service}] += t
		}
	}

	for key, total := range services {
		sum.Services = append(sum.Services, ServiceTotal{Provider: key[0], Service: key[1], Total: total})
	}
	sort.Slice(sum.Services, func(i, j int) bool {
		if sum.Services[i].Total != sum.Services[j].Total {
			return sum.Services[i].Total > sum.Services[j].Total
		}
		if sum.Services[i].Provider != sum.Services[j].Provider {
			return sum.Services[i].Provider < sum.Services[j].Provider
		}
		return sum.Services[i].Service < sum.Services[j].Service
	})

	return sum
}
