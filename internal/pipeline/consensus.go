package pipeline

import (
	"math"
	"sync"

	"nexara/internal/detection"
)

const (
	consensusPerModel         = 10
	DefaultAgreementThreshold = 0.7
)

// Consensus summarises the latest result of every reporting model
type Consensus struct {
	ViolenceProbability float64 `json:"violenceProbability"`
	Agreement           float64 `json:"agreement"`
	ModelCount          int     `json:"modelCount"`
}

// ConsensusValidator tracks results from independent models
type ConsensusValidator struct {
	mu      sync.Mutex
	order   []string
	results map[string][]detection.Result
}

func NewConsensusValidator() *ConsensusValidator {
	return &ConsensusValidator{results: make(map[string][]detection.Result)}
}

// Add records r for modelID, keeping the last ten per model
func (v *ConsensusValidator) Add(modelID string, r detection.Result) {
	v.mu.Lock()
	defer v.mu.Unlock()

	list, seen := v.results[modelID]
	if !seen {
		v.order = append(v.order, modelID)
	}
	list = append(list, r)
	if len(list) > consensusPerModel {
		list = append([]detection.Result(nil), list[len(list)-consensusPerModel:]...)
	}
	v.results[modelID] = list
}

// Consensus is only reported once at least two models have results.
// Agreement is 1 minus twice the population standard deviation, floored at 0.
func (v *ConsensusValidator) Consensus() (Consensus, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.order) < 2 {
		return Consensus{}, false
	}

	latest := make([]float64, 0, len(v.order))
	for _, id := range v.order {
		list := v.results[id]
		latest = append(latest, list[len(list)-1].ViolenceProbability)
	}

	var sum float64
	for _, p := range latest {
		sum += p
	}
	avg := sum / float64(len(latest))

	var variance float64
	for _, p := range latest {
		variance += (p - avg) * (p - avg)
	}
	variance /= float64(len(latest))

	return Consensus{
		ViolenceProbability: avg,
		Agreement:           math.Max(0, 1-2*math.Sqrt(variance)),
		ModelCount:          len(latest),
	}, true
}

// HasAgreement reports whether a consensus exists with agreement >= threshold
func (v *ConsensusValidator) HasAgreement(threshold float64) bool {
	c, ok := v.Consensus()
	return ok && c.Agreement >= threshold
}

func (v *ConsensusValidator) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.order = nil
	v.results = make(map[string][]detection.Result)
}
