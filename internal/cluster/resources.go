package cluster

import (
	"modelpool/internal/classify"
	"modelpool/pkg/types"
)

const (
	mib = int64(1024 * 1024)

	// DefaultReserveFraction is the share of available memory held back as a
	// safety margin when sizing concurrency.
	DefaultReserveFraction = 0.1
)

// Estimator returns the estimated memory cost in bytes of one in-flight
// request for the named model. The exact per-model cost is workload
// dependent, so callers may plug their own function.
type Estimator func(modelName string) int64

// DefaultEstimator sizes requests by model capability: vision requests
// carry image tensors, embedding requests are tiny, chat sits in between.
func DefaultEstimator(modelName string) int64 {
	switch {
	case classify.IsVisionModel(modelName):
		return 100 * mib
	case classify.IsEmbeddingModel(modelName):
		return 5 * mib
	default:
		return 50 * mib
	}
}

// Accountant derives ResourceUsage from raw probe numbers. Stateless; the
// derived values are recomputed on every poll and never cached across polls.
type Accountant struct {
	reserveFraction float64
	estimate        Estimator
}

// NewAccountant returns an Accountant. A reserveFraction outside [0, 1)
// falls back to the default; a nil estimator uses DefaultEstimator.
func NewAccountant(reserveFraction float64, estimate Estimator) *Accountant {
	if reserveFraction < 0 || reserveFraction >= 1 {
		reserveFraction = DefaultReserveFraction
	}
	if estimate == nil {
		estimate = DefaultEstimator
	}
	return &Accountant{reserveFraction: reserveFraction, estimate: estimate}
}

// Usage computes the point-in-time resource view for one instance and model.
func (a *Accountant) Usage(totalMemory, usedMemory int64, modelName string) types.ResourceUsage {
	if usedMemory < 0 {
		usedMemory = 0
	}
	available := totalMemory - usedMemory
	if available < 0 {
		available = 0
	}
	safe := int64(float64(available) * (1 - a.reserveFraction))

	perRequest := a.estimate(modelName)
	if perRequest < 1 {
		perRequest = 1
	}
	maxConcurrency := int(safe / perRequest)
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	var utilization float64
	if totalMemory > 0 {
		utilization = float64(usedMemory) / float64(totalMemory) * 100
	}

	return types.ResourceUsage{
		TotalMemory:            totalMemory,
		UsedMemory:             usedMemory,
		AvailableMemory:        available,
		SafeMemory:             safe,
		MaxConcurrency:         maxConcurrency,
		EstimatedRequestMemory: perRequest,
		UtilizationPercentage:  utilization,
		MemoryType:             "GPU",
	}
}

// LoadScore ranks instances for selection. Lower is better: free memory
// and concurrency headroom both push the score down.
func LoadScore(u types.ResourceUsage) float64 {
	return u.UtilizationPercentage - float64(u.MaxConcurrency)
}
