package oracle

import "fmt"

// Params are the global tunable thresholds. All ratios are basis points.
type Params struct {
	MinSubmitters             uint64 `json:"min_submitters"`
	ConsensusToleranceBps     uint64 `json:"consensus_tolerance_bps"`
	StalenessThresholdSeconds uint64 `json:"staleness_threshold_seconds"`
	CircuitBreakerBps         uint64 `json:"circuit_breaker_bps"`
	ExternalDeviationBps      uint64 `json:"external_deviation_bps"`
	TWAPWindowSeconds         uint64 `json:"twap_window_seconds"`
}

// DefaultParams returns the parameters a fresh deployment starts with.
func DefaultParams() Params {
	return Params{
		MinSubmitters:             3,
		ConsensusToleranceBps:     100,  // 1%
		StalenessThresholdSeconds: 3600, // 1h
		CircuitBreakerBps:         1000, // 10%
		ExternalDeviationBps:      500,  // 5%
		TWAPWindowSeconds:         1800, // 30m
	}
}

// Validate checks the invariants every stored parameter set must hold.
func (p Params) Validate() error {
	if p.MinSubmitters == 0 {
		return fmt.Errorf("%w: min_submitters must be at least 1", ErrInvalidParams)
	}
	if p.TWAPWindowSeconds == 0 {
		return fmt.Errorf("%w: twap_window_seconds must be positive", ErrInvalidParams)
	}
	return nil
}

// ParamsUpdate is a partial update: nil fields are left unchanged.
type ParamsUpdate struct {
	MinSubmitters             *uint64 `json:"min_submitters,omitempty"`
	ConsensusToleranceBps     *uint64 `json:"consensus_tolerance_bps,omitempty"`
	StalenessThresholdSeconds *uint64 `json:"staleness_threshold_seconds,omitempty"`
	CircuitBreakerBps         *uint64 `json:"circuit_breaker_bps,omitempty"`
	ExternalDeviationBps      *uint64 `json:"external_deviation_bps,omitempty"`
	TWAPWindowSeconds         *uint64 `json:"twap_window_seconds,omitempty"`
}

// Apply returns p with every non-nil field of u written over it.
func (u ParamsUpdate) Apply(p Params) Params {
	set := func(dst *uint64, v *uint64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.MinSubmitters, u.MinSubmitters)
	set(&p.ConsensusToleranceBps, u.ConsensusToleranceBps)
	set(&p.StalenessThresholdSeconds, u.StalenessThresholdSeconds)
	set(&p.CircuitBreakerBps, u.CircuitBreakerBps)
	set(&p.ExternalDeviationBps, u.ExternalDeviationBps)
	set(&p.TWAPWindowSeconds, u.TWAPWindowSeconds)
	return p
}

// Uint64 is a helper for building ParamsUpdate literals.
func Uint64(v uint64) *uint64 { return &v }
