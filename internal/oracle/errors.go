package oracle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Submission and query errors. Each one is a distinct kind callers can match
// with errors.Is.
var (
	ErrNotAuthorized       = errors.New("oracle: submitter is not an authorized validator")
	ErrInvalidAsset        = errors.New("oracle: zero asset identifier")
	ErrInvalidPrice        = errors.New("oracle: price must be positive")
	ErrArrayLengthMismatch = errors.New("oracle: assets and prices length mismatch")
	ErrAlreadySubmitted    = errors.New("oracle: validator already submitted in this round")
	ErrRoundFinalized      = errors.New("oracle: round already finalized")
	ErrRoundNotOpen        = errors.New("oracle: round is not open yet")
	ErrAssetNotRegistered  = errors.New("oracle: asset not registered")
	ErrRegistryFull        = errors.New("oracle: token registry is full")
	ErrRoundNotFound       = errors.New("oracle: round not found")
	ErrInvalidParams       = errors.New("oracle: invalid parameters")
	ErrInvalidReference    = errors.New("oracle: invalid reference feed config")

	// ErrCircuitBreaker and ErrReferenceDeviation are the kinds behind
	// *CircuitBreakerError and *DeviationError.
	ErrCircuitBreaker     = errors.New("oracle: circuit breaker tripped")
	ErrReferenceDeviation = errors.New("oracle: price deviates from external reference")
)

// CircuitBreakerError reports a submission that would move the asset's price
// further than circuitBreakerBps away from the previous consensus.
type CircuitBreakerError struct {
	Asset     common.Address
	Previous  *big.Int
	Attempted *big.Int
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("oracle: circuit breaker tripped for %s: previous=%s attempted=%s",
		e.Asset.Hex(), e.Previous, e.Attempted)
}

func (e *CircuitBreakerError) Unwrap() error { return ErrCircuitBreaker }

// DeviationError reports a submission too far from the external reference.
type DeviationError struct {
	Asset     common.Address
	Reference *big.Int
	Attempted *big.Int
}

func (e *DeviationError) Error() string {
	return fmt.Sprintf("oracle: price for %s deviates from reference: reference=%s attempted=%s",
		e.Asset.Hex(), e.Reference, e.Attempted)
}

func (e *DeviationError) Unwrap() error { return ErrReferenceDeviation }

// ErrorKind returns a short stable label for err's kind ("circuit_breaker",
// "duplicate", ...), or "internal" for errors outside the oracle's set.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrInvalidAsset):
		return "invalid_asset"
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrArrayLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, ErrAlreadySubmitted):
		return "duplicate"
	case errors.Is(err, ErrRoundFinalized):
		return "round_finalized"
	case errors.Is(err, ErrRoundNotOpen):
		return "round_not_open"
	case errors.Is(err, ErrAssetNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrRegistryFull):
		return "registry_full"
	case errors.Is(err, ErrRoundNotFound):
		return "round_not_found"
	case errors.Is(err, ErrInvalidParams):
		return "invalid_params"
	case errors.Is(err, ErrInvalidReference):
		return "invalid_reference"
	case errors.Is(err, ErrCircuitBreaker):
		return "circuit_breaker"
	case errors.Is(err, ErrReferenceDeviation):
		return "reference_deviation"
	default:
		return "internal"
	}
}
