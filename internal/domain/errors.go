package domain

import "errors"

// Error taxonomy for a reconciliation cycle. Callers classify failures with
// errors.Is against these sentinels; concrete errors wrap them with context.
var (
	// ErrTransientFetch marks upstream failures worth retrying later
	// (timeouts, rate-limit responses, 5xx).
	ErrTransientFetch = errors.New("transient fetch error")

	// ErrPermanentFetch marks upstream failures that will not recover on
	// retry (unknown or delisted symbol, auth rejection).
	ErrPermanentFetch = errors.New("permanent fetch error")

	// ErrValidation marks data that fails invariants and cannot be
	// auto-fixed; the batch must be rejected.
	ErrValidation = errors.New("validation failed")

	// ErrMergeIntegrity marks a merge result that violates series
	// invariants. It should be unreachable when inputs were validated and
	// indicates a validator/merger contract mismatch.
	ErrMergeIntegrity = errors.New("merge integrity violation")

	// ErrPersistence marks an I/O failure writing a series; the previously
	// stored data is guaranteed unchanged.
	ErrPersistence = errors.New("persistence failed")
)
