package models

import "errors"

// Error taxonomy. Callers classify failures with errors.Is and decide whether
// to retry locally, suspend placements, or halt.
var (
	// ErrInvalidGridConfig is fatal at startup; the operator must fix the
	// configuration.
	ErrInvalidGridConfig = errors.New("invalid grid config")

	// ErrBrokerUnavailable means the exchange could not be reached within the
	// retry budget. New placements are suspended; existing state is kept.
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrOrderRejected is a per-order refusal by the exchange. The level is
	// skipped this cycle and retried with backoff.
	ErrOrderRejected = errors.New("order rejected")

	// ErrStateCorruption means the persisted state failed validation on load.
	// Fatal: silently discarding it would lose track of real open positions.
	ErrStateCorruption = errors.New("state corruption")

	// ErrAuthentication covers bad or expired API credentials.
	ErrAuthentication = errors.New("authentication error")

	// ErrNetwork covers timeouts and transport failures with unknown outcome.
	ErrNetwork = errors.New("network error")
)
