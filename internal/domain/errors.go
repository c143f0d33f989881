package domain

import "errors"

var (
	// ErrUnknownDomain is a caller error, rejected before any work happens.
	ErrUnknownDomain = errors.New("unknown transaction domain")

	// ErrTransform and ErrInference are absorbed by the scoring pipeline
	// into a failed assessment.
	ErrTransform = errors.New("feature transform failed")
	ErrInference = errors.New("model inference failed")

	// ErrSigning covers missing or invalid credentials and an unconfigured
	// contract. Never retried.
	ErrSigning = errors.New("signing precondition failed")

	// ErrNetwork and ErrSubmission are transient; the whole anchoring
	// attempt may be retried with a fresh nonce.
	ErrNetwork    = errors.New("chain network error")
	ErrSubmission = errors.New("chain submission failed")

	// ErrRevert means the contract call was mined but reverted.
	ErrRevert = errors.New("contract call reverted")

	ErrNotFound        = errors.New("record not found")
	ErrBelowThreshold  = errors.New("fraud score does not exceed anchoring threshold")
	ErrAlreadyAnchored = errors.New("assessment already anchored")
	ErrInvalidInput    = errors.New("invalid input")
)
