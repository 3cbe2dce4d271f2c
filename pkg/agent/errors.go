package agent

import (
	"errors"
	"fmt"
)

// Common errors returned by the agent.
var (
	// ErrNoResponse is returned when neither the network, the store nor the
	// offline page can answer a request.
	ErrNoResponse = errors.New("no response available")

	// ErrInstallFailed is returned when pre-caching the manifest fails.
	ErrInstallFailed = errors.New("install failed")

	// ErrInvalidState is returned for a lifecycle transition that is not
	// allowed from the agent's current state.
	ErrInvalidState = errors.New("invalid lifecycle state")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of fetch errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// FetchError describes a failed fetch: either no response arrived
// (StatusCode 0) or the response status was unusable.
type FetchError struct {
	URL        string
	StatusCode int
	Class      ErrorClass
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.Class, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s error (status %d): %v", e.URL, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error (status %d)", e.URL, e.Class, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an unusable status code to an error class.
func classifyStatus(code int) ErrorClass {
	if code >= 500 {
		return ErrorClassServer
	}
	return ErrorClassClient
}

// errorClassOf returns the class carried by err. Anything that is not a
// FetchError counts as a network failure.
func errorClassOf(err error) ErrorClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ErrorClassNetwork
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx will not change on retry
		return false
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
