// Package retry runs an operation with exponential backoff, stopping early when
// the context is cancelled or the error is marked non-retryable.
package retry
