package rpc

import (
	"fmt"
	"time"
)

// RateLimitedError is returned when the rate limiter denies a request. The
// caller decides whether to wait; the helper never sleeps on denial.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (err *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %v", err.RetryAfter)
}

// PartialBatchError is returned when a batched call yields fewer results than
// blocks requested. It is fatal for the snapshot under construction.
type PartialBatchError struct {
	Expected int
	Got      int
}

func (err *PartialBatchError) Error() string {
	return fmt.Sprintf("partial batch response: expected %v results, got %v", err.Expected, err.Got)
}

// TransportError wraps network-level failures. These are retried with backoff
// before being surfaced.
type TransportError struct {
	Err error
}

func (err *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", err.Err)
}

func (err *TransportError) Unwrap() error {
	return err.Err
}

// DecodeError wraps ABI decoding failures of otherwise successful responses.
type DecodeError struct {
	Err error
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %v", err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}
