// Package errors provides error classification and retry policy support for
// the kline downloader. Every failure crossing a component boundary is folded
// into a small taxonomy so the scheduler can decide between backing off,
// skipping a segment, or abandoning a task.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v4"
)

// ErrorType classifies a failure for retry-policy selection.
type ErrorType string

const (
	// TypeTransientNetwork covers timeouts, resets, and 5xx-class exchange
	// hiccups. Retried with standard exponential backoff.
	TypeTransientNetwork ErrorType = "transient_network"
	// TypeRateLimited marks exchange throttling responses. Retried with
	// longer backoff, honoring any ban-until hint the exchange provides.
	TypeRateLimited ErrorType = "rate_limited"
	// TypeClientError marks permanent request problems (unknown symbol,
	// malformed parameters). The segment is abandoned without retry.
	TypeClientError ErrorType = "client_error"
	// TypeStorageUnavailable marks local persistence failures. These abort
	// the whole task rather than a single segment.
	TypeStorageUnavailable ErrorType = "storage_unavailable"
	// TypeDataQuality marks value-sanity findings. Never raised on the
	// write path; it exists so report tooling shares the taxonomy.
	TypeDataQuality ErrorType = "data_quality"
	// TypeCanceled marks cooperative shutdown via context cancellation.
	TypeCanceled ErrorType = "canceled"
)

// ClassifiedError wraps a cause with its taxonomy type, the operation that
// produced it, and an optional server-dictated retry delay.
type ClassifiedError struct {
	Type       ErrorType
	Op         string
	Err        error
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Type)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Type, e.Err)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// New wraps err with an explicit classification.
func New(t ErrorType, op string, err error) *ClassifiedError {
	return &ClassifiedError{Type: t, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(t ErrorType, op, format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Type: t, Op: op, Err: fmt.Errorf(format, args...)}
}

// banUntilPattern matches the exchange's IP-ban message, which embeds the
// ban expiry as a millisecond timestamp.
var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// maxBanWait caps how long a ban-until hint is honored before retrying
// anyway; bans longer than this indicate a configuration problem.
const maxBanWait = 5 * time.Minute

// Classify buckets err into the taxonomy. Exchange API errors are mapped by
// code, network errors by behavior, and anything unrecognized is treated as
// transient so it gets a bounded retry rather than being dropped on a guess.
// An already-classified error passes through unchanged.
func Classify(op string, err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.Canceled) {
		return &ClassifiedError{Type: TypeCanceled, Op: op, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Type: TypeTransientNetwork, Op: op, Err: err}
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(op, err, apiErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ClassifiedError{Type: TypeTransientNetwork, Op: op, Err: err}
	}

	return classifyByMessage(op, err)
}

// classifyAPIError maps exchange error codes onto the taxonomy.
// -1003/-1015 are request-weight throttling; -1000/-1001/-1007/-1021 are
// server-side or clock transients worth retrying; every other code is a
// permanent request problem.
func classifyAPIError(op string, err error, apiErr *common.APIError) *ClassifiedError {
	switch apiErr.Code {
	case -1003, -1015:
		return &ClassifiedError{
			Type:       TypeRateLimited,
			Op:         op,
			Err:        err,
			RetryAfter: banWait(apiErr.Message),
		}
	case -1000, -1001, -1007, -1021:
		return &ClassifiedError{Type: TypeTransientNetwork, Op: op, Err: err}
	default:
		return &ClassifiedError{Type: TypeClientError, Op: op, Err: err}
	}
}

// classifyByMessage is the last-resort bucket for errors that expose no
// structured type, matched on well-known substrings.
func classifyByMessage(op string, err error) *ClassifiedError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "way too many requests"),
		strings.Contains(msg, "too many requests"):
		return &ClassifiedError{Type: TypeRateLimited, Op: op, Err: err, RetryAfter: banWait(msg)}
	default:
		return &ClassifiedError{Type: TypeTransientNetwork, Op: op, Err: err}
	}
}

// banWait extracts a ban-until hint from a throttling message and converts
// it into a wait duration, capped at maxBanWait.
func banWait(message string) time.Duration {
	match := banUntilPattern.FindStringSubmatch(message)
	if match == nil {
		return 0
	}
	banUntilMs, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0
	}
	wait := time.Until(time.UnixMilli(banUntilMs)) + 5*time.Second
	if wait <= 0 {
		return 0
	}
	if wait > maxBanWait {
		return maxBanWait
	}
	return wait
}

// TypeOf returns the taxonomy type of err, classifying on the fly when it
// has not been wrapped yet.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	return Classify("", err).Type
}

// IsRetryable reports whether the scheduler should retry the same segment.
func IsRetryable(err error) bool {
	switch TypeOf(err) {
	case TypeTransientNetwork, TypeRateLimited:
		return true
	default:
		return false
	}
}

// IsRateLimited reports whether err is an exchange throttling response.
func IsRateLimited(err error) bool {
	return TypeOf(err) == TypeRateLimited
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return TypeOf(err) == TypeCanceled
}

// IsStorageUnavailable reports whether err means local persistence is down.
func IsStorageUnavailable(err error) bool {
	return TypeOf(err) == TypeStorageUnavailable
}

// RetryAfterOf returns the server-dictated wait attached to err, if any.
func RetryAfterOf(err error) time.Duration {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.RetryAfter
	}
	return 0
}

// NewExponentialBackOff builds the retry policy used for segment fetches:
// doubling delays from initialInterval up to maxInterval, jittered, with no
// overall elapsed-time cap (the caller bounds attempts instead).
func NewExponentialBackOff(initialInterval, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialInterval
	b.MaxInterval = maxInterval
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// WithRetryBudget bounds a policy to maxRetries attempts after the first and
// ties it to ctx so shutdown interrupts a sleeping retry loop.
func WithRetryBudget(ctx context.Context, policy backoff.BackOff, maxRetries uint64) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx)
}

// Permanent marks err so a backoff retry loop stops immediately. Thin alias
// over the backoff library to keep call sites on one import.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
