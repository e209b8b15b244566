// Package errs provides structured error types and helpers for escrowd services.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an escrow-specific error category.
type Code string

const (
	// CodeMismatchedParams indicates the caller-supplied terms do not match the stored fingerprint.
	CodeMismatchedParams Code = "mismatched_params"
	// CodeWrongAsset indicates the inbound asset is not the one the escrow trades.
	CodeWrongAsset Code = "wrong_asset"
	// CodeWrongSender indicates the sender is not permitted to perform the operation.
	CodeWrongSender Code = "wrong_sender"
	// CodePriceTooLow indicates a fill below the maker's minimum price.
	CodePriceTooLow Code = "price_too_low"
	// CodeExcessiveFees indicates the fee configuration or computed fees exceed the cap.
	CodeExcessiveFees Code = "excessive_fees"
	// CodeExcessiveBudget indicates a transfer-leg fee budget above the global ceiling.
	CodeExcessiveBudget Code = "excessive_budget"
	// CodeUnauthorized indicates the caller lacks permission for the operation.
	CodeUnauthorized Code = "unauthorized"
	// CodePartialFillsNotAllowed indicates a partial fill was attempted when disallowed.
	CodePartialFillsNotAllowed Code = "partial_fills_not_allowed"
	// CodeClosed indicates the escrow no longer accepts the operation.
	CodeClosed Code = "escrow_closed"
	// CodeDeadlineExpired indicates the escrow deadline has already passed.
	CodeDeadlineExpired Code = "deadline_expired"
	// CodeInsufficientAmount indicates a fill that consumes no inventory.
	CodeInsufficientAmount Code = "insufficient_amount"
	// CodeOverflow indicates an arithmetic result outside the representable range.
	CodeOverflow Code = "overflow"
	// CodeSameAsset indicates identical source and destination assets.
	CodeSameAsset Code = "same_asset"
	// CodeCleanupInProgress indicates the instance is being torn down.
	CodeCleanupInProgress Code = "cleanup_in_progress"
	// CodeNotFound indicates a missing escrow instance or record.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeInvalid indicates malformed input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// Category groups error codes by the treatment the triggering call receives.
type Category string

const (
	// CategoryRejectedInput marks malformed or mismatched input; the call fails atomically.
	CategoryRejectedInput Category = "rejected_input"
	// CategoryPolicy marks authorization and policy violations; the call fails atomically.
	CategoryPolicy Category = "policy"
	// CategoryArithmetic marks overflow and zero-amount faults; the call fails atomically.
	CategoryArithmetic Category = "arithmetic"
	// CategoryTransfer marks downstream transfer failures; these degrade to lost-and-found.
	CategoryTransfer Category = "transfer"
)

// Categorize maps an error code onto its handling category.
func Categorize(code Code) Category {
	switch code {
	case CodeUnauthorized, CodePartialFillsNotAllowed, CodeClosed, CodeDeadlineExpired, CodeWrongSender:
		return CategoryPolicy
	case CodeOverflow, CodeInsufficientAmount:
		return CategoryArithmetic
	case CodeUnavailable:
		return CategoryTransfer
	default:
		return CategoryRejectedInput
	}
}

// E captures structured error information produced across the escrowd stack.
type E struct {
	Escrow   string
	Code     Code
	Category Category
	Message  string
	Metadata map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the escrow instance and error code.
func New(escrow string, code Code, opts ...Option) *E {
	e := &E{
		Escrow:   strings.TrimSpace(escrow),
		Code:     code,
		Category: Categorize(code),
		Message:  "",
		Metadata: nil,
		cause:    nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCategory overrides the derived handling category.
func WithCategory(category Category) Option {
	return func(e *E) {
		if category != "" {
			e.Category = category
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithMetadata merges the provided metadata into the error envelope.
func WithMetadata(meta map[string]string) Option {
	return func(e *E) {
		if len(meta) == 0 {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			key := strings.TrimSpace(k)
			if key == "" {
				continue
			}
			e.Metadata[key] = strings.TrimSpace(v)
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	escrow := strings.TrimSpace(e.Escrow)
	if escrow != "" {
		parts = append(parts, "escrow="+escrow)
	}

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if category := strings.TrimSpace(string(e.Category)); category != "" {
		parts = append(parts, "category="+category)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the escrow error code from err, or the empty code when absent.
func CodeOf(err error) Code {
	for err != nil {
		if envelope, ok := err.(*E); ok {
			return envelope.Code
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

// IsCode reports whether err carries the given escrow error code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
