// Package fault defines the error taxonomy shared by the reconciliation
// services. Every rejected operation carries a code, the offending value,
// and the limit it violated, so callers never have to parse messages.
package fault

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Code classifies a failure.
type Code string

const (
	// NotFound: a referenced contract or position is absent.
	NotFound Code = "NOT_FOUND"

	// Validation: malformed input, non-positive quantity or ratio.
	Validation Code = "VALIDATION_ERROR"

	// BusinessRule: cross-product match, over-allocation, designation
	// state violations.
	BusinessRule Code = "BUSINESS_RULE_VIOLATION"

	// Conflict: an optimistic update lost its race and exhausted retries.
	Conflict Code = "CONCURRENCY_CONFLICT"

	// DataQuality: a derived figure was downgraded (e.g. missing market
	// price). Never aborts an aggregation run.
	DataQuality Code = "DATA_QUALITY"
)

// Error is a classified failure. Value and Limit are set where a numeric
// bound was violated (requested quantity vs. available, ratio vs. zero).
type Error struct {
	Code    Code
	Message string
	Value   decimal.Decimal
	Limit   decimal.Decimal
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a classified error without numeric context.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Bounded creates a classified error carrying the offending value and
// the limit it violated.
func Bounded(code Code, value, limit decimal.Decimal, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Value:   value,
		Limit:   limit,
	}
}

// CodeOf extracts the taxonomy code from err, or "" if err is not a
// fault error.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err is a fault error with the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
