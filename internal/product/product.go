// Package product handles commodity product codes and delivery period
// validation for the oil and fuel products the desk trades.
package product

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrUnknownProduct = errors.New("product: unknown product code")
	ErrInvalidPeriod  = errors.New("product: invalid delivery period")
)

// names maps the supported product codes to display names.
var names = map[string]string{
	"BRENT":  "Brent Crude Oil",
	"WTI":    "WTI Crude Oil",
	"380CST": "Fuel Oil 380cst",
	"MF05":   "Marine Fuel 0.5%",
	"GASOIL": "Gasoil",
	"JET":    "Jet Fuel",
}

// periodRegex matches a delivery period: YYYY-MM.
var periodRegex = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Known reports whether code is a supported product.
func Known(code string) bool {
	_, ok := names[code]
	return ok
}

// Name returns the display name for a product code.
func Name(code string) (string, error) {
	n, ok := names[code]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProduct, code)
	}
	return n, nil
}

// Codes returns the supported product codes.
func Codes() []string {
	out := make([]string, 0, len(names))
	for code := range names {
		out = append(out, code)
	}
	return out
}

// ValidatePeriod checks a delivery period string (YYYY-MM).
func ValidatePeriod(period string) error {
	if !periodRegex.MatchString(period) {
		return fmt.Errorf("%w: %s (expected YYYY-MM)", ErrInvalidPeriod, period)
	}
	return nil
}
