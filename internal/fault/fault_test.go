package fault_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/fault"
)

func TestNew(t *testing.T) {
	err := fault.New(fault.NotFound, "contract %s not found", "c-1")
	if got := err.Error(); !strings.Contains(got, "NOT_FOUND") || !strings.Contains(got, "c-1") {
		t.Errorf("unexpected message %q", got)
	}
	if fault.CodeOf(err) != fault.NotFound {
		t.Errorf("expected NotFound, got %s", fault.CodeOf(err))
	}
}

func TestBounded(t *testing.T) {
	value := decimal.NewFromInt(35000)
	limit := decimal.NewFromInt(30000)
	err := fault.Bounded(fault.BusinessRule, value, limit, "insufficient quantity")

	if !err.Value.Equal(value) || !err.Limit.Equal(limit) {
		t.Errorf("value/limit not carried: %s / %s", err.Value, err.Limit)
	}
	if !fault.IsCode(err, fault.BusinessRule) {
		t.Errorf("expected BusinessRule, got %s", fault.CodeOf(err))
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	inner := fault.New(fault.Conflict, "lost the race")
	wrapped := fmt.Errorf("create match: %w", inner)

	if fault.CodeOf(wrapped) != fault.Conflict {
		t.Errorf("expected Conflict through wrapping, got %s", fault.CodeOf(wrapped))
	}
	if !fault.IsCode(wrapped, fault.Conflict) {
		t.Error("IsCode should see through wrapping")
	}
}

func TestCodeOf_Foreign(t *testing.T) {
	if fault.CodeOf(errors.New("plain")) != "" {
		t.Error("a plain error has no code")
	}
	if fault.CodeOf(nil) != "" {
		t.Error("nil has no code")
	}
	if fault.IsCode(errors.New("plain"), fault.Validation) {
		t.Error("IsCode must not match a plain error")
	}
}
