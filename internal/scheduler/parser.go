package scheduler

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// ValidateCron reports whether expr is a cron expression gronx accepts.
func ValidateCron(expr string) error {
	if expr == "" {
		return nil
	}
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

// NextRun returns the first time after ref matching expr. An empty
// expression never runs.
func NextRun(expr string, ref time.Time) (*time.Time, error) {
	if expr == "" {
		return nil, nil
	}
	if err := ValidateCron(expr); err != nil {
		return nil, err
	}
	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		return nil, fmt.Errorf("next tick of %q: %w", expr, err)
	}
	return &next, nil
}
