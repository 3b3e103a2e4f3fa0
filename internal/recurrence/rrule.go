// Package recurrence evaluates RFC 5545 recurrence rules for task scheduling.
//
// The occurrence grid is always anchored at the chain's original scheduled
// time, so an instance that ran late (or was manually rescheduled) never
// shifts the cadence of the instances that follow it.
package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// NextOccurrence returns the first occurrence of rule strictly after the
// given time, with the occurrence grid anchored at anchor. A zero time with a
// nil error means the rule is exhausted (COUNT or UNTIL reached) and no
// further occurrence exists.
func NextOccurrence(rule string, after, anchor time.Time) (time.Time, error) {
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse recurrence rule %q: %w", rule, err)
	}
	opt.Dtstart = anchor.UTC().Truncate(time.Second)

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, fmt.Errorf("build recurrence rule %q: %w", rule, err)
	}

	return r.After(after.UTC().Truncate(time.Second), false), nil
}

// Validate parses a rule string without evaluating it, so malformed rules are
// rejected at enqueue time instead of at the first completion.
func Validate(rule string) error {
	if _, err := rrule.StrToROption(rule); err != nil {
		return fmt.Errorf("parse recurrence rule %q: %w", rule, err)
	}
	return nil
}
