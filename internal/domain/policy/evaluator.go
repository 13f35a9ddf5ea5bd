package policy

import (
	"fmt"
	"time"
)

// RestrictedPeriodResult is the outcome of checking a timestamp against a
// policy's restricted window.
type RestrictedPeriodResult struct {
	Restricted bool   `json:"restricted"`
	Reason     string `json:"reason"`
}

// EntryViolation is the outcome of evaluating an entry timestamp.
type EntryViolation struct {
	Late        bool `json:"late"`
	LateMinutes int  `json:"late_minutes"`
	Restricted  bool `json:"restricted"`
}

// ExitViolation is the outcome of evaluating an exit timestamp.
type ExitViolation struct {
	Early        bool `json:"early"`
	EarlyMinutes int  `json:"early_minutes"`
	Restricted   bool `json:"restricted"`
}

// MinuteOfDay converts a timestamp to minutes elapsed since local midnight.
func MinuteOfDay(ts time.Time) int {
	return ts.Hour()*60 + ts.Minute()
}

// EvaluateRestrictedPeriod reports whether ts falls inside the policy's
// restricted window. Overnight windows (end < start) wrap past midnight:
// restricted iff m >= start OR m <= end.
func EvaluateRestrictedPeriod(p *AccessPolicy, ts time.Time) RestrictedPeriodResult {
	if !p.AppliesOn(ts.Weekday()) {
		return RestrictedPeriodResult{Restricted: false, Reason: "not a working day"}
	}

	m := MinuteOfDay(ts)
	s, e := p.StartMinute, p.EndMinute

	var inside bool
	if e < s {
		inside = m >= s || m <= e
	} else {
		inside = m >= s && m <= e
	}

	if inside {
		return RestrictedPeriodResult{
			Restricted: true,
			Reason:     fmt.Sprintf("inside restricted period %s (%s-%s)", p.Name, formatMinute(s), formatMinute(e)),
		}
	}
	return RestrictedPeriodResult{Restricted: false, Reason: "outside restricted period"}
}

// EvaluateEntryViolation computes the lateness of an entry timestamp relative
// to the restricted window's start, minus the late tolerance, floored at 0.
func EvaluateEntryViolation(p *AccessPolicy, entry time.Time) EntryViolation {
	period := EvaluateRestrictedPeriod(p, entry)
	if !period.Restricted {
		return EntryViolation{Late: false, LateMinutes: 0, Restricted: false}
	}

	elapsed := wrapMinutes(MinuteOfDay(entry) - p.StartMinute)
	residual := elapsed - p.LateToleranceMinutes
	if residual < 0 {
		residual = 0
	}

	return EntryViolation{
		Late:        residual > 0,
		LateMinutes: residual,
		Restricted:  true,
	}
}

// EvaluateExitViolation is symmetric to entry evaluation: minutes remaining
// until the window's end, minus the early tolerance, floored at 0.
func EvaluateExitViolation(p *AccessPolicy, exit time.Time) ExitViolation {
	period := EvaluateRestrictedPeriod(p, exit)
	if !period.Restricted {
		return ExitViolation{Early: false, EarlyMinutes: 0, Restricted: false}
	}

	remaining := wrapMinutes(p.EndMinute - MinuteOfDay(exit))
	residual := remaining - p.EarlyToleranceMinutes
	if residual < 0 {
		residual = 0
	}

	return ExitViolation{
		Early:        residual > 0,
		EarlyMinutes: residual,
		Restricted:   true,
	}
}

// wrapMinutes normalizes a minute delta into [0, MinutesPerDay) so overnight
// windows compute correct magnitudes.
func wrapMinutes(delta int) int {
	delta %= MinutesPerDay
	if delta < 0 {
		delta += MinutesPerDay
	}
	return delta
}

func formatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
