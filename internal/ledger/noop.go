package ledger

import "github.com/auth-platform/traffic-guard/internal/guard"

// Noop discards all records. Used when no analytical store is configured.
type Noop struct{}

// RecordActivity drops the record.
func (Noop) RecordActivity(guard.ActivityRecord) {}

// RecordViolation drops the record.
func (Noop) RecordViolation(guard.Violation) {}

// RecordSuspicious drops the record.
func (Noop) RecordSuspicious(guard.SuspiciousEvent) {}
