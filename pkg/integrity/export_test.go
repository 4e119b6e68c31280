package integrity

import "time"

// SetNow overrides the auditor clock in tests.
func (a *Auditor) SetNow(now func() time.Time) {
	a.now = now
}
