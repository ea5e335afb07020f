package cases

import "github.com/vendornexus/backend/internal/database"

// DeriveStatus computes the case status implied by its checklist. The rule,
// in priority order:
//
//	no steps                         -> unchanged
//	every step verified or waived    -> resolved
//	any step rejected                -> waiting_supplier
//	any step submitted               -> waiting_internal
//	otherwise                        -> unchanged
//
// Blocked is never derived; only an explicit level-3 escalation sets it.
func DeriveStatus(current string, steps []database.ChecklistStep) string {
	if len(steps) == 0 {
		return current
	}
	complete := true
	rejected := false
	submitted := false
	for _, s := range steps {
		switch s.Status {
		case database.StepVerified, database.StepWaived:
		case database.StepRejected:
			complete = false
			rejected = true
		case database.StepSubmitted:
			complete = false
			submitted = true
		default:
			complete = false
		}
	}
	switch {
	case complete:
		return database.StatusResolved
	case rejected:
		return database.StatusWaitingSupplier
	case submitted:
		return database.StatusWaitingInternal
	}
	return current
}

// checklistComplete reports whether every step is verified or waived.
func checklistComplete(steps []database.ChecklistStep) bool {
	for _, s := range steps {
		if s.Status != database.StepVerified && s.Status != database.StepWaived {
			return false
		}
	}
	return true
}
