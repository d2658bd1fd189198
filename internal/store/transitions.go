package store

import "simrs/internal/models"

const (
	ActionCall     = "call"
	ActionComplete = "complete"
	ActionSkip     = "skip"
	ActionRecall   = "recall"
)

var allTicketStatuses = []string{models.StatusWaiting, models.StatusCalled, models.StatusServed, models.StatusSkipped}

var permissiveTransitions = map[string][]string{
	ActionCall:     {models.StatusWaiting},
	ActionComplete: allTicketStatuses,
	ActionSkip:     allTicketStatuses,
	ActionRecall:   allTicketStatuses,
}

var strictTransitions = map[string][]string{
	ActionCall:     {models.StatusWaiting},
	ActionComplete: {models.StatusCalled},
	ActionSkip:     {models.StatusWaiting, models.StatusCalled},
	ActionRecall:   {models.StatusSkipped, models.StatusCalled},
}

var actionTargets = map[string]string{
	ActionCall:     models.StatusCalled,
	ActionComplete: models.StatusServed,
	ActionSkip:     models.StatusSkipped,
	ActionRecall:   models.StatusCalled,
}

// ValidTransition reports whether action may be applied to a ticket in fromStatus.
// With strict=false complete, skip and recall apply to a ticket in any state.
func ValidTransition(action, fromStatus string, strict bool) bool {
	table := permissiveTransitions
	if strict {
		table = strictTransitions
	}
	allowed, ok := table[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// TargetStatus returns the status a ticket moves to when action is applied.
func TargetStatus(action string) (string, bool) {
	status, ok := actionTargets[action]
	return status, ok
}

// AllowedFrom lists the statuses action may be applied to.
func AllowedFrom(action string, strict bool) []string {
	table := permissiveTransitions
	if strict {
		table = strictTransitions
	}
	return table[action]
}

var prescriptionTransitions = map[string][]string{
	models.PrescriptionPending:   {models.PrescriptionPending, models.PrescriptionPreparing, models.PrescriptionCompleted},
	models.PrescriptionPreparing: {models.PrescriptionPreparing, models.PrescriptionCompleted},
}

// ValidPrescriptionTransition reports whether a prescription may move from one status to
// another. COMPLETED is terminal so a prescription is never fulfilled twice.
func ValidPrescriptionTransition(from, to string) bool {
	for _, status := range prescriptionTransitions[from] {
		if status == to {
			return true
		}
	}
	return false
}
