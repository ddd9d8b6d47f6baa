package appointment

import "github.com/ecruz-dev/clinic-server/cmd/models"

// statusTransitions is the full state machine. Terminal states map to an
// empty set; anything absent from the table is rejected outright.
var statusTransitions = map[string][]string{
	models.StatusScheduled:  {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed:  {models.StatusInProgress, models.StatusCancelled, models.StatusNoShow},
	models.StatusInProgress: {models.StatusCompleted},
	models.StatusCompleted:  {},
	models.StatusCancelled:  {},
	models.StatusNoShow:     {},
}

// notifiableTransitions lists the from->to pairs that produce a
// status_changed notification. Legal transitions outside this set are silent.
var notifiableTransitions = map[[2]string]bool{
	{models.StatusScheduled, models.StatusConfirmed}:  true,
	{models.StatusScheduled, models.StatusCancelled}:  true,
	{models.StatusConfirmed, models.StatusInProgress}: true,
	{models.StatusConfirmed, models.StatusCancelled}:  true,
	{models.StatusConfirmed, models.StatusNoShow}:     true,
	{models.StatusInProgress, models.StatusCompleted}: true,
}

func ValidStatus(s string) bool {
	_, ok := statusTransitions[s]
	return ok
}

func ValidPriority(p string) bool {
	switch p {
	case models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal status change.
// Same-state transitions are not legal.
func CanTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ShouldNotifyStatusChange(from, to string) bool {
	return notifiableTransitions[[2]string{from, to}]
}
