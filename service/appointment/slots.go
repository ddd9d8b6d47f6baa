package appointment

import (
	"log"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
)

type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Label string    `json:"label"`
}

// AvailableSlots walks the business day in fixed 30-minute steps and keeps
// every candidate window of the requested duration that fits before closing
// and does not overlap an active existing appointment. Cancelled and no-show
// rows free their slot; rows with unparseable schedules are skipped.
func AvailableSlots(policy SchedulingPolicy, date time.Time, duration int, existing []models.Appointment) []Slot {
	type window struct{ start, end time.Time }
	var busy []window
	for i := range existing {
		if !existing[i].IsActive() {
			continue
		}
		start, end, err := existing[i].Window()
		if err != nil {
			log.Printf("skipping appointment %d in slot generation: %v", existing[i].ID, err)
			continue
		}
		busy = append(busy, window{start, end})
	}

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), policy.OpenHour, 0, 0, 0, date.Location())
	dayEnd := time.Date(date.Year(), date.Month(), date.Day(), policy.CloseHour, 0, 0, 0, date.Location())
	step := time.Duration(policy.SlotMinutes) * time.Minute
	length := time.Duration(duration) * time.Minute

	slots := []Slot{}
	for start := dayStart; !start.Add(length).After(dayEnd); start = start.Add(step) {
		end := start.Add(length)
		taken := false
		for _, w := range busy {
			if start.Before(w.end) && end.After(w.start) {
				taken = true
				break
			}
		}
		if taken {
			continue
		}
		slots = append(slots, Slot{
			Start: start,
			End:   end,
			Label: start.Format("3:04 PM") + " - " + end.Format("3:04 PM"),
		})
	}
	return slots
}
