package appointment

import (
	"fmt"
	"os"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
)

// AccessPolicy decides whether a doctor may serve a patient. Injectable so a
// future region hierarchy can replace plain district equality.
type AccessPolicy interface {
	CanDoctorAccessPatient(doctor, patient *models.User) bool
}

type SameDistrictPolicy struct{}

func (SameDistrictPolicy) CanDoctorAccessPatient(doctor, patient *models.User) bool {
	return doctor.District == patient.District
}

// SchedulingPolicy holds the clinic's booking window rules.
type SchedulingPolicy struct {
	OpenHour      int
	CloseHour     int
	SlotMinutes   int
	AllowWeekends bool
}

func DefaultSchedulingPolicy() SchedulingPolicy {
	return SchedulingPolicy{
		OpenHour:      8,
		CloseHour:     18,
		SlotMinutes:   30,
		AllowWeekends: os.Getenv("SCHEDULING_ALLOW_WEEKENDS") == "true",
	}
}

// CheckWindow validates a candidate [start, end) window against business
// hours and the weekend rule. End exactly on closing time is allowed.
func (p SchedulingPolicy) CheckWindow(start, end time.Time) error {
	if !p.AllowWeekends {
		if wd := start.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return &ValidationError{
				Field:   "appointment_date",
				Message: "appointments cannot be scheduled on weekends",
			}
		}
	}
	if start.Hour() < p.OpenHour {
		return &ValidationError{
			Field:   "appointment_time",
			Message: fmt.Sprintf("appointments start at %02d:00", p.OpenHour),
		}
	}
	if end.Hour() > p.CloseHour || (end.Hour() == p.CloseHour && end.Minute() > 0) ||
		start.Hour() >= p.CloseHour {
		return &ValidationError{
			Field:   "appointment_time",
			Message: fmt.Sprintf("appointments must end by %02d:00", p.CloseHour),
		}
	}
	return nil
}
