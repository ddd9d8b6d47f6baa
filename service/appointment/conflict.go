package appointment

import (
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Conflict describes the first colliding appointment found by CheckOverlap.
type Conflict struct {
	Type          string   `json:"type"` // doctor or patient
	AppointmentID uint     `json:"appointment_id"`
	Date          string   `json:"date"`
	Time          string   `json:"time"`
	Duration      int      `json:"duration"`
	With          []string `json:"with"`
}

var inactiveStatuses = []string{models.StatusCancelled, models.StatusNoShow}

// CheckOverlap looks for an active appointment whose [start, end) window
// overlaps [windowStart, windowEnd) for the given doctor or any of the given
// patients. Doctor conflicts are reported before patient conflicts, and
// candidates are scanned in ascending id order so the result is
// deterministic. excludeID (0 = none) skips the appointment being edited.
//
// The check must run on the same transaction as the subsequent write. On
// Postgres the doctor branch first takes a transaction-scoped advisory lock
// on the (doctor, date) key: FOR UPDATE only locks rows that already exist,
// so an empty day would otherwise let two concurrent bookings both pass the
// check and both insert. The candidate rows are additionally read FOR UPDATE.
func CheckOverlap(tx *gorm.DB, doctorID *uint, patientIDs []uint, windowStart, windowEnd time.Time, excludeID uint) (*Conflict, error) {
	date := windowStart.Format(models.DateLayout)

	if doctorID != nil {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryLockKey(*doctorID, date)).Error; err != nil {
				return nil, err
			}
		}

		var candidates []models.Appointment
		q := lockedScope(tx).
			Where("doctor_id = ? AND appointment_date = ?", *doctorID, date).
			Where("status NOT IN ?", inactiveStatuses)
		if excludeID != 0 {
			q = q.Where("id <> ?", excludeID)
		}
		if err := q.Order("id ASC").Find(&candidates).Error; err != nil {
			return nil, err
		}
		if hit := firstOverlap(candidates, windowStart, windowEnd); hit != nil {
			return doctorConflict(tx, hit), nil
		}
	}

	for _, patientID := range patientIDs {
		var joinIDs []uint
		if err := tx.Model(&models.AppointmentPatient{}).
			Where("patient_id = ?", patientID).
			Pluck("appointment_id", &joinIDs).Error; err != nil {
			return nil, err
		}

		var candidates []models.Appointment
		q := lockedScope(tx).
			Where("appointment_date = ? AND status NOT IN ?", date, inactiveStatuses).
			Where("patient_id = ? OR id IN ?", patientID, joinIDs)
		if excludeID != 0 {
			q = q.Where("id <> ?", excludeID)
		}
		if err := q.Order("id ASC").Find(&candidates).Error; err != nil {
			return nil, err
		}
		if hit := firstOverlap(candidates, windowStart, windowEnd); hit != nil {
			return patientConflict(tx, hit), nil
		}
	}

	return nil, nil
}

// advisoryLockKey maps a (doctor, date) pair onto the bigint keyspace of
// pg_advisory_xact_lock. Collisions between distinct pairs only cost extra
// serialization, never a missed conflict.
func advisoryLockKey(doctorID uint, date string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "doctor-day:%d:%s", doctorID, date)
	return int64(h.Sum64())
}

func lockedScope(tx *gorm.DB) *gorm.DB {
	q := tx.Model(&models.Appointment{})
	if tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// firstOverlap tests strict interval overlap against each candidate. Rows
// whose stored date/time cannot be parsed are skipped, not fatal: corrupt
// data must not block the whole check.
func firstOverlap(candidates []models.Appointment, windowStart, windowEnd time.Time) *models.Appointment {
	for i := range candidates {
		start, end, err := candidates[i].Window()
		if err != nil {
			log.Printf("skipping appointment %d in overlap check: %v", candidates[i].ID, err)
			continue
		}
		if windowStart.Before(end) && windowEnd.After(start) {
			return &candidates[i]
		}
	}
	return nil
}

func doctorConflict(tx *gorm.DB, apt *models.Appointment) *Conflict {
	names := []string{}
	if patients, err := apt.PatientSet(tx); err == nil {
		for _, p := range patients {
			names = append(names, p.FullName())
		}
	}
	return &Conflict{
		Type:          "doctor",
		AppointmentID: apt.ID,
		Date:          apt.FormattedDate(),
		Time:          apt.FormattedTime(),
		Duration:      apt.Duration,
		With:          names,
	}
}

func patientConflict(tx *gorm.DB, apt *models.Appointment) *Conflict {
	doctorName := "TBA"
	if apt.DoctorID != nil {
		var doctor models.User
		if err := tx.First(&doctor, *apt.DoctorID).Error; err == nil {
			doctorName = strings.TrimSpace("Dr. " + doctor.FullName())
		}
	}
	return &Conflict{
		Type:          "patient",
		AppointmentID: apt.ID,
		Date:          apt.FormattedDate(),
		Time:          apt.FormattedTime(),
		Duration:      apt.Duration,
		With:          []string{doctorName},
	}
}
