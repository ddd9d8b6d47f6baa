package notification

import (
	"log"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
)

// SweepResult summarizes one reminder sweep.
type SweepResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// SendReminders notifies every patient and doctor with a scheduled or
// confirmed appointment tomorrow. The sweep runs often, so appointments that
// already have a reminder in today's history are skipped. Individual failures
// are counted and the sweep continues, so one undeliverable recipient never
// blocks the rest.
func (d *Dispatcher) SendReminders() (SweepResult, error) {
	now := d.now()
	tomorrow := now.AddDate(0, 0, 1).Format(models.DateLayout)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var remindedIDs []uint
	if err := d.db.Model(&models.NotificationHistory{}).
		Where("event = ? AND sent_at >= ?", EventReminder, dayStart).
		Distinct().
		Pluck("appointment_id", &remindedIDs).Error; err != nil {
		return SweepResult{}, err
	}

	query := d.db.Preload("Doctor").Preload("Patient").
		Where("appointment_date = ?", tomorrow).
		Where("status IN ?", []string{models.StatusScheduled, models.StatusConfirmed})
	if len(remindedIDs) > 0 {
		query = query.Where("id NOT IN ?", remindedIDs)
	}

	var appointments []models.Appointment
	if err := query.Order("appointment_time ASC").Find(&appointments).Error; err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Total: len(appointments)}
	for i := range appointments {
		if err := d.Dispatch(&appointments[i], EventReminder, ""); err != nil {
			log.Printf("reminder for appointment %d: %v", appointments[i].ID, err)
			result.Failed++
			continue
		}
		result.Succeeded++
	}

	if result.Total > 0 {
		log.Printf("reminder sweep for %s: %d total, %d succeeded, %d failed",
			tomorrow, result.Total, result.Succeeded, result.Failed)
	}
	return result, nil
}

// CleanupHistory deletes notification history rows older than the retention
// window.
func (d *Dispatcher) CleanupHistory(retention time.Duration) (int64, error) {
	cutoff := d.now().Add(-retention)
	result := d.db.Unscoped().
		Where("sent_at < ?", cutoff).
		Delete(&models.NotificationHistory{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("cleaned up %d notification history rows older than %s", result.RowsAffected, cutoff.Format(models.DateLayout))
	}
	return result.RowsAffected, nil
}
