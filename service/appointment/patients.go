package appointment

import (
	"github.com/ecruz-dev/clinic-server/cmd/models"
	"gorm.io/gorm"
)

// AddPatient attaches a patient to the appointment. Attaching an existing
// member is a no-op. The legacy primary-patient field is resynced afterwards.
func AddPatient(tx *gorm.DB, apt *models.Appointment, patientID uint) error {
	var count int64
	if err := tx.Model(&models.AppointmentPatient{}).
		Where("appointment_id = ? AND patient_id = ?", apt.ID, patientID).
		Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		row := models.AppointmentPatient{AppointmentID: apt.ID, PatientID: patientID}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return syncPrimaryPatient(tx, apt)
}

// RemovePatient detaches a patient and resyncs the primary-patient field.
func RemovePatient(tx *gorm.DB, apt *models.Appointment, patientID uint) error {
	if err := tx.Where("appointment_id = ? AND patient_id = ?", apt.ID, patientID).
		Delete(&models.AppointmentPatient{}).Error; err != nil {
		return err
	}
	return syncPrimaryPatient(tx, apt)
}

// SyncPatients replaces the whole association set (detach-all-then-attach)
// in the order given, deduplicating repeats. Must run inside the caller's
// transaction so the primary-field rewrite is atomic with the set change.
func SyncPatients(tx *gorm.DB, apt *models.Appointment, patientIDs []uint) error {
	if err := tx.Where("appointment_id = ?", apt.ID).
		Delete(&models.AppointmentPatient{}).Error; err != nil {
		return err
	}

	seen := make(map[uint]bool, len(patientIDs))
	for _, patientID := range patientIDs {
		if seen[patientID] {
			continue
		}
		seen[patientID] = true
		row := models.AppointmentPatient{AppointmentID: apt.ID, PatientID: patientID}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return syncPrimaryPatient(tx, apt)
}

// syncPrimaryPatient rewrites the legacy patient_id column to the first
// member of the association set, or NULL when the set is empty.
func syncPrimaryPatient(tx *gorm.DB, apt *models.Appointment) error {
	var first models.AppointmentPatient
	err := tx.Where("appointment_id = ?", apt.ID).
		Order("id ASC").
		First(&first).Error

	var primary *uint
	switch err {
	case nil:
		primary = &first.PatientID
	case gorm.ErrRecordNotFound:
		primary = nil
	default:
		return err
	}

	if err := tx.Model(&models.Appointment{}).
		Where("id = ?", apt.ID).
		Update("patient_id", primary).Error; err != nil {
		return err
	}
	apt.PatientID = primary
	return nil
}
