package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	StatusScheduled  = "scheduled"
	StatusConfirmed  = "confirmed"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusNoShow     = "no_show"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

type Appointment struct {
	gorm.Model
	// PatientID is the legacy singular reference, kept equal to the first
	// member of Patients for older consumers.
	PatientID       *uint  `gorm:"column:patient_id;index:idx_patient_date" json:"patient_id,omitempty"`
	DoctorID        *uint  `gorm:"column:doctor_id;index:idx_doctor_date" json:"doctor_id,omitempty"`
	CreatedBy       uint   `gorm:"column:created_by;not null" json:"created_by"`
	UpdatedBy       *uint  `gorm:"column:updated_by" json:"updated_by,omitempty"`
	Agenda          string `gorm:"column:agenda;size:255;not null" json:"agenda"`
	Details         string `gorm:"column:details;type:text" json:"details"`
	AppointmentDate string `gorm:"column:appointment_date;size:10;not null;index:idx_doctor_date;index:idx_patient_date" json:"appointment_date"`
	AppointmentTime string `gorm:"column:appointment_time;size:5;not null" json:"appointment_time"`
	Location        string `gorm:"column:location;size:255" json:"location,omitempty"`
	Duration        int    `gorm:"column:duration;not null;default:30" json:"duration"`
	Priority        string `gorm:"column:priority;size:10;not null;default:normal" json:"priority"`
	Status          string `gorm:"column:status;size:20;not null;default:scheduled;index" json:"status"`
	Notes           string `gorm:"column:notes;type:text" json:"notes,omitempty"`

	Patient  *User  `gorm:"foreignKey:PatientID" json:"patient,omitempty"`
	Doctor   *User  `gorm:"foreignKey:DoctorID" json:"doctor,omitempty"`
	Creator  *User  `gorm:"foreignKey:CreatedBy" json:"creator,omitempty"`
	Updater  *User  `gorm:"foreignKey:UpdatedBy" json:"updater,omitempty"`
	Patients []User `gorm:"many2many:appointment_patient;" json:"patients,omitempty"`
}

// AppointmentPatient is the join row behind Appointment.Patients. Its own id
// preserves attach order, which defines the primary patient.
type AppointmentPatient struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AppointmentID uint      `gorm:"column:appointment_id;not null;uniqueIndex:idx_appointment_patient" json:"appointment_id"`
	PatientID     uint      `gorm:"column:patient_id;not null;uniqueIndex:idx_appointment_patient" json:"patient_id"`
	CreatedAt     time.Time `json:"created_at"`
}

func (AppointmentPatient) TableName() string {
	return "appointment_patient"
}

// IsActive reports whether the appointment still occupies its window for
// conflict and slot purposes.
func (a *Appointment) IsActive() bool {
	return a.Status != StatusCancelled && a.Status != StatusNoShow
}

// Window returns the [start, end) interval of the appointment in local time.
func (a *Appointment) Window() (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(DateLayout+" "+TimeLayout,
		a.AppointmentDate+" "+a.AppointmentTime, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("appointment %d has malformed schedule: %w", a.ID, err)
	}
	return start, start.Add(time.Duration(a.Duration) * time.Minute), nil
}

func (a *Appointment) FormattedDate() string {
	d, err := time.Parse(DateLayout, a.AppointmentDate)
	if err != nil {
		return a.AppointmentDate
	}
	return d.Format("Jan 2, 2006")
}

func (a *Appointment) FormattedTime() string {
	t, err := time.Parse(TimeLayout, a.AppointmentTime)
	if err != nil {
		return a.AppointmentTime
	}
	return t.Format("3:04 PM")
}

// PatientSet returns the appointment's patients in attach order, falling back
// to the legacy singular reference when no join rows exist.
func (a *Appointment) PatientSet(db *gorm.DB) ([]User, error) {
	var users []User
	err := db.Model(&User{}).
		Joins("JOIN appointment_patient ON appointment_patient.patient_id = users.id").
		Where("appointment_patient.appointment_id = ?", a.ID).
		Order("appointment_patient.id ASC").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	if len(users) == 0 && a.PatientID != nil {
		var legacy User
		if err := db.First(&legacy, *a.PatientID).Error; err == nil {
			users = append(users, legacy)
		}
	}
	return users, nil
}
