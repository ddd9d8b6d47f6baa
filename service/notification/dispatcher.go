package notification

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	"github.com/ecruz-dev/clinic-server/cmd/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	EventCreated       = "created"
	EventUpdated       = "updated"
	EventStatusChanged = "status_changed"
	EventConfirmed     = "confirmed"
	EventInProgress    = "in_progress"
	EventCompleted     = "completed"
	EventCancelled     = "cancelled"
	EventNoShow        = "no_show"
	EventReminder      = "reminder"
)

const (
	ChannelSMS      = "sms"
	ChannelRealtime = "realtime"
	ChannelPush     = "push"
)

// SMSSender delivers a text message to a phone number.
type SMSSender interface {
	Send(phone, message string) error
}

// Publisher fans a payload out to a user's live connections.
type Publisher interface {
	Publish(userID uint, event string, payload map[string]interface{}) error
}

// PushSender delivers a push notification to every registered device of a user.
type PushSender interface {
	SendToUser(userID uint, title, body string, data map[string]interface{}) error
}

// Delivery is one resolved (recipient, message) pair for an event.
type Delivery struct {
	UserID  uint
	Phone   string
	Role    string
	Message string
}

// Dispatcher turns appointment lifecycle events into SMS, realtime and push
// deliveries and records every attempt in the notification history.
type Dispatcher struct {
	db       *gorm.DB
	sms      SMSSender
	realtime Publisher
	push     PushSender
	now      utils.Clock
}

func NewDispatcher(db *gorm.DB, sms SMSSender, realtime Publisher, push PushSender) *Dispatcher {
	return &Dispatcher{
		db:       db,
		sms:      sms,
		realtime: realtime,
		push:     push,
		now:      utils.RealClock,
	}
}

// AppointmentEvent dispatches asynchronously so HTTP handlers never block on
// or fail because of notification delivery.
func (d *Dispatcher) AppointmentEvent(apt *models.Appointment, event string, oldStatus string) {
	go func() {
		if err := d.Dispatch(apt, event, oldStatus); err != nil {
			log.Printf("notification dispatch for appointment %d (%s): %v", apt.ID, event, err)
		}
	}()
}

// Dispatch resolves recipients and sends to every channel synchronously.
// Failures are collected, logged and recorded, never re-raised per recipient:
// one dead phone number must not stop the remaining deliveries.
func (d *Dispatcher) Dispatch(apt *models.Appointment, event string, oldStatus string) error {
	resolved := effectiveEvent(event, apt.Status, oldStatus)

	deliveries, err := ResolveDeliveries(d.db, apt, resolved)
	if err != nil {
		return fmt.Errorf("resolving recipients for appointment %d: %w", apt.ID, err)
	}

	reference := uuid.New().String()
	payload := broadcastPayload(apt, resolved, oldStatus, d.now())
	var errs []error

	for _, delivery := range deliveries {
		payload["message"] = delivery.Message

		if d.sms != nil && delivery.Phone != "" {
			smsErr := d.sms.Send(delivery.Phone, delivery.Message)
			d.record(reference, delivery, apt.ID, resolved, ChannelSMS, smsErr)
			if smsErr != nil {
				errs = append(errs, fmt.Errorf("sms to user %d: %w", delivery.UserID, smsErr))
			}
		}

		if d.realtime != nil {
			rtErr := d.realtime.Publish(delivery.UserID, "appointment."+resolved, payload)
			d.record(reference, delivery, apt.ID, resolved, ChannelRealtime, rtErr)
			if rtErr != nil {
				errs = append(errs, fmt.Errorf("realtime to user %d: %w", delivery.UserID, rtErr))
			}
		}

		if d.push != nil {
			pushErr := d.push.SendToUser(delivery.UserID, pushTitle(resolved), delivery.Message, map[string]interface{}{
				"appointment_id": apt.ID,
				"event":          resolved,
			})
			d.record(reference, delivery, apt.ID, resolved, ChannelPush, pushErr)
			if pushErr != nil {
				errs = append(errs, fmt.Errorf("push to user %d: %w", delivery.UserID, pushErr))
			}
		}
	}

	return errors.Join(errs...)
}

// ResolveDeliveries computes the recipient set for an event. Every patient on
// the appointment receives it; the doctor is included only for bookings and
// reminders. Recipients are read at dispatch time, not capture time, so late
// association changes are reflected.
func ResolveDeliveries(db *gorm.DB, apt *models.Appointment, event string) ([]Delivery, error) {
	patients, err := apt.PatientSet(db)
	if err != nil {
		return nil, err
	}

	deliveries := make([]Delivery, 0, len(patients)+1)
	seen := make(map[uint]bool, len(patients)+1)
	for i := range patients {
		if seen[patients[i].ID] {
			continue
		}
		seen[patients[i].ID] = true
		deliveries = append(deliveries, Delivery{
			UserID:  patients[i].ID,
			Phone:   patients[i].ContactNumber,
			Role:    models.RolePatient,
			Message: patientMessage(event, apt),
		})
	}

	if (event == EventCreated || event == EventReminder) && apt.DoctorID != nil && !seen[*apt.DoctorID] {
		var doctor models.User
		if err := db.First(&doctor, *apt.DoctorID).Error; err == nil {
			deliveries = append(deliveries, Delivery{
				UserID:  doctor.ID,
				Phone:   doctor.ContactNumber,
				Role:    models.RoleDoctor,
				Message: doctorMessage(event, apt, patients),
			})
		}
	}

	return deliveries, nil
}

// effectiveEvent collapses a generic status change into the event named after
// the new status, so templates and broadcast names stay specific. A status
// change with no known previous status is treated as a plain update.
func effectiveEvent(event, newStatus, oldStatus string) string {
	if event != EventStatusChanged {
		return event
	}
	if oldStatus == "" {
		return EventUpdated
	}
	switch newStatus {
	case models.StatusConfirmed:
		return EventConfirmed
	case models.StatusInProgress:
		return EventInProgress
	case models.StatusCompleted:
		return EventCompleted
	case models.StatusCancelled:
		return EventCancelled
	case models.StatusNoShow:
		return EventNoShow
	}
	return EventUpdated
}

func patientMessage(event string, apt *models.Appointment) string {
	date := apt.FormattedDate()
	timeStr := apt.FormattedTime()
	switch event {
	case EventCreated:
		return fmt.Sprintf("Your appointment \"%s\" has been scheduled for %s at %s.", apt.Agenda, date, timeStr)
	case EventConfirmed:
		return fmt.Sprintf("Your appointment \"%s\" on %s at %s has been confirmed.", apt.Agenda, date, timeStr)
	case EventInProgress:
		return fmt.Sprintf("Your appointment \"%s\" is now in progress.", apt.Agenda)
	case EventCompleted:
		return fmt.Sprintf("Your appointment \"%s\" has been completed. Thank you for visiting.", apt.Agenda)
	case EventCancelled:
		return fmt.Sprintf("Your appointment \"%s\" on %s at %s has been cancelled.", apt.Agenda, date, timeStr)
	case EventNoShow:
		return fmt.Sprintf("You missed your appointment \"%s\" on %s at %s. Please book a new schedule.", apt.Agenda, date, timeStr)
	case EventReminder:
		return fmt.Sprintf("Reminder: your appointment \"%s\" is tomorrow, %s at %s.", apt.Agenda, date, timeStr)
	case EventUpdated:
		return fmt.Sprintf("Your appointment \"%s\" has been updated. New schedule: %s at %s.", apt.Agenda, date, timeStr)
	}
	return fmt.Sprintf("Update on your appointment \"%s\" scheduled for %s at %s.", apt.Agenda, date, timeStr)
}

func doctorMessage(event string, apt *models.Appointment, patients []models.User) string {
	names := make([]string, 0, len(patients))
	for i := range patients {
		names = append(names, patients[i].FullName())
	}
	who := strings.Join(names, ", ")
	if who == "" {
		who = "a patient"
	}
	if event == EventReminder {
		return fmt.Sprintf("Reminder: appointment \"%s\" with %s tomorrow, %s at %s.",
			apt.Agenda, who, apt.FormattedDate(), apt.FormattedTime())
	}
	return fmt.Sprintf("New appointment \"%s\" booked with %s on %s at %s.",
		apt.Agenda, who, apt.FormattedDate(), apt.FormattedTime())
}

func pushTitle(event string) string {
	switch event {
	case EventCreated:
		return "Appointment Scheduled"
	case EventConfirmed:
		return "Appointment Confirmed"
	case EventInProgress:
		return "Appointment Started"
	case EventCompleted:
		return "Appointment Completed"
	case EventCancelled:
		return "Appointment Cancelled"
	case EventNoShow:
		return "Missed Appointment"
	case EventReminder:
		return "Appointment Reminder"
	}
	return "Appointment Update"
}

func broadcastPayload(apt *models.Appointment, event, oldStatus string, now time.Time) map[string]interface{} {
	doctorName := ""
	if apt.Doctor != nil {
		doctorName = apt.Doctor.FullName()
	}
	patientName := ""
	if apt.Patient != nil {
		patientName = apt.Patient.FullName()
	}
	payload := map[string]interface{}{
		"appointment_id": apt.ID,
		"event":          event,
		"appointment": map[string]interface{}{
			"id":       apt.ID,
			"agenda":   apt.Agenda,
			"date":     apt.AppointmentDate,
			"time":     apt.AppointmentTime,
			"patient":  patientName,
			"doctor":   doctorName,
			"status":   apt.Status,
			"priority": apt.Priority,
		},
		"timestamp": now.Format(time.RFC3339),
	}
	if oldStatus != "" {
		payload["old_status"] = oldStatus
		payload["new_status"] = apt.Status
	}
	return payload
}

func (d *Dispatcher) record(reference string, delivery Delivery, appointmentID uint, event, channel string, sendErr error) {
	status := "sent"
	message := delivery.Message
	if sendErr != nil {
		status = "failed"
	}
	history := models.NotificationHistory{
		Reference:     reference,
		UserID:        delivery.UserID,
		AppointmentID: appointmentID,
		Event:         event,
		Channel:       channel,
		Message:       message,
		Status:        status,
		SentAt:        d.now(),
	}
	if err := d.db.Create(&history).Error; err != nil {
		log.Printf("Error creating notification history: %v", err)
	}
}
