package notification

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.SetupJoinTable(&models.Appointment{}, "Patients", &models.AppointmentPatient{}))
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Appointment{},
		&models.AppointmentPatient{},
		&models.Device{},
		&models.NotificationHistory{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, first, last, role, phone string) *models.User {
	t.Helper()
	user := models.User{
		FirstName:     first,
		LastName:      last,
		Email:         fmt.Sprintf("%s.%s.%s@example.com", first, last, t.Name()),
		PasswordHash:  "x",
		Role:          role,
		ContactNumber: phone,
		District:      "1",
	}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func seedAppointment(t *testing.T, db *gorm.DB, doctorID *uint, patientIDs []uint, date, timeStr, status string) *models.Appointment {
	t.Helper()
	apt := models.Appointment{
		DoctorID:        doctorID,
		CreatedBy:       1,
		Agenda:          "Checkup",
		Details:         "Routine checkup",
		AppointmentDate: date,
		AppointmentTime: timeStr,
		Duration:        30,
		Priority:        models.PriorityNormal,
		Status:          status,
	}
	require.NoError(t, db.Create(&apt).Error)
	for _, id := range patientIDs {
		row := models.AppointmentPatient{AppointmentID: apt.ID, PatientID: id}
		require.NoError(t, db.Create(&row).Error)
	}
	if len(patientIDs) > 0 {
		apt.PatientID = &patientIDs[0]
		require.NoError(t, db.Model(&apt).Update("patient_id", patientIDs[0]).Error)
	}
	return &apt
}

type sentSMS struct {
	Phone   string
	Message string
}

type fakeSMS struct {
	mu      sync.Mutex
	sent    []sentSMS
	failFor map[string]bool
}

func (f *fakeSMS) Send(phone, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[phone] {
		return errors.New("provider rejected message")
	}
	f.sent = append(f.sent, sentSMS{Phone: phone, Message: message})
	return nil
}

type publishedEvent struct {
	UserID  uint
	Event   string
	Payload map[string]interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedEvent
}

func (f *fakePublisher) Publish(userID uint, event string, payload map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	f.published = append(f.published, publishedEvent{UserID: userID, Event: event, Payload: copied})
	return nil
}

func newTestDispatcher(t *testing.T, db *gorm.DB, sms *fakeSMS, realtime *fakePublisher) *Dispatcher {
	t.Helper()
	d := NewDispatcher(db, sms, realtime, nil)
	d.now = func() time.Time {
		return time.Date(2026, 9, 1, 10, 0, 0, 0, time.Local)
	}
	return d
}

func TestDispatchCreatedNotifiesPatientsAndDoctor(t *testing.T) {
	db := setupTestDB(t)
	doctor := seedUser(t, db, "Anna", "Reyes", models.RoleDoctor, "09170000001")
	p1 := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "09170000002")
	p2 := seedUser(t, db, "Cora", "Diaz", models.RolePatient, "09170000003")
	apt := seedAppointment(t, db, &doctor.ID, []uint{p1.ID, p2.ID}, "2026-09-07", "09:00", models.StatusScheduled)

	sms := &fakeSMS{}
	realtime := &fakePublisher{}
	d := newTestDispatcher(t, db, sms, realtime)

	require.NoError(t, d.Dispatch(apt, EventCreated, ""))

	require.Len(t, sms.sent, 3)
	phones := []string{sms.sent[0].Phone, sms.sent[1].Phone, sms.sent[2].Phone}
	assert.Contains(t, phones, "09170000001")
	assert.Contains(t, sms.sent[0].Message, "Checkup")
	assert.Contains(t, sms.sent[0].Message, "scheduled")

	require.Len(t, realtime.published, 3)
	assert.Equal(t, "appointment.created", realtime.published[0].Event)
	assert.Equal(t, p1.ID, realtime.published[0].UserID)

	// Every channel attempt lands in history under one reference.
	var history []models.NotificationHistory
	require.NoError(t, db.Find(&history).Error)
	require.Len(t, history, 6)
	for _, row := range history {
		assert.Equal(t, history[0].Reference, row.Reference)
		assert.Equal(t, "sent", row.Status)
		assert.Equal(t, apt.ID, row.AppointmentID)
	}
}

func TestDispatchConfirmedSkipsDoctor(t *testing.T) {
	db := setupTestDB(t)
	doctor := seedUser(t, db, "Anna", "Reyes", models.RoleDoctor, "09170000001")
	p1 := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "09170000002")
	apt := seedAppointment(t, db, &doctor.ID, []uint{p1.ID}, "2026-09-07", "09:00", models.StatusConfirmed)

	sms := &fakeSMS{}
	d := newTestDispatcher(t, db, sms, &fakePublisher{})

	require.NoError(t, d.Dispatch(apt, EventStatusChanged, models.StatusScheduled))

	require.Len(t, sms.sent, 1)
	assert.Equal(t, "09170000002", sms.sent[0].Phone)
	assert.Contains(t, sms.sent[0].Message, "confirmed")
}

func TestDispatchContinuesPastFailures(t *testing.T) {
	db := setupTestDB(t)
	p1 := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "09170000002")
	p2 := seedUser(t, db, "Cora", "Diaz", models.RolePatient, "09170000003")
	apt := seedAppointment(t, db, nil, []uint{p1.ID, p2.ID}, "2026-09-07", "09:00", models.StatusScheduled)

	sms := &fakeSMS{failFor: map[string]bool{"09170000002": true}}
	realtime := &fakePublisher{}
	d := newTestDispatcher(t, db, sms, realtime)

	err := d.Dispatch(apt, EventCreated, "")
	require.Error(t, err)

	// The second patient still got their SMS and both got realtime events.
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "09170000003", sms.sent[0].Phone)
	assert.Len(t, realtime.published, 2)

	var failed []models.NotificationHistory
	require.NoError(t, db.Where("status = ?", "failed").Find(&failed).Error)
	require.Len(t, failed, 1)
	assert.Equal(t, p1.ID, failed[0].UserID)
	assert.Equal(t, ChannelSMS, failed[0].Channel)
}

func TestDispatchLegacyPatientFallback(t *testing.T) {
	db := setupTestDB(t)
	patient := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "09170000002")
	apt := seedAppointment(t, db, nil, nil, "2026-09-07", "09:00", models.StatusScheduled)
	require.NoError(t, db.Model(apt).Update("patient_id", patient.ID).Error)
	apt.PatientID = &patient.ID

	sms := &fakeSMS{}
	d := newTestDispatcher(t, db, sms, &fakePublisher{})

	require.NoError(t, d.Dispatch(apt, EventCancelled, ""))
	require.Len(t, sms.sent, 1)
	assert.Equal(t, "09170000002", sms.sent[0].Phone)
	assert.Contains(t, sms.sent[0].Message, "cancelled")
}

func TestBroadcastPayloadCarriesStatusChange(t *testing.T) {
	db := setupTestDB(t)
	doctor := seedUser(t, db, "Anna", "Reyes", models.RoleDoctor, "")
	p1 := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "")
	apt := seedAppointment(t, db, &doctor.ID, []uint{p1.ID}, "2026-09-07", "09:00", models.StatusConfirmed)

	realtime := &fakePublisher{}
	d := newTestDispatcher(t, db, &fakeSMS{}, realtime)

	require.NoError(t, d.Dispatch(apt, EventStatusChanged, models.StatusScheduled))

	require.Len(t, realtime.published, 1)
	published := realtime.published[0]
	assert.Equal(t, "appointment.confirmed", published.Event)
	assert.Equal(t, models.StatusScheduled, published.Payload["old_status"])
	assert.Equal(t, models.StatusConfirmed, published.Payload["new_status"])
	// The timestamp comes from the injected clock, not the wall clock.
	assert.Equal(t, d.now().Format(time.RFC3339), published.Payload["timestamp"])

	snapshot, ok := published.Payload["appointment"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2026-09-07", snapshot["date"])
	assert.Equal(t, "09:00", snapshot["time"])
}

func TestEffectiveEvent(t *testing.T) {
	tests := []struct {
		event     string
		newStatus string
		oldStatus string
		want      string
	}{
		{EventCreated, models.StatusScheduled, "", EventCreated},
		{EventStatusChanged, models.StatusConfirmed, models.StatusScheduled, EventConfirmed},
		{EventStatusChanged, models.StatusInProgress, models.StatusConfirmed, EventInProgress},
		{EventStatusChanged, models.StatusCompleted, models.StatusInProgress, EventCompleted},
		{EventStatusChanged, models.StatusNoShow, models.StatusConfirmed, EventNoShow},
		{EventStatusChanged, models.StatusConfirmed, "", EventUpdated},
		{EventReminder, models.StatusScheduled, "", EventReminder},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, effectiveEvent(tt.event, tt.newStatus, tt.oldStatus),
			"%s/%s/%s", tt.event, tt.newStatus, tt.oldStatus)
	}
}
