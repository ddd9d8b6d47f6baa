package appointment

import (
	"fmt"
	"sync"
	"testing"

	"github.com/ecruz-dev/clinic-server/cmd/models"
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

func seedUser(t *testing.T, db *gorm.DB, first, last, role, district string) *models.User {
	t.Helper()
	user := models.User{
		FirstName:    first,
		LastName:     last,
		Email:        fmt.Sprintf("%s.%s.%s@example.com", first, last, t.Name()),
		PasswordHash: "x",
		Role:         role,
		District:     district,
	}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func seedAppointment(t *testing.T, db *gorm.DB, doctorID *uint, patientIDs []uint, date, timeStr string, duration int, status string) *models.Appointment {
	t.Helper()
	apt := models.Appointment{
		DoctorID:        doctorID,
		CreatedBy:       1,
		Agenda:          "Checkup",
		Details:         "Routine checkup",
		AppointmentDate: date,
		AppointmentTime: timeStr,
		Duration:        duration,
		Priority:        models.PriorityNormal,
		Status:          status,
	}
	require.NoError(t, db.Create(&apt).Error)
	if len(patientIDs) > 0 {
		require.NoError(t, SyncPatients(db, &apt, patientIDs))
	}
	return &apt
}

type recordedEvent struct {
	AppointmentID uint
	Event         string
	OldStatus     string
}

// fakeNotifier captures dispatched events synchronously for assertions.
type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeNotifier) AppointmentEvent(apt *models.Appointment, event string, oldStatus string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{
		AppointmentID: apt.ID,
		Event:         event,
		OldStatus:     oldStatus,
	})
}

func (f *fakeNotifier) recorded() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEvent(nil), f.events...)
}
