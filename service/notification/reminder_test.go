package notification

import (
	"testing"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRemindersTargetsTomorrow(t *testing.T) {
	db := setupTestDB(t)
	doctor := seedUser(t, db, "Anna", "Reyes", models.RoleDoctor, "09170000001")
	p1 := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "09170000002")
	p2 := seedUser(t, db, "Cora", "Diaz", models.RolePatient, "09170000003")

	// Clock is pinned to 2026-09-01, so tomorrow is 2026-09-02.
	seedAppointment(t, db, &doctor.ID, []uint{p1.ID}, "2026-09-02", "09:00", models.StatusScheduled)
	seedAppointment(t, db, &doctor.ID, []uint{p2.ID}, "2026-09-02", "10:00", models.StatusConfirmed)
	seedAppointment(t, db, &doctor.ID, []uint{p1.ID}, "2026-09-02", "11:00", models.StatusCancelled)
	seedAppointment(t, db, &doctor.ID, []uint{p2.ID}, "2026-09-03", "09:00", models.StatusScheduled)

	sms := &fakeSMS{}
	d := newTestDispatcher(t, db, sms, &fakePublisher{})

	result, err := d.SendReminders()
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Total: 2, Succeeded: 2, Failed: 0}, result)

	for _, sent := range sms.sent {
		assert.Contains(t, sent.Message, "Reminder")
	}
}

func TestSendRemindersSkipsAlreadyReminded(t *testing.T) {
	db := setupTestDB(t)
	doctor := seedUser(t, db, "Anna", "Reyes", models.RoleDoctor, "09170000001")
	p1 := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "09170000002")
	seedAppointment(t, db, &doctor.ID, []uint{p1.ID}, "2026-09-02", "09:00", models.StatusScheduled)

	d := newTestDispatcher(t, db, &fakeSMS{}, &fakePublisher{})

	first, err := d.SendReminders()
	require.NoError(t, err)
	assert.Equal(t, 1, first.Total)

	second, err := d.SendReminders()
	require.NoError(t, err)
	assert.Equal(t, 0, second.Total)
}

func TestSendRemindersCountsFailures(t *testing.T) {
	db := setupTestDB(t)
	doctor := seedUser(t, db, "Anna", "Reyes", models.RoleDoctor, "")
	p1 := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "09170000002")
	p2 := seedUser(t, db, "Cora", "Diaz", models.RolePatient, "09170000003")
	seedAppointment(t, db, &doctor.ID, []uint{p1.ID}, "2026-09-02", "09:00", models.StatusScheduled)
	seedAppointment(t, db, &doctor.ID, []uint{p2.ID}, "2026-09-02", "10:00", models.StatusScheduled)

	sms := &fakeSMS{failFor: map[string]bool{"09170000002": true}}
	d := newTestDispatcher(t, db, sms, &fakePublisher{})

	result, err := d.SendReminders()
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
}

func TestCleanupHistoryRemovesOldRows(t *testing.T) {
	db := setupTestDB(t)
	d := newTestDispatcher(t, db, &fakeSMS{}, &fakePublisher{})

	old := models.NotificationHistory{
		UserID:  1,
		Event:   EventCreated,
		Channel: ChannelSMS,
		Status:  "sent",
		SentAt:  d.now().AddDate(0, 0, -45),
	}
	recent := models.NotificationHistory{
		UserID:  1,
		Event:   EventCreated,
		Channel: ChannelSMS,
		Status:  "sent",
		SentAt:  d.now().AddDate(0, 0, -5),
	}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, db.Create(&recent).Error)

	removed, err := d.CleanupHistory(30 * 24 * time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	var remaining []models.NotificationHistory
	require.NoError(t, db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, recent.ID, remaining[0].ID)
}
