package models

import (
	"time"

	"gorm.io/gorm"
)

type Device struct {
	gorm.Model
	Token      string `gorm:"not null;uniqueIndex:idx_token_user" json:"token"`
	UserID     uint   `gorm:"not null;index;uniqueIndex:idx_token_user" json:"user_id"`
	DeviceType string `gorm:"type:varchar(50)" json:"device_type"`
	DeviceName string `gorm:"type:varchar(100)" json:"device_name,omitempty"`
}

// NotificationHistory records one delivery attempt per (recipient, channel).
type NotificationHistory struct {
	gorm.Model
	Reference     string    `gorm:"size:36;index" json:"reference"`
	UserID        uint      `gorm:"index" json:"user_id"`
	AppointmentID uint      `gorm:"index" json:"appointment_id"`
	Event         string    `gorm:"size:30" json:"event"`
	Channel       string    `gorm:"size:20" json:"channel"`
	Message       string    `gorm:"type:text" json:"message"`
	Status        string    `gorm:"type:varchar(20)" json:"status"` // sent, failed
	SentAt        time.Time `json:"sent_at"`
}
