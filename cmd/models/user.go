package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

type User struct {
	gorm.Model
	FirstName     string    `gorm:"column:first_name;size:100;not null" json:"first_name"`
	LastName      string    `gorm:"column:last_name;size:100;not null" json:"last_name"`
	MiddleInitial string    `gorm:"column:middle_initial;size:5" json:"middle_initial,omitempty"`
	Email         string    `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	PasswordHash  string    `gorm:"column:password_hash;size:255;not null" json:"-"`
	Role          string    `gorm:"column:role;size:20;not null;index" json:"role"`
	ContactNumber string    `gorm:"column:contact_number;size:20" json:"contact_number"`
	District      string    `gorm:"column:district;size:20;index" json:"district"`
	Province      string    `gorm:"column:province;size:100" json:"province,omitempty"`
	Address       string    `gorm:"column:address;size:255" json:"address,omitempty"`
	BirthDate     time.Time `gorm:"column:birth_date" json:"birth_date,omitempty"`
	IsVerified    bool      `gorm:"column:is_verified;default:false" json:"is_verified"`
	CreatedBy     *uint     `gorm:"column:created_by" json:"created_by,omitempty"`
}

func (u *User) FullName() string {
	parts := []string{u.FirstName}
	if u.MiddleInitial != "" {
		parts = append(parts, u.MiddleInitial)
	}
	parts = append(parts, u.LastName)
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (u *User) IsPatient() bool { return u.Role == RolePatient }
func (u *User) IsDoctor() bool  { return u.Role == RoleDoctor }
func (u *User) IsAdmin() bool   { return u.Role == RoleAdmin }
