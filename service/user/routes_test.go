package user

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	"github.com/ecruz-dev/clinic-server/cmd/utils"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupServer(t *testing.T) (*mux.Router, *gorm.DB) {
	t.Helper()
	t.Setenv("SECRET_KEY", "test-secret")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}))

	router := mux.NewRouter()
	NewHandler(db).RegisterRoutes(router)
	return router, db
}

func seedUser(t *testing.T, db *gorm.DB, first, last, role, district, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := models.User{
		FirstName:    first,
		LastName:     last,
		Email:        fmt.Sprintf("%s.%s.%s@example.com", first, last, t.Name()),
		PasswordHash: string(hash),
		Role:         role,
		District:     district,
	}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func doRequest(t *testing.T, router *mux.Router, method, url string, body interface{}, as *models.User) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	if as != nil {
		token, err := utils.GenerateJWT(as.ID, as.Role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	router, db := setupServer(t)
	user := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "1", "correct-horse")

	rec := doRequest(t, router, http.MethodPost, "/login",
		map[string]string{"email": user.Email, "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AccessToken string      `json:"access_token"`
		User        models.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, user.ID, resp.User.ID)

	rec = doRequest(t, router, http.MethodPost, "/login",
		map[string]string{"email": user.Email, "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterPatientIsOpen(t *testing.T) {
	router, db := setupServer(t)

	rec := doRequest(t, router, http.MethodPost, "/register", map[string]string{
		"first_name":     "Cora",
		"last_name":      "Diaz",
		"email":          "cora.diaz@example.com",
		"password":       "long-enough-pass",
		"contact_number": "09171234567",
		"district":       "2",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var stored models.User
	require.NoError(t, db.Where("email = ?", "cora.diaz@example.com").First(&stored).Error)
	assert.Equal(t, models.RolePatient, stored.Role)
	assert.NotEqual(t, "long-enough-pass", stored.PasswordHash)
}

func TestRegisterStaffRequiresAdmin(t *testing.T) {
	router, db := setupServer(t)
	admin := seedUser(t, db, "Root", "Admin", models.RoleAdmin, "", "admin-password")

	body := map[string]string{
		"first_name": "Anna",
		"last_name":  "Reyes",
		"email":      "anna.reyes@example.com",
		"password":   "doctor-password",
		"role":       models.RoleDoctor,
		"district":   "1",
	}

	rec := doRequest(t, router, http.MethodPost, "/register", body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "anonymous staff creation must be rejected")

	rec = doRequest(t, router, http.MethodPost, "/register", body, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var stored models.User
	require.NoError(t, db.Where("email = ?", "anna.reyes@example.com").First(&stored).Error)
	assert.Equal(t, models.RoleDoctor, stored.Role)
	require.NotNil(t, stored.CreatedBy)
	assert.Equal(t, admin.ID, *stored.CreatedBy)
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	router, db := setupServer(t)
	existing := seedUser(t, db, "Ben", "Cruz", models.RolePatient, "1", "password-one")

	rec := doRequest(t, router, http.MethodPost, "/register", map[string]string{
		"first_name": "Other",
		"last_name":  "Person",
		"email":      existing.Email,
		"password":   "password-two",
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetAccessiblePatientsScopedByDistrict(t *testing.T) {
	router, db := setupServer(t)
	doctor := seedUser(t, db, "Anna", "Reyes", models.RoleDoctor, "1", "pw-doctor1")
	seedUser(t, db, "Ben", "Cruz", models.RolePatient, "1", "pw-patient")
	seedUser(t, db, "Dan", "Evo", models.RolePatient, "2", "pw-patient")
	admin := seedUser(t, db, "Root", "Admin", models.RoleAdmin, "", "pw-admin")

	rec := doRequest(t, router, http.MethodGet, "/patients/accessible", nil, doctor)
	require.Equal(t, http.StatusOK, rec.Code)
	var forDoctor []models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forDoctor))
	require.Len(t, forDoctor, 1)
	assert.Equal(t, "Ben", forDoctor[0].FirstName)

	rec = doRequest(t, router, http.MethodGet, "/patients/accessible", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var forAdmin []models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forAdmin))
	assert.Len(t, forAdmin, 2)
}
