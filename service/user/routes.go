package user

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	"github.com/ecruz-dev/clinic-server/cmd/utils"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type Handler struct {
	db *gorm.DB
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/login", h.handleLogin).Methods("POST")
	router.HandleFunc("/register", h.HandleRegister).Methods("POST")
	router.HandleFunc("/users/{id}", utils.AuthMiddleware(h.GetUser)).Methods("GET")
	router.HandleFunc("/patients/accessible", utils.AuthMiddleware(h.GetAccessiblePatients)).Methods("GET")
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var loginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&loginRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var user models.User
	result := h.db.Where("email = ?", loginRequest.Email).First(&user)
	if result.Error != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(loginRequest.Password)); err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	accessToken, err := utils.GenerateJWT(user.ID, user.Role, 24*time.Hour)
	if err != nil {
		http.Error(w, "Error generating access token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": accessToken,
		"user":         user,
	})
}

// HandleRegister creates a new account. Patient self-registration is open;
// doctor and admin accounts can only be created by an authenticated admin.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var registerRequest struct {
		FirstName     string `json:"first_name"`
		LastName      string `json:"last_name"`
		MiddleInitial string `json:"middle_initial"`
		Email         string `json:"email"`
		Password      string `json:"password"`
		Role          string `json:"role"`
		ContactNumber string `json:"contact_number"`
		District      string `json:"district"`
		Province      string `json:"province"`
		Address       string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&registerRequest); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if registerRequest.Email == "" || registerRequest.Password == "" ||
		registerRequest.FirstName == "" || registerRequest.LastName == "" {
		http.Error(w, "Name, email and password are required", http.StatusBadRequest)
		return
	}
	if len(registerRequest.Password) < 8 {
		http.Error(w, "Password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	role := registerRequest.Role
	if role == "" {
		role = models.RolePatient
	}
	if role != models.RolePatient && role != models.RoleDoctor && role != models.RoleAdmin {
		http.Error(w, "Invalid role", http.StatusBadRequest)
		return
	}

	var createdBy *uint
	if role != models.RolePatient {
		callerID, callerRole, err := callerFromHeader(h.db, r)
		if err != nil || callerRole != models.RoleAdmin {
			http.Error(w, "Only admins can create staff accounts", http.StatusForbidden)
			return
		}
		createdBy = &callerID
	}

	var existingUser models.User
	if result := h.db.Where("email = ?", registerRequest.Email).First(&existingUser); !errors.Is(result.Error, gorm.ErrRecordNotFound) {
		if result.Error != nil {
			http.Error(w, "Database error", http.StatusInternalServerError)
			return
		}
		http.Error(w, "Email is already in use", http.StatusConflict)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(registerRequest.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Error processing password", http.StatusInternalServerError)
		return
	}

	user := models.User{
		FirstName:     registerRequest.FirstName,
		LastName:      registerRequest.LastName,
		MiddleInitial: registerRequest.MiddleInitial,
		Email:         registerRequest.Email,
		PasswordHash:  string(hashedPassword),
		Role:          role,
		ContactNumber: registerRequest.ContactNumber,
		District:      registerRequest.District,
		Province:      registerRequest.Province,
		Address:       registerRequest.Address,
		CreatedBy:     createdBy,
	}
	if err := h.db.Create(&user).Error; err != nil {
		http.Error(w, "Error creating user", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

// GetUser retrieves a user profile. Patients may only read themselves.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	callerID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	role, _ := utils.GetUserRoleFromContext(r.Context())

	targetID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}
	if role == models.RolePatient && uint(targetID) != callerID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var user models.User
	if err := h.db.First(&user, targetID).Error; err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

// GetAccessiblePatients lists the patients a doctor may book: those in the
// doctor's own district. Admins see all patients.
func (h *Handler) GetAccessiblePatients(w http.ResponseWriter, r *http.Request) {
	callerID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var caller models.User
	if err := h.db.First(&caller, callerID).Error; err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := h.db.Where("role = ?", models.RolePatient)
	switch caller.Role {
	case models.RoleAdmin:
	case models.RoleDoctor:
		query = query.Where("district = ?", caller.District)
	default:
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if search := r.URL.Query().Get("search"); search != "" {
		pattern := "%" + search + "%"
		query = query.Where("first_name LIKE ? OR last_name LIKE ?", pattern, pattern)
	}

	var patients []models.User
	if err := query.Order("last_name ASC, first_name ASC").Find(&patients).Error; err != nil {
		http.Error(w, "Error retrieving patients", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(patients)
}

// callerFromHeader authenticates the request outside the middleware chain,
// used where an endpoint is public for one role but restricted for others.
func callerFromHeader(db *gorm.DB, r *http.Request) (uint, string, error) {
	userID, role, err := utils.ParseAuthHeader(r)
	if err != nil {
		return 0, "", err
	}
	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		return 0, "", err
	}
	return user.ID, role, nil
}
