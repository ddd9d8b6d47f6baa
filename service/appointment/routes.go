package appointment

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	"github.com/ecruz-dev/clinic-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

// Notifier receives appointment lifecycle events after commit. Delivery is
// best-effort: implementations must never surface failures to the caller.
type Notifier interface {
	AppointmentEvent(apt *models.Appointment, event string, oldStatus string)
}

type Handler struct {
	db       *gorm.DB
	notifier Notifier
	access   AccessPolicy
	policy   SchedulingPolicy
	now      utils.Clock
}

func NewHandler(db *gorm.DB, notifier Notifier) *Handler {
	return &Handler{
		db:       db,
		notifier: notifier,
		access:   SameDistrictPolicy{},
		policy:   DefaultSchedulingPolicy(),
		now:      utils.RealClock,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/appointments/slots", utils.AuthMiddleware(h.GetAvailableSlots)).Methods("GET")
	router.HandleFunc("/appointments", utils.AuthMiddleware(h.CreateAppointment)).Methods("POST")
	router.HandleFunc("/appointments", utils.AuthMiddleware(h.GetAppointments)).Methods("GET")
	router.HandleFunc("/appointments/{id}", utils.AuthMiddleware(h.GetAppointment)).Methods("GET")
	router.HandleFunc("/appointments/{id}", utils.AuthMiddleware(h.UpdateAppointment)).Methods("PUT")
	router.HandleFunc("/appointments/{id}/status", utils.AuthMiddleware(h.UpdateStatus)).Methods("PATCH")
	router.HandleFunc("/appointments/{id}", utils.AuthMiddleware(h.CancelAppointment)).Methods("DELETE")
	router.HandleFunc("/appointments/{id}/patients", utils.AuthMiddleware(h.AddAppointmentPatient)).Methods("POST")
	router.HandleFunc("/appointments/{id}/patients", utils.AuthMiddleware(h.SyncAppointmentPatients)).Methods("PUT")
	router.HandleFunc("/appointments/{id}/patients/{patientId}", utils.AuthMiddleware(h.RemoveAppointmentPatient)).Methods("DELETE")
}

type createRequest struct {
	PatientID  uint   `json:"patient_id"`
	PatientIDs []uint `json:"patient_ids"`
	DoctorID   *uint  `json:"doctor_id"`
	Agenda     string `json:"agenda"`
	Details    string `json:"details"`
	Date       string `json:"appointment_date"`
	Time       string `json:"appointment_time"`
	Location   string `json:"location"`
	Duration   int    `json:"duration"`
	Priority   string `json:"priority"`
}

// CreateAppointment books a new appointment for one or more patients.
// Validation order: caller role, patient roles, doctor resolution, district
// rule, schedule conflict, business hours. Nothing is persisted unless every
// step passes; the created event is dispatched only after commit.
func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	caller, err := h.currentUser(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !caller.IsDoctor() && !caller.IsAdmin() {
		writeError(w, &AuthorizationError{})
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Duration == 0 {
		req.Duration = 30
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	patientIDs := req.PatientIDs
	if len(patientIDs) == 0 && req.PatientID != 0 {
		patientIDs = []uint{req.PatientID}
	}

	if err := h.validateSchedule(req.Agenda, req.Details, req.Date, req.Time, req.Duration, req.Priority); err != nil {
		writeError(w, err)
		return
	}
	if len(patientIDs) == 0 {
		writeError(w, &ValidationError{Field: "patient_ids", Message: "at least one patient is required"})
		return
	}

	patients, err := h.loadPatients(patientIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	doctor, err := h.resolveDoctor(caller, req.DoctorID)
	if err != nil {
		writeError(w, err)
		return
	}

	if doctor != nil {
		for i := range patients {
			if !h.access.CanDoctorAccessPatient(doctor, &patients[i]) {
				writeError(w, &AuthorizationError{})
				return
			}
		}
	}

	windowStart, windowEnd, err := h.parseWindow(req.Date, req.Time, req.Duration)
	if err != nil {
		writeError(w, err)
		return
	}

	tx := h.db.Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	var doctorID *uint
	if doctor != nil {
		doctorID = &doctor.ID
	}

	conflict, err := CheckOverlap(tx, doctorID, patientIDs, windowStart, windowEnd, 0)
	if err != nil {
		tx.Rollback()
		http.Error(w, "Error checking schedule", http.StatusInternalServerError)
		return
	}
	if conflict != nil {
		tx.Rollback()
		writeError(w, &ConflictError{Conflict: *conflict})
		return
	}

	if err := h.policy.CheckWindow(windowStart, windowEnd); err != nil {
		tx.Rollback()
		writeError(w, err)
		return
	}

	apt := models.Appointment{
		DoctorID:        doctorID,
		CreatedBy:       caller.ID,
		Agenda:          req.Agenda,
		Details:         req.Details,
		AppointmentDate: req.Date,
		AppointmentTime: req.Time,
		Location:        req.Location,
		Duration:        req.Duration,
		Priority:        req.Priority,
		Status:          models.StatusScheduled,
	}
	if err := tx.Create(&apt).Error; err != nil {
		tx.Rollback()
		http.Error(w, "Error creating appointment", http.StatusInternalServerError)
		return
	}
	if err := SyncPatients(tx, &apt, patientIDs); err != nil {
		tx.Rollback()
		http.Error(w, "Error attaching patients", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit().Error; err != nil {
		http.Error(w, "Error completing booking", http.StatusInternalServerError)
		return
	}

	h.db.Preload("Doctor").Preload("Creator").First(&apt, apt.ID)
	h.notify(&apt, "created", "")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(apt)
}

// GetAppointments lists appointments scoped to the caller's role: patients
// see their own, doctors see their own plus their district's, admins see all.
func (h *Handler) GetAppointments(w http.ResponseWriter, r *http.Request) {
	caller, err := h.currentUser(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := h.db.Model(&models.Appointment{}).Preload("Doctor").Preload("Patient")

	switch caller.Role {
	case models.RolePatient:
		memberOf := h.db.Model(&models.AppointmentPatient{}).
			Select("appointment_id").Where("patient_id = ?", caller.ID)
		query = query.Where("patient_id = ? OR id IN (?)", caller.ID, memberOf)
	case models.RoleDoctor:
		districtPatients := h.db.Model(&models.User{}).Select("id").
			Where("role = ? AND district = ?", models.RolePatient, caller.District)
		districtAppts := h.db.Model(&models.AppointmentPatient{}).
			Select("appointment_id").Where("patient_id IN (?)", districtPatients)
		query = query.Where("doctor_id = ? OR patient_id IN (?) OR id IN (?)",
			caller.ID, districtPatients, districtAppts)
	case models.RoleAdmin:
		// no scoping
	default:
		writeError(w, &AuthorizationError{})
		return
	}

	if from := r.URL.Query().Get("date_from"); from != "" {
		query = query.Where("appointment_date >= ?", from)
	}
	if to := r.URL.Query().Get("date_to"); to != "" {
		query = query.Where("appointment_date <= ?", to)
	}
	if status := r.URL.Query().Get("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if priority := r.URL.Query().Get("priority"); priority != "" {
		query = query.Where("priority = ?", priority)
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize := 15

	var total int64
	query.Count(&total)

	var appointments []models.Appointment
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
		Order("appointment_date ASC, appointment_time ASC").
		Find(&appointments).Error; err != nil {
		http.Error(w, "Error retrieving appointments", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"appointments": appointments,
		"total":        total,
		"page":         page,
		"page_size":    pageSize,
		"total_pages":  (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// GetAppointment retrieves a specific appointment by ID.
func (h *Handler) GetAppointment(w http.ResponseWriter, r *http.Request) {
	caller, apt, err := h.loadForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !h.canView(caller, apt) {
		writeError(w, &AuthorizationError{})
		return
	}

	patients, _ := apt.PatientSet(h.db)
	apt.Patients = patients

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apt)
}

type updateRequest struct {
	Agenda     *string `json:"agenda"`
	Details    *string `json:"details"`
	Date       *string `json:"appointment_date"`
	Time       *string `json:"appointment_time"`
	Location   *string `json:"location"`
	Duration   *int    `json:"duration"`
	Priority   *string `json:"priority"`
	Status     *string `json:"status"`
	DoctorID   *uint   `json:"doctor_id"`
	PatientIDs *[]uint `json:"patient_ids"`
}

// UpdateAppointment applies a partial update. A supplied patient set fully
// replaces the association (sync semantics); date, time and doctor changes
// are re-checked for conflicts and business hours; status changes go through
// the transition table.
func (h *Handler) UpdateAppointment(w http.ResponseWriter, r *http.Request) {
	caller, apt, err := h.loadForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !caller.IsDoctor() && !caller.IsAdmin() {
		writeError(w, &AuthorizationError{})
		return
	}
	if !h.canModify(caller, apt) {
		writeError(w, &AuthorizationError{})
		return
	}

	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Merge requested fields over current values.
	date := apt.AppointmentDate
	timeStr := apt.AppointmentTime
	duration := apt.Duration
	agenda := apt.Agenda
	details := apt.Details
	priority := apt.Priority
	if req.Date != nil {
		date = *req.Date
	}
	if req.Time != nil {
		timeStr = *req.Time
	}
	if req.Duration != nil {
		duration = *req.Duration
	}
	if req.Agenda != nil {
		agenda = *req.Agenda
	}
	if req.Details != nil {
		details = *req.Details
	}
	if req.Priority != nil {
		priority = *req.Priority
	}

	if err := h.validateSchedule(agenda, details, date, timeStr, duration, priority); err != nil {
		writeError(w, err)
		return
	}

	if req.Status != nil && !ValidStatus(*req.Status) {
		writeError(w, &ValidationError{Field: "status", Message: "unknown status"})
		return
	}

	doctorID := apt.DoctorID
	if req.DoctorID != nil {
		doctor, err := h.loadDoctor(*req.DoctorID)
		if err != nil {
			writeError(w, err)
			return
		}
		doctorID = &doctor.ID
	}

	patientIDs, err := h.targetPatientIDs(apt, req.PatientIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	if doctorID != nil {
		doctor, err := h.loadDoctor(*doctorID)
		if err != nil {
			writeError(w, err)
			return
		}
		patients, err := h.loadPatients(patientIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		for i := range patients {
			if !h.access.CanDoctorAccessPatient(doctor, &patients[i]) {
				writeError(w, &AuthorizationError{})
				return
			}
		}
	}

	windowStart, windowEnd, err := h.parseWindow(date, timeStr, duration)
	if err != nil {
		writeError(w, err)
		return
	}

	significant := date != apt.AppointmentDate ||
		timeStr != apt.AppointmentTime ||
		agenda != apt.Agenda

	tx := h.db.Begin()

	// The status transition is validated against the locked row, not the
	// snapshot loaded before the transaction began.
	var current models.Appointment
	if err := lockedScope(tx).First(&current, apt.ID).Error; err != nil {
		tx.Rollback()
		http.Error(w, "Error loading appointment", http.StatusInternalServerError)
		return
	}
	oldStatus := current.Status
	statusChanged := req.Status != nil && *req.Status != current.Status
	if statusChanged && !CanTransition(current.Status, *req.Status) {
		tx.Rollback()
		writeError(w, &InvalidTransitionError{From: current.Status, To: *req.Status})
		return
	}

	conflict, err := CheckOverlap(tx, doctorID, patientIDs, windowStart, windowEnd, apt.ID)
	if err != nil {
		tx.Rollback()
		http.Error(w, "Error checking schedule", http.StatusInternalServerError)
		return
	}
	if conflict != nil {
		tx.Rollback()
		writeError(w, &ConflictError{Conflict: *conflict})
		return
	}
	if err := h.policy.CheckWindow(windowStart, windowEnd); err != nil {
		tx.Rollback()
		writeError(w, err)
		return
	}

	updates := map[string]interface{}{
		"agenda":           agenda,
		"details":          details,
		"appointment_date": date,
		"appointment_time": timeStr,
		"duration":         duration,
		"priority":         priority,
		"doctor_id":        doctorID,
		"updated_by":       caller.ID,
	}
	if req.Location != nil {
		updates["location"] = *req.Location
	}
	if statusChanged {
		updates["status"] = *req.Status
	}
	if err := tx.Model(&models.Appointment{}).Where("id = ?", apt.ID).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		http.Error(w, "Error updating appointment", http.StatusInternalServerError)
		return
	}
	if req.PatientIDs != nil {
		if err := SyncPatients(tx, apt, patientIDs); err != nil {
			tx.Rollback()
			http.Error(w, "Error syncing patients", http.StatusInternalServerError)
			return
		}
	}
	if err := tx.Commit().Error; err != nil {
		http.Error(w, "Error completing update", http.StatusInternalServerError)
		return
	}

	var updated models.Appointment
	h.db.Preload("Doctor").Preload("Updater").First(&updated, apt.ID)

	if statusChanged && ShouldNotifyStatusChange(oldStatus, *req.Status) {
		h.notify(&updated, "status_changed", oldStatus)
	}
	if significant {
		h.notify(&updated, "updated", "")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// UpdateStatus moves the appointment through its lifecycle. Patients may only
// cancel their own appointments; doctors and admins may apply any legal
// transition. Only the notifiable from->to pairs produce a notification.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	caller, apt, err := h.loadForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !ValidStatus(req.Status) {
		writeError(w, &ValidationError{Field: "status", Message: "unknown status"})
		return
	}

	if caller.IsPatient() {
		if req.Status != models.StatusCancelled || !h.isMemberPatient(caller, apt) {
			writeError(w, &AuthorizationError{})
			return
		}
	} else if !h.canModify(caller, apt) {
		writeError(w, &AuthorizationError{})
		return
	}

	oldStatus, err := h.transitionStatus(apt.ID, req.Status, caller.ID, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}

	var updated models.Appointment
	h.db.Preload("Doctor").First(&updated, apt.ID)

	if ShouldNotifyStatusChange(oldStatus, req.Status) {
		h.notify(&updated, "status_changed", oldStatus)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// CancelAppointment soft-deletes the appointment and always dispatches a
// cancellation notification from the pre-deletion snapshot, since the row is
// no longer visible to normal queries afterwards.
func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	caller, apt, err := h.loadForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if caller.IsPatient() {
		if !h.isMemberPatient(caller, apt) {
			writeError(w, &AuthorizationError{})
			return
		}
	} else if !h.canModify(caller, apt) {
		writeError(w, &AuthorizationError{})
		return
	}

	// Snapshot before deletion for the notification.
	snapshot := *apt
	if snapshot.Doctor == nil && snapshot.DoctorID != nil {
		var doctor models.User
		if err := h.db.First(&doctor, *snapshot.DoctorID).Error; err == nil {
			snapshot.Doctor = &doctor
		}
	}

	tx := h.db.Begin()
	if err := tx.Model(&models.Appointment{}).Where("id = ?", apt.ID).
		Updates(map[string]interface{}{
			"status":     models.StatusCancelled,
			"updated_by": caller.ID,
		}).Error; err != nil {
		tx.Rollback()
		http.Error(w, "Error cancelling appointment", http.StatusInternalServerError)
		return
	}
	if err := tx.Delete(&models.Appointment{}, apt.ID).Error; err != nil {
		tx.Rollback()
		http.Error(w, "Error deleting appointment", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit().Error; err != nil {
		http.Error(w, "Error completing deletion", http.StatusInternalServerError)
		return
	}

	snapshot.Status = models.StatusCancelled
	h.notify(&snapshot, "cancelled", "")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Appointment cancelled successfully",
	})
}

// GetAvailableSlots returns the free 30-minute-grid windows for a doctor on
// a given date, for the requested duration.
func (h *Handler) GetAvailableSlots(w http.ResponseWriter, r *http.Request) {
	doctorID, err := strconv.ParseUint(r.URL.Query().Get("doctor_id"), 10, 64)
	if err != nil {
		writeError(w, &ValidationError{Field: "doctor_id", Message: "valid doctor_id is required"})
		return
	}
	date, err := time.ParseInLocation(models.DateLayout, r.URL.Query().Get("date"), time.Local)
	if err != nil {
		writeError(w, &ValidationError{Field: "date", Message: "date must be YYYY-MM-DD"})
		return
	}
	duration := 30
	if d := r.URL.Query().Get("duration"); d != "" {
		duration, err = strconv.Atoi(d)
		if err != nil || duration < 15 || duration > 240 {
			writeError(w, &ValidationError{Field: "duration", Message: "duration must be between 15 and 240 minutes"})
			return
		}
	}

	var existing []models.Appointment
	if err := h.db.
		Where("doctor_id = ? AND appointment_date = ?", doctorID, date.Format(models.DateLayout)).
		Where("status NOT IN ?", inactiveStatuses).
		Find(&existing).Error; err != nil {
		http.Error(w, "Error retrieving appointments", http.StatusInternalServerError)
		return
	}

	slots := AvailableSlots(h.policy, date, duration, existing)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"date":     date.Format(models.DateLayout),
		"duration": duration,
		"slots":    slots,
	})
}

// AddAppointmentPatient attaches one patient to an existing appointment.
func (h *Handler) AddAppointmentPatient(w http.ResponseWriter, r *http.Request) {
	caller, apt, err := h.loadForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PatientID uint `json:"patient_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.mutatePatients(caller, apt, func(tx *gorm.DB) error {
		return AddPatient(tx, apt, req.PatientID)
	}, []uint{req.PatientID}); err != nil {
		writeError(w, err)
		return
	}
	h.respondWithPatients(w, apt)
}

// RemoveAppointmentPatient detaches one patient from an appointment.
func (h *Handler) RemoveAppointmentPatient(w http.ResponseWriter, r *http.Request) {
	caller, apt, err := h.loadForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	patientID, err := strconv.ParseUint(mux.Vars(r)["patientId"], 10, 64)
	if err != nil {
		writeError(w, &ValidationError{Field: "patient_id", Message: "invalid patient id"})
		return
	}
	if err := h.mutatePatients(caller, apt, func(tx *gorm.DB) error {
		return RemovePatient(tx, apt, uint(patientID))
	}, nil); err != nil {
		writeError(w, err)
		return
	}
	h.respondWithPatients(w, apt)
}

// SyncAppointmentPatients replaces the whole patient set of an appointment.
func (h *Handler) SyncAppointmentPatients(w http.ResponseWriter, r *http.Request) {
	caller, apt, err := h.loadForCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PatientIDs []uint `json:"patient_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.mutatePatients(caller, apt, func(tx *gorm.DB) error {
		return SyncPatients(tx, apt, req.PatientIDs)
	}, req.PatientIDs); err != nil {
		writeError(w, err)
		return
	}
	h.respondWithPatients(w, apt)
}

// ---- helpers ----

func (h *Handler) currentUser(r *http.Request) (*models.User, error) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (h *Handler) loadForCaller(r *http.Request) (*models.User, *models.Appointment, error) {
	caller, err := h.currentUser(r)
	if err != nil {
		return nil, nil, &AuthorizationError{}
	}
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return nil, nil, &ValidationError{Field: "id", Message: "invalid appointment id"}
	}
	var apt models.Appointment
	if err := h.db.Preload("Doctor").Preload("Patient").First(&apt, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, &NotFoundError{Resource: "appointment", ID: uint(id)}
		}
		return nil, nil, err
	}
	return caller, &apt, nil
}

func (h *Handler) validateSchedule(agenda, details, date, timeStr string, duration int, priority string) error {
	if agenda == "" || len(agenda) > 255 {
		return &ValidationError{Field: "agenda", Message: "agenda is required and must be at most 255 characters"}
	}
	if details == "" {
		return &ValidationError{Field: "details", Message: "details are required"}
	}
	day, err := time.ParseInLocation(models.DateLayout, date, time.Local)
	if err != nil {
		return &ValidationError{Field: "appointment_date", Message: "date must be YYYY-MM-DD"}
	}
	today := h.today()
	if day.Before(today) {
		return &ValidationError{Field: "appointment_date", Message: "date must be today or later"}
	}
	if _, err := time.Parse(models.TimeLayout, timeStr); err != nil {
		return &ValidationError{Field: "appointment_time", Message: "time must be HH:MM"}
	}
	if duration < 15 || duration > 240 {
		return &ValidationError{Field: "duration", Message: "duration must be between 15 and 240 minutes"}
	}
	if !ValidPriority(priority) {
		return &ValidationError{Field: "priority", Message: "priority must be low, normal, high or urgent"}
	}
	return nil
}

// transitionStatus applies a status change against the stored row, not the
// caller's snapshot: the row is re-read under lock inside the transaction, so
// two concurrent transitions serialize and the loser is validated against the
// winner's result.
func (h *Handler) transitionStatus(aptID uint, newStatus string, callerID uint, notes string) (string, error) {
	tx := h.db.Begin()

	var current models.Appointment
	if err := lockedScope(tx).First(&current, aptID).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", &NotFoundError{Resource: "appointment", ID: aptID}
		}
		return "", err
	}

	if !CanTransition(current.Status, newStatus) {
		tx.Rollback()
		return "", &InvalidTransitionError{From: current.Status, To: newStatus}
	}

	updates := map[string]interface{}{
		"status":     newStatus,
		"updated_by": callerID,
	}
	if notes != "" {
		updates["notes"] = notes
	}
	if err := tx.Model(&models.Appointment{}).Where("id = ?", aptID).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		return "", err
	}
	if err := tx.Commit().Error; err != nil {
		return "", err
	}
	return current.Status, nil
}

func (h *Handler) today() time.Time {
	now := h.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
}

func (h *Handler) parseWindow(date, timeStr string, duration int) (time.Time, time.Time, error) {
	start, err := time.ParseInLocation(models.DateLayout+" "+models.TimeLayout, date+" "+timeStr, time.Local)
	if err != nil {
		return time.Time{}, time.Time{}, &ValidationError{Field: "appointment_time", Message: "invalid date or time"}
	}
	return start, start.Add(time.Duration(duration) * time.Minute), nil
}

func (h *Handler) loadPatients(patientIDs []uint) ([]models.User, error) {
	patients := make([]models.User, 0, len(patientIDs))
	for _, id := range patientIDs {
		var user models.User
		if err := h.db.First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, &NotFoundError{Resource: "patient", ID: id}
			}
			return nil, err
		}
		if !user.IsPatient() {
			return nil, &ValidationError{Field: "patient_ids", Message: "all patients must have the patient role"}
		}
		patients = append(patients, user)
	}
	return patients, nil
}

func (h *Handler) loadDoctor(id uint) (*models.User, error) {
	var user models.User
	if err := h.db.First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "doctor", ID: id}
		}
		return nil, err
	}
	if !user.IsDoctor() {
		return nil, &ValidationError{Field: "doctor_id", Message: "assigned user is not a doctor"}
	}
	return &user, nil
}

// resolveDoctor defaults the assignment to the caller when the caller is a
// doctor and no explicit doctor id was supplied.
func (h *Handler) resolveDoctor(caller *models.User, doctorID *uint) (*models.User, error) {
	if doctorID != nil {
		return h.loadDoctor(*doctorID)
	}
	if caller.IsDoctor() {
		return caller, nil
	}
	return nil, nil
}

func (h *Handler) targetPatientIDs(apt *models.Appointment, requested *[]uint) ([]uint, error) {
	if requested != nil {
		if len(*requested) == 0 {
			return nil, &ValidationError{Field: "patient_ids", Message: "at least one patient is required"}
		}
		if _, err := h.loadPatients(*requested); err != nil {
			return nil, err
		}
		return *requested, nil
	}
	current, err := apt.PatientSet(h.db)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(current))
	for _, p := range current {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (h *Handler) mutatePatients(caller *models.User, apt *models.Appointment, op func(tx *gorm.DB) error, newPatientIDs []uint) error {
	if !caller.IsDoctor() && !caller.IsAdmin() {
		return &AuthorizationError{}
	}
	if !h.canModify(caller, apt) {
		return &AuthorizationError{}
	}
	if len(newPatientIDs) > 0 {
		patients, err := h.loadPatients(newPatientIDs)
		if err != nil {
			return err
		}
		if apt.DoctorID != nil {
			doctor, err := h.loadDoctor(*apt.DoctorID)
			if err != nil {
				return err
			}
			for i := range patients {
				if !h.access.CanDoctorAccessPatient(doctor, &patients[i]) {
					return &AuthorizationError{}
				}
			}
		}
	}

	tx := h.db.Begin()
	if err := op(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func (h *Handler) respondWithPatients(w http.ResponseWriter, apt *models.Appointment) {
	patients, _ := apt.PatientSet(h.db)
	apt.Patients = patients
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apt)
}

func (h *Handler) canView(user *models.User, apt *models.Appointment) bool {
	if user.IsAdmin() {
		return true
	}
	if user.IsPatient() {
		return h.isMemberPatient(user, apt)
	}
	return h.canModify(user, apt)
}

func (h *Handler) canModify(user *models.User, apt *models.Appointment) bool {
	switch user.Role {
	case models.RoleAdmin:
		return true
	case models.RoleDoctor:
		if apt.DoctorID != nil && *apt.DoctorID == user.ID {
			return true
		}
		patients, err := apt.PatientSet(h.db)
		if err != nil {
			return false
		}
		for i := range patients {
			if h.access.CanDoctorAccessPatient(user, &patients[i]) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (h *Handler) isMemberPatient(user *models.User, apt *models.Appointment) bool {
	if apt.PatientID != nil && *apt.PatientID == user.ID {
		return true
	}
	patients, err := apt.PatientSet(h.db)
	if err != nil {
		return false
	}
	for _, p := range patients {
		if p.ID == user.ID {
			return true
		}
	}
	return false
}

func (h *Handler) notify(apt *models.Appointment, event, oldStatus string) {
	if h.notifier == nil {
		return
	}
	h.notifier.AppointmentEvent(apt, event, oldStatus)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	switch e := err.(type) {
	case *ValidationError:
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "validation_failed", "field": e.Field, "message": e.Message,
		})
	case *AuthorizationError:
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "forbidden", "message": e.Error(),
		})
	case *NotFoundError:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "not_found", "message": e.Error(),
		})
	case *InvalidTransitionError:
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "invalid_transition", "from": e.From, "to": e.To,
		})
	case *ConflictError:
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "schedule_conflict", "conflict": e.Conflict,
		})
	default:
		log.Printf("internal error: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "internal_error",
		})
	}
}
