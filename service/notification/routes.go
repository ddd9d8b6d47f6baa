package notification

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	"github.com/ecruz-dev/clinic-server/cmd/utils"
	"github.com/gorilla/mux"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"
)

type Handler struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	sms        SMSSender
}

func NewHandler(db *gorm.DB, dispatcher *Dispatcher, sms SMSSender) *Handler {
	return &Handler{db: db, dispatcher: dispatcher, sms: sms}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/devices", utils.AuthMiddleware(h.RegisterDevice)).Methods("POST")
	router.HandleFunc("/devices/{id}", utils.AuthMiddleware(h.DeleteDevice)).Methods("DELETE")
	router.HandleFunc("/users/{userId}/devices", utils.AuthMiddleware(h.GetUserDevices)).Methods("GET")
	router.HandleFunc("/users/{userId}/notifications", utils.AuthMiddleware(h.GetUserHistory)).Methods("GET")
	router.HandleFunc("/notifications/test-sms", utils.AuthMiddleware(h.SendTestSMS)).Methods("POST")
}

// RegisterDevice stores an Expo push token for the authenticated user.
// Re-registering an existing token refreshes the device metadata.
func (h *Handler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var device models.Device
	if err := json.NewDecoder(r.Body).Decode(&device); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	device.UserID = userID

	if device.Token == "" {
		http.Error(w, "Token is required", http.StatusBadRequest)
		return
	}
	if _, err := expo.NewExponentPushToken(device.Token); err != nil {
		http.Error(w, "Invalid Expo push token format", http.StatusBadRequest)
		return
	}

	var existing models.Device
	result := h.db.Where("token = ? AND user_id = ?", device.Token, device.UserID).First(&existing)
	if result.Error == nil {
		existing.UpdatedAt = time.Now()
		existing.DeviceType = device.DeviceType
		existing.DeviceName = device.DeviceName
		if err := h.db.Save(&existing).Error; err != nil {
			http.Error(w, "Error updating device", http.StatusInternalServerError)
			return
		}
		device = existing
	} else {
		if err := h.db.Create(&device).Error; err != nil {
			http.Error(w, "Error creating device", http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Device registered successfully",
		"device":  device,
	})
}

// DeleteDevice removes a push token. Users may only delete their own devices;
// admins may delete any.
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	role, _ := utils.GetUserRoleFromContext(r.Context())

	deviceID, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid device ID", http.StatusBadRequest)
		return
	}

	var device models.Device
	if err := h.db.First(&device, deviceID).Error; err != nil {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	if device.UserID != userID && role != models.RoleAdmin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if err := h.db.Delete(&device).Error; err != nil {
		http.Error(w, "Error deleting device", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Device deleted successfully",
	})
}

// GetUserDevices lists the registered devices of a user.
func (h *Handler) GetUserDevices(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.authorizeUserScope(w, r)
	if !ok {
		return
	}

	var devices []models.Device
	if err := h.db.Where("user_id = ?", targetID).Find(&devices).Error; err != nil {
		http.Error(w, "Error retrieving devices", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(devices)
}

// GetUserHistory returns the paginated notification history of a user.
func (h *Handler) GetUserHistory(w http.ResponseWriter, r *http.Request) {
	targetID, ok := h.authorizeUserScope(w, r)
	if !ok {
		return
	}

	limit := 20
	page := 1
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if pageParam := r.URL.Query().Get("page"); pageParam != "" {
		if parsed, err := strconv.Atoi(pageParam); err == nil && parsed > 0 {
			page = parsed
		}
	}

	var count int64
	if err := h.db.Model(&models.NotificationHistory{}).
		Where("user_id = ?", targetID).Count(&count).Error; err != nil {
		http.Error(w, "Error counting notifications", http.StatusInternalServerError)
		return
	}

	var history []models.NotificationHistory
	if err := h.db.Where("user_id = ?", targetID).
		Order("sent_at DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&history).Error; err != nil {
		http.Error(w, "Error retrieving notification history", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total":   count,
		"page":    page,
		"limit":   limit,
		"history": history,
	})
}

// SendTestSMS lets an admin verify provider configuration end to end.
func (h *Handler) SendTestSMS(w http.ResponseWriter, r *http.Request) {
	role, err := utils.GetUserRoleFromContext(r.Context())
	if err != nil || role != models.RoleAdmin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Phone == "" || req.Message == "" {
		http.Error(w, "Phone and message are required", http.StatusBadRequest)
		return
	}

	if err := h.sms.Send(req.Phone, req.Message); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "SMS sent",
		"to":      FormatPhoneNumber(req.Phone),
	})
}

// authorizeUserScope resolves the {userId} path variable and rejects callers
// who are neither that user nor an admin.
func (h *Handler) authorizeUserScope(w http.ResponseWriter, r *http.Request) (uint, bool) {
	callerID, err := utils.GetUserIDFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, false
	}
	role, _ := utils.GetUserRoleFromContext(r.Context())

	targetID, err := strconv.ParseUint(mux.Vars(r)["userId"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return 0, false
	}
	if uint(targetID) != callerID && role != models.RoleAdmin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return 0, false
	}
	return uint(targetID), true
}
