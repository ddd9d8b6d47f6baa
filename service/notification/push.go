package notification

import (
	"fmt"
	"log"

	"github.com/ecruz-dev/clinic-server/cmd/models"
	expo "github.com/oliveroneill/exponent-server-sdk-golang/sdk"
	"gorm.io/gorm"
)

// ExpoPushSender delivers push notifications through the Expo push service to
// every device a user has registered. Tokens that fail format validation are
// removed from the device table.
type ExpoPushSender struct {
	db         *gorm.DB
	expoClient *expo.PushClient
}

func NewExpoPushSender(db *gorm.DB) *ExpoPushSender {
	return &ExpoPushSender{
		db:         db,
		expoClient: expo.NewPushClient(nil),
	}
}

// SendToUser pushes to all of the user's devices. A user with no registered
// devices is not an error.
func (s *ExpoPushSender) SendToUser(userID uint, title, body string, data map[string]interface{}) error {
	var devices []models.Device
	if err := s.db.Where("user_id = ?", userID).Find(&devices).Error; err != nil {
		return fmt.Errorf("retrieving devices for user %d: %w", userID, err)
	}
	if len(devices) == 0 {
		return nil
	}

	var validTokens []expo.ExponentPushToken
	var invalidTokens []string
	for _, device := range devices {
		pushToken, err := expo.NewExponentPushToken(device.Token)
		if err != nil {
			log.Printf("Invalid push token format %s: %v", device.Token, err)
			invalidTokens = append(invalidTokens, device.Token)
			continue
		}
		validTokens = append(validTokens, pushToken)
	}

	if len(invalidTokens) > 0 {
		s.cleanupInvalidTokens(invalidTokens)
	}
	if len(validTokens) == 0 {
		return nil
	}

	var stringData map[string]string
	if data != nil {
		stringData = make(map[string]string, len(data))
		for key, value := range data {
			stringData[key] = fmt.Sprintf("%v", value)
		}
	}

	pushMessage := &expo.PushMessage{
		To:       validTokens,
		Title:    title,
		Body:     body,
		Sound:    "default",
		Priority: expo.DefaultPriority,
		Data:     stringData,
	}

	response, err := s.expoClient.Publish(pushMessage)
	if err != nil {
		return fmt.Errorf("publishing push notification: %w", err)
	}
	if validationErr := response.ValidateResponse(); validationErr != nil {
		return fmt.Errorf("push notification rejected: %w", validationErr)
	}
	return nil
}

func (s *ExpoPushSender) cleanupInvalidTokens(tokens []string) {
	for _, token := range tokens {
		if err := s.db.Where("token = ?", token).Delete(&models.Device{}).Error; err != nil {
			log.Printf("Error cleaning up invalid token %s: %v", token, err)
		} else {
			log.Printf("Cleaned up invalid token: %s", token)
		}
	}
}
