package notification

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const moviderBaseURL = "https://api.movider.co/v1"

// MoviderClient sends SMS through the Movider REST API. When the API
// credentials are not configured the client is disabled and Send becomes a
// logged no-op, which keeps local development working without a provider
// account.
type MoviderClient struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
}

func NewMoviderClient() *MoviderClient {
	return &MoviderClient{
		apiKey:    os.Getenv("MOVIDER_API_KEY"),
		apiSecret: os.Getenv("MOVIDER_API_SECRET"),
		baseURL:   moviderBaseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *MoviderClient) Enabled() bool {
	return c.apiKey != "" && c.apiSecret != ""
}

// Send delivers a single SMS. The recipient number is normalized to E.164
// with a +63 country code before sending.
func (c *MoviderClient) Send(phone, message string) error {
	if !c.Enabled() {
		log.Printf("SMS disabled, skipping message to %s", phone)
		return nil
	}

	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("api_secret", c.apiSecret)
	form.Set("to", FormatPhoneNumber(phone))
	form.Set("text", message)

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/sms", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// FormatPhoneNumber normalizes Philippine numbers to +63 E.164 form. All
// non-digit characters are stripped first, then:
//
//	09171234567  -> +639171234567
//	639171234567 -> +639171234567
//	9171234567   -> +639171234567
func FormatPhoneNumber(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	number := digits.String()

	switch {
	case strings.HasPrefix(number, "0"):
		return "+63" + number[1:]
	case strings.HasPrefix(number, "63"):
		return "+" + number
	default:
		return "+63" + number
	}
}
