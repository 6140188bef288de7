package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tenantry/auth-service/internal/util"
)

// WhatsAppClient asks the messaging collaborator to deliver a code to an
// E.164 phone number.
type WhatsAppClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewWhatsAppClient(baseURL, apiKey string, timeout time.Duration) *WhatsAppClient {
	return &WhatsAppClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *WhatsAppClient) SendOTP(ctx context.Context, recipient, code, locale string) error {
	payload := map[string]string{
		"phoneNumber": recipient,
		"otp":         code,
		"locale":      locale,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("whatsapp delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/whatsapp/otp", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("whatsapp delivery: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp delivery: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Success   bool   `json:"success"`
		MessageID string `json:"messageId"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("whatsapp delivery: decode response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("whatsapp delivery: collaborator reported %q", out.Error)
	}

	util.Debug("whatsapp otp dispatched", zap.String("message_id", out.MessageID))
	return nil
}
