package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmailClient asks the mail collaborator to deliver a code. Template choice
// is the collaborator's job; the locale rides along to select it.
type EmailClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewEmailClient(baseURL, apiKey string, timeout time.Duration) *EmailClient {
	return &EmailClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *EmailClient) SendOTP(ctx context.Context, recipient, code, locale string) error {
	return c.post(ctx, "/otp", map[string]interface{}{
		"recipientId": recipient,
		"locale":      locale,
		"params":      map[string]string{"otp": code},
	})
}

// SendPasswordReset delivers a reset token to an account's address. Reset
// links only ever travel over email, so this stays off the Notifier
// interface.
func (c *EmailClient) SendPasswordReset(ctx context.Context, recipient, resetToken, locale string) error {
	return c.post(ctx, "/password-reset", map[string]interface{}{
		"recipientId": recipient,
		"locale":      locale,
		"params":      map[string]string{"token": resetToken},
	})
}

func (c *EmailClient) post(ctx context.Context, path string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("email delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("email delivery: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("email delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email delivery: status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}
