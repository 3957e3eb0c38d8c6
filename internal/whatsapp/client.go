package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ruanpv/zapdesk/internal/config"
)

// Sender abstracts the platform's outbound send API.
type Sender interface {
	// SendText sends a text message and returns the platform message id
	// (wamid) assigned to it.
	SendText(ctx context.Context, to, text string) (string, error)
}

// Client talks to the WhatsApp Cloud API.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	accessToken   string
	phoneNumberID string
	verifyToken   string
	log           *slog.Logger
}

// NewClient creates a Cloud API client from configuration.
func NewClient(cfg config.WhatsAppConfig, log *slog.Logger) *Client {
	return &Client{
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		baseURL:       cfg.BaseURL,
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		verifyToken:   cfg.VerifyToken,
		log:           log.With("component", "whatsapp_client"),
	}
}

type sendTextRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type textBody struct {
	Body string `json:"body"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText posts a text message to the Cloud API messages endpoint.
func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	if to == "" || text == "" {
		return "", fmt.Errorf("recipient and text are required")
	}

	payload, err := json.Marshal(sendTextRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode send request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		c.log.ErrorContext(ctx, "Cloud API send rejected",
			"status", resp.StatusCode, "to", to, "body", string(body))
		return "", fmt.Errorf("send rejected with status %d", resp.StatusCode)
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Messages) == 0 {
		// Delivery succeeded even if the id is unreadable; callers treat the
		// id as best-effort.
		c.log.WarnContext(ctx, "Could not parse message id from send response", "to", to)
		return "", nil
	}

	c.log.DebugContext(ctx, "Message sent", "to", to, "external_id", parsed.Messages[0].ID)
	return parsed.Messages[0].ID, nil
}

// VerifyWebhook checks the hub handshake parameters of a webhook GET request.
// It returns the challenge to echo back and whether verification passed.
func (c *Client) VerifyWebhook(mode, token, challenge string) (string, bool) {
	if mode == "subscribe" && token == c.verifyToken {
		return challenge, true
	}
	return "", false
}
