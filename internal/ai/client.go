// Package ai implements integration with Google's Gemini API.
// It generates customer-support replies and classifies lead intent.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/ruanpv/zapdesk/internal/config"
	"github.com/ruanpv/zapdesk/internal/database"
)

// LeadIntent is the result of classifying an inbound message for CRM
// lead potential.
type LeadIntent struct {
	IsLead     bool    `json:"is_lead"`
	Confidence float64 `json:"confidence"`
	LoanType   string  `json:"loan_type"`
	Amount     float64 `json:"amount"`
	ClientType string  `json:"client_type"`
	Urgency    string  `json:"urgency"`
}

// Client defines the interface for AI operations used by the pipeline.
type Client interface {
	// GenerateReply produces an agent reply given the recent conversation
	// history, oldest message first.
	GenerateReply(ctx context.Context, history []database.Message) (string, error)

	// DetectLeadIntent classifies a customer message for lead potential.
	DetectLeadIntent(ctx context.Context, text string) (*LeadIntent, error)
}

type sdkClient struct {
	genaiClient *genai.Client
	log         *slog.Logger
	baseConfig  *genai.GenerateContentConfig
	modelName   string
	maxRetries  int
	retryDelay  time.Duration
}

// NewClient creates a new Gemini client with the provided configuration.
func NewClient(ctx context.Context, cfg config.AIConfig, log *slog.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	gi, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	temperature := cfg.Temperature
	baseCfg := &genai.GenerateContentConfig{
		Temperature: &temperature,
	}

	logger := log.With("component", "ai_client")
	logger.Info("Gemini client initialized", "model", cfg.Model)
	return &sdkClient{
		genaiClient: gi,
		log:         logger,
		baseConfig:  baseCfg,
		modelName:   cfg.Model,
		maxRetries:  cfg.MaxRetries,
		retryDelay:  cfg.RetryDelay,
	}, nil
}

func (c *sdkClient) generateContentWithRetries(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.genaiClient.Models.GenerateContent(ctx, c.modelName, contents, cfg)
		if err == nil {
			return resp, nil
		}

		var apiErr *genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 500 || apiErr.Code == 503) {
			if i < c.maxRetries {
				c.log.WarnContext(ctx, "Gemini API call failed, retrying",
					"attempt", i+1, "code", apiErr.Code, "delay", c.retryDelay)
				time.Sleep(c.retryDelay)
				continue
			}
			return nil, fmt.Errorf("gemini API call failed after %d retries (code %d): %w", c.maxRetries, apiErr.Code, err)
		}

		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}
	return nil, err
}

func (c *sdkClient) GenerateReply(ctx context.Context, history []database.Message) (string, error) {
	c.log.DebugContext(ctx, "Generating reply", "history_size", len(history))

	var contents []*genai.Content
	for i := range history {
		m := &history[i]
		role := genai.Role(genai.RoleUser)
		if m.Sender == database.SenderAgent {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	copyCfg := *c.baseConfig
	copyCfg.SystemInstruction = &genai.Content{
		Parts: []*genai.Part{{Text: SupportAgentInstruction}},
	}

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Reply generation failed", "error", err)
		return "", err
	}

	return c.extractTextFromResponse(ctx, resp, "generate_reply")
}

var leadIntentSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"is_lead":     {Type: genai.TypeBoolean, Description: "Whether the message shows intent to contract a credit product."},
		"confidence":  {Type: genai.TypeNumber, Description: "Confidence in the classification, 0 to 1."},
		"loan_type":   {Type: genai.TypeString, Description: "Requested product (e.g., consignado, pessoal, FGTS). Empty if unknown."},
		"amount":      {Type: genai.TypeNumber, Description: "Requested amount in BRL. Zero if not mentioned."},
		"client_type": {Type: genai.TypeString, Description: "Client category (e.g., aposentado, servidor, CLT). Empty if unknown."},
		"urgency":     {Type: genai.TypeString, Description: "Perceived urgency: low, medium, or high."},
	},
	Required: []string{"is_lead", "confidence", "urgency"},
}

func (c *sdkClient) DetectLeadIntent(ctx context.Context, text string) (*LeadIntent, error) {
	if text == "" {
		return &LeadIntent{}, nil
	}
	c.log.DebugContext(ctx, "Detecting lead intent")

	contents := []*genai.Content{
		genai.NewContentFromText(LeadAnalyzerInstruction+"\n\nMessage:\n"+text, genai.RoleUser),
	}

	copyCfg := *c.baseConfig
	copyCfg.ResponseMIMEType = "application/json"
	copyCfg.ResponseSchema = leadIntentSchema

	resp, err := c.generateContentWithRetries(ctx, contents, &copyCfg)
	if err != nil {
		c.log.ErrorContext(ctx, "Lead intent detection failed", "error", err)
		return nil, err
	}

	jsonText, err := c.extractTextFromResponse(ctx, resp, "detect_lead_intent")
	if err != nil {
		return nil, err
	}

	var intent LeadIntent
	if err := json.Unmarshal([]byte(jsonText), &intent); err != nil {
		c.log.ErrorContext(ctx, "Failed to parse lead intent JSON", "error", err, "response_text", jsonText)
		return nil, fmt.Errorf("invalid lead intent JSON received: %w", err)
	}
	return &intent, nil
}

func (c *sdkClient) extractTextFromResponse(ctx context.Context, resp *genai.GenerateContentResponse, op string) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockedReasonUnspecified {
		reason := fmt.Sprintf("%v", resp.PromptFeedback.BlockReason)
		if resp.PromptFeedback.BlockReasonMessage != "" {
			reason = resp.PromptFeedback.BlockReasonMessage
		}
		c.log.ErrorContext(ctx, "Gemini request blocked", "operation", op, "reason", reason)
		return "", fmt.Errorf("%s blocked by safety filter: %s", op, reason)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		finishReason := "unknown"
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified {
			finishReason = fmt.Sprintf("%v", resp.Candidates[0].FinishReason)
		}
		c.log.WarnContext(ctx, "Gemini response missing content", "operation", op, "finish_reason", finishReason)
		return "", fmt.Errorf("%s returned no content, finish reason: %s", op, finishReason)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("%s returned empty text", op)
	}
	return text, nil
}
