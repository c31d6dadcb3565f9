package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider implements Provider on the Google GenAI SDK.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{client: client, model: cfg.Model}, nil
}

// Model returns the configured model name.
func (p *GeminiProvider) Model() string { return p.model }

// Complete sends a prompt with no system instruction.
func (p *GeminiProvider) Complete(ctx context.Context, prompt string) (*Completion, error) {
	return p.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system instruction. Responses are
// requested as JSON since every caller goes through the structured gateway.
func (p *GeminiProvider) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.1)),
		ResponseMIMEType: "application/json",
	}
	if systemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	// Thinking models count reasoning against the output budget; capping
	// MaxOutputTokens there truncates answers mid-thought, so only cap
	// non-thinking models.
	if !modelBudgetsReasoning(p.model) {
		config.MaxOutputTokens = 8192
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(userPrompt), config)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty completion from %s", p.model)
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount) + int(resp.UsageMetadata.ThoughtsTokenCount)
		usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return &Completion{Text: text, Usage: usage}, nil
}

// modelBudgetsReasoning reports whether the model's token budget includes
// reasoning tokens.
func modelBudgetsReasoning(model string) bool {
	return strings.HasPrefix(model, "gemini-2.5") || strings.HasPrefix(model, "gemini-3")
}
