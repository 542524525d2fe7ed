package postcall

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"
)

const (
	summaryTemperature = 0.3
	summaryMaxTokens   = 400

	DefaultOpenAISummaryModel = "gpt-4o"
	DefaultGeminiSummaryModel = "gemini-2.0-flash"
)

const summaryPrompt = `You are an insurance verification assistant. Summarize this transcript of a call that tried to verify a customer's insurance details. Cover:
- Whether the verification succeeded.
- What insurance information was confirmed, such as policy status and whether coverage transfers to a rental. Say clearly if the office was closed or it was outside working hours.
- Any issues or notable points.
Keep it clear and concise. If the call ended abruptly, note that the other party may have disconnected or the call was ended for inactivity.`

const noSummary = "No response generated."

// OpenAISummarizer summarizes transcripts with the chat completions API.
type OpenAISummarizer struct {
	client openai.Client
	model  string
}

func NewOpenAISummarizer(apiKey, model string, opts ...option.RequestOption) *OpenAISummarizer {
	if strings.TrimSpace(model) == "" {
		model = DefaultOpenAISummaryModel
	}
	all := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAISummarizer{
		client: openai.NewClient(all...),
		model:  model,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summaryPrompt),
			openai.UserMessage(transcript),
		},
		Temperature: openai.Float(summaryTemperature),
		MaxTokens:   openai.Int(summaryMaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai summary: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return noSummary, nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// GeminiSummarizer summarizes transcripts with the Gemini API.
type GeminiSummarizer struct {
	client *genai.Client
	model  string
}

type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

func NewGeminiSummarizer(ctx context.Context, cfg GeminiConfig) (*GeminiSummarizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultGeminiSummaryModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiSummarizer{client: client, model: model}, nil
}

func (s *GeminiSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(transcript), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(summaryPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](summaryTemperature),
		MaxOutputTokens:   summaryMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("gemini summary: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return noSummary, nil
	}
	return text, nil
}
