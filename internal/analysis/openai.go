package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/joss/comply/internal/logging"
)

// OpenAI analyzes content with an OpenAI-compatible chat completion API.
type OpenAI struct {
	client *openai.Client
	model  string
	log    *logging.Logger
}

// NewOpenAI creates a client. Empty apiKey and baseURL fall back to
// OPENAI_API_KEY and OPENAI_BASE_URL.
func NewOpenAI(apiKey, baseURL, model string) (*OpenAI, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("analysis: OPENAI_API_KEY is not set")
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if model == "" {
		model = openai.GPT4oMini
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		log:    logging.New("analysis"),
	}, nil
}

// Analyze sends the content (and image, if any) and parses the verdict.
func (o *OpenAI) Analyze(ctx context.Context, in Input) (*Response, error) {
	start := time.Now()

	user := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	if in.Image != nil {
		user.MultiContent = []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: userPrompt(in)},
			{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    in.Image.DataURL(),
					Detail: openai.ImageURLDetailAuto,
				},
			},
		}
	} else {
		user.Content = userPrompt(in)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			user,
		},
		Temperature:    0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		o.log.TimedEvent("analyze", start, map[string]interface{}{"model": o.model}, err)
		return nil, fmt.Errorf("analysis request: %w", err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("%w: no choices returned", ErrMalformed)
		o.log.TimedEvent("analyze", start, map[string]interface{}{"model": o.model}, err)
		return nil, err
	}

	out, err := Parse(resp.Choices[0].Message.Content)
	o.log.TimedEvent("analyze", start, map[string]interface{}{
		"model":         o.model,
		"prompt_tokens": resp.Usage.PromptTokens,
		"output_tokens": resp.Usage.CompletionTokens,
	}, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

var _ Analyzer = (*OpenAI)(nil)
