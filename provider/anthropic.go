package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"swarmq/log"
)

// Anthropic runs prompts against the Anthropic messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(creds Credentials) (*Anthropic, error) {
	if creds.APIKey == "" {
		return nil, NewError(CodeUnauthenticated, "anthropic api key is required", nil)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(creds.APIKey),
	}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}

	model := creds.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250514"
	}

	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (p *Anthropic) ID() string {
	return "anthropic"
}

// Invoke sends the prompt as a single user message and concatenates the text
// blocks of the response.
func (p *Anthropic) Invoke(ctx context.Context, prompt string, meta Meta) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: 8192,
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(prompt),
				},
			},
		},
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropic(err)
	}

	log.DebugLog.Printf("anthropic completion for run %s: %d input tokens, %d output tokens",
		meta.RunID, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return out.String(), nil
}

func classifyAnthropic(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(CodeTransport, "anthropic request interrupted", err)
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return NewError(classifyStatus(apierr.StatusCode), "anthropic request failed", err)
	}
	return NewError(CodeTransport, "anthropic request failed", err)
}
