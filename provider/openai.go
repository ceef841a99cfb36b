package provider

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"swarmq/log"
)

// Credentials configures an SDK-backed provider.
type Credentials struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI runs prompts against the OpenAI chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(creds Credentials) (*OpenAI, error) {
	if creds.APIKey == "" {
		return nil, NewError(CodeUnauthenticated, "openai api key is required", nil)
	}

	opts := []option.RequestOption{
		option.WithAPIKey(creds.APIKey),
	}
	if creds.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(creds.BaseURL))
	}

	model := creds.Model
	if model == "" {
		model = "gpt-4o"
	}

	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  model,
	}, nil
}

func (p *OpenAI) ID() string {
	return "openai"
}

// Invoke sends the prompt as a single user message and returns the first
// choice. SDK errors come back classified for failover routing.
func (p *OpenAI) Invoke(ctx context.Context, prompt string, meta Meta) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAI(err)
	}

	if len(resp.Choices) == 0 {
		return "", NewError(CodeInternal, "openai returned no choices", nil)
	}

	log.DebugLog.Printf("openai completion for run %s: %d prompt tokens, %d completion tokens",
		meta.RunID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAI(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewError(CodeTransport, "openai request interrupted", err)
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return NewError(classifyStatus(apierr.StatusCode), "openai request failed", err)
	}
	return NewError(CodeTransport, "openai request failed", err)
}

// classifyStatus maps an HTTP status to a failure code. Shared by both
// SDK-backed providers since the status conventions match.
func classifyStatus(status int) FailureCode {
	switch {
	case status == 401 || status == 403:
		return CodeUnauthenticated
	case status == 429:
		return CodeQuotaExceeded
	case status == 400 || status == 404 || status == 422:
		return CodeUnsupported
	case status >= 500:
		return CodeTransport
	default:
		return CodeInternal
	}
}
