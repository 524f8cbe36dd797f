package llm

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider over the Anthropic Messages API.
type AnthropicProvider struct {
	client  *anthropic.Client
	model   string
	timeout time.Duration
}

// NewAnthropic creates an Anthropic provider with a static API key. Every
// call carries a bounded timeout; exceeding it surfaces as a transient
// failure to the caller, never as an indefinitely blocked scheduler task.
func NewAnthropic(apiKey, model string, timeout time.Duration) *AnthropicProvider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	if model == "" {
		model = "claude-sonnet-4-5"
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &AnthropicProvider{client: &client, model: model, timeout: timeout}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete sends a completion request. Judgment calls are small, so the
// non-streaming endpoint is sufficient.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &ProviderError{Provider: "anthropic", Message: err.Error()}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, &ProviderError{Provider: "anthropic", Message: "empty completion"}
	}

	return &CompletionResponse{
		Content:      sb.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		StopReason:   string(msg.StopReason),
	}, nil
}

// extractJSON strips markdown code fences and surrounding prose from a
// model response, returning the first JSON value found. Batch results are
// unstructured text; callers validate the parsed structure before trusting
// it.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
		return strings.TrimSpace(s)
	}
	// Fall back to the outermost bracket pair, keyed on whichever kind
	// opens first: an array of objects must be sliced at its own
	// brackets, not at those of its first element.
	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')
	start, closer := objStart, byte('}')
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		start, closer = arrStart, ']'
	}
	if start >= 0 {
		if end := strings.LastIndexByte(s, closer); end > start {
			return s[start : end+1]
		}
	}
	return s
}

// ExtractJSON is the exported form used by the batch pipeline's payload
// validation.
func ExtractJSON(s string) string { return extractJSON(s) }
