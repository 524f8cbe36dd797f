package llm

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// BatchStatus is the state of an external batch job.
type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchEnded      BatchStatus = "ended"
)

// BatchRequest is one prompt in a batch submission.
type BatchRequest struct {
	CustomID  string
	System    string
	Prompt    string
	MaxTokens int
}

// BatchResult is the outcome of one prompt in a finished batch. Content
// is unstructured model text; the pipeline validates it structurally
// before trusting it. Err is set for per-request provider failures.
type BatchResult struct {
	CustomID string
	Content  string
	Err      string
}

// BatchClient is the narrow interface to a batch-oriented inference
// service: submit a prompt set, poll for status and results.
type BatchClient interface {
	Submit(ctx context.Context, reqs []BatchRequest) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (BatchStatus, []BatchResult, error)
}

// AnthropicBatchClient implements BatchClient over the Anthropic Message
// Batches API.
type AnthropicBatchClient struct {
	client  *anthropic.Client
	model   string
	timeout time.Duration
}

// NewAnthropicBatch creates a batch client.
func NewAnthropicBatch(apiKey, model string, timeout time.Duration) *AnthropicBatchClient {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &AnthropicBatchClient{client: &client, model: model, timeout: timeout}
}

// Submit creates a message batch and returns its job ID.
func (c *AnthropicBatchClient) Submit(ctx context.Context, reqs []BatchRequest) (string, error) {
	requests := make([]anthropic.MessageBatchNewParamsRequest, 0, len(reqs))
	for _, r := range reqs {
		maxTokens := int64(r.MaxTokens)
		if maxTokens <= 0 {
			maxTokens = 4096
		}
		params := anthropic.MessageBatchNewParamsRequestParams{
			Model:     anthropic.Model(c.model),
			MaxTokens: maxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(r.Prompt)),
			},
		}
		if r.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: r.System}}
		}
		requests = append(requests, anthropic.MessageBatchNewParamsRequest{
			CustomID: r.CustomID,
			Params:   params,
		})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	batch, err := c.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: requests})
	if err != nil {
		return "", &ProviderError{Provider: "anthropic-batch", Message: err.Error()}
	}
	return batch.ID, nil
}

// Poll checks batch status; when the batch has ended it streams and
// collects the per-request results.
func (c *AnthropicBatchClient) Poll(ctx context.Context, jobID string) (BatchStatus, []BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	batch, err := c.client.Messages.Batches.Get(ctx, jobID)
	if err != nil {
		return "", nil, &ProviderError{Provider: "anthropic-batch", Message: err.Error()}
	}
	if batch.ProcessingStatus != anthropic.MessageBatchProcessingStatusEnded {
		return BatchInProgress, nil, nil
	}

	stream := c.client.Messages.Batches.ResultsStreaming(ctx, jobID)
	var results []BatchResult
	for stream.Next() {
		entry := stream.Current()
		res := BatchResult{CustomID: entry.CustomID}
		switch entry.Result.Type {
		case "succeeded":
			for _, block := range entry.Result.Message.Content {
				if block.Type == "text" {
					res.Content += block.Text
				}
			}
		case "errored":
			res.Err = entry.Result.Error.RawJSON()
		default:
			res.Err = string(entry.Result.Type)
		}
		results = append(results, res)
	}
	if err := stream.Err(); err != nil {
		return BatchEnded, nil, &ProviderError{Provider: "anthropic-batch", Message: err.Error()}
	}
	return BatchEnded, results, nil
}
