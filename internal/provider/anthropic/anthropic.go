package anthropic

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mtzanidakis/batchchain/internal/gateway"
)

// batchDiscount is the price factor of the Message Batches API relative to
// synchronous calls.
const batchDiscount = 0.5

// modelPricing holds {input, output} USD per million tokens, keyed by
// model prefix.
var modelPricing = map[string][2]float64{
	"claude-haiku-4-5":  {1.00, 5.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-opus-4":     {15.00, 75.00},
}

// Usage is the token consumption of one batch item.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// EstimateCost returns the batch-priced cost in USD, or 0 for unknown models.
func (u Usage) EstimateCost(model string) float64 {
	pricing, ok := lookupPricing(model)
	if !ok {
		return 0
	}
	in := float64(u.InputTokens) / 1e6 * pricing[0]
	out := float64(u.OutputTokens) / 1e6 * pricing[1]
	cacheWrite := float64(u.CacheCreationInputTokens) / 1e6 * pricing[0] * 1.25
	cacheRead := float64(u.CacheReadInputTokens) / 1e6 * pricing[0] * 0.1
	return (in + out + cacheWrite + cacheRead) * batchDiscount
}

func lookupPricing(model string) ([2]float64, bool) {
	best := ""
	for prefix := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return [2]float64{}, false
	}
	return modelPricing[best], true
}

// Provider submits batches to the Anthropic Message Batches API.
type Provider struct {
	name      string
	client    sdk.Client
	maxTokens int64
}

// New creates a provider. baseURL may be empty for the public API.
func New(name, apiKey, baseURL string, maxTokens int64) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Provider{
		name:      name,
		client:    sdk.NewClient(opts...),
		maxTokens: maxTokens,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Submit(ctx context.Context, reqs []gateway.Request) (string, error) {
	items := make([]sdk.MessageBatchNewParamsRequest, len(reqs))
	for i, r := range reqs {
		maxTokens := r.MaxTokens
		if maxTokens <= 0 {
			maxTokens = p.maxTokens
		}
		items[i] = sdk.MessageBatchNewParamsRequest{
			CustomID: r.CorrelationID,
			Params: sdk.MessageBatchNewParamsRequestParams{
				Model:     sdk.Model(r.Model),
				MaxTokens: maxTokens,
				Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(r.Prompt))},
			},
		}
		if r.SystemPrompt != "" {
			items[i].Params.System = []sdk.TextBlockParam{{Text: r.SystemPrompt}}
		}
	}

	batch, err := p.client.Messages.Batches.New(ctx, sdk.MessageBatchNewParams{Requests: items})
	if err != nil {
		return "", fmt.Errorf("anthropic: create batch: %w", err)
	}
	return batch.ID, nil
}

func (p *Provider) Check(ctx context.Context, batchID string) (gateway.BatchStatus, error) {
	batch, err := p.client.Messages.Batches.Get(ctx, batchID)
	if err != nil {
		return gateway.BatchStatus{}, fmt.Errorf("anthropic: get batch %s: %w", batchID, err)
	}
	c := batch.RequestCounts
	return lifecycle(string(batch.ProcessingStatus), c.Processing, c.Succeeded, c.Errored, c.Canceled, c.Expired), nil
}

// lifecycle maps a processing status and request counts onto the gateway
// lifecycle. An ended batch in which every request expired is expired, one
// in which every request was canceled is failed.
func lifecycle(status string, processing, succeeded, errored, canceled, expired int64) gateway.BatchStatus {
	done := succeeded + errored + canceled + expired
	st := gateway.BatchStatus{
		Progress: gateway.Progress{Done: int(done), Total: int(done + processing)},
	}
	switch status {
	case "ended":
		switch {
		case done > 0 && expired == done:
			st.Status = gateway.StatusExpired
		case done > 0 && canceled == done:
			st.Status = gateway.StatusFailed
		default:
			st.Status = gateway.StatusCompleted
		}
	case "in_progress", "canceling":
		st.Status = gateway.StatusRunning
	default:
		st.Status = gateway.StatusSubmitted
	}
	return st
}

func (p *Provider) Retrieve(ctx context.Context, batchID string) ([]gateway.Result, error) {
	stream := p.client.Messages.Batches.ResultsStreaming(ctx, batchID)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: get batch results %s: %w", batchID, err)
	}
	defer stream.Close() //nolint:errcheck

	var results []gateway.Result
	for stream.Next() {
		resp := stream.Current()
		res := gateway.Result{CorrelationID: resp.CustomID}
		switch resp.Result.Type {
		case "succeeded":
			msg := resp.Result.Message
			res.Model = string(msg.Model)
			res.Content = messageText(msg.Content)
			res.Cost = Usage{
				InputTokens:              msg.Usage.InputTokens,
				OutputTokens:             msg.Usage.OutputTokens,
				CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
				CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
			}.EstimateCost(res.Model)
		default:
			res.Error = "request " + resp.Result.Type
		}
		results = append(results, res)
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: get batch results %s: %w", batchID, err)
	}
	return results, nil
}

func messageText(blocks []sdk.ContentBlockUnion) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
