package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/resilience"
)

// Client defines the Anthropic API operations used by the pipeline.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is one Messages API call.
type MessageRequest struct {
	Model     string
	MaxTokens int64
	System    []SystemBlock
	Messages  []Message
}

// SystemBlock is a system prompt block. A block with CacheControl set is
// written to the prompt cache.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl sets the prompt cache lifetime: "5m" or "1h".
type CacheControl struct {
	TTL string
}

// Message is one turn sent to the model. Role is "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// MessageResponse is the part of a Messages API reply the pipeline reads.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// StopMaxTokens is the stop reason of a reply cut off by MaxTokens.
const StopMaxTokens = "max_tokens"

// Text joins the response's text blocks.
func (r *MessageResponse) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Truncated reports whether the reply hit the token limit.
func (r *MessageResponse) Truncated() bool {
	return r.StopReason == StopMaxTokens
}

// ContentBlock is one block of a reply.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage counts the tokens one call consumed.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// Pricing is a model's list price in USD per million tokens.
type Pricing struct {
	Input  float64
	Output float64
}

// Cache writes bill at 1.25x input and cache reads at 0.1x input.
const (
	cacheWriteMultiplier = 1.25
	cacheReadMultiplier  = 0.1
)

// pricing is keyed by model family; dated snapshot IDs match their family.
var pricing = map[string]Pricing{
	"claude-haiku-4-5":  {Input: 1.00, Output: 5.00},
	"claude-sonnet-4-5": {Input: 3.00, Output: 15.00},
}

// PricingFor returns the price of model, matching a dated snapshot ID such
// as claude-haiku-4-5-20251001 to its family.
func PricingFor(model string) (Pricing, bool) {
	for family, p := range pricing {
		if model == family || strings.HasPrefix(model, family+"-") {
			return p, true
		}
	}
	return Pricing{}, false
}

// EstimateCost returns the estimated USD cost of u on model, or 0 for a
// model without a known price.
func (u TokenUsage) EstimateCost(model string) float64 {
	p, ok := PricingFor(model)
	if !ok {
		return 0
	}
	perTok := func(n int64, price float64) float64 { return float64(n) / 1e6 * price }
	return perTok(u.InputTokens, p.Input) +
		perTok(u.OutputTokens, p.Output) +
		perTok(u.CacheCreationInputTokens, p.Input*cacheWriteMultiplier) +
		perTok(u.CacheReadInputTokens, p.Input*cacheReadMultiplier)
}

// LogCost logs one call's token usage and estimated cost against the stage
// that made it.
func (u TokenUsage) LogCost(model, stage string) {
	fields := []zap.Field{
		zap.String("model", model),
		zap.String("stage", stage),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
		zap.Int64("cache_write_tokens", u.CacheCreationInputTokens),
		zap.Int64("cache_read_tokens", u.CacheReadInputTokens),
	}
	if _, ok := PricingFor(model); ok {
		fields = append(fields, zap.Float64("estimated_cost_usd", u.EstimateCost(model)))
	}
	zap.L().Info("anthropic: usage", fields...)
}

// sdkClient implements Client using the official anthropic-sdk-go.
type sdkClient struct {
	client sdk.Client
}

// NewClient creates a new Anthropic client backed by the SDK. The SDK's own
// retries are disabled; callers retry through the stage policy.
func NewClient(apiKey string, opts ...option.RequestOption) Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &sdkClient{
		client: sdk.NewClient(append(base, opts...)...),
	}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  toSDKMessages(req.Messages),
	}

	if len(req.System) > 0 {
		params.System = toSDKSystemBlocks(req.System)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAPIError(err, "anthropic: create message")
	}

	return fromSDKMessage(msg), nil
}

// wrapAPIError marks gateway failures as transient. Rate limits (429) and
// overload responses stay permanent.
func wrapAPIError(err error, msg string) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
		return resilience.NewTransientError(eris.Wrap(err, msg), apiErr.StatusCode)
	}
	return eris.Wrap(err, msg)
}

// --- SDK type conversion helpers ---

func toSDKMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, len(msgs))
	for i, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case "assistant":
			out[i] = sdk.NewAssistantMessage(block)
		default:
			out[i] = sdk.NewUserMessage(block)
		}
	}
	return out
}

func toSDKSystemBlocks(blocks []SystemBlock) []sdk.TextBlockParam {
	out := make([]sdk.TextBlockParam, len(blocks))
	for i, b := range blocks {
		out[i] = sdk.TextBlockParam{
			Text: b.Text,
		}
		if b.CacheControl != nil {
			cc := sdk.NewCacheControlEphemeralParam()
			if b.CacheControl.TTL != "" {
				cc.TTL = sdk.CacheControlEphemeralTTL(b.CacheControl.TTL)
			}
			out[i].CacheControl = cc
		}
	}
	return out
}

func fromSDKMessage(msg *sdk.Message) *MessageResponse {
	blocks := make([]ContentBlock, 0, len(msg.Content))
	for _, b := range msg.Content {
		blocks = append(blocks, ContentBlock{
			Type: b.Type,
			Text: b.Text,
		})
	}

	return &MessageResponse{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Content:    blocks,
		StopReason: string(msg.StopReason),
		Usage: TokenUsage{
			InputTokens:              msg.Usage.InputTokens,
			OutputTokens:             msg.Usage.OutputTokens,
			CacheCreationInputTokens: msg.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     msg.Usage.CacheReadInputTokens,
		},
	}
}
