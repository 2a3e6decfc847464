package anthropic

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/opportunity-radar/internal/resilience"
)

// Client defines the Anthropic API operations used by the pipeline.
type Client interface {
	CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error)
}

// MessageRequest is our own request type for CreateMessage.
type MessageRequest struct {
	Model       string
	MaxTokens   int64
	System      string
	Messages    []Message
	Temperature *float64
}

// Message represents a single conversational message.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// MessageResponse is our own response type from CreateMessage.
type MessageResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string
	Usage      TokenUsage
}

// ContentBlock represents a block of content in a response.
type ContentBlock struct {
	Type string
	Text string
}

// TokenUsage tracks token consumption for one request.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Text concatenates the text blocks of a response.
func (r *MessageResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// StatusCode returns the HTTP status of an API error, or 0 when err is not an
// API error (network failures, context cancellation, etc.).
func StatusCode(err error) int {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode
	}
	return 0
}

// IsAuthError reports whether err is a credential rejection.
func IsAuthError(err error) bool { return StatusCode(err) == 401 }

// IsRateLimited reports whether err is provider throttling.
func IsRateLimited(err error) bool { return StatusCode(err) == 429 }

// retryable reports whether a failed request is worth another attempt.
// Auth rejections and rate limits are definitive answers the pipeline
// surfaces to the operator, so only server-side errors and network blips
// qualify.
func retryable(err error) bool {
	switch code := StatusCode(err); {
	case code == 529:
		return true
	case code >= 500 && code < 600:
		return true
	case code != 0:
		return false
	}
	return resilience.IsTransient(err)
}

// sdkClient implements Client using the official anthropic-sdk-go, with a
// client-side request throttle so batch loops stay under provider limits.
type sdkClient struct {
	client  sdk.Client
	limiter *rate.Limiter
	retry   resilience.Policy
}

// NewClient creates a new Anthropic client backed by the SDK. requestsPerMin
// bounds the client-side request rate; zero disables throttling.
func NewClient(apiKey string, requestsPerMin int) Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requestsPerMin > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMin)/60.0), requestsPerMin)
	}

	policy := resilience.DefaultPolicy()
	policy.ShouldRetry = retryable
	policy.OnRetry = resilience.LogRetries("anthropic.create_message")

	return &sdkClient{
		client: sdk.NewClient(
			option.WithAPIKey(apiKey),
		),
		limiter: limiter,
		retry:   policy,
	}
}

func (c *sdkClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: req.MaxTokens,
		Messages:  toSDKMessages(req.Messages),
	}

	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}

	msg, err := resilience.Do(ctx, c.retry, func(ctx context.Context) (*sdk.Message, error) {
		// Re-acquire the throttle on every attempt so retries stay under
		// the provider request budget too.
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}

	return fromSDKMessage(msg), nil
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
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
}
