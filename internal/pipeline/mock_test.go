package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/opportunity-radar/pkg/anthropic"
)

// mockAI is a testify mock for the completion client.
type mockAI struct {
	mock.Mock
}

func (m *mockAI) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// textResponse builds a single-text-block response with the given usage.
func textResponse(text string, in, out int64) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}
