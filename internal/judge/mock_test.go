package judge

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/deep-research/pkg/anthropic"
	"github.com/sells-group/deep-research/pkg/gemini"
)

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

type mockGeminiClient struct {
	mock.Mock
}

func (m *mockGeminiClient) Generate(ctx context.Context, req gemini.Request) (*gemini.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gemini.Response), args.Error(1)
}
