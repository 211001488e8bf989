package judge

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deep-research/internal/resilience"
	"github.com/sells-group/deep-research/pkg/anthropic"
	"github.com/sells-group/deep-research/pkg/gemini"
)

func TestAnthropic_Text(t *testing.T) {
	client := new(mockAnthropicClient)
	j := NewAnthropic(client, "claude-haiku-4-5-20251001", 0)

	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.MaxTokens == defaultMaxTokens &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && len(req.Messages[0].Images) == 1 &&
			req.Messages[0].Images[0].MediaType == "image/png"
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: "first"}, {Type: "text", Text: "second"}},
	}, nil)

	res, err := j.Call(context.Background(), Prompt("extract", "You extract.", "hello", Image{MediaType: "image/png", Data: []byte{1}}))
	require.NoError(t, err)
	assert.Equal(t, KindText, res.Kind)
	assert.Equal(t, "first\nsecond", res.Text)
	assert.False(t, res.IsToolCall(""))
	client.AssertExpectations(t)
}

func TestAnthropic_ToolCall(t *testing.T) {
	client := new(mockAnthropicClient)
	j := NewAnthropic(client, "claude-haiku-4-5-20251001", 1024)

	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.MaxTokens == 1024 && len(req.Tools) == 1 && req.Tools[0].Name == "propose_schema"
	})).Return(&anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{
			{Type: "text", Text: "Enough detail."},
			{Type: "tool_use", Name: "propose_schema", Input: json.RawMessage(`{"criteria_summary":" road bike under 1000 "}`)},
		},
	}, nil)

	res, err := j.Call(context.Background(), Request{
		Messages: []Message{{Role: "user", Text: "road bike"}},
		Tools:    []Tool{{Name: "propose_schema"}},
	})
	require.NoError(t, err)
	assert.True(t, res.IsToolCall("propose_schema"))
	assert.False(t, res.IsToolCall("confirm_schema"))
	assert.Equal(t, "road bike under 1000", res.StringArg("criteria_summary"))
	assert.Equal(t, "", res.StringArg("missing"))
	assert.Equal(t, "Enough detail.", res.Text)
}

func TestAnthropic_PassesThroughPlainError(t *testing.T) {
	client := new(mockAnthropicClient)
	j := NewAnthropic(client, "m", 0)
	client.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("dial failed"))

	_, err := j.Call(context.Background(), Prompt("rank", "", "x"))
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestGemini_TextAndTemperature(t *testing.T) {
	client := new(mockGeminiClient)
	j := NewGemini(client, "gemini-2.5-flash", 0)

	temp := 0.2
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req gemini.Request) bool {
		return req.Model == "gemini-2.5-flash" && req.Temperature != nil &&
			req.MaxOutputTokens == defaultMaxTokens && req.System == "sys"
	})).Return(&gemini.Response{Text: "ORDER: 1"}, nil)

	res, err := j.Call(context.Background(), Request{
		System:      "sys",
		Messages:    []Message{{Role: "user", Text: "rank"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, KindText, res.Kind)
	assert.Equal(t, "ORDER: 1", res.Text)
}

func TestGemini_FunctionCall(t *testing.T) {
	client := new(mockGeminiClient)
	j := NewGemini(client, "gemini-2.5-flash", 256)

	client.On("Generate", mock.Anything, mock.Anything).Return(&gemini.Response{
		FunctionCalls: []gemini.FunctionCall{{Name: "confirm_schema"}},
	}, nil)

	res, err := j.Call(context.Background(), Prompt("interview", "", "yes"))
	require.NoError(t, err)
	assert.True(t, res.IsToolCall("confirm_schema"))
	assert.NotNil(t, res.Arguments)
}

func TestResilient_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(_ context.Context, _ Request) (Result, error) {
		if calls.Add(1) < 3 {
			return Result{}, resilience.NewTransientError(errors.New("overloaded"), 529)
		}
		return Result{Kind: KindText, Text: "ok"}, nil
	})

	j := NewResilient(inner, ResilientConfig{
		Timeout: time.Second,
		Retry:   resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	res, err := j.Call(context.Background(), Prompt("rank", "", "x"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestResilient_TimeoutIsApplied(t *testing.T) {
	inner := Func(func(ctx context.Context, _ Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	})

	j := NewResilient(inner, ResilientConfig{
		Timeout: 5 * time.Millisecond,
		Retry:   resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	_, err := j.Call(context.Background(), Prompt("extract", "", "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResilient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(_ context.Context, _ Request) (Result, error) {
		calls.Add(1)
		return Result{}, resilience.NewTransientError(errors.New("unavailable"), 503)
	})

	j := NewResilient(inner, ResilientConfig{
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	})
	for i := 0; i < 2; i++ {
		_, err := j.Call(context.Background(), Prompt("rank", "", "x"))
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, j.BreakerState())

	_, err := j.Call(context.Background(), Prompt("rank", "", "x"))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestResilient_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	inner := Func(func(_ context.Context, _ Request) (Result, error) {
		calls.Add(1)
		return Result{}, errors.New("bad request")
	})
	j := NewResilient(inner, ResilientConfig{Retry: resilience.RetryConfig{MaxAttempts: 3}})
	_, err := j.Call(context.Background(), Prompt("rank", "", "x"))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, resilience.CircuitClosed, j.BreakerState())
}

func TestParseObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    map[string]any
		wantErr bool
	}{
		{"plain", `{"cpu":"M1"}`, map[string]any{"cpu": "M1"}, false},
		{"fenced", "```json\n{\"cpu\":\"M1\"}\n```", map[string]any{"cpu": "M1"}, false},
		{"bare fence", "```\n{\"a\":1}\n```", map[string]any{"a": float64(1)}, false},
		{"prose", `Here you go: {"a": true} hope it helps`, map[string]any{"a": true}, false},
		{"empty", "   ", nil, true},
		{"not json", "no object here", nil, true},
		{"null", "null", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseObject(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeObject_Struct(t *testing.T) {
	var out struct {
		Score int    `json:"score"`
		Note  string `json:"note"`
	}
	require.NoError(t, DecodeObject("```json\n{\"score\": 73, \"note\": \"ok\"}\n```", &out))
	assert.Equal(t, 73, out.Score)
	assert.Equal(t, "ok", out.Note)
}
