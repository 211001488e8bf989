package anthropic

import (
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSDKMessages_Roles(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi there"},
		{Role: "", Content: "defaults to user"},
	}

	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMsgs[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, sdkMsgs[1].Role)
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMsgs[2].Role)
}

func TestToSDKMessages_ImagesPrecedeText(t *testing.T) {
	msgs := []Message{{
		Role:    "user",
		Content: "Describe the lot",
		Images:  []Image{{Data: []byte{0xff, 0xd8}}},
	}}

	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 1)
	require.Len(t, sdkMsgs[0].Content, 2)
	require.NotNil(t, sdkMsgs[0].Content[0].OfImage)
	require.NotNil(t, sdkMsgs[0].Content[1].OfText)
	assert.Equal(t, "Describe the lot", sdkMsgs[0].Content[1].OfText.Text)
}

func TestToSDKSystemBlocks(t *testing.T) {
	blocks := []SystemBlock{
		{Text: "You compare listings."},
		{Text: "Schema fields here.", CacheControl: &CacheControl{TTL: "1h"}},
	}

	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 2)
	assert.Equal(t, "You compare listings.", sdkBlocks[0].Text)
	assert.Equal(t, "Schema fields here.", sdkBlocks[1].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("1h"), sdkBlocks[1].CacheControl.TTL)
}

func TestToSDKTools(t *testing.T) {
	tools := toSDKTools([]Tool{
		{
			Name:        "propose_schema",
			Description: "Propose an extraction schema",
			Properties:  map[string]any{"criteria_summary": map[string]any{"type": "string"}},
			Required:    []string{"criteria_summary"},
		},
		{Name: "confirm_schema"},
	})

	require.Len(t, tools, 2)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "propose_schema", tools[0].OfTool.Name)
	assert.Equal(t, []string{"criteria_summary"}, tools[0].OfTool.InputSchema.Required)
	require.NotNil(t, tools[1].OfTool)
	assert.Equal(t, map[string]any{}, tools[1].OfTool.InputSchema.Properties)
}

func TestBuildCachedSystemBlocks(t *testing.T) {
	blocks := BuildCachedSystemBlocks("You extract listing fields.", "")
	require.Len(t, blocks, 1)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "5m", blocks[0].CacheControl.TTL)

	blocks = BuildCachedSystemBlocks("x", "1h")
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)

	assert.Nil(t, BuildCachedSystemBlocks("", "1h"))
}

func TestFromSDKMessage_ToolUse(t *testing.T) {
	var msg sdk.Message
	require.NoError(t, json.Unmarshal([]byte(`{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5-20250929",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "Proposing a schema."},
			{"type": "tool_use", "id": "toolu_1", "name": "propose_schema", "input": {"criteria_summary": "gaming laptop"}}
		],
		"usage": {"input_tokens": 12, "output_tokens": 7}
	}`), &msg))

	resp := fromSDKMessage(&msg)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "text", resp.Content[0].Type)
	assert.Equal(t, "Proposing a schema.", resp.Content[0].Text)
	assert.Equal(t, "tool_use", resp.Content[1].Type)
	assert.Equal(t, "propose_schema", resp.Content[1].Name)
	assert.JSONEq(t, `{"criteria_summary": "gaming laptop"}`, string(resp.Content[1].Input))
	assert.Equal(t, "tool_use", resp.StopReason)
	assert.Equal(t, int64(12), resp.Usage.InputTokens)
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage TokenUsage
		want  float64
	}{
		{"haiku", "claude-haiku-4-5-20251001", TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 6.00},
		{"sonnet", "claude-sonnet-4-5-20250929", TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}, 18.00},
		// 0.5*3 + 0.1*15 + 0.2*3*1.25 + 0.3*3*0.1
		{"sonnet with cache", "claude-sonnet-4-5-20250929", TokenUsage{
			InputTokens:              500_000,
			OutputTokens:             100_000,
			CacheCreationInputTokens: 200_000,
			CacheReadInputTokens:     300_000,
		}, 3.84},
		{"unknown model", "unknown-model", TokenUsage{InputTokens: 1_000_000}, 0},
		{"zero tokens", "claude-haiku-4-5-20251001", TokenUsage{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.usage.EstimateCost(tt.model), 0.001)
		})
	}
}

func TestLogCost_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		TokenUsage{InputTokens: 100, OutputTokens: 50}.LogCost("claude-haiku-4-5-20251001", "extract")
		TokenUsage{}.LogCost("unknown-model", "rank")
	})
}
