package judge

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/deep-research/internal/resilience"
	"github.com/sells-group/deep-research/pkg/anthropic"
)

const defaultMaxTokens = 2048

// Anthropic is a Judge backed by the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic wraps an Anthropic client as a Judge.
func NewAnthropic(client anthropic.Client, model string, maxTokens int64) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{client: client, model: model, maxTokens: maxTokens}
}

// Call implements Judge.
func (a *Anthropic) Call(ctx context.Context, req Request) (Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	msgs := make([]anthropic.Message, len(req.Messages))
	for i, m := range req.Messages {
		images := make([]anthropic.Image, len(m.Images))
		for j, img := range m.Images {
			images[j] = anthropic.Image{MediaType: img.MediaType, Data: img.Data}
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		msgs[i] = anthropic.Message{Role: role, Content: m.Text, Images: images}
	}

	tools := make([]anthropic.Tool, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = anthropic.Tool{Name: t.Name, Description: t.Description, Properties: t.Properties, Required: t.Required}
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(req.System, ""),
		Messages:    msgs,
		Tools:       tools,
		Temperature: req.Temperature,
	})
	if err != nil {
		if code, ok := anthropic.StatusCode(err); ok {
			return Result{}, resilience.ClassifyStatus(err, code)
		}
		return Result{}, err
	}
	resp.Usage.LogCost(a.model, req.Phase)

	var texts []string
	for _, block := range resp.Content {
		if block.Type == "tool_use" {
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					zap.L().Warn("judge: undecodable tool input",
						zap.String("tool", block.Name),
						zap.Error(err),
					)
				}
			}
			return Result{
				Kind:      KindToolCall,
				Text:      strings.Join(texts, "\n"),
				ToolName:  block.Name,
				Arguments: args,
			}, nil
		}
		if block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	return Result{Kind: KindText, Text: strings.Join(texts, "\n")}, nil
}
