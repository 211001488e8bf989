package judge

import (
	"context"

	"github.com/sells-group/deep-research/internal/resilience"
	"github.com/sells-group/deep-research/pkg/gemini"
)

// Gemini is a Judge backed by the Google GenAI API.
type Gemini struct {
	client    gemini.Client
	model     string
	maxTokens int32
}

// NewGemini wraps a Gemini client as a Judge.
func NewGemini(client gemini.Client, model string, maxTokens int32) *Gemini {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Gemini{client: client, model: model, maxTokens: maxTokens}
}

// Call implements Judge.
func (g *Gemini) Call(ctx context.Context, req Request) (Result, error) {
	msgs := make([]gemini.Message, len(req.Messages))
	for i, m := range req.Messages {
		images := make([]gemini.Image, len(m.Images))
		for j, img := range m.Images {
			images[j] = gemini.Image{MIMEType: img.MediaType, Data: img.Data}
		}
		msgs[i] = gemini.Message{Role: m.Role, Text: m.Text, Images: images}
	}

	tools := make([]gemini.Tool, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = gemini.Tool{Name: t.Name, Description: t.Description, Properties: t.Properties, Required: t.Required}
	}

	maxTokens := g.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	greq := gemini.Request{
		Model:           g.model,
		System:          req.System,
		Messages:        msgs,
		Tools:           tools,
		MaxOutputTokens: maxTokens,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		greq.Temperature = &t
	}

	resp, err := g.client.Generate(ctx, greq)
	if err != nil {
		if code, ok := gemini.StatusCode(err); ok {
			return Result{}, resilience.ClassifyStatus(err, code)
		}
		return Result{}, err
	}
	resp.Usage.LogUsage(g.model, req.Phase)

	if len(resp.FunctionCalls) > 0 {
		fc := resp.FunctionCalls[0]
		args := fc.Args
		if args == nil {
			args = map[string]any{}
		}
		return Result{Kind: KindToolCall, Text: resp.Text, ToolName: fc.Name, Arguments: args}, nil
	}
	return Result{Kind: KindText, Text: resp.Text}, nil
}
