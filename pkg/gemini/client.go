// Package gemini wraps the Google GenAI SDK behind a small request/response
// surface used by the judge.
package gemini

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Client defines the Gemini operations used by the judge.
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is a single generate-content call.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	Tools           []Tool
	Temperature     *float32
	MaxOutputTokens int32
}

// Message is one conversational turn. Role is "user" or "model".
type Message struct {
	Role   string
	Text   string
	Images []Image
}

// Image is inline image bytes with their MIME type.
type Image struct {
	MIMEType string
	Data     []byte
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// FunctionCall is a function invocation returned by the model.
type FunctionCall struct {
	Name string
	Args map[string]any
}

// Response is the parsed result of a generate-content call.
type Response struct {
	Text          string
	FunctionCalls []FunctionCall
	Usage         Usage
}

// Usage tracks token consumption reported by the API.
type Usage struct {
	PromptTokens     int32
	CandidatesTokens int32
}

// LogUsage logs token usage with structured zap fields.
func (u Usage) LogUsage(model, phase string) {
	zap.L().Info("cost attribution",
		zap.String("model", model),
		zap.String("phase", phase),
		zap.Int32("input_tokens", u.PromptTokens),
		zap.Int32("output_tokens", u.CandidatesTokens),
	)
}

// StatusCode extracts the HTTP status code of an API error.
func StatusCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code, true
	}
	return 0, false
}

// generator is the subset of *genai.Models the client calls.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type sdkClient struct {
	models generator
}

// NewClient creates a Gemini API client.
func NewClient(ctx context.Context, apiKey string) (Client, error) {
	if apiKey == "" {
		return nil, eris.New("gemini: api key is required")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{models: c.Models}, nil
}

func (c *sdkClient) Generate(ctx context.Context, req Request) (*Response, error) {
	config := &genai.GenerateContentConfig{
		Temperature: req.Temperature,
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		config.Tools = toSDKTools(req.Tools)
	}

	resp, err := c.models.GenerateContent(ctx, req.Model, toSDKContents(req.Messages), config)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: generate content")
	}
	return fromSDKResponse(resp), nil
}

func toSDKContents(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		parts := make([]*genai.Part, 0, len(m.Images)+1)
		for _, img := range m.Images {
			mime := img.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			parts = append(parts, genai.NewPartFromBytes(img.Data, mime))
		}
		parts = append(parts, genai.NewPartFromText(m.Text))

		var role genai.Role = genai.RoleUser
		if m.Role == "model" || m.Role == "assistant" {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return out
}

func toSDKTools(tools []Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		props := t.Properties
		if props == nil {
			props = map[string]any{}
		}
		params := map[string]any{
			"type":       "object",
			"properties": props,
		}
		if len(t.Required) > 0 {
			params["required"] = t.Required
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func fromSDKResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{}
	if resp == nil {
		return out
	}
	out.Text = resp.Text()
	for _, fc := range resp.FunctionCalls() {
		if fc == nil {
			continue
		}
		out.FunctionCalls = append(out.FunctionCalls, FunctionCall{Name: fc.Name, Args: fc.Args})
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CandidatesTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}
