// Package judge defines the language-model capability used by every stage of
// the research engine. Transports return a typed Result so callers never parse
// tool invocations out of free text.
package judge

import (
	"context"
	"strings"
)

// Kind discriminates a judge Result.
type Kind string

const (
	// KindText is a plain text answer.
	KindText Kind = "text"
	// KindToolCall is a structured tool invocation.
	KindToolCall Kind = "tool_call"
)

// Image is inline image content sent alongside text.
type Image struct {
	MediaType string
	Data      []byte
}

// Message is one conversational turn. Role is "user" or "assistant".
type Message struct {
	Role   string
	Text   string
	Images []Image
}

// Tool declares an action the judge may invoke instead of answering in text.
type Tool struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Request is a single judge call.
type Request struct {
	// Phase labels the call in logs and cost attribution.
	Phase       string
	System      string
	Messages    []Message
	Tools       []Tool
	MaxTokens   int64
	Temperature *float64
}

// Result is either text or a tool call.
type Result struct {
	Kind      Kind
	Text      string
	ToolName  string
	Arguments map[string]any
}

// IsToolCall reports whether the judge invoked the named tool. An empty name
// matches any tool.
func (r Result) IsToolCall(name string) bool {
	return r.Kind == KindToolCall && (name == "" || r.ToolName == name)
}

// StringArg returns a trimmed string argument of a tool call.
func (r Result) StringArg(key string) string {
	v, ok := r.Arguments[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// Judge is the injected language-model capability.
type Judge interface {
	Call(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Judge interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Call implements Judge.
func (f Func) Call(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Prompt builds a single-turn request.
func Prompt(phase, system, text string, images ...Image) Request {
	return Request{
		Phase:    phase,
		System:   system,
		Messages: []Message{{Role: "user", Text: text, Images: images}},
	}
}
