package judge

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// DecodeObject decodes the JSON object embedded in a judge answer into v.
func DecodeObject(text string, v any) error {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return eris.New("judge: empty answer")
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return eris.Wrap(err, "judge: decode json answer")
	}
	return nil
}

// ParseObject decodes the JSON object embedded in a judge answer.
func ParseObject(text string) (map[string]any, error) {
	var out map[string]any
	if err := DecodeObject(text, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, eris.New("judge: answer is not a json object")
	}
	return out, nil
}
