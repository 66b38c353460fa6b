package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	bareJSONPattern   = regexp.MustCompile(`(?s)\{.*\}`)
)

// ParseResponse extracts the JSON payload from a model response and sanitizes it
func ParseResponse(msg *Message) (*OcrResult, error) {
	text, ok := firstText(msg)
	if !ok {
		return nil, wrapError(CodeParse, errors.New("no text block in response"))
	}

	payload, ok := extractJSON(strings.TrimSpace(text))
	if !ok {
		return nil, wrapError(CodeParse, errors.New("no JSON object found in response"))
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, wrapError(CodeParse, fmt.Errorf("unmarshaling json: %w", err))
	}
	if raw == nil {
		return nil, wrapError(CodeParse, errors.New("response JSON is not an object"))
	}

	return sanitizeResult(raw), nil
}

func firstText(msg *Message) (string, bool) {
	if msg == nil {
		return "", false
	}
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, true
		}
	}
	return "", false
}

// extractJSON prefers a ```json fenced block and falls back to the outermost {...} span
func extractJSON(text string) (string, bool) {
	if m := fencedJSONPattern.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := bareJSONPattern.FindString(text); m != "" {
		return m, true
	}
	return "", false
}
