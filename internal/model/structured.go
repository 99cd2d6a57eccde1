package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Structured invokes the gateway in JSON mode and decodes the response
// into out. Providers that ignore JSON mode often wrap the object in a
// markdown fence, so fences are stripped before decoding.
func Structured(ctx context.Context, gw Gateway, messages []PromptMessage, out any) error {
	resp, err := gw.Invoke(ctx, messages, WithJSONMode())
	if err != nil {
		return err
	}

	payload := stripFences(resp.Content)
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("decoding structured response: %w", err)
	}
	return nil
}

// stripFences removes a surrounding ```json ... ``` fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
