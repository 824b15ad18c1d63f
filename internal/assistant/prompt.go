package assistant

import (
	"fmt"
	"os"
	"strings"

	"github.com/nextlevelbuilder/replydesk/internal/config"
)

const defaultSystemPrompt = `You are the customer support assistant of the company.
Answer briefly and politely in the language the customer writes in.
Use only the facts from the knowledge base context you are given or can search for.
If the answer is not there, say so and offer to pass the question to a manager.`

// LoadSystemPrompt returns the configured prompt. A prompt file wins over
// the inline prompt; neither falls back to the built-in default.
func LoadSystemPrompt(cfg config.AssistantConfig) (string, error) {
	if cfg.SystemPromptFile != "" {
		data, err := os.ReadFile(config.ExpandHome(cfg.SystemPromptFile))
		if err != nil {
			return "", fmt.Errorf("read system prompt: %w", err)
		}
		if p := strings.TrimSpace(string(data)); p != "" {
			return p, nil
		}
	}
	if p := strings.TrimSpace(cfg.SystemPrompt); p != "" {
		return p, nil
	}
	return defaultSystemPrompt, nil
}
