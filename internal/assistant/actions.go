package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/replydesk/internal/kb"
)

// Tool is an action the model can ask the pipeline to run.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds the tools offered to the model.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Definitions lists the registered tools, sorted by name.
func (r *Registry) Definitions() []ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDef{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one action and returns the text handed back to the model.
// Failures are reported to the model as JSON errors rather than aborting
// the conversation.
func (r *Registry) Execute(ctx context.Context, a Action) string {
	r.mu.RLock()
	t, ok := r.tools[a.Name]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("assistant: unknown action requested", "action", a.Name)
		return errorJSON("unknown action: " + a.Name)
	}

	out, err := t.Execute(ctx, a.Args)
	if err != nil {
		slog.Warn("assistant: action failed", "action", a.Name, "error", err)
		return errorJSON(err.Error())
	}
	return out
}

func errorJSON(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

// Searcher is the knowledge-base query used by the pipeline and its tools.
type Searcher interface {
	Search(ctx context.Context, query string) ([]kb.SearchResult, string, error)
}

// KnowledgeSearchTool lets the model run its own follow-up knowledge-base
// query when the context retrieved for the user's message is not enough.
type KnowledgeSearchTool struct {
	searcher Searcher
}

func NewKnowledgeSearchTool(s Searcher) *KnowledgeSearchTool {
	return &KnowledgeSearchTool{searcher: s}
}

func (t *KnowledgeSearchTool) Name() string { return "search_knowledge_base" }

func (t *KnowledgeSearchTool) Description() string {
	return "Search the company knowledge base for prices, branches, schedules and policies."
}

func (t *KnowledgeSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to look for, in the user's language.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *KnowledgeSearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}

	results, _, err := t.searcher.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No matching documents.", nil
	}
	return kb.FormatContext(results), nil
}
