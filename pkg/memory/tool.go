package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/kera/pkg/toolexec"
)

// SearchTool exposes the store to the model as a memory_search tool.
// Like every tool it passes through the firewall before execution.
func SearchTool(searcher Searcher) toolexec.Definition {
	return toolexec.Definition{
		Name:        "memory_search",
		Description: "Search remembered notes by keyword and return ranked snippets",
		Parameters: []toolexec.Parameter{
			{Name: "query", Type: "string", Description: "Keyword query", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum number of results", Default: 5},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			query, _ := args["query"].(string)
			limit := 5
			if v, ok := args["limit"].(float64); ok {
				limit = int(v)
			}

			results, err := searcher.Search(ctx, query, limit)
			if err != nil {
				return "", fmt.Errorf("memory search failed: %w", err)
			}
			if len(results) == 0 {
				return "no results", nil
			}

			out, err := json.Marshal(results)
			if err != nil {
				return "", fmt.Errorf("failed to encode results: %w", err)
			}
			return string(out), nil
		},
	}
}

// RememberTool lets the model store a note for later retrieval.
func RememberTool(store *Store) toolexec.Definition {
	return toolexec.Definition{
		Name:        "memory_remember",
		Description: "Store a note in memory for later keyword search",
		Parameters: []toolexec.Parameter{
			{Name: "content", Type: "string", Description: "Note content to remember", Required: true},
		},
		Timeout: 10 * time.Second,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			content, _ := args["content"].(string)
			if err := store.Remember(ctx, content); err != nil {
				return "", err
			}
			return "remembered", nil
		},
	}
}
