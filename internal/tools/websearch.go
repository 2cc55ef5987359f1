package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	bravesearch "github.com/cnosuke/go-brave-search"
)

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"description=Search query"`
	Count int    `json:"count,omitempty" jsonschema:"description=Number of results to return (default 5 and max 20)"`
}

// WebSearch queries Brave and returns title, URL and snippet per hit.
type WebSearch struct {
	brave *bravesearch.Client
	count int
	log   *slog.Logger
}

func NewWebSearch(apiKey string, count int, logger *slog.Logger) (*WebSearch, error) {
	client, err := bravesearch.NewClient(apiKey)
	if err != nil {
		return nil, fmt.Errorf("brave client: %w", err)
	}
	if count <= 0 {
		count = 5
	}
	return &WebSearch{brave: client, count: count, log: logger.With(slog.String("component", "tools.web_search"))}, nil
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "Search the web and return the top results with their titles, links and snippets"
}

func (w *WebSearch) InputSchema() map[string]any { return SchemaFor(webSearchArgs{}) }

func (w *WebSearch) Execute(ctx context.Context, input string) (string, error) {
	var args webSearchArgs
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("parsing web_search input: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("query is required")
	}
	count := args.Count
	if count <= 0 {
		count = w.count
	}
	if count > 20 {
		count = 20
	}

	w.log.Debug("searching", slog.String("query", args.Query), slog.Int("count", count))
	resp, err := w.brave.WebSearch(ctx, args.Query, &bravesearch.WebSearchParams{Count: count})
	if err != nil {
		return "", fmt.Errorf("brave search: %w", err)
	}
	results := resp.GetWebResults()
	if len(results) == 0 {
		return "No results found.", nil
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "%s\n%s\n%s", r.Title, r.URL, r.Description)
	}
	return truncate(b.String()), nil
}
