package mcpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recallsystems/recall/internal/engine"
	"github.com/recallsystems/recall/internal/metaindex"
	"github.com/recallsystems/recall/internal/metaval"
	"github.com/recallsystems/recall/internal/model"
	"github.com/recallsystems/recall/internal/retrieve"
)

// decodeMetadata round-trips a decoded-JSON submap through
// metaval.Value's own UnmarshalJSON so arbitrary MCP tool-argument shapes
// land in the same tagged union the HTTP surface uses.
func decodeMetadata(raw interface{}) (map[string]metaval.Value, error) {
	if raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out map[string]metaval.Value
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// tool is one MCP tool's registration: name, description, and JSON Schema
// for its arguments, matching mcp.types.Tool's shape.
type tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func schema(properties map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(t, desc string) map[string]interface{} {
	m := map[string]interface{}{"type": t}
	if desc != "" {
		m["description"] = desc
	}
	return m
}

func arrayOfStrings(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "description": desc}
}

// toolList mirrors tools.py's register_tools/list_tools exactly, minus
// recall_add_turn (chat-turn convenience wrapper; spec's generic Item
// model has no user/ai pairing concept to special-case).
var toolList = []tool{
	{
		Name:        "recall_add",
		Description: "Add one memory to Recall",
		InputSchema: schema(map[string]interface{}{
			"content":  prop("string", "memory content"),
			"user_id":  prop("string", "user id"),
			"metadata": map[string]interface{}{"type": "object", "description": "arbitrary metadata"},
		}, "content"),
	},
	{
		Name:        "recall_search",
		Description: "Search Recall for relevant memories",
		InputSchema: schema(map[string]interface{}{
			"query":   prop("string", "search query"),
			"user_id": prop("string", "user id"),
			"top_k":   prop("integer", "result count"),
			"source":  prop("string", "filter by source"),
			"tags":    arrayOfStrings("filter by tags"),
		}, "query"),
	},
	{
		Name:        "recall_context",
		Description: "Build a token-budgeted context block from relevant memories",
		InputSchema: schema(map[string]interface{}{
			"query":        prop("string", ""),
			"user_id":      prop("string", "user id"),
			"character_id": prop("string", "character id"),
		}, "query"),
	},
	{
		Name:        "recall_add_batch",
		Description: "Add many memories in one call",
		InputSchema: schema(map[string]interface{}{
			"items": map[string]interface{}{
				"type": "array",
				"items": schema(map[string]interface{}{
					"content": prop("string", ""),
					"source":  prop("string", ""),
					"tags":    arrayOfStrings(""),
				}, "content"),
			},
			"user_id": prop("string", "user id"),
		}, "items"),
	},
	{
		Name:        "recall_list",
		Description: "Paginate working-memory records",
		InputSchema: schema(map[string]interface{}{
			"user_id": prop("string", "user id"),
			"limit":   prop("integer", "page size"),
		}),
	},
	{
		Name:        "recall_delete",
		Description: "Delete one memory",
		InputSchema: schema(map[string]interface{}{
			"memory_id": prop("string", "memory id"),
			"user_id":   prop("string", "user id"),
		}, "memory_id"),
	},
	{
		Name:        "recall_stats",
		Description: "Get Recall's aggregate statistics",
		InputSchema: schema(map[string]interface{}{}),
	},
	{
		Name:        "recall_entities",
		Description: "List known entities",
		InputSchema: schema(map[string]interface{}{
			"limit": prop("integer", "max entities to return"),
		}),
	},
	{
		Name:        "recall_graph_traverse",
		Description: "Traverse the knowledge graph from a starting entity",
		InputSchema: schema(map[string]interface{}{
			"start_entity":   prop("string", "starting entity name"),
			"max_depth":      prop("integer", "BFS depth, 1-5"),
			"relation_types": arrayOfStrings("filter by relation types"),
		}, "start_entity"),
	},
	{
		Name:        "recall_search_filtered",
		Description: "Search memories filtered by source/tags/category/content_type",
		InputSchema: schema(map[string]interface{}{
			"query":        prop("string", ""),
			"user_id":      prop("string", "user id"),
			"source":       prop("string", ""),
			"tags":         arrayOfStrings(""),
			"category":     prop("string", ""),
			"content_type": prop("string", ""),
			"top_k":        prop("integer", ""),
		}, "query"),
	},
}

func scopeOf(args map[string]interface{}) model.Scope {
	return model.Scope{
		UserID:      stringArg(args, "user_id", ""),
		CharacterID: stringArg(args, "character_id", ""),
		SessionID:   stringArg(args, "session_id", ""),
	}
}

func stringArg(args map[string]interface{}, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func intArg(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// dispatchTool runs one recall_* tool against Engine and renders the
// result as a single text block, matching tools.py's call_tool bridge.
func dispatchTool(ctx context.Context, eng *engine.Engine, name string, args map[string]interface{}) callToolResult {
	switch name {
	case "recall_add":
		content := stringArg(args, "content", "")
		if content == "" {
			return errorResult("content is required")
		}
		metadata, _ := decodeMetadata(args["metadata"])
		item, entities, err := eng.Add(ctx, scopeOf(args), content, engine.AddOptions{Metadata: metadata})
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(fmt.Sprintf("added memory: %s (entities: %s)", item.ID, strings.Join(entities, ", ")))

	case "recall_search":
		results := searchMemories(ctx, eng, args)
		return textResult(formatSearchResults(results))

	case "recall_context":
		query := stringArg(args, "query", "")
		built := eng.BuildContext(ctx, scopeOf(args), retrieve.Query{Text: query}, nil, "")
		return textResult(built.ToPrompt())

	case "recall_add_batch":
		rawItems, _ := args["items"].([]interface{})
		sc := scopeOf(args)
		added := 0
		for _, raw := range rawItems {
			itemArgs, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			content := stringArg(itemArgs, "content", "")
			if content == "" {
				continue
			}
			opts := engine.AddOptions{Source: stringArg(itemArgs, "source", ""), Tags: stringSliceArg(itemArgs, "tags")}
			if _, _, err := eng.Add(ctx, sc, content, opts); err == nil {
				added++
			}
		}
		return textResult(fmt.Sprintf("batch add complete: %d memories", added))

	case "recall_list":
		limit := intArg(args, "limit", 100)
		records, err := eng.GetAll(scopeOf(args), limit)
		if err != nil {
			return errorResult(err.Error())
		}
		var lines []string
		for _, r := range records {
			content := r.Content
			if len(content) > 100 {
				content = content[:100]
			}
			lines = append(lines, fmt.Sprintf("[%s] %s", r.ID, content))
		}
		if len(lines) == 0 {
			return textResult("no memories")
		}
		return textResult(strings.Join(lines, "\n"))

	case "recall_delete":
		id := stringArg(args, "memory_id", "")
		if id == "" {
			return errorResult("memory_id is required")
		}
		if err := eng.Delete(scopeOf(args), id); err != nil {
			return errorResult(err.Error())
		}
		return textResult(fmt.Sprintf("deleted memory: %s", id))

	case "recall_stats":
		b, _ := json.MarshalIndent(eng.Stats(), "", "  ")
		return textResult(string(b))

	case "recall_entities":
		limit := intArg(args, "limit", 100)
		entities := eng.TopEntities(limit)
		var lines []string
		for _, e := range entities {
			lines = append(lines, fmt.Sprintf("%s (%s): %s", e.Name, e.Type, e.Summary))
		}
		if len(lines) == 0 {
			return textResult("no entities")
		}
		return textResult(strings.Join(lines, "\n"))

	case "recall_graph_traverse":
		start := stringArg(args, "start_entity", "")
		if start == "" {
			return errorResult("start_entity is required")
		}
		ent := eng.GetEntity(start)
		if ent == nil {
			return errorResult(fmt.Sprintf("entity not found: %s", start))
		}
		depth := intArg(args, "max_depth", 2)
		if depth > 5 {
			depth = 5
		}
		hops := eng.Neighbors(ent.ID, depth, stringSliceArg(args, "relation_types"))
		b, _ := json.MarshalIndent(hops, "", "  ")
		return textResult(string(b))

	case "recall_search_filtered":
		results := searchMemories(ctx, eng, args)
		return textResult(formatSearchResults(results))

	default:
		return errorResult(fmt.Sprintf("unknown tool: %s", name))
	}
}

func searchMemories(ctx context.Context, eng *engine.Engine, args map[string]interface{}) []retrieve.Result {
	query := stringArg(args, "query", "")
	topK := intArg(args, "top_k", 10)
	source := stringArg(args, "source", "")
	category := stringArg(args, "category", "")
	contentType := stringArg(args, "content_type", "")
	tags := stringSliceArg(args, "tags")

	var filters *metaindex.Query
	if source != "" || category != "" || contentType != "" || len(tags) > 0 {
		filters = &metaindex.Query{Source: source, Tags: tags, Category: category, ContentType: contentType}
	}
	return eng.Search(ctx, scopeOf(args), retrieve.Query{Text: query, TopK: topK, Filters: filters})
}

func formatSearchResults(results []retrieve.Result) string {
	if len(results) == 0 {
		return "no relevant memories found"
	}
	var lines []string
	for _, r := range results {
		content := r.Content
		if len(content) > 200 {
			content = content[:200]
		}
		lines = append(lines, fmt.Sprintf("[%.2f] %s", r.Score, content))
	}
	return strings.Join(lines, "\n\n")
}
