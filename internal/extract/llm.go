package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/recallsystems/recall/internal/extract/llmclient"
	"github.com/recallsystems/recall/internal/extract/parser"
	"github.com/recallsystems/recall/internal/model"
)

// llmExtractor implements the LLM mode: send text (truncated to
// maxTextLength) to a language-model collaborator with a strict JSON
// schema prompt, then parse the response via the brace-recovery state
// machine even if truncated. Grounded on pkg/extraction/prompts.go's
// system/user prompt construction and pkg/extraction/parser.go's
// recovery shape.
type llmExtractor struct {
	client        *llmclient.Client
	maxTextLength int
}

func newLLMExtractor(client *llmclient.Client, maxTextLength int) *llmExtractor {
	return &llmExtractor{client: client, maxTextLength: maxTextLength}
}

func (e *llmExtractor) available() bool { return e != nil && e.client != nil && e.client.Available() }

const systemPrompt = `You are an entity and relationship extraction assistant.
Extract named entities AND relationships between them from the given text.
Return ONLY a valid JSON object with two arrays: "entities" and "relations".
No markdown, no explanation. Start with { and end with }.`

func buildUserPrompt(text string, maxLen int) string {
	truncated := text
	if len(truncated) > maxLen {
		truncated = truncated[:maxLen]
	}
	var sb strings.Builder
	sb.WriteString("Extract named entities AND relationships from this text. ")
	sb.WriteString("Return a JSON object with two arrays: \"entities\" and \"relations\".\n\n")
	sb.WriteString("Each entity object: {\"label\": string, \"kind\": one of PERSON|LOCATION|ORGANIZATION|ITEM|CONCEPT|EVENT|TIME, \"confidence\": 0-1, \"aliases\": [string]}\n")
	sb.WriteString("Each relation object: {\"subject\": string, \"object\": string, \"relationType\": SCREAMING_SNAKE_CASE string, \"fact\": string, \"confidence\": 0-1, \"sourceSentence\": string}\n\n")
	sb.WriteString("TEXT:\n")
	sb.WriteString(truncated)
	return sb.String()
}

type llmEntity struct {
	Label      string   `json:"label"`
	Kind       string   `json:"kind"`
	Aliases    []string `json:"aliases,omitempty"`
	Confidence float64  `json:"confidence"`
}

type llmRelation struct {
	Subject        string  `json:"subject"`
	Object         string  `json:"object"`
	RelationType   string  `json:"relationType"`
	Fact           string  `json:"fact"`
	Confidence     float64 `json:"confidence"`
	SourceSentence string  `json:"sourceSentence"`
}

func (e *llmExtractor) extract(ctx context.Context, text string) (Result, error) {
	prompt := buildUserPrompt(text, e.maxTextLength)
	raw, err := e.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("llm extractor: %w", err)
	}

	parsed := parser.ParseResponse(raw)
	var result Result

	for _, rm := range parsed.Entities {
		var ent llmEntity
		if err := json.Unmarshal(rm, &ent); err != nil {
			continue
		}
		label := strings.TrimSpace(ent.Label)
		if label == "" {
			continue
		}
		conf := ent.Confidence
		if conf <= 0 {
			conf = 0.8
		}
		result.Entities = append(result.Entities, EntityHit{
			Name:       label,
			Type:       normalizeEntityType(ent.Kind),
			Aliases:    ent.Aliases,
			Confidence: conf,
		})
	}

	for _, rm := range parsed.Relations {
		var rel llmRelation
		if err := json.Unmarshal(rm, &rel); err != nil {
			continue
		}
		subj := strings.TrimSpace(rel.Subject)
		obj := strings.TrimSpace(rel.Object)
		relType := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(rel.RelationType), " ", "_"))
		if subj == "" || obj == "" || relType == "" {
			continue
		}
		conf := rel.Confidence
		if conf <= 0 {
			conf = 0.7
		}
		result.Relations = append(result.Relations, RelationHit{
			SourceName:   subj,
			TargetName:   obj,
			RelationType: relType,
			Fact:         rel.Fact,
			Confidence:   conf,
			SourceText:   rel.SourceSentence,
		})
	}

	return result, nil
}

func normalizeEntityType(kind string) model.EntityType {
	switch strings.ToUpper(strings.TrimSpace(kind)) {
	case string(model.EntityPerson), string(model.EntityLocation), string(model.EntityOrganization),
		string(model.EntityItem), string(model.EntityConcept), string(model.EntityEvent), string(model.EntityTime):
		return model.EntityType(strings.ToUpper(kind))
	default:
		return model.EntityUnknown
	}
}
