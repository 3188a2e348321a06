// Package recall is the public embedding surface for callers that want
// the memory engine in-process instead of over HTTP or MCP. It re-
// exports engine.Engine behind a thinner Client and aliases the handful
// of data-model types a caller needs to hold without reaching into
// internal/model directly.
package recall

import (
	"context"

	"github.com/rs/zerolog"

	memctx "github.com/recallsystems/recall/internal/context"
	"github.com/recallsystems/recall/internal/engine"
	"github.com/recallsystems/recall/internal/graph"
	"github.com/recallsystems/recall/internal/model"
	"github.com/recallsystems/recall/internal/retrieve"
	"github.com/recallsystems/recall/internal/scope"
	"github.com/recallsystems/recall/internal/vectorindex/embed"
)

// Re-exported data-model types, so embedders never need to import
// internal/model directly.
type (
	Scope         = model.Scope
	Item          = model.Item
	Entity        = model.Entity
	EntityType    = model.EntityType
	Foreshadowing = model.Foreshadowing
	Record        = scope.Record
)

// Re-exported retrieval/context types.
type (
	Query          = retrieve.Query
	Result         = retrieve.Result
	Turn           = memctx.Turn
	Built          = memctx.Built
	NeighborsResult = graph.NeighborsResult
)

// AddOptions mirrors engine.AddOptions for the public surface.
type AddOptions = engine.AddOptions

// Stats mirrors engine.Stats for the public surface.
type Stats = engine.Stats

// Config mirrors engine.Config; embedders building in-process construct
// one directly rather than going through internal/config's env binding.
type Config = engine.Config

// Backend re-exports the embedding backend interface so embedders can
// supply their own without an internal/vectorindex/embed import.
type Backend = embed.Backend

// Client wraps an *engine.Engine with the same method set. internal/
// visibility already keeps other modules from importing internal/engine
// directly; Client is the surface they're meant to use instead.
type Client struct {
	eng *engine.Engine
}

// Open constructs a Client per cfg, wiring every sub-store under
// cfg.DataRoot and starting the background maintenance scheduler.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	eng, err := engine.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return &Client{eng: eng}, nil
}

func (c *Client) Add(ctx context.Context, sc Scope, content string, opts AddOptions) (*Item, []string, error) {
	return c.eng.Add(ctx, sc, content, opts)
}

func (c *Client) AddBatch(ctx context.Context, sc Scope, contents []string, opts AddOptions) ([]*Item, error) {
	return c.eng.AddBatch(ctx, sc, contents, opts)
}

func (c *Client) Get(id string) (*Item, error) {
	return c.eng.Get(id)
}

func (c *Client) Update(ctx context.Context, sc Scope, id, newContent string) (*Item, error) {
	return c.eng.Update(ctx, sc, id, newContent)
}

func (c *Client) Delete(sc Scope, id string) error {
	return c.eng.Delete(sc, id)
}

func (c *Client) Clear(sc Scope) error {
	return c.eng.Clear(sc)
}

func (c *Client) Search(ctx context.Context, sc Scope, q Query) []Result {
	return c.eng.Search(ctx, sc, q)
}

func (c *Client) GetAll(sc Scope, limit int) ([]*Record, error) {
	return c.eng.GetAll(sc, limit)
}

func (c *Client) BuildContext(ctx context.Context, sc Scope, q Query, recentTurns []Turn, systemPrompt string) Built {
	return c.eng.BuildContext(ctx, sc, q, recentTurns, systemPrompt)
}

func (c *Client) TopEntities(n int) []*Entity {
	return c.eng.TopEntities(n)
}

func (c *Client) GetEntity(name string) *Entity {
	return c.eng.GetEntity(name)
}

func (c *Client) Neighbors(entityID string, depth int, types []string) []NeighborsResult {
	return c.eng.Neighbors(entityID, depth, types)
}

func (c *Client) ListForeshadowing(status string) []*Foreshadowing {
	return c.eng.ListForeshadowing(status)
}

func (c *Client) PlantForeshadowing(content string, triggerKeywords, relatedEntities []string, importance float64, createdTurn int64) *Foreshadowing {
	return c.eng.PlantForeshadowing(content, triggerKeywords, relatedEntities, importance, createdTurn)
}

func (c *Client) ResolveForeshadowing(id string, resolutionTurn int64, resolutionContent string) (*Foreshadowing, error) {
	return c.eng.ResolveForeshadowing(id, resolutionTurn, resolutionContent)
}

func (c *Client) Consolidate(ctx context.Context) error {
	return c.eng.Consolidate(ctx)
}

func (c *Client) Stats() Stats {
	return c.eng.Stats()
}

func (c *Client) Reset() error {
	return c.eng.Reset()
}

func (c *Client) Close() error {
	return c.eng.Close()
}
