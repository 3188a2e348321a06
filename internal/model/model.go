// Package model holds the data-model types shared across every store and
// index: Item, Scope, Entity, Relation, Episode, Foreshadowing. Mirrors
// the teacher's internal/store/models.go layout, generalized from the
// note-taking domain to the generic memory-item domain this spec calls
// for.
package model

import (
	"time"

	"github.com/recallsystems/recall/internal/metaval"
)

// Scope is the tenant triple; all three fields default to "default".
type Scope struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	SessionID   string `json:"session_id"`
}

// Normalize fills empty fields with "default", per the data model.
func (s Scope) Normalize() Scope {
	if s.UserID == "" {
		s.UserID = "default"
	}
	if s.CharacterID == "" {
		s.CharacterID = "default"
	}
	if s.SessionID == "" {
		s.SessionID = "default"
	}
	return s
}

// Path returns the on-disk scope path user/character/session.
func (s Scope) Path() string {
	s = s.Normalize()
	return s.UserID + "/" + s.CharacterID + "/" + s.SessionID
}

// Item is the unit of ingestion.
type Item struct {
	ID          string                    `json:"id"`
	Scope       Scope                     `json:"scope"`
	Content     string                    `json:"content"`
	TurnNumber  int64                     `json:"turn_number"`
	CreatedAt   time.Time                 `json:"created_at"`
	Source      string                    `json:"source,omitempty"`
	Tags        []string                  `json:"tags,omitempty"`
	Category    string                    `json:"category,omitempty"`
	ContentType string                    `json:"content_type,omitempty"`
	EventTime   *time.Time                `json:"event_time,omitempty"`
	Metadata    map[string]metaval.Value  `json:"metadata,omitempty"`
}

// EntityType is a tag from the EntityTypeRegistry (§4.8).
type EntityType string

const (
	EntityUnknown      EntityType = "UNKNOWN"
	EntityPerson       EntityType = "PERSON"
	EntityLocation     EntityType = "LOCATION"
	EntityOrganization EntityType = "ORGANIZATION"
	EntityItem         EntityType = "ITEM"
	EntityConcept      EntityType = "CONCEPT"
	EntityEvent        EntityType = "EVENT"
	EntityTime         EntityType = "TIME"
)

// Entity is a named thing referenced across items.
type Entity struct {
	ID             string                   `json:"id"`
	Name           string                   `json:"name"`
	Aliases        map[string]struct{}      `json:"-"`
	AliasesList    []string                 `json:"aliases"`
	Type           EntityType               `json:"type"`
	TurnReferences map[string]struct{}      `json:"-"`
	TurnRefsList   []string                 `json:"turn_references"`
	Confidence     float64                  `json:"confidence"`
	Summary        string                   `json:"summary,omitempty"`
	Attributes     map[string]metaval.Value `json:"attributes,omitempty"`
}

// SyncLists flattens the map-backed sets into the JSON-serializable list
// fields; called before persistence.
func (e *Entity) SyncLists() {
	e.AliasesList = e.AliasesList[:0]
	for a := range e.Aliases {
		e.AliasesList = append(e.AliasesList, a)
	}
	e.TurnRefsList = e.TurnRefsList[:0]
	for t := range e.TurnReferences {
		e.TurnRefsList = append(e.TurnRefsList, t)
	}
}

// HydrateSets rebuilds the map-backed sets after JSON decode.
func (e *Entity) HydrateSets() {
	e.Aliases = make(map[string]struct{}, len(e.AliasesList))
	for _, a := range e.AliasesList {
		e.Aliases[a] = struct{}{}
	}
	e.TurnReferences = make(map[string]struct{}, len(e.TurnRefsList))
	for _, t := range e.TurnRefsList {
		e.TurnReferences[t] = struct{}{}
	}
}

// Relation is a TemporalFact: a typed, time-scoped edge between entities.
type Relation struct {
	ID             string     `json:"id"`
	SourceEntityID string     `json:"source_entity_id"`
	TargetEntityID string     `json:"target_entity_id"`
	RelationType   string     `json:"relation_type"` // SCREAMING_SNAKE_CASE
	Fact           string     `json:"fact"`
	ValidAt        *time.Time `json:"valid_at,omitempty"`
	InvalidAt      *time.Time `json:"invalid_at,omitempty"`
	Confidence     float64    `json:"confidence"`
	SourceText     string     `json:"source_text,omitempty"`
}

// Key is the (source, type, target) de-duplication key.
func (r Relation) Key() [3]string {
	return [3]string{r.SourceEntityID, r.RelationType, r.TargetEntityID}
}

// Episode groups the facts extracted from one ingestion call.
type Episode struct {
	ID                string    `json:"id"`
	Content           string    `json:"content"`
	SourceType        string    `json:"source_type"`
	SourceDescription string    `json:"source_description"`
	MemoryIDs         []string  `json:"memory_ids"`
	RelationIDs       []string  `json:"relation_ids"`
	EntityEdges       []string  `json:"entity_edges"`
	CreatedAt         time.Time `json:"created_at"`
}

// ForeshadowingStatus is the lifecycle of a planted hint.
type ForeshadowingStatus string

const (
	ForeshadowUnresolved         ForeshadowingStatus = "UNRESOLVED"
	ForeshadowPossiblyTriggered ForeshadowingStatus = "POSSIBLY_TRIGGERED"
	ForeshadowResolved          ForeshadowingStatus = "RESOLVED"
)

// Foreshadowing is a user-planted hint with a deferred resolution.
type Foreshadowing struct {
	ID                string              `json:"id"`
	Content           string              `json:"content"`
	TriggerKeywords   []string            `json:"trigger_keywords"`
	RelatedEntities   []string            `json:"related_entities"`
	Status            ForeshadowingStatus `json:"status"`
	Importance        float64             `json:"importance"`
	CreatedTurn       int64               `json:"created_turn"`
	ResolutionTurn    *int64              `json:"resolution_turn,omitempty"`
	ResolutionContent string              `json:"resolution_content,omitempty"`
}
