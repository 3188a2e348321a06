package graph

import (
	"sync"

	"github.com/recallsystems/recall/internal/model"
)

// TypeDef is a user-defined (or built-in) entity type definition, used to
// constrain extraction and inform downstream prompts (spec §4.8).
type TypeDef struct {
	Name                string            `json:"name"`
	DisplayName         string            `json:"display_name"`
	Description         string            `json:"description"`
	AttributeDefinitions map[string]string `json:"attribute_definitions,omitempty"`
	Examples            []string          `json:"examples,omitempty"`
}

// TypeRegistry holds the built-in EntityType set (generalized from
// pkg/extraction/types.go's 7-kind EntityKind enum to the spec's
// {PERSON, LOCATION, ORGANIZATION, ITEM, CONCEPT, EVENT, TIME}) plus any
// user-defined types registered at runtime.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[model.EntityType]TypeDef
}

// NewTypeRegistry builds a registry pre-populated with the built-in types.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[model.EntityType]TypeDef)}
	for _, t := range []TypeDef{
		{Name: string(model.EntityPerson), DisplayName: "Person", Description: "A named individual"},
		{Name: string(model.EntityLocation), DisplayName: "Location", Description: "A place or geographic entity"},
		{Name: string(model.EntityOrganization), DisplayName: "Organization", Description: "A company, institution, or group"},
		{Name: string(model.EntityItem), DisplayName: "Item", Description: "A physical or conceptual object"},
		{Name: string(model.EntityConcept), DisplayName: "Concept", Description: "An abstract idea or topic"},
		{Name: string(model.EntityEvent), DisplayName: "Event", Description: "A notable occurrence"},
		{Name: string(model.EntityTime), DisplayName: "Time", Description: "A temporal reference"},
	} {
		r.types[model.EntityType(t.Name)] = t
	}
	return r
}

// Register adds or replaces a user-defined type.
func (r *TypeRegistry) Register(def TypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[model.EntityType(def.Name)] = def
}

// Get returns a type definition by name.
func (r *TypeRegistry) Get(name model.EntityType) (TypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[name]
	return d, ok
}

// All returns every registered type definition.
func (r *TypeRegistry) All() []TypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeDef, 0, len(r.types))
	for _, d := range r.types {
		out = append(out, d)
	}
	return out
}

// IsKnown reports whether name is a registered type.
func (r *TypeRegistry) IsKnown(name model.EntityType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}
