package schema

import (
	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/kind"
)

// Configuration holds the complete declarative description of all projects
type Configuration struct {
	Projects []ProjectConfiguration `json:"projects"`
}

// ProjectConfiguration describes one project: a named, versioned record
// type exposed through the API
type ProjectConfiguration struct {
	Code        string                 `json:"code"`
	Description string                 `json:"description"`
	Root        string                 `json:"root"`
	Scopes      []string               `json:"scopes"`
	Kinds       []KindConfiguration    `json:"kinds"`
	Choices     []ChoiceConfiguration  `json:"choices"`
	Grants      []GrantConfiguration   `json:"grants"`
	Rules       RulesConfiguration     `json:"rules"`
}

// KindConfiguration describes a record kind with its fields and nested
// relations
type KindConfiguration struct {
	Name      string                  `json:"name"`
	Fields    []FieldConfiguration    `json:"fields"`
	Relations []RelationConfiguration `json:"relations"`
}

// FieldConfiguration describes a single field of a record kind
type FieldConfiguration struct {
	Name     string    `json:"name"`
	Kind     kind.Kind `json:"kind"`
	Required bool      `json:"required"`
	Nullable bool      `json:"nullable"`
}

// RelationConfiguration describes a nested one-to-many or one-to-one
// relation to another record kind
type RelationConfiguration struct {
	Name         string   `json:"name"`
	Target       string   `json:"target"`
	ToMany       bool     `json:"to_many"`
	Required     bool     `json:"required"`
	AllowEmpty   *bool    `json:"allow_empty"`
	IdentifiedBy []string `json:"identified_by"`
}

// ChoiceConfiguration describes one valid value of a choice field.
// Deactivated choices keep historical data readable but reject new writes.
type ChoiceConfiguration struct {
	Field       string            `json:"field"`
	Value       string            `json:"value"`
	Active      *bool             `json:"active"`
	Constraints []ChoiceReference `json:"constraints"`
}

// ChoiceReference points to another choice of the same project
type ChoiceReference struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// GrantConfiguration allows an action on a set of field paths for a scope.
// The empty scope is the project's base grant.
type GrantConfiguration struct {
	Scope  string      `json:"scope"`
	Action core.Action `json:"action"`
	Fields []string    `json:"fields"`
}

// RulesConfiguration holds the cross-field rule set of a project
type RulesConfiguration struct {
	// OptionalGroups: at least one field of each named set must remain
	// non-empty after applying a request's changes
	OptionalGroups [][]string `json:"optional_groups"`
	// Orderings: lower must not exceed higher
	Orderings []OrderingConfiguration `json:"orderings"`
	// NonFuture: date fields that must not lie in the future
	NonFuture []string `json:"non_future"`
	// Conditionals: when the expression holds, the listed fields are required
	Conditionals []ConditionalConfiguration `json:"conditionals"`
}

// OrderingConfiguration requires lower <= higher
type OrderingConfiguration struct {
	Lower  string `json:"lower"`
	Higher string `json:"higher"`
}

// ConditionalConfiguration makes fields required when the condition holds.
// When is an expression over `record` and `action`, e.g.
// `record.country == "eng"`.
type ConditionalConfiguration struct {
	When    string   `json:"when"`
	Require []string `json:"require"`
}
