/*Package schema provides the static schema graph: record kinds, their
fields and the relation chains between them, plus per-project choice sets,
grants and cross-field rules.

The graph is built once at boot from a declarative configuration and is
never mutated at request time.
*/
package schema

import (
	"fmt"
	"strings"

	"github.com/trellis-data/trellis/core/kind"
)

// Field describes one field of a record kind
type Field struct {
	Name     string
	Kind     kind.Kind
	Required bool
	Nullable bool
	// System fields are owned by the engine and cannot be written by clients
	System bool
}

// Relation describes a nested relation between two record kinds
type Relation struct {
	Name     string
	Target   *RecordKind
	ToMany   bool
	Required bool
	// AllowEmpty permits an empty list on a required to-many relation
	AllowEmpty bool
	// IdentifiedBy are the identifier fields used to match a nested
	// sub-record to an existing row during update
	IdentifiedBy []string
}

// RecordKind describes a record type with its fields and relations
type RecordKind struct {
	Name      string
	fields    map[string]*Field
	relations map[string]*Relation
	// declaration order, used for suggestions and introspection
	fieldOrder    []string
	relationOrder []string
}

// Field returns the named field, or nil
func (k *RecordKind) Field(name string) *Field {
	return k.fields[name]
}

// Relation returns the named relation, or nil
func (k *RecordKind) Relation(name string) *Relation {
	return k.relations[name]
}

// FieldNames returns all field names in declaration order
func (k *RecordKind) FieldNames() []string {
	return append([]string{}, k.fieldOrder...)
}

// RelationNames returns all relation names in declaration order
func (k *RecordKind) RelationNames() []string {
	return append([]string{}, k.relationOrder...)
}

func (k *RecordKind) addField(f *Field) error {
	if _, ok := k.fields[f.Name]; ok {
		return fmt.Errorf("duplicate field %s on kind %s", f.Name, k.Name)
	}
	k.fields[f.Name] = f
	k.fieldOrder = append(k.fieldOrder, f.Name)
	return nil
}

// Project is a named record type exposed through the API
type Project struct {
	Code        string
	Description string
	Root        *RecordKind
	Scopes      []string
	Choices     *ChoiceSet
	Rules       *Rules
	Grants      []GrantConfiguration
}

// HasScope returns true if the project declares the named scope
func (p *Project) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Graph is the immutable in-memory schema graph, keyed by record kind and
// project code
type Graph struct {
	projects map[string]*Project
	kinds    map[string]*RecordKind
}

// Project returns the project with the given code (case-insensitive), or nil
func (g *Graph) Project(code string) *Project {
	return g.projects[strings.ToLower(code)]
}

// Projects returns all project codes
func (g *Graph) Projects() []string {
	codes := make([]string, 0, len(g.projects))
	for code := range g.projects {
		codes = append(codes, code)
	}
	return codes
}

// system fields of every record kind
var commonSystemFields = []Field{
	{Name: "record_id", Kind: kind.Text, System: true},
	{Name: "created_at", Kind: kind.DateTime, System: true},
}

// additional system fields of a project's root kind
var rootSystemFields = []Field{
	{Name: "updated_at", Kind: kind.DateTime, System: true},
	{Name: "owner", Kind: kind.Text, System: true},
	{Name: "site", Kind: kind.Text, System: true},
	{Name: "published", Kind: kind.Boolean, System: true},
	{Name: "suppressed", Kind: kind.Boolean, System: true},
}

// New builds the schema graph from the configuration. It validates the
// entire configuration and returns an error describing the first problem
// found: unknown kinds or relation targets, choices on non-choice fields,
// asymmetric choice constraints, identifier fields that do not exist, rule
// fields that do not resolve, conditions that do not compile.
func New(config *Configuration) (*Graph, error) {
	g := &Graph{
		projects: make(map[string]*Project),
		kinds:    make(map[string]*RecordKind),
	}

	for pi := range config.Projects {
		pc := &config.Projects[pi]
		code := strings.ToLower(strings.TrimSpace(pc.Code))
		if code == "" {
			return nil, fmt.Errorf("project #%d lacks a code", pi)
		}
		if _, ok := g.projects[code]; ok {
			return nil, fmt.Errorf("duplicate project code %s", code)
		}

		kinds := make(map[string]*RecordKind)
		for _, kc := range pc.Kinds {
			if kc.Name == "" {
				return nil, fmt.Errorf("project %s: record kind lacks a name", code)
			}
			if _, ok := kinds[kc.Name]; ok {
				return nil, fmt.Errorf("project %s: duplicate record kind %s", code, kc.Name)
			}
			rk := &RecordKind{
				Name:      kc.Name,
				fields:    make(map[string]*Field),
				relations: make(map[string]*Relation),
			}
			for i := range commonSystemFields {
				f := commonSystemFields[i]
				rk.addField(&f)
			}
			if kc.Name == pc.Root {
				for i := range rootSystemFields {
					f := rootSystemFields[i]
					rk.addField(&f)
				}
			}
			for _, fc := range kc.Fields {
				if strings.Contains(fc.Name, Separator) {
					return nil, fmt.Errorf("project %s: field name %s contains the path separator", code, fc.Name)
				}
				err := rk.addField(&Field{
					Name:     fc.Name,
					Kind:     fc.Kind,
					Required: fc.Required,
					Nullable: fc.Nullable,
				})
				if err != nil {
					return nil, fmt.Errorf("project %s: %w", code, err)
				}
			}
			kinds[kc.Name] = rk
		}

		root, ok := kinds[pc.Root]
		if !ok {
			return nil, fmt.Errorf("project %s: root kind %s does not exist", code, pc.Root)
		}

		// second pass: wire relations, now that all kinds exist.
		// Relation names are unique across the whole project, they
		// address sub-record collections in storage.
		relationKinds := make(map[string]string)
		for _, kc := range pc.Kinds {
			rk := kinds[kc.Name]
			for _, rc := range kc.Relations {
				if strings.Contains(rc.Name, Separator) {
					return nil, fmt.Errorf("project %s: relation name %s contains the path separator", code, rc.Name)
				}
				if rk.fields[rc.Name] != nil || rk.relations[rc.Name] != nil {
					return nil, fmt.Errorf("project %s: duplicate name %s on kind %s", code, rc.Name, kc.Name)
				}
				if other, ok := relationKinds[rc.Name]; ok {
					return nil, fmt.Errorf("project %s: relation name %s used on both %s and %s", code, rc.Name, other, kc.Name)
				}
				relationKinds[rc.Name] = kc.Name
				target, ok := kinds[rc.Target]
				if !ok {
					return nil, fmt.Errorf("project %s: relation %s targets unknown kind %s", code, rc.Name, rc.Target)
				}
				allowEmpty := true
				if rc.AllowEmpty != nil {
					allowEmpty = *rc.AllowEmpty
				}
				for _, idField := range rc.IdentifiedBy {
					f := target.Field(idField)
					if f == nil {
						return nil, fmt.Errorf("project %s: relation %s identifier field %s does not exist on kind %s",
							code, rc.Name, idField, rc.Target)
					}
					if f.Kind == kind.Relation {
						return nil, fmt.Errorf("project %s: relation %s identifier field %s must be a scalar",
							code, rc.Name, idField)
					}
				}
				rk.relations[rc.Name] = &Relation{
					Name:         rc.Name,
					Target:       target,
					ToMany:       rc.ToMany,
					Required:     rc.Required,
					AllowEmpty:   allowEmpty,
					IdentifiedBy: append([]string{}, rc.IdentifiedBy...),
				}
				rk.relationOrder = append(rk.relationOrder, rc.Name)
			}
		}

		choices, err := newChoiceSet(pc)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", code, err)
		}
		// every choice must belong to a choice field of this project
		for field := range choices.byField {
			if !projectHasChoiceField(kinds, field) {
				return nil, fmt.Errorf("project %s: choice configured for %s which is not a choice field", code, field)
			}
		}

		project := &Project{
			Code:        code,
			Description: pc.Description,
			Root:        root,
			Scopes:      append([]string{}, pc.Scopes...),
			Choices:     choices,
			Grants:      append([]GrantConfiguration{}, pc.Grants...),
		}

		rules, err := newRules(kinds, &pc.Rules)
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", code, err)
		}
		project.Rules = rules

		for _, grant := range pc.Grants {
			if grant.Scope != "" && !project.HasScope(grant.Scope) {
				return nil, fmt.Errorf("project %s: grant references unknown scope %s", code, grant.Scope)
			}
		}

		g.projects[code] = project
		for name, rk := range kinds {
			g.kinds[code+"/"+name] = rk
		}
	}

	return g, nil
}

func projectHasChoiceField(kinds map[string]*RecordKind, field string) bool {
	for _, rk := range kinds {
		if f := rk.Field(field); f != nil && f.Kind == kind.Choice {
			return true
		}
	}
	return false
}
