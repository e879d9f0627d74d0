package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/trellis-data/trellis/core/kind"
)

// Separator separates relation components and the trailing lookup in a
// field path, e.g. "samples__barcode__iexact".
const Separator = "__"

// maximum edit distance for nearest-name suggestions
const suggestionDistance = 3

// ResolvedField is the result of walking a field path through the schema
// graph
type ResolvedField struct {
	// Path is the canonical field path without any lookup suffix
	Path string
	// Chain are the relations walked to reach the terminal component
	Chain []*Relation
	// Field is the terminal field; for a path ending on a relation name
	// it is a synthetic field of kind Relation
	Field *Field
	// Relation is set if the path ends on a relation name
	Relation *Relation
	// Lookup is the trailing operator, if any
	Lookup kind.Lookup
	// HasLookup distinguishes an absent lookup from the default
	HasLookup bool
}

// Kind returns the kind of the terminal field
func (r *ResolvedField) Kind() kind.Kind {
	return r.Field.Kind
}

// ToMany returns true if any relation in the chain is to-many
func (r *ResolvedField) ToMany() bool {
	for _, rel := range r.Chain {
		if rel.ToMany {
			return true
		}
	}
	return r.Relation != nil && r.Relation.ToMany
}

// UnknownFieldError reports a path component that does not resolve,
// together with nearest-name suggestions by edit distance.
type UnknownFieldError struct {
	Path        string
	Suggestions []string
}

func (e *UnknownFieldError) Error() string {
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("unknown field '%s', did you mean %s?", e.Path, strings.Join(e.Suggestions, ", "))
	}
	return fmt.Sprintf("unknown field '%s'", e.Path)
}

// LookupError reports a lookup that is not in the field kind's lookup list
type LookupError struct {
	Path   string
	Lookup string
	Kind   kind.Kind
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup '%s' is not valid for %s field '%s'", e.Lookup, e.Kind.Label(), e.Path)
}

// Resolve splits path on the relation separator and walks the schema graph
// one component at a time, starting at the project's root kind. Unknown
// components fail with an UnknownFieldError carrying nearest-name
// suggestions. Once a terminal field is reached, the remaining component
// (if allowLookup) must be a valid operator for that field's kind.
func (p *Project) Resolve(path string, allowLookup bool) (*ResolvedField, error) {
	components := strings.Split(path, Separator)
	current := p.Root
	resolved := &ResolvedField{}
	var walked []string

	for i := 0; i < len(components); i++ {
		component := components[i]

		if rel := current.Relation(component); rel != nil {
			walked = append(walked, component)
			resolved.Chain = append(resolved.Chain, rel)
			current = rel.Target

			if i == len(components)-1 {
				// path ends on the relation itself
				resolved.Relation = rel
				resolved.Field = &Field{Name: rel.Name, Kind: kind.Relation, System: true}
				resolved.Path = strings.Join(walked, Separator)
				resolved.Chain = resolved.Chain[:len(resolved.Chain)-1]
				return resolved, nil
			}
			// a relation followed only by a lookup: existence test.
			// Field and relation names of the target kind take
			// precedence over lookup tokens.
			if allowLookup && i == len(components)-2 &&
				current.Field(components[i+1]) == nil && current.Relation(components[i+1]) == nil {
				if lookup, ok := kind.ParseLookup(components[i+1]); ok {
					resolved.Relation = rel
					resolved.Field = &Field{Name: rel.Name, Kind: kind.Relation, System: true}
					resolved.Path = strings.Join(walked, Separator)
					resolved.Chain = resolved.Chain[:len(resolved.Chain)-1]
					if !kind.Relation.Supports(lookup) {
						return nil, &LookupError{Path: resolved.Path, Lookup: string(lookup), Kind: kind.Relation}
					}
					resolved.Lookup = lookup
					resolved.HasLookup = true
					return resolved, nil
				}
			}
			continue
		}

		if field := current.Field(component); field != nil {
			walked = append(walked, component)
			resolved.Field = field
			resolved.Path = strings.Join(walked, Separator)
			rest := components[i+1:]
			if len(rest) == 0 {
				return resolved, nil
			}
			if !allowLookup || len(rest) > 1 {
				return nil, &UnknownFieldError{Path: path}
			}
			lookup, ok := kind.ParseLookup(rest[0])
			if !ok || !field.Kind.Supports(lookup) {
				return nil, &LookupError{Path: resolved.Path, Lookup: rest[0], Kind: field.Kind}
			}
			resolved.Lookup = lookup
			resolved.HasLookup = true
			return resolved, nil
		}

		unknown := strings.Join(append(walked, component), Separator)
		return nil, &UnknownFieldError{
			Path:        unknown,
			Suggestions: suggest(component, current),
		}
	}
	// cannot happen, strings.Split never returns an empty slice
	return nil, &UnknownFieldError{Path: path}
}

// suggest returns the nearest field and relation names on the record kind,
// ordered by edit distance
func suggest(component string, k *RecordKind) []string {
	type candidate struct {
		name     string
		distance int
	}
	var candidates []candidate
	names := append(k.FieldNames(), k.RelationNames()...)
	for _, name := range names {
		d := levenshtein.Distance(strings.ToLower(component), strings.ToLower(name), nil)
		if d <= suggestionDistance {
			candidates = append(candidates, candidate{name: name, distance: d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].name < candidates[j].name
	})
	var suggestions []string
	for i, c := range candidates {
		if i == 3 {
			break
		}
		suggestions = append(suggestions, c.name)
	}
	return suggestions
}
