package access

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/schema"
)

// Wildcard grants an action on every field of the project
const Wildcard = "*"

// how deep relation chains are flattened when expanding wildcard grants
const flattenDepth = 3

// NotPermittedError reports a field that is visible to the caller but on
// which the requested action is not granted. This is deliberately distinct
// from UnknownFieldError: once a caller may see a field, its existence is
// no longer a secret.
type NotPermittedError struct {
	Path   string
	Action core.Action
}

func (e *NotPermittedError) Error() string {
	return fmt.Sprintf("you are not permitted to %s field '%s'", e.Action, e.Path)
}

// UnknownScopeError reports a requested scope the project does not declare
type UnknownScopeError struct {
	Scope string
}

func (e *UnknownScopeError) Error() string {
	return fmt.Sprintf("unknown scope '%s'", e.Scope)
}

type grantKey struct {
	project string
	scope   string
	action  core.Action
}

// Gate resolves field paths against the schema graph and checks per-field,
// per-action, per-scope permissions. It is built once at boot and is
// read-only afterwards.
type Gate struct {
	graph  *schema.Graph
	grants map[grantKey]map[string]bool
}

// NewGate builds the permission table from the projects' grant
// configurations
func NewGate(graph *schema.Graph) *Gate {
	g := &Gate{
		graph:  graph,
		grants: make(map[grantKey]map[string]bool),
	}
	for _, code := range graph.Projects() {
		project := graph.Project(code)
		for _, grant := range project.Grants {
			key := grantKey{project: code, scope: grant.Scope, action: grant.Action}
			fields := g.grants[key]
			if fields == nil {
				fields = make(map[string]bool)
				g.grants[key] = fields
			}
			for _, field := range grant.Fields {
				fields[field] = true
			}
		}
	}
	return g
}

// Graph returns the underlying schema graph
func (g *Gate) Graph() *schema.Graph {
	return g.graph
}

// CheckScopes validates that every requested scope exists on the project
func (g *Gate) CheckScopes(project *schema.Project, scopes []string) error {
	for _, scope := range scopes {
		if !project.HasScope(scope) {
			return &UnknownScopeError{Scope: scope}
		}
	}
	return nil
}

// effective permission is the union over the caller's base project grant
// plus every requested scope's grant
func (g *Gate) allowed(project string, action core.Action, scopes []string, path string) bool {
	keys := make([]grantKey, 0, len(scopes)+1)
	keys = append(keys, grantKey{project: project, scope: "", action: action})
	for _, scope := range scopes {
		keys = append(keys, grantKey{project: project, scope: scope, action: action})
	}
	for _, key := range keys {
		fields := g.grants[key]
		if fields[Wildcard] || fields[path] {
			return true
		}
	}
	return false
}

// ResolveField resolves a dotted field path against the schema graph and
// checks two permissions: that the caller may access the field at all
// (absence is reported identically to an unknown field, so the existence
// of restricted fields is never leaked), and that the caller may perform
// the action on it (absence is a distinct NotPermittedError).
func (g *Gate) ResolveField(project *schema.Project, path string, action core.Action,
	identity Identity, scopes []string, allowLookup bool) (*schema.ResolvedField, error) {

	resolved, err := project.Resolve(path, allowLookup)
	if err != nil {
		if unknown, ok := err.(*schema.UnknownFieldError); ok && !identity.Admin {
			// restrict suggestions to fields the caller may see
			unknown.Suggestions = g.suggest(project, path, identity, scopes)
		}
		return nil, err
	}
	if identity.Admin {
		return resolved, nil
	}
	if !g.allowed(project.Code, core.ActionView, scopes, resolved.Path) {
		return nil, &schema.UnknownFieldError{
			Path:        resolved.Path,
			Suggestions: g.suggest(project, resolved.Path, identity, scopes),
		}
	}
	if action != core.ActionView && !g.allowed(project.Code, action, scopes, resolved.Path) {
		return nil, &NotPermittedError{Path: resolved.Path, Action: action}
	}
	return resolved, nil
}

// MayAct reports whether the identity holds any grant at all for the
// action on the project. Record-level operations such as delete use this
// check, field-level resolution uses ResolveField.
func (g *Gate) MayAct(project *schema.Project, action core.Action, identity Identity, scopes []string) bool {
	if identity.Admin {
		return true
	}
	keys := make([]grantKey, 0, len(scopes)+1)
	keys = append(keys, grantKey{project: project.Code, scope: "", action: action})
	for _, scope := range scopes {
		keys = append(keys, grantKey{project: project.Code, scope: scope, action: action})
	}
	for _, key := range keys {
		if len(g.grants[key]) > 0 {
			return true
		}
	}
	return false
}

// Fields returns the flattened, sorted set of field paths the identity may
// perform the action on. It drives default include sets and suggestion
// lists.
func (g *Gate) Fields(project *schema.Project, action core.Action, identity Identity, scopes []string) []string {
	all := flattenPaths(project)
	var fields []string
	for _, path := range all {
		if identity.Admin || g.allowed(project.Code, action, scopes, path) {
			if identity.Admin || action == core.ActionView ||
				g.allowed(project.Code, core.ActionView, scopes, path) {
				fields = append(fields, path)
			}
		}
	}
	sort.Strings(fields)
	return fields
}

// suggest returns the nearest permitted field paths by edit distance
func (g *Gate) suggest(project *schema.Project, path string, identity Identity, scopes []string) []string {
	type candidate struct {
		path     string
		distance int
	}
	var candidates []candidate
	for _, permitted := range g.Fields(project, core.ActionView, identity, scopes) {
		d := levenshtein.Distance(strings.ToLower(path), strings.ToLower(permitted), nil)
		if d <= 3 {
			candidates = append(candidates, candidate{path: permitted, distance: d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].path < candidates[j].path
	})
	var suggestions []string
	for i, c := range candidates {
		if i == 3 {
			break
		}
		suggestions = append(suggestions, c.path)
	}
	return suggestions
}

// flattenPaths lists every structurally valid field path of the project,
// walking relation chains up to flattenDepth and never revisiting a kind
// on the same chain
func flattenPaths(project *schema.Project) []string {
	var paths []string
	var walk func(k *schema.RecordKind, prefix string, depth int, visited map[string]bool)
	walk = func(k *schema.RecordKind, prefix string, depth int, visited map[string]bool) {
		for _, name := range k.FieldNames() {
			if k.Field(name).Kind == kind.Relation {
				continue
			}
			paths = append(paths, prefix+name)
		}
		if depth == 0 {
			return
		}
		for _, name := range k.RelationNames() {
			rel := k.Relation(name)
			if visited[rel.Target.Name] {
				continue
			}
			visited[rel.Target.Name] = true
			walk(rel.Target, prefix+name+schema.Separator, depth-1, visited)
			delete(visited, rel.Target.Name)
		}
	}
	walk(project.Root, "", flattenDepth, map[string]bool{project.Root.Name: true})
	return paths
}
