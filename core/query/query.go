/*Package query compiles a nested boolean filter expression into a
validated, executable predicate.

A filter tree is a JSON-like structure where each node is either a
combinator {"&"|"|"|"^": [node, ...]}, a negation {"~": node}, or a leaf
{"field[__lookup]": value}. Compilation runs in four passes: atomize,
resolve, validate/clean, compile. Resolution and validation collect all
errors before reporting them as one batch; only structural errors fail
fast.
*/
package query

import (
	"context"
	"fmt"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/codec"
	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/schema"
)

// combinator keys
const (
	opAnd = "&"
	opOr  = "|"
	opXor = "^"
	opNot = "~"
)

// Atom is one leaf of a filter expression: a (field, lookup, value)
// triple. Atoms are shared between the flat atom list and the tree shape,
// so cleaning is reflected back into the tree.
type Atom struct {
	// Key is the original leaf key, e.g. "samples__barcode__iexact"
	Key string
	// Raw is the raw value as given in the filter
	Raw interface{}
	// Field is filled by Resolve
	Field *schema.ResolvedField
	// Value is the cleaned, normalized value filled by Clean
	Value interface{}
}

// Lookup returns the atom's effective lookup operator
func (a *Atom) Lookup() kind.Lookup {
	if a.Field == nil || !a.Field.HasLookup {
		return kind.LookupExact
	}
	return a.Field.Lookup
}

type node struct {
	op       string // one of the combinator keys, or "" for a leaf
	children []*node
	atom     *Atom
}

// Filter is an atomized filter expression
type Filter struct {
	root  *node
	Atoms []*Atom
}

// Resolver resolves a field path to a schema field, enforcing
// permissions. Implemented by binding the access gate to a project,
// action and identity.
type Resolver interface {
	ResolveField(path string, allowLookup bool) (*schema.ResolvedField, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(path string, allowLookup bool) (*schema.ResolvedField, error)

// ResolveField implements Resolver
func (f ResolverFunc) ResolveField(path string, allowLookup bool) (*schema.ResolvedField, error) {
	return f(path, allowLookup)
}

// Parse atomizes a filter tree. It rejects non-object nodes, empty
// combinator lists and multi-key leaves outright; these are structural
// errors detected too early to batch safely. An empty or nil tree parses
// to the match-everything filter.
func Parse(tree interface{}) (*Filter, error) {
	f := &Filter{}
	if tree == nil {
		f.root = &node{op: opAnd}
		return f, nil
	}
	root, err := f.parseNode(tree)
	if err != nil {
		return nil, err
	}
	f.root = root
	return f, nil
}

func (f *Filter) parseNode(tree interface{}) (*node, error) {
	object, ok := tree.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("filter node must be an object, got %T", tree)
	}
	if len(object) == 0 {
		return &node{op: opAnd}, nil
	}

	// a combinator node has exactly the combinator key
	if len(object) == 1 {
		for key, value := range object {
			switch key {
			case opAnd, opOr, opXor:
				list, ok := value.([]interface{})
				if !ok {
					return nil, fmt.Errorf("combinator '%s' requires a list", key)
				}
				if len(list) == 0 {
					return nil, fmt.Errorf("combinator '%s' must not be empty", key)
				}
				n := &node{op: key}
				for _, item := range list {
					child, err := f.parseNode(item)
					if err != nil {
						return nil, err
					}
					n.children = append(n.children, child)
				}
				return n, nil
			case opNot:
				child, err := f.parseNode(value)
				if err != nil {
					return nil, err
				}
				return &node{op: opNot, children: []*node{child}}, nil
			}
		}
	}

	// leaf: exactly one field key
	if len(object) > 1 {
		return nil, fmt.Errorf("filter leaf must have exactly one key, got %d", len(object))
	}
	for key, value := range object {
		atom := &Atom{Key: key, Raw: value}
		f.Atoms = append(f.Atoms, atom)
		return &node{atom: atom}, nil
	}
	return nil, fmt.Errorf("empty filter leaf")
}

// Resolve runs every atom's key through the resolver with lookups
// allowed. All resolution errors are collected together and reported as
// one batch, never fail fast.
func (f *Filter) Resolve(resolver Resolver) error {
	verr := core.ValidationError{}
	for _, atom := range f.Atoms {
		resolved, err := resolver.ResolveField(atom.Key, true)
		if err != nil {
			verr.Add(atom.Key, "%s", err.Error())
			continue
		}
		atom.Field = resolved
	}
	return verr.AsError()
}

// Clean validates and normalizes every atom's value through the matching
// value codec. Atoms sharing the same resolved field are distributed
// across parallel layers so that each constraint is independently
// validated. A field compared with "ne" against an empty value is
// rewritten to the logically equivalent is-not-null form.
func (f *Filter) Clean(ctx context.Context, cc codec.Context) error {
	layers := map[string][]*Atom{}
	for _, atom := range f.Atoms {
		layers[atom.Field.Path] = append(layers[atom.Field.Path], atom)
	}

	verr := core.ValidationError{}
	for _, layer := range layers {
		for _, atom := range layer {
			if atom.Lookup() == kind.LookupNe && isEmptyRaw(atom.Raw) {
				atom.Field.Lookup = kind.LookupIsnull
				atom.Field.HasLookup = true
				atom.Value = false
				continue
			}
			value, err := codec.Clean(ctx, cc, atom.Field, atom.Raw)
			if err != nil {
				verr.Add(atom.Field.Path, "%s", err.Error())
				continue
			}
			atom.Value = value
		}
	}
	return verr.AsError()
}

func isEmptyRaw(raw interface{}) bool {
	if raw == nil {
		return true
	}
	s, ok := raw.(string)
	return ok && s == ""
}

// Compile re-walks the original tree shape, replacing each leaf with its
// cleaned atom and reducing the combinators into one executable
// predicate. An empty top-level filter compiles to match-everything.
func (f *Filter) Compile() Predicate {
	return compileNode(f.root)
}

func compileNode(n *node) Predicate {
	if n.atom != nil {
		return Cond{Atom: n.atom}
	}
	switch n.op {
	case opNot:
		return Not{Pred: compileNode(n.children[0])}
	case opAnd:
		if len(n.children) == 0 {
			return True{}
		}
		preds := make([]Predicate, len(n.children))
		for i, child := range n.children {
			preds[i] = compileNode(child)
		}
		return And{Preds: preds}
	case opOr:
		preds := make([]Predicate, len(n.children))
		for i, child := range n.children {
			preds[i] = compileNode(child)
		}
		return Or{Preds: preds}
	case opXor:
		preds := make([]Predicate, len(n.children))
		for i, child := range n.children {
			preds[i] = compileNode(child)
		}
		return Xor{Preds: preds}
	}
	return True{}
}
