package postgres

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/query"
	"github.com/trellis-data/trellis/core/schema"
)

// builder numbers the positional parameters of one statement
type builder struct {
	args    []interface{}
	aliases int
}

func (b *builder) add(value interface{}) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *builder) alias() string {
	b.aliases++
	return fmt.Sprintf("c%d", b.aliases)
}

// emit renders a compiled predicate as a SQL condition over the root
// table alias. Relation chains become EXISTS subqueries on the
// sub-record tables, so to-many conditions keep their any-item-matches
// semantics.
func (s *Store) emit(p query.Predicate, project, alias string, b *builder) (string, error) {
	switch p := p.(type) {
	case nil, query.True:
		return "TRUE", nil
	case query.And:
		return s.emitList(p.Preds, " AND ", project, alias, b)
	case query.Or:
		return s.emitList(p.Preds, " OR ", project, alias, b)
	case query.Xor:
		parts := make([]string, len(p.Preds))
		for i, child := range p.Preds {
			condition, err := s.emit(child, project, alias, b)
			if err != nil {
				return "", err
			}
			parts[i] = "(" + condition + ")::int"
		}
		return "(" + strings.Join(parts, " + ") + ") % 2 = 1", nil
	case query.Not:
		condition, err := s.emit(p.Pred, project, alias, b)
		if err != nil {
			return "", err
		}
		return "NOT (" + condition + ")", nil
	case query.Cond:
		return s.emitChain(p.Atom, project, p.Atom.Field.Chain, alias, b)
	}
	return "", fmt.Errorf("unsupported predicate %T", p)
}

func (s *Store) emitList(preds []query.Predicate, op, project, alias string, b *builder) (string, error) {
	parts := make([]string, len(preds))
	for i, child := range preds {
		condition, err := s.emit(child, project, alias, b)
		if err != nil {
			return "", err
		}
		parts[i] = "(" + condition + ")"
	}
	return strings.Join(parts, op), nil
}

func (s *Store) emitChain(atom *query.Atom, project string, chain []*schema.Relation, alias string, b *builder) (string, error) {
	if len(chain) > 0 {
		t, err := s.table(project, chain[0].Name)
		if err != nil {
			return "", err
		}
		childAlias := b.alias()
		inner, err := s.emitChain(atom, project, chain[1:], childAlias, b)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.parent_id = %s.record_id AND %s)",
			s.ident(t.name), childAlias, childAlias, alias, inner), nil
	}

	if rel := atom.Field.Relation; rel != nil {
		// existence test on the relation itself
		t, err := s.table(project, rel.Name)
		if err != nil {
			return "", err
		}
		childAlias := b.alias()
		exists := fmt.Sprintf("EXISTS (SELECT 1 FROM %s %s WHERE %s.parent_id = %s.record_id)",
			s.ident(t.name), childAlias, childAlias, alias)
		if wantNull, _ := atom.Value.(bool); wantNull {
			return "NOT " + exists, nil
		}
		return exists, nil
	}

	return s.emitLookup(atom, alias, b)
}

func (s *Store) emitLookup(atom *query.Atom, alias string, b *builder) (string, error) {
	col := fmt.Sprintf("%s.\"%s\"", alias, atom.Field.Field.Name)

	switch atom.Lookup() {
	case kind.LookupExact:
		return fmt.Sprintf("%s = %s", col, b.add(atom.Value)), nil
	case kind.LookupIexact:
		return fmt.Sprintf("lower(%s) = lower(%s)", col, b.add(atom.Value)), nil
	case kind.LookupNe:
		return fmt.Sprintf("%s IS DISTINCT FROM %s", col, b.add(atom.Value)), nil
	case kind.LookupContains:
		return fmt.Sprintf("position(%s in %s) > 0", b.add(atom.Value), col), nil
	case kind.LookupIcontains:
		return fmt.Sprintf("position(lower(%s) in lower(%s)) > 0", b.add(atom.Value), col), nil
	case kind.LookupStartswith:
		return fmt.Sprintf("starts_with(%s, %s)", col, b.add(atom.Value)), nil
	case kind.LookupIstartswith:
		return fmt.Sprintf("starts_with(lower(%s), lower(%s))", col, b.add(atom.Value)), nil
	case kind.LookupEndswith:
		p := b.add(atom.Value)
		return fmt.Sprintf("right(%s, length(%s)) = %s", col, p, p), nil
	case kind.LookupIendswith:
		p := b.add(atom.Value)
		return fmt.Sprintf("right(lower(%s), length(%s)) = lower(%s)", col, p, p), nil
	case kind.LookupRegex:
		return fmt.Sprintf("%s ~ %s", col, b.add(atom.Value)), nil
	case kind.LookupLength:
		return fmt.Sprintf("char_length(%s) = %s", col, b.add(atom.Value)), nil
	case kind.LookupIn:
		values, ok := atom.Value.([]interface{})
		if !ok {
			return "", fmt.Errorf("membership lookup needs a list value")
		}
		return fmt.Sprintf("%s = ANY(%s)", col, b.add(pq.Array(values))), nil
	case kind.LookupLt:
		return fmt.Sprintf("%s < %s", col, b.add(atom.Value)), nil
	case kind.LookupLte:
		return fmt.Sprintf("%s <= %s", col, b.add(atom.Value)), nil
	case kind.LookupGt:
		return fmt.Sprintf("%s > %s", col, b.add(atom.Value)), nil
	case kind.LookupGte:
		return fmt.Sprintf("%s >= %s", col, b.add(atom.Value)), nil
	case kind.LookupRange:
		values, ok := atom.Value.([]interface{})
		if !ok || len(values) != 2 {
			return "", fmt.Errorf("range lookup needs two values")
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", col, b.add(values[0]), b.add(values[1])), nil
	case kind.LookupYear:
		return fmt.Sprintf("left(%s, 4)::int = %s", col, b.add(atom.Value)), nil
	case kind.LookupWeek:
		return fmt.Sprintf("extract(week from left(%s, 10)::date)::int = %s", col, b.add(atom.Value)), nil
	case kind.LookupIsnull:
		empty := fmt.Sprintf("%s IS NULL", col)
		if columnType(atom.Field.Field.Kind) == "text" {
			empty = fmt.Sprintf("(%s IS NULL OR %s = '')", col, col)
		}
		if wantNull, _ := atom.Value.(bool); wantNull {
			return empty, nil
		}
		return "NOT " + empty, nil
	}
	return "", fmt.Errorf("unsupported lookup %s", atom.Lookup())
}
