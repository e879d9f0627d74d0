package query

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/codec"
	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/schema"
)

// Predicate is a compiled filter expression, a tagged-union tree of
// And/Or/Xor/Not combinators over atom conditions.
type Predicate interface {
	isPredicate()
}

// And matches when all sub-predicates match
type And struct{ Preds []Predicate }

// Or matches when at least one sub-predicate matches
type Or struct{ Preds []Predicate }

// Xor matches when an odd number of sub-predicates match
type Xor struct{ Preds []Predicate }

// Not matches when the sub-predicate does not match
type Not struct{ Pred Predicate }

// Cond matches the atom's field against its cleaned value
type Cond struct{ Atom *Atom }

// True matches everything
type True struct{}

func (And) isPredicate()  {}
func (Or) isPredicate()   {}
func (Xor) isPredicate()  {}
func (Not) isPredicate()  {}
func (Cond) isPredicate() {}
func (True) isPredicate() {}

// Eval is the single recursive evaluator for compiled predicates. It
// decides whether a record satisfies the predicate under the declared
// combinator semantics.
func Eval(p Predicate, record core.Record) bool {
	switch pred := p.(type) {
	case True:
		return true
	case And:
		for _, sub := range pred.Preds {
			if !Eval(sub, record) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range pred.Preds {
			if Eval(sub, record) {
				return true
			}
		}
		return false
	case Xor:
		matched := 0
		for _, sub := range pred.Preds {
			if Eval(sub, record) {
				matched++
			}
		}
		return matched%2 == 1
	case Not:
		return !Eval(pred.Pred, record)
	case Cond:
		return evalCond(pred.Atom, record)
	}
	return false
}

// evalCond walks the atom's relation chain; a comparison across a to-many
// chain matches when at least one reachable sub-record satisfies it.
func evalCond(atom *Atom, record core.Record) bool {
	scope := []core.Record{record}
	for _, rel := range atom.Field.Chain {
		var next []core.Record
		for _, rec := range scope {
			next = append(next, relatedRecords(rec, rel)...)
		}
		scope = next
	}

	// a relation can only be tested for presence of at least one
	// related sub-record
	if atom.Field.Relation != nil {
		wantNull, _ := atom.Value.(bool)
		exists := false
		for _, rec := range scope {
			if len(relatedRecords(rec, atom.Field.Relation)) > 0 {
				exists = true
				break
			}
		}
		return exists != wantNull
	}

	name := atom.Field.Field.Name
	if atom.Lookup() == kind.LookupIsnull {
		wantNull, _ := atom.Value.(bool)
		present := false
		for _, rec := range scope {
			if hasValue(rec[name]) {
				present = true
				break
			}
		}
		return present != wantNull
	}

	for _, rec := range scope {
		value := rec[name]
		if !hasValue(value) {
			// an absent value is distinct from every concrete value
			if atom.Lookup() == kind.LookupNe {
				return true
			}
			continue
		}
		if matchValue(atom, value) {
			return true
		}
	}
	return false
}

// hasValue mirrors the relational store's null convention: text columns
// keep missing values as NULL or '', both count as absent.
func hasValue(value interface{}) bool {
	if value == nil {
		return false
	}
	if s, ok := value.(string); ok {
		return s != ""
	}
	return true
}

func relatedRecords(record core.Record, rel *schema.Relation) []core.Record {
	value, ok := record[rel.Name]
	if !ok || value == nil {
		return nil
	}
	switch v := value.(type) {
	case []core.Record:
		return v
	case []interface{}:
		var records []core.Record
		for _, item := range v {
			if rec, ok := item.(map[string]interface{}); ok {
				records = append(records, rec)
			}
		}
		return records
	case map[string]interface{}:
		return []core.Record{v}
	}
	return nil
}

func matchValue(atom *Atom, value interface{}) bool {
	fieldKind := atom.Field.Kind()
	lookup := atom.Lookup()

	switch lookup {
	case kind.LookupIn:
		items, _ := atom.Value.([]interface{})
		for _, item := range items {
			if equalValue(fieldKind, value, item) {
				return true
			}
		}
		return false
	case kind.LookupRange:
		items, _ := atom.Value.([]interface{})
		if len(items) != 2 {
			return false
		}
		return compareValue(fieldKind, value, items[0]) >= 0 &&
			compareValue(fieldKind, value, items[1]) <= 0
	case kind.LookupExact:
		return equalValue(fieldKind, value, atom.Value)
	case kind.LookupNe:
		return !equalValue(fieldKind, value, atom.Value)
	case kind.LookupLt:
		return compareValue(fieldKind, value, atom.Value) < 0
	case kind.LookupLte:
		return compareValue(fieldKind, value, atom.Value) <= 0
	case kind.LookupGt:
		return compareValue(fieldKind, value, atom.Value) > 0
	case kind.LookupGte:
		return compareValue(fieldKind, value, atom.Value) >= 0
	case kind.LookupYear:
		year, ok := calendarPart(fieldKind, value, "year")
		want, _ := atom.Value.(int64)
		return ok && year == want
	case kind.LookupWeek:
		week, ok := calendarPart(fieldKind, value, "week")
		want, _ := atom.Value.(int64)
		return ok && week == want
	}

	// remaining lookups are text lookups
	s, ok := value.(string)
	if !ok {
		return false
	}
	want, _ := atom.Value.(string)
	switch lookup {
	case kind.LookupIexact:
		return strings.EqualFold(s, want)
	case kind.LookupContains:
		return strings.Contains(s, want)
	case kind.LookupIcontains:
		return strings.Contains(strings.ToLower(s), strings.ToLower(want))
	case kind.LookupStartswith:
		return strings.HasPrefix(s, want)
	case kind.LookupIstartswith:
		return strings.HasPrefix(strings.ToLower(s), strings.ToLower(want))
	case kind.LookupEndswith:
		return strings.HasSuffix(s, want)
	case kind.LookupIendswith:
		return strings.HasSuffix(strings.ToLower(s), strings.ToLower(want))
	case kind.LookupRegex:
		re, err := regexp.Compile(want)
		return err == nil && re.MatchString(s)
	case kind.LookupLength:
		length, _ := atom.Value.(int64)
		return int64(len(s)) == length
	}
	return false
}

func equalValue(fieldKind kind.Kind, value, want interface{}) bool {
	switch fieldKind {
	case kind.Integer, kind.Decimal:
		a, aok := toFloat(value)
		b, bok := toFloat(want)
		return aok && bok && a == b
	case kind.Boolean:
		a, aok := value.(bool)
		b, bok := want.(bool)
		return aok && bok && a == b
	case kind.Choice:
		a, aok := value.(string)
		b, bok := want.(string)
		return aok && bok && schema.Normalize(a) == b
	default:
		a, aok := value.(string)
		b, bok := want.(string)
		return aok && bok && a == b
	}
}

// compareValue returns -1, 0 or 1; canonical date strings compare
// correctly as strings
func compareValue(fieldKind kind.Kind, value, want interface{}) int {
	switch fieldKind {
	case kind.Integer, kind.Decimal:
		a, aok := toFloat(value)
		b, bok := toFloat(want)
		if !aok || !bok {
			return 1
		}
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	default:
		a, aok := value.(string)
		b, bok := want.(string)
		if !aok || !bok {
			return 1
		}
		return strings.Compare(a, b)
	}
}

func calendarPart(fieldKind kind.Kind, value interface{}, part string) (int64, bool) {
	s, ok := value.(string)
	if !ok {
		return 0, false
	}
	var t time.Time
	var err error
	switch fieldKind {
	case kind.DateMonth:
		t, err = time.Parse(codec.FormatMonth, s)
	case kind.DateDay:
		t, err = time.Parse(codec.FormatDay, s)
	case kind.DateTime:
		t, err = time.Parse(codec.FormatDateTime, s)
	default:
		return 0, false
	}
	if err != nil {
		return 0, false
	}
	if part == "week" {
		_, week := t.ISOWeek()
		return int64(week), true
	}
	return int64(t.Year()), true
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
