package schema

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/trellis-data/trellis/core/kind"
)

// Rules is the compiled cross-field rule set of a project. A rule applies
// to every record kind that carries all of the rule's fields.
type Rules struct {
	OptionalGroups [][]string
	Orderings      []Ordering
	NonFuture      []string
	Conditionals   []Conditional
}

// Ordering requires Lower <= Higher
type Ordering struct {
	Lower  string
	Higher string
}

// Conditional makes the listed fields required when the compiled
// condition evaluates to true against the merged record
type Conditional struct {
	When    string
	Require []string
	program *vm.Program
}

// Holds returns true if the condition evaluates to true for the given
// record and action. Evaluation errors count as "does not hold"; the
// condition compiled at boot, a runtime failure can only come from
// unexpected value types in the record.
func (c *Conditional) Holds(record map[string]interface{}, action string) bool {
	out, err := expr.Run(c.program, map[string]interface{}{
		"record": record,
		"action": action,
	})
	if err != nil {
		return false
	}
	holds, ok := out.(bool)
	return ok && holds
}

func newRules(kinds map[string]*RecordKind, rc *RulesConfiguration) (*Rules, error) {
	rules := &Rules{
		NonFuture: append([]string{}, rc.NonFuture...),
	}

	// some kind must carry all fields of a rule together
	someKindHasAll := func(fields ...string) bool {
		for _, rk := range kinds {
			all := true
			for _, name := range fields {
				if rk.Field(name) == nil {
					all = false
					break
				}
			}
			if all {
				return true
			}
		}
		return false
	}

	for _, group := range rc.OptionalGroups {
		if len(group) < 2 {
			return nil, fmt.Errorf("optional value group %v needs at least two fields", group)
		}
		if !someKindHasAll(group...) {
			return nil, fmt.Errorf("optional value group %v does not match any record kind", group)
		}
		rules.OptionalGroups = append(rules.OptionalGroups, append([]string{}, group...))
	}

	for _, oc := range rc.Orderings {
		if !someKindHasAll(oc.Lower, oc.Higher) {
			return nil, fmt.Errorf("ordering %s <= %s does not match any record kind", oc.Lower, oc.Higher)
		}
		rules.Orderings = append(rules.Orderings, Ordering{Lower: oc.Lower, Higher: oc.Higher})
	}

	for _, name := range rc.NonFuture {
		found := false
		for _, rk := range kinds {
			if f := rk.Field(name); f != nil {
				if !f.Kind.IsDate() {
					return nil, fmt.Errorf("non-future rule field %s is not a date field", name)
				}
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("non-future rule references unknown field %s", name)
		}
	}

	for _, cc := range rc.Conditionals {
		program, err := expr.Compile(cc.When, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("conditional rule %q does not compile: %w", cc.When, err)
		}
		if !someKindHasAll(cc.Require...) {
			return nil, fmt.Errorf("conditional rule %q requires fields that do not match any record kind", cc.When)
		}
		for _, name := range cc.Require {
			for _, rk := range kinds {
				if f := rk.Field(name); f != nil && f.Kind == kind.Relation {
					return nil, fmt.Errorf("conditional rule %q cannot require relation %s", cc.When, name)
				}
			}
		}
		rules.Conditionals = append(rules.Conditionals, Conditional{
			When:    cc.When,
			Require: append([]string{}, cc.Require...),
			program: program,
		})
	}

	return rules, nil
}
