package schema

import (
	"fmt"
	"strings"
)

// Choice is one valid value of a choice field
type Choice struct {
	Field  string
	Value  string
	Active bool
	// Constraints is the symmetric constraint relation to other choices.
	// If choice A lists choice B, B also lists A; this invariant is
	// checked at configuration time, not request time.
	Constraints []ChoiceReference
}

// ChoiceSet holds all choices of a project, keyed by field and
// normalized value
type ChoiceSet struct {
	byField map[string]map[string]*Choice
	order   map[string][]string
}

// Normalize maps a raw choice value to its canonical stored form
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func newChoiceSet(pc *ProjectConfiguration) (*ChoiceSet, error) {
	set := &ChoiceSet{
		byField: make(map[string]map[string]*Choice),
		order:   make(map[string][]string),
	}
	for _, cc := range pc.Choices {
		value := Normalize(cc.Value)
		if value == "" {
			return nil, fmt.Errorf("choice for field %s has an empty value", cc.Field)
		}
		if _, ok := set.byField[cc.Field][value]; ok {
			return nil, fmt.Errorf("duplicate choice %s for field %s", value, cc.Field)
		}
		active := true
		if cc.Active != nil {
			active = *cc.Active
		}
		choice := &Choice{
			Field:  cc.Field,
			Value:  value,
			Active: active,
		}
		for _, ref := range cc.Constraints {
			choice.Constraints = append(choice.Constraints, ChoiceReference{
				Field: ref.Field,
				Value: Normalize(ref.Value),
			})
		}
		if set.byField[cc.Field] == nil {
			set.byField[cc.Field] = make(map[string]*Choice)
		}
		set.byField[cc.Field][value] = choice
		set.order[cc.Field] = append(set.order[cc.Field], value)
	}

	// constraint pairs between choices must be mutually listed
	for field, values := range set.byField {
		for value, choice := range values {
			for _, ref := range choice.Constraints {
				other, ok := set.byField[ref.Field][ref.Value]
				if !ok {
					return nil, fmt.Errorf("choice %s=%s lists unknown constraint %s=%s",
						field, value, ref.Field, ref.Value)
				}
				if !other.lists(field, value) {
					return nil, fmt.Errorf("choice constraint between %s=%s and %s=%s is not mutual",
						field, value, ref.Field, ref.Value)
				}
			}
		}
	}
	return set, nil
}

func (c *Choice) lists(field, value string) bool {
	for _, ref := range c.Constraints {
		if ref.Field == field && ref.Value == value {
			return true
		}
	}
	return false
}

// Match resolves a raw value against the choices of a field,
// case-insensitively and ignoring surrounding whitespace.
func (c *ChoiceSet) Match(field, raw string) (*Choice, bool) {
	choice, ok := c.byField[field][Normalize(raw)]
	return choice, ok
}

// HasChoices returns true if the field has configured choices
func (c *ChoiceSet) HasChoices(field string) bool {
	return len(c.byField[field]) > 0
}

// ActiveValues returns the currently active values of a field in
// declaration order
func (c *ChoiceSet) ActiveValues(field string) []string {
	var values []string
	for _, value := range c.order[field] {
		if c.byField[field][value].Active {
			values = append(values, value)
		}
	}
	return values
}

// Constrained returns true if the two stored choice values are mutually
// listed as constraints of each other
func (c *ChoiceSet) Constrained(aField, aValue, bField, bValue string) bool {
	choice, ok := c.byField[aField][aValue]
	if !ok {
		return false
	}
	return choice.lists(bField, bValue)
}
