/*Package codec provides the per (kind, lookup) parse, normalize and
validate functions used by the query compiler and the record graph engine.

All codecs are pure except anonymised-value tokenization, which goes
through the Anonymiser collaborator.
*/
package codec

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/schema"
)

// accepted calendar formats, one per kind
const (
	FormatMonth    = "2006-01"
	FormatDay      = "2006-01-02"
	FormatDateTime = time.RFC3339
)

// Anonymiser maps a (project, site, field, normalized value) tuple to its
// stable externally-visible token, creating the mapping lazily on first
// write.
type Anonymiser interface {
	Tokenize(ctx context.Context, project, site, field, value string) (string, error)
}

// Context carries the request-independent collaborators a codec needs
type Context struct {
	Project    string
	Site       string
	Choices    *schema.ChoiceSet
	Anonymiser Anonymiser
}

// truthy/falsy token vocabulary for boolean values
var booleanTokens = map[string]bool{
	"true": true, "t": true, "yes": true, "y": true, "1": true, "on": true,
	"false": false, "f": false, "no": false, "n": false, "0": false, "off": false,
}

// Clean parses and normalizes the raw value of a filter atom according to
// the resolved field's kind and lookup. The returned value is the
// normalized form the predicate evaluator and the SQL emitter operate on.
func Clean(ctx context.Context, cc Context, field *schema.ResolvedField, raw interface{}) (interface{}, error) {
	lookup := field.Lookup
	if !field.HasLookup {
		lookup = kind.LookupExact
	}

	switch lookup {
	case kind.LookupIsnull:
		return cleanBoolean(raw)
	case kind.LookupLength, kind.LookupYear, kind.LookupWeek:
		return cleanInteger(raw)
	case kind.LookupRegex:
		pattern, err := cleanString(raw)
		if err != nil {
			return nil, err
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("invalid regular expression: %v", err)
		}
		return pattern, nil
	case kind.LookupIn:
		items, err := splitList(raw)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("membership lookup needs at least one value")
		}
		return cleanEach(ctx, cc, field, items)
	case kind.LookupRange:
		items, err := splitList(raw)
		if err != nil {
			return nil, err
		}
		if len(items) != 2 {
			return nil, fmt.Errorf("range lookup needs exactly two values, got %d", len(items))
		}
		return cleanEach(ctx, cc, field, items)
	}

	return cleanScalar(ctx, cc, field.Field, raw)
}

func cleanEach(ctx context.Context, cc Context, field *schema.ResolvedField, items []interface{}) ([]interface{}, error) {
	cleaned := make([]interface{}, len(items))
	for i, item := range items {
		value, err := cleanScalar(ctx, cc, field.Field, item)
		if err != nil {
			return nil, err
		}
		cleaned[i] = value
	}
	return cleaned, nil
}

// CleanValue parses and normalizes a payload value for a write to the
// given field. A nil value is accepted for nullable fields only.
func CleanValue(ctx context.Context, cc Context, field *schema.Field, raw interface{}) (interface{}, error) {
	if raw == nil {
		if !field.Nullable {
			return nil, fmt.Errorf("field is not nullable")
		}
		return nil, nil
	}
	if s, ok := raw.(string); ok && s == "" {
		// the empty string counts as empty, not as a value; only
		// string-typed kinds can store it
		switch field.Kind {
		case kind.Text, kind.Choice, kind.Anonymised,
			kind.DateMonth, kind.DateDay, kind.DateTime:
			return "", nil
		}
		if !field.Nullable {
			return nil, fmt.Errorf("field is not nullable")
		}
		return nil, nil
	}
	value, err := cleanScalar(ctx, cc, field, raw)
	if err != nil {
		return nil, err
	}
	// new writes of a choice value require the choice to be active;
	// historical values are not revalidated on read
	if field.Kind == kind.Choice {
		if choice, ok := cc.Choices.Match(field.Name, value.(string)); ok && !choice.Active {
			return nil, fmt.Errorf("value '%s' is no longer accepted", value)
		}
	}
	return value, nil
}

func cleanScalar(ctx context.Context, cc Context, field *schema.Field, raw interface{}) (interface{}, error) {
	switch field.Kind {
	case kind.Text:
		return cleanString(raw)
	case kind.Choice:
		s, err := cleanString(raw)
		if err != nil {
			return nil, err
		}
		choice, ok := cc.Choices.Match(field.Name, s)
		if !ok {
			return nil, fmt.Errorf("'%s' is not a valid choice", strings.TrimSpace(s))
		}
		return choice.Value, nil
	case kind.Integer:
		return cleanInteger(raw)
	case kind.Decimal:
		return cleanDecimal(raw)
	case kind.DateMonth:
		return cleanDate(raw, FormatMonth)
	case kind.DateDay:
		return cleanDate(raw, FormatDay)
	case kind.DateTime:
		return cleanDateTime(raw)
	case kind.Boolean:
		return cleanBoolean(raw)
	case kind.Anonymised:
		s, err := cleanString(raw)
		if err != nil {
			return nil, err
		}
		if cc.Anonymiser == nil {
			return nil, fmt.Errorf("no anonymiser configured")
		}
		return cc.Anonymiser.Tokenize(ctx, cc.Project, cc.Site, field.Name, schema.Normalize(s))
	case kind.Relation:
		return nil, fmt.Errorf("a relation cannot be compared by value")
	}
	return nil, fmt.Errorf("unsupported field kind %s", field.Kind)
}

func cleanString(raw interface{}) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", raw)
	}
	return s, nil
}

func cleanInteger(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("'%s' is not an integer", v)
		}
		return n, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	}
	return 0, fmt.Errorf("expected an integer, got %T", raw)
}

func cleanDecimal(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("'%s' is not a number", v)
		}
		return f, nil
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", raw)
}

// cleanDate accepts exactly one format per kind and returns the canonical
// string form; canonical forms compare correctly both lexicographically
// and as typed columns.
func cleanDate(raw interface{}, format string) (string, error) {
	s, err := cleanString(raw)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	t, err := time.Parse(format, s)
	if err != nil {
		return "", fmt.Errorf("'%s' is not a valid date, expected format %s", s, format)
	}
	return t.Format(format), nil
}

func cleanDateTime(raw interface{}) (string, error) {
	s, err := cleanString(raw)
	if err != nil {
		return "", err
	}
	s = strings.TrimSpace(s)
	t, err := time.Parse(FormatDateTime, s)
	if err != nil {
		return "", fmt.Errorf("'%s' is not a valid timestamp, expected RFC3339", s)
	}
	return t.UTC().Format(FormatDateTime), nil
}

func cleanBoolean(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, ok := booleanTokens[strings.ToLower(strings.TrimSpace(v))]
		if !ok {
			return false, fmt.Errorf("'%s' is not a boolean value", v)
		}
		return b, nil
	}
	return false, fmt.Errorf("expected a boolean, got %T", raw)
}

// splitList accepts either a JSON list or a comma-separated string
func splitList(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case []interface{}:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		parts := strings.Split(v, ",")
		items := make([]interface{}, len(parts))
		for i, part := range parts {
			items[i] = strings.TrimSpace(part)
		}
		return items, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", raw)
}

// IsEmpty reports whether a value counts as empty for required-field and
// optional-value-group checks.
func IsEmpty(value interface{}) bool {
	if value == nil {
		return true
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
