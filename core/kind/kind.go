/*Package kind provides the registry of field types and the closed list of
lookup operators each type supports.
*/
package kind

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Kind is the type of a field
type Kind string

// all supported field kinds
const (
	Text       Kind = "text"
	Choice     Kind = "choice"
	Integer    Kind = "integer"
	Decimal    Kind = "decimal"
	DateMonth  Kind = "date-month"
	DateDay    Kind = "date-day"
	DateTime   Kind = "datetime"
	Boolean    Kind = "boolean"
	Anonymised Kind = "anonymised"
	Relation   Kind = "relation"
)

// Lookup is an operator applicable to a field's kind
type Lookup string

// all supported lookup operators
const (
	LookupExact       Lookup = "exact"
	LookupIexact      Lookup = "iexact"
	LookupNe          Lookup = "ne"
	LookupContains    Lookup = "contains"
	LookupIcontains   Lookup = "icontains"
	LookupStartswith  Lookup = "startswith"
	LookupIstartswith Lookup = "istartswith"
	LookupEndswith    Lookup = "endswith"
	LookupIendswith   Lookup = "iendswith"
	LookupRegex       Lookup = "regex"
	LookupLength      Lookup = "length"
	LookupIn          Lookup = "in"
	LookupLt          Lookup = "lt"
	LookupLte         Lookup = "lte"
	LookupGt          Lookup = "gt"
	LookupGte         Lookup = "gte"
	LookupRange       Lookup = "range"
	LookupYear        Lookup = "year"
	LookupWeek        Lookup = "week"
	LookupIsnull      Lookup = "isnull"
)

var labels = map[Kind]string{
	Text:       "Text",
	Choice:     "Choice",
	Integer:    "Integer",
	Decimal:    "Decimal",
	DateMonth:  "Date (year and month)",
	DateDay:    "Date",
	DateTime:   "Date and time",
	Boolean:    "Boolean",
	Anonymised: "Anonymised text",
	Relation:   "Relation",
}

var orderingLookups = []Lookup{
	LookupExact, LookupNe, LookupLt, LookupLte, LookupGt, LookupGte,
	LookupRange, LookupIn, LookupIsnull,
}

var lookups = map[Kind][]Lookup{
	Text: {
		LookupExact, LookupIexact, LookupNe,
		LookupContains, LookupIcontains,
		LookupStartswith, LookupIstartswith,
		LookupEndswith, LookupIendswith,
		LookupRegex, LookupLength, LookupIn, LookupIsnull,
	},
	Choice:     {LookupExact, LookupNe, LookupIn, LookupIsnull},
	Integer:    orderingLookups,
	Decimal:    orderingLookups,
	DateMonth:  append(orderingLookups, LookupYear),
	DateDay:    append(orderingLookups, LookupYear, LookupWeek),
	DateTime:   append(orderingLookups, LookupYear, LookupWeek),
	Boolean:    {LookupExact, LookupNe, LookupIn, LookupIsnull},
	Anonymised: {LookupExact, LookupIn, LookupIsnull},
	Relation:   {LookupIsnull},
}

// Kinds returns all field kinds in declaration order
func Kinds() []Kind {
	return []Kind{
		Text, Choice, Integer, Decimal,
		DateMonth, DateDay, DateTime,
		Boolean, Anonymised, Relation,
	}
}

// Label returns the display label for the kind
func (k Kind) Label() string {
	return labels[k]
}

// Lookups returns the closed list of lookup operators valid for the kind
func (k Kind) Lookups() []Lookup {
	return lookups[k]
}

// Supports returns true if the lookup is valid for the kind
func (k Kind) Supports(l Lookup) bool {
	for _, lookup := range lookups[k] {
		if lookup == l {
			return true
		}
	}
	return false
}

// IsDate returns true for the calendar kinds
func (k Kind) IsDate() bool {
	return k == DateMonth || k == DateDay || k == DateTime
}

// UnmarshalJSON is a custom JSON unmarshaller, it validates the kind
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = Kind(s)
	if _, ok := labels[*k]; !ok {
		return fmt.Errorf("%s is not a valid field kind", s)
	}
	return nil
}

// ParseLookup validates a lookup operator string
func ParseLookup(s string) (Lookup, bool) {
	l := Lookup(s)
	for _, list := range lookups {
		for _, lookup := range list {
			if lookup == l {
				return l, true
			}
		}
	}
	return "", false
}
