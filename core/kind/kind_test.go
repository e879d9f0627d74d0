package kind

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestSupports(t *testing.T) {
	if !Text.Supports(LookupIcontains) {
		t.Fatal("text must support icontains")
	}
	if Integer.Supports(LookupIcontains) {
		t.Fatal("integer must not support icontains")
	}
	if !DateDay.Supports(LookupWeek) {
		t.Fatal("date must support week")
	}
	if DateMonth.Supports(LookupWeek) {
		t.Fatal("date-month must not support week")
	}
	if !Anonymised.Supports(LookupExact) || Anonymised.Supports(LookupContains) {
		t.Fatal("anonymised supports equality only")
	}
	if !Relation.Supports(LookupIsnull) || Relation.Supports(LookupExact) {
		t.Fatal("relations support isnull only")
	}
}

func TestParseLookup(t *testing.T) {
	if l, ok := ParseLookup("iexact"); !ok || l != LookupIexact {
		t.Fatal("iexact not recognized")
	}
	if _, ok := ParseLookup("like"); ok {
		t.Fatal("unknown lookup accepted")
	}
}

func TestUnmarshal(t *testing.T) {
	var k Kind
	if err := json.Unmarshal([]byte(`"date-day"`), &k); err != nil || k != DateDay {
		t.Fatal("cannot unmarshal date-day")
	}
	if err := json.Unmarshal([]byte(`"varchar"`), &k); err == nil {
		t.Fatal("invalid kind accepted")
	}
}

func TestKinds(t *testing.T) {
	all := Kinds()
	if len(all) != 10 {
		t.Fatal("unexpected number of kinds:", len(all))
	}
	for _, k := range all {
		if k.Label() == "" {
			t.Fatal("kind without label:", k)
		}
		if len(k.Lookups()) == 0 {
			t.Fatal("kind without lookups:", k)
		}
	}
}
