package query

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/codec"
	"github.com/trellis-data/trellis/core/schema"
)

var testConfigurationJSON = `
{
	"projects": [
	  {
		"code": "survey",
		"root": "case",
		"kinds": [
		  {
			"name": "case",
			"fields": [
			  {"name": "country", "kind": "choice"},
			  {"name": "region", "kind": "text"},
			  {"name": "onset_date", "kind": "date-day"},
			  {"name": "age", "kind": "integer", "nullable": true}
			],
			"relations": [
			  {"name": "samples", "target": "sample", "to_many": true}
			]
		  },
		  {
			"name": "sample",
			"fields": [
			  {"name": "barcode", "kind": "text"},
			  {"name": "ct_value", "kind": "decimal"}
			]
		  }
		],
		"choices": [
		  {"field": "country", "value": "eng"},
		  {"field": "country", "value": "wal"}
		]
	  }
	]
}
`

func testProject(t *testing.T) *schema.Project {
	t.Helper()
	var config schema.Configuration
	if err := json.Unmarshal([]byte(testConfigurationJSON), &config); err != nil {
		t.Fatal(err)
	}
	graph, err := schema.New(&config)
	if err != nil {
		t.Fatal(err)
	}
	return graph.Project("survey")
}

// compile runs the full pipeline on a JSON filter expression
func compile(t *testing.T, filterJSON string) Predicate {
	t.Helper()
	project := testProject(t)
	var tree interface{}
	if err := json.Unmarshal([]byte(filterJSON), &tree); err != nil {
		t.Fatal(err)
	}
	filter, err := Parse(tree)
	if err != nil {
		t.Fatal(err)
	}
	if err := filter.Resolve(ResolverFunc(project.Resolve)); err != nil {
		t.Fatal(err)
	}
	cc := codec.Context{Project: "survey", Choices: project.Choices}
	if err := filter.Clean(context.Background(), cc); err != nil {
		t.Fatal(err)
	}
	return filter.Compile()
}

func TestParse(t *testing.T) {
	_, err := Parse("country")
	assert.ErrorContains(t, err, "must be an object")

	var tree interface{}
	json.Unmarshal([]byte(`{"&": []}`), &tree)
	_, err = Parse(tree)
	assert.ErrorContains(t, err, "must not be empty")

	json.Unmarshal([]byte(`{"|": {"country": "eng"}}`), &tree)
	_, err = Parse(tree)
	assert.ErrorContains(t, err, "requires a list")

	json.Unmarshal([]byte(`{"country": "eng", "region": "nw"}`), &tree)
	_, err = Parse(tree)
	assert.ErrorContains(t, err, "exactly one key")
}

func TestResolveErrors(t *testing.T) {
	project := testProject(t)
	var tree interface{}
	json.Unmarshal([]byte(`{"&": [{"contry": "eng"}, {"region__week": 3}]}`), &tree)
	filter, err := Parse(tree)
	assert.NoError(t, err)

	// both problems come back in one batch, keyed by the leaf key
	err = filter.Resolve(ResolverFunc(project.Resolve))
	verr, ok := err.(core.ValidationError)
	if !ok {
		t.Fatal("expected a validation error, got:", err)
	}
	assert.Len(t, verr, 2)
	assert.Contains(t, verr, "contry")
	assert.Contains(t, verr, "region__week")
}

func TestEval(t *testing.T) {
	records := []core.Record{
		{"country": "eng", "region": "nw", "age": int64(30), "onset_date": "2024-03-05",
			"samples": []core.Record{
				{"barcode": "s1", "ct_value": 17.5},
				{"barcode": "s2", "ct_value": 31.0},
			}},
		{"country": "eng", "region": "se", "age": int64(64)},
		{"country": "wal", "onset_date": "2023-11-20"},
	}
	matches := func(filterJSON string) []int {
		pred := compile(t, filterJSON)
		var matched []int
		for i, record := range records {
			if Eval(pred, record) {
				matched = append(matched, i)
			}
		}
		return matched
	}

	// empty filters match everything
	assert.Equal(t, []int{0, 1, 2}, matches(`{}`))
	assert.True(t, Eval(mustCompileNil(t), records[2]))

	assert.Equal(t, []int{0, 1}, matches(`{"country": "eng"}`))
	assert.Equal(t, []int{2}, matches(`{"~": {"country": "eng"}}`))
	assert.Equal(t, []int{0}, matches(`{"&": [{"country": "eng"}, {"region": "nw"}]}`))
	assert.Equal(t, []int{0, 1, 2}, matches(`{"|": [{"country": "wal"}, {"region__startswith": "s"}, {"age": 30}]}`))

	// exclusive or matches an odd number of true branches
	assert.Equal(t, []int{0, 1}, matches(`{"^": [{"country": "eng"}, {"region": "nw"}, {"age__lt": 40}]}`))

	// comparing across a to-many chain matches when any sub-record does
	assert.Equal(t, []int{0}, matches(`{"samples__barcode": "s2"}`))
	assert.Equal(t, []int{0}, matches(`{"samples__ct_value__lt": 20}`))
	assert.Equal(t, []int(nil), matches(`{"samples__ct_value__gt": 40}`))

	// a bare relation tests for existence of related sub-records
	assert.Equal(t, []int{0}, matches(`{"samples__isnull": false}`))
	assert.Equal(t, []int{1, 2}, matches(`{"samples__isnull": true}`))

	// not-equal against the empty value reads as "has a value"
	assert.Equal(t, []int{0, 1}, matches(`{"region__ne": ""}`))
	assert.Equal(t, []int{0, 2}, matches(`{"onset_date__isnull": false}`))

	// lookups
	assert.Equal(t, []int{0, 1}, matches(`{"region__in": "nw, se"}`))
	assert.Equal(t, []int{0, 1}, matches(`{"age__range": [18, 65]}`))
	assert.Equal(t, []int{0}, matches(`{"onset_date__year": 2024}`))
	assert.Equal(t, []int{2}, matches(`{"onset_date__week": 47}`))
	assert.Equal(t, []int{0, 1}, matches(`{"region__length": 2}`))
	assert.Equal(t, []int{1}, matches(`{"region__regex": "^s.$"}`))
	assert.Equal(t, []int{0}, matches(`{"region__iexact": "NW"}`))
}

// the evaluator follows the relational store's convention that an empty
// text value and an absent value are the same
func TestEvalNullConvention(t *testing.T) {
	records := []core.Record{
		{"country": "eng", "region": ""},
		{"country": "eng"},
		{"country": "eng", "region": "nw"},
	}
	matches := func(filterJSON string) []int {
		pred := compile(t, filterJSON)
		var matched []int
		for i, record := range records {
			if Eval(pred, record) {
				matched = append(matched, i)
			}
		}
		return matched
	}

	assert.Equal(t, []int{0, 1}, matches(`{"region__isnull": true}`))
	assert.Equal(t, []int{2}, matches(`{"region__isnull": false}`))

	// an absent or empty value is distinct from every concrete value
	assert.Equal(t, []int{0, 1}, matches(`{"region__ne": "nw"}`))
	assert.Equal(t, []int{2}, matches(`{"region__ne": ""}`))
}

func mustCompileNil(t *testing.T) Predicate {
	t.Helper()
	filter, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	return filter.Compile()
}
