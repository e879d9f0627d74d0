package schema

import (
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/trellis-data/trellis/core/kind"
)

var testConfigurationJSON = `
{
	"projects": [
	  {
		"code": "Survey",
		"root": "case",
		"scopes": ["lab"],
		"kinds": [
		  {
			"name": "case",
			"fields": [
			  {"name": "country", "kind": "choice", "required": true},
			  {"name": "region", "kind": "choice"},
			  {"name": "onset_date", "kind": "date-day"},
			  {"name": "recovered_date", "kind": "date-day", "nullable": true}
			],
			"relations": [
			  {
				"name": "samples",
				"target": "sample",
				"to_many": true,
				"identified_by": ["barcode"]
			  },
			  {
				"name": "outcome",
				"target": "outcome"
			  }
			]
		  },
		  {
			"name": "sample",
			"fields": [
			  {"name": "barcode", "kind": "text", "required": true},
			  {"name": "sample_type", "kind": "choice"},
			  {"name": "year", "kind": "integer"}
			],
			"relations": [
			  {
				"name": "results",
				"target": "result",
				"to_many": true
			  }
			]
		  },
		  {
			"name": "result",
			"fields": [
			  {"name": "value", "kind": "decimal"}
			]
		  },
		  {
			"name": "outcome",
			"fields": [
			  {"name": "status", "kind": "choice"}
			]
		  }
		],
		"choices": [
		  {"field": "country", "value": "ENG"},
		  {"field": "country", "value": "wal", "constraints": [{"field": "region", "value": "nw"}]},
		  {"field": "region", "value": "nw", "constraints": [{"field": "country", "value": "wal"}]},
		  {"field": "region", "value": "old", "active": false},
		  {"field": "sample_type", "value": "swab"},
		  {"field": "status", "value": "recovered"}
		],
		"grants": [
		  {"action": "view", "fields": ["*"]}
		],
		"rules": {
		  "orderings": [{"lower": "onset_date", "higher": "recovered_date"}],
		  "non_future": ["onset_date"]
		}
	  }
	]
}
`

func testConfiguration(t *testing.T) *Configuration {
	t.Helper()
	var config Configuration
	if err := json.Unmarshal([]byte(testConfigurationJSON), &config); err != nil {
		t.Fatal(err)
	}
	return &config
}

func testGraph(t *testing.T) *Graph {
	t.Helper()
	graph, err := New(testConfiguration(t))
	if err != nil {
		t.Fatal(err)
	}
	return graph
}

func TestGraph(t *testing.T) {
	graph := testGraph(t)

	// project codes are case-insensitive
	project := graph.Project("SURVEY")
	if project == nil {
		t.Fatal("project not found")
	}
	assert.Equal(t, "survey", project.Code)
	assert.True(t, project.HasScope("lab"))
	assert.False(t, project.HasScope("admin"))

	root := project.Root
	if root.Field("country") == nil {
		t.Fatal("own field missing")
	}
	for _, name := range []string{"record_id", "created_at", "updated_at", "owner", "site", "published", "suppressed"} {
		field := root.Field(name)
		if field == nil || !field.System {
			t.Fatal("system field missing:", name)
		}
	}
	// sub-record kinds carry only the common system fields
	sample := root.Relation("samples").Target
	if sample.Field("record_id") == nil || sample.Field("published") != nil {
		t.Fatal("unexpected system fields on sub-record kind")
	}
}

func TestGraphValidation(t *testing.T) {
	buildWith := func(mutate func(config *Configuration)) error {
		config := testConfiguration(t)
		mutate(config)
		_, err := New(config)
		return err
	}

	err := buildWith(func(config *Configuration) {
		config.Projects[0].Root = "nonsense"
	})
	assert.ErrorContains(t, err, "root kind nonsense does not exist")

	err = buildWith(func(config *Configuration) {
		config.Projects[0].Kinds[0].Relations[0].Target = "nonsense"
	})
	assert.ErrorContains(t, err, "targets unknown kind")

	err = buildWith(func(config *Configuration) {
		config.Projects[0].Kinds[0].Relations[0].IdentifiedBy = []string{"nonsense"}
	})
	assert.ErrorContains(t, err, "identifier field nonsense does not exist")

	// relation names address storage and must be unique project-wide
	err = buildWith(func(config *Configuration) {
		config.Projects[0].Kinds[1].Relations[0].Name = "outcome"
	})
	assert.ErrorContains(t, err, "relation name outcome used on both")

	err = buildWith(func(config *Configuration) {
		config.Projects[0].Choices = append(config.Projects[0].Choices,
			ChoiceConfiguration{Field: "barcode", Value: "x"})
	})
	assert.ErrorContains(t, err, "not a choice field")

	// constraints must be mutual
	err = buildWith(func(config *Configuration) {
		config.Projects[0].Choices[1].Constraints = nil
	})
	assert.ErrorContains(t, err, "not mutual")

	err = buildWith(func(config *Configuration) {
		config.Projects[0].Grants = append(config.Projects[0].Grants,
			GrantConfiguration{Scope: "nonsense", Action: "view", Fields: []string{"*"}})
	})
	assert.ErrorContains(t, err, "unknown scope")

	err = buildWith(func(config *Configuration) {
		config.Projects[0].Rules.NonFuture = []string{"nonsense"}
	})
	assert.ErrorContains(t, err, "unknown field nonsense")
}

func TestChoices(t *testing.T) {
	project := testGraph(t).Project("survey")
	choices := project.Choices

	// values normalize case-insensitively with surrounding whitespace ignored
	choice, ok := choices.Match("country", " Eng ")
	if !ok {
		t.Fatal("choice not matched")
	}
	assert.Equal(t, "eng", choice.Value)

	if _, ok := choices.Match("country", "nonsense"); ok {
		t.Fatal("invalid choice matched")
	}

	// deactivated choices still match, writes reject them elsewhere
	choice, ok = choices.Match("region", "old")
	if !ok || choice.Active {
		t.Fatal("deactivated choice not matched as inactive")
	}
	assert.Equal(t, []string{"nw"}, choices.ActiveValues("region"))

	assert.True(t, choices.Constrained("country", "wal", "region", "nw"))
	assert.True(t, choices.Constrained("region", "nw", "country", "wal"))
	assert.False(t, choices.Constrained("country", "eng", "region", "nw"))
}

func TestResolve(t *testing.T) {
	project := testGraph(t).Project("survey")

	resolved, err := project.Resolve("country", true)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "country", resolved.Path)
	assert.False(t, resolved.HasLookup)
	assert.Empty(t, resolved.Chain)

	resolved, err = project.Resolve("samples__barcode__iexact", true)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "samples__barcode", resolved.Path)
	assert.Len(t, resolved.Chain, 1)
	assert.True(t, resolved.HasLookup)
	assert.True(t, resolved.ToMany())

	// a two-level chain
	resolved, err = project.Resolve("samples__results__value__gte", true)
	if err != nil {
		t.Fatal(err)
	}
	assert.Len(t, resolved.Chain, 2)

	// a path ending on a relation is an existence test
	resolved, err = project.Resolve("samples__isnull", true)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Relation == nil {
		t.Fatal("relation terminal not detected")
	}
	assert.Equal(t, "samples", resolved.Path)

	// a target field named like a lookup token is still a field
	resolved, err = project.Resolve("samples__year", true)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "samples__year", resolved.Path)
	assert.Equal(t, kind.Integer, resolved.Kind())
	assert.Nil(t, resolved.Relation)
	assert.False(t, resolved.HasLookup)

	resolved, err = project.Resolve("samples__year__gte", true)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "samples__year", resolved.Path)
	assert.Equal(t, kind.LookupGte, resolved.Lookup)

	_, err = project.Resolve("samples__barcode__icontains__x", true)
	if err == nil {
		t.Fatal("trailing garbage accepted")
	}

	_, err = project.Resolve("samples__barcode__iexact", false)
	if err == nil {
		t.Fatal("lookup accepted where none is allowed")
	}

	// wrong lookup for the kind is a lookup error, not an unknown field
	_, err = project.Resolve("onset_date__icontains", true)
	if _, ok := err.(*LookupError); !ok {
		t.Fatal("expected a lookup error, got:", err)
	}

	_, err = project.Resolve("contry", true)
	unknown, ok := err.(*UnknownFieldError)
	if !ok {
		t.Fatal("expected an unknown field error, got:", err)
	}
	if !strings.Contains(unknown.Error(), "country") {
		t.Fatal("suggestion missing:", unknown.Error())
	}
}
