package graph_test

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/access"
	"github.com/trellis-data/trellis/core/codec"
	"github.com/trellis-data/trellis/core/graph"
	"github.com/trellis-data/trellis/core/schema"
	"github.com/trellis-data/trellis/core/store/memory"
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
			  {"name": "country", "kind": "choice", "required": true},
			  {"name": "region", "kind": "choice"},
			  {"name": "onset_date", "kind": "date-day"},
			  {"name": "recovered_date", "kind": "date-day"},
			  {"name": "hospitalised", "kind": "boolean"}
			],
			"relations": [
			  {
				"name": "samples",
				"target": "sample",
				"to_many": true,
				"identified_by": ["barcode"]
			  },
			  {"name": "outcome", "target": "outcome"}
			]
		  },
		  {
			"name": "sample",
			"fields": [
			  {"name": "barcode", "kind": "text", "required": true},
			  {"name": "ct_value", "kind": "decimal", "nullable": true}
			]
		  },
		  {
			"name": "outcome",
			"fields": [
			  {"name": "notes", "kind": "text"}
			]
		  }
		],
		"choices": [
		  {"field": "country", "value": "eng"},
		  {"field": "country", "value": "wal", "constraints": [{"field": "region", "value": "nw"}]},
		  {"field": "region", "value": "nw", "constraints": [{"field": "country", "value": "wal"}]},
		  {"field": "region", "value": "ne"}
		],
		"rules": {
		  "orderings": [{"lower": "onset_date", "higher": "recovered_date"}],
		  "non_future": ["onset_date"],
		  "conditionals": [{"when": "record.hospitalised == true", "require": ["onset_date"]}]
		}
	  }
	]
}
`

type fixture struct {
	project  *schema.Project
	store    *memory.Store
	cc       codec.Context
	identity access.Identity
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, testConfigurationJSON, "survey")
}

func newFixtureWith(t *testing.T, configJSON, code string) *fixture {
	t.Helper()
	var config schema.Configuration
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		t.Fatal(err)
	}
	g, err := schema.New(&config)
	if err != nil {
		t.Fatal(err)
	}
	project := g.Project(code)
	return &fixture{
		project:  project,
		store:    memory.New(g),
		cc:       codec.Context{Project: code, Site: "lab-1", Choices: project.Choices},
		identity: access.Identity{Subject: "alice", Site: "lab-1"},
	}
}

// payload parses a JSON payload document
func payload(t *testing.T, doc string) core.Record {
	t.Helper()
	var record core.Record
	if err := json.Unmarshal([]byte(doc), &record); err != nil {
		t.Fatal(err)
	}
	return record
}

func (f *fixture) create(t *testing.T, doc string) string {
	t.Helper()
	ctx := context.Background()
	engine := graph.New(f.project, f.store, f.cc, f.identity, payload(t, doc), nil)
	if err := engine.Validate(ctx); err != nil {
		t.Fatal(err)
	}
	if !engine.IsValid() {
		t.Fatal("unexpected validation errors:", engine.Errors())
	}
	id, err := engine.Save(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// validate runs only the validation pass and returns the collected errors
func (f *fixture) validate(t *testing.T, doc string, existing core.Record) core.ValidationError {
	t.Helper()
	engine := graph.New(f.project, f.store, f.cc, f.identity, payload(t, doc), existing)
	if err := engine.Validate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return engine.Errors()
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, `{
		"country": " ENG ",
		"samples": [{"barcode": "s1", "ct_value": 17.5}],
		"outcome": {"notes": "recovering"}
	}`)
	if !core.IsRecordID(id) {
		t.Fatal("invalid record id:", id)
	}

	record, found, err := f.store.Get(context.Background(), "survey", id)
	if err != nil || !found {
		t.Fatal("record not stored:", err)
	}
	assert.Equal(t, "eng", record["country"])
	assert.Equal(t, "alice", record["owner"])
	assert.Equal(t, "lab-1", record["site"])
	assert.Equal(t, true, record["published"])
	assert.Equal(t, false, record["suppressed"])
	assert.NotEmpty(t, record["created_at"])
	assert.NotEmpty(t, record["updated_at"])

	samples, _ := record["samples"].([]core.Record)
	if len(samples) != 1 {
		t.Fatal("expected one sample, got", len(samples))
	}
	assert.Equal(t, "s1", samples[0]["barcode"])
	assert.Equal(t, 17.5, samples[0]["ct_value"])
	assert.NotEmpty(t, samples[0]["record_id"])
	// sub-records carry no publication state of their own
	assert.NotContains(t, samples[0], "published")

	outcome, _ := record["outcome"].(core.Record)
	assert.Equal(t, "recovering", outcome["notes"])
}

func TestCreateSiteOverride(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, `{"country": "eng", "site": "lab-2", "published": false}`)
	record, _, _ := f.store.Get(context.Background(), "survey", id)
	assert.Equal(t, "lab-2", record["site"])
	assert.Equal(t, false, record["published"])
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t)

	errs := f.validate(t, `{"hobby": "golf"}`, nil)
	assert.Equal(t, []string{"unknown field"}, errs["hobby"])
	assert.Equal(t, []string{"this field is required"}, errs["country"])

	// child errors are indexed per item
	errs = f.validate(t, `{"country": "eng", "samples": [{"barcode": "s1"}, {"ct_value": "high"}]}`, nil)
	assert.NotContains(t, errs, "samples[0].barcode")
	assert.Equal(t, []string{"this field is required"}, errs["samples[1].barcode"])
	assert.Len(t, errs["samples[1].ct_value"], 1)

	// system fields are writable on the root only
	errs = f.validate(t, `{"country": "eng", "samples": [{"barcode": "s1", "created_at": "x"}]}`, nil)
	assert.Equal(t, []string{"field cannot be written"}, errs["samples[0].created_at"])

	errs = f.validate(t, `{"country": "eng", "owner": "mallory"}`, nil)
	assert.Equal(t, []string{"field cannot be written"}, errs["owner"])
}

func TestStructuralErrors(t *testing.T) {
	f := newFixture(t)
	structural := func(doc string) string {
		t.Helper()
		engine := graph.New(f.project, f.store, f.cc, f.identity, payload(t, doc), nil)
		err := engine.Validate(context.Background())
		if _, ok := err.(*graph.StructuralError); !ok {
			t.Fatal("expected a structural error, got:", err)
		}
		return err.Error()
	}

	assert.Contains(t, structural(`{"country": "eng", "samples": {"barcode": "s1"}}`), "must be a list")
	assert.Contains(t, structural(`{"country": "eng", "samples": ["s1"]}`), "must be an object")
	assert.Contains(t, structural(`{"country": "eng", "outcome": [{"notes": "x"}]}`), "must be an object")
	assert.Contains(t, structural(`{"samples__barcode": "s1"}`), "field paths are not accepted")
}

func TestDuplicateIdentifiers(t *testing.T) {
	f := newFixture(t)
	errs := f.validate(t, `{"country": "eng", "samples": [
		{"barcode": "s1"}, {"barcode": "s2"}, {"barcode": "s1"}
	]}`, nil)
	assert.Equal(t, []string{"duplicate identifier (barcode=s1)"}, errs["samples"])
}

func TestRules(t *testing.T) {
	f := newFixture(t)

	errs := f.validate(t, `{"country": "eng", "onset_date": "2030-01-01"}`, nil)
	assert.Equal(t, []string{"date must not be in the future"}, errs["onset_date"])

	errs = f.validate(t, `{"country": "eng", "onset_date": "2024-05-01", "recovered_date": "2024-04-01"}`, nil)
	assert.Equal(t, []string{"onset_date must not exceed recovered_date"}, errs[core.NonFieldErrors])

	// the conditional requirement only fires when its condition holds
	errs = f.validate(t, `{"country": "eng", "hospitalised": true}`, nil)
	assert.Equal(t, []string{"this field is required"}, errs["onset_date"])
	errs = f.validate(t, `{"country": "eng", "hospitalised": false}`, nil)
	assert.NotContains(t, errs, "onset_date")

	// mutually constrained choice values cannot be combined
	errs = f.validate(t, `{"country": "wal", "region": "nw"}`, nil)
	assert.Equal(t, []string{"values 'wal' (country) and 'nw' (region) cannot be combined"}, errs[core.NonFieldErrors])
	errs = f.validate(t, `{"country": "wal", "region": "ne"}`, nil)
	assert.NotContains(t, errs, core.NonFieldErrors)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, `{"country": "eng", "onset_date": "2024-03-05", "samples": [{"barcode": "s1"}]}`)

	existing, _, err := f.store.Get(ctx, "survey", id)
	if err != nil {
		t.Fatal(err)
	}

	// children match pre-existing sub-records by their identifier fields
	engine := graph.New(f.project, f.store, f.cc, f.identity, payload(t, `{
		"region": "ne",
		"samples": [{"barcode": "s1", "ct_value": 25.0}, {"barcode": "s2"}]
	}`), existing)
	if err := engine.Validate(ctx); err != nil {
		t.Fatal(err)
	}
	if !engine.IsValid() {
		t.Fatal("unexpected validation errors:", engine.Errors())
	}
	savedID, err := engine.Save(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, id, savedID)

	record, _, _ := f.store.Get(ctx, "survey", id)
	assert.Equal(t, "eng", record["country"])
	assert.Equal(t, "ne", record["region"])
	samples, _ := record["samples"].([]core.Record)
	if len(samples) != 2 {
		t.Fatal("expected two samples, got", len(samples))
	}
	byBarcode := map[string]core.Record{}
	for _, sample := range samples {
		barcode, _ := sample["barcode"].(string)
		byBarcode[barcode] = sample
	}
	assert.Equal(t, 25.0, byBarcode["s1"]["ct_value"])
	assert.Contains(t, byBarcode, "s2")

	// a partial update must not empty a required field
	errs := f.validate(t, `{"country": ""}`, existing)
	assert.Equal(t, []string{"this field is required"}, errs["country"])
}

var contactConfigurationJSON = `
{
	"projects": [
	  {
		"code": "contacts",
		"root": "person",
		"kinds": [
		  {
			"name": "person",
			"fields": [
			  {"name": "name", "kind": "text", "required": true},
			  {"name": "email", "kind": "text"},
			  {"name": "phone", "kind": "text"}
			]
		  }
		],
		"rules": {
		  "optional_groups": [["email", "phone"]]
		}
	  }
	]
}
`

func TestOptionalGroups(t *testing.T) {
	f := newFixtureWith(t, contactConfigurationJSON, "contacts")
	ctx := context.Background()

	// neither field of the group is provided
	errs := f.validate(t, `{"name": "alice"}`, nil)
	assert.Equal(t, []string{"at least one of email, phone must be provided"}, errs[core.NonFieldErrors])

	id := f.create(t, `{"name": "alice", "email": "alice@example.org"}`)
	existing, _, err := f.store.Get(ctx, "contacts", id)
	if err != nil {
		t.Fatal(err)
	}

	// emptying the only provided field of the group
	errs = f.validate(t, `{"email": ""}`, existing)
	assert.Equal(t, []string{"at least one of email, phone must be provided"}, errs[core.NonFieldErrors])

	// moving the value to the other field of the group
	errs = f.validate(t, `{"email": "", "phone": "0161 4960000"}`, existing)
	assert.Empty(t, errs)
}

func TestUpdateIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, `{"country": "eng", "onset_date": "2024-03-05", "samples": [{"barcode": "s1", "ct_value": 17.5}]}`)

	update := `{"region": "ne", "samples": [{"barcode": "s1", "ct_value": 25.0}]}`
	apply := func() core.Record {
		existing, _, err := f.store.Get(ctx, "survey", id)
		if err != nil {
			t.Fatal(err)
		}
		engine := graph.New(f.project, f.store, f.cc, f.identity, payload(t, update), existing)
		if err := engine.Validate(ctx); err != nil {
			t.Fatal(err)
		}
		if !engine.IsValid() {
			t.Fatal("unexpected validation errors:", engine.Errors())
		}
		if _, err := engine.Save(ctx); err != nil {
			t.Fatal(err)
		}
		record, _, err := f.store.Get(ctx, "survey", id)
		if err != nil {
			t.Fatal(err)
		}
		return record
	}

	first := apply()
	second := apply()

	// the repeated payload matches the same sample and changes nothing
	delete(first, "updated_at")
	delete(second, "updated_at")
	assert.Equal(t, first, second)
}

func TestSaveRefusesInvalid(t *testing.T) {
	f := newFixture(t)
	engine := graph.New(f.project, f.store, f.cc, f.identity, payload(t, `{}`), nil)
	if err := engine.Validate(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := engine.Save(context.Background())
	if _, ok := err.(core.ValidationError); !ok {
		t.Fatal("expected the validation errors, got:", err)
	}
}
