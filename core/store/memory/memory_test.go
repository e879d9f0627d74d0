package memory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/schema"
	"github.com/trellis-data/trellis/core/store"
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
			"fields": [{"name": "country", "kind": "text"}],
			"relations": [
			  {"name": "samples", "target": "sample", "to_many": true}
			]
		  },
		  {
			"name": "sample",
			"fields": [{"name": "barcode", "kind": "text"}]
		  }
		]
	  }
	]
}
`

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	var config schema.Configuration
	if err := json.Unmarshal([]byte(testConfigurationJSON), &config); err != nil {
		t.Fatal(err)
	}
	g, err := schema.New(&config)
	if err != nil {
		t.Fatal(err)
	}
	return memory.New(g)
}

func rid(n int) string {
	return fmt.Sprintf("TRL-0000000000%02d", n)
}

// seed inserts a root record with a deterministic identifier and timestamp
func seed(t *testing.T, s *memory.Store, n int, createdAt, country string) string {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	record := core.Record{
		"record_id":  rid(n),
		"created_at": createdAt,
		"country":    country,
	}
	if err := tx.Insert(ctx, "survey", "", "", record); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return rid(n)
}

func seedChild(t *testing.T, s *memory.Store, n int, parent, createdAt, barcode string) {
	t.Helper()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	record := core.Record{
		"record_id":  rid(n),
		"created_at": createdAt,
		"barcode":    barcode,
	}
	if err := tx.Insert(ctx, "survey", "samples", parent, record); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func listIDs(t *testing.T, page store.Page) []string {
	t.Helper()
	ids := make([]string, 0, len(page.Records))
	for _, record := range page.Records {
		id, _ := record["record_id"].(string)
		ids = append(ids, id)
	}
	return ids
}

func TestListOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, 1, "2024-03-05T10:00:00Z", "eng")
	seed(t, s, 2, "2024-03-05T10:00:02Z", "eng")
	// same timestamp as 2, the identifier breaks the tie
	seed(t, s, 3, "2024-03-05T10:00:02Z", "wal")

	page, err := s.List(ctx, "survey", store.ListQuery{})
	assert.NoError(t, err)
	assert.False(t, page.HasMore)
	assert.Equal(t, []string{rid(3), rid(2), rid(1)}, listIDs(t, page))
}

func TestListPaging(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		seed(t, s, i, fmt.Sprintf("2024-03-05T10:00:0%dZ", i), "eng")
	}

	var seen []string
	var cursor *store.Cursor
	pages := 0
	for {
		page, err := s.List(ctx, "survey", store.ListQuery{Limit: 2, Cursor: cursor})
		assert.NoError(t, err)
		seen = append(seen, listIDs(t, page)...)
		pages++
		if !page.HasMore {
			break
		}
		last := page.Records[len(page.Records)-1]
		createdAt, _ := last["created_at"].(string)
		id, _ := last["record_id"].(string)
		cursor = &store.Cursor{CreatedAt: createdAt, RecordID: id}
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{rid(5), rid(4), rid(3), rid(2), rid(1)}, seen)
}

func TestGetAssembles(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := seed(t, s, 1, "2024-03-05T10:00:00Z", "eng")
	seedChild(t, s, 11, id, "2024-03-05T10:00:02Z", "s2")
	seedChild(t, s, 12, id, "2024-03-05T10:00:01Z", "s1")

	record, found, err := s.Get(ctx, "survey", id)
	assert.NoError(t, err)
	assert.True(t, found)
	samples, _ := record["samples"].([]core.Record)
	if len(samples) != 2 {
		t.Fatal("expected two samples, got", len(samples))
	}
	// children come back in creation order
	assert.Equal(t, "s1", samples[0]["barcode"])
	assert.Equal(t, "s2", samples[1]["barcode"])

	// sub-records are not addressable as root records
	_, found, err = s.Get(ctx, "survey", rid(11))
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestDeleteCascades(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := seed(t, s, 1, "2024-03-05T10:00:00Z", "eng")
	seedChild(t, s, 11, id, "2024-03-05T10:00:01Z", "s1")

	deleted, err := s.Delete(ctx, "survey", id)
	assert.NoError(t, err)
	assert.True(t, deleted)

	_, found, _ := s.Get(ctx, "survey", id)
	assert.False(t, found)
	_, found, err = s.FindChild(ctx, "survey", "samples", id, core.Record{"barcode": "s1"})
	assert.NoError(t, err)
	assert.False(t, found)

	deleted, err = s.Delete(ctx, "survey", id)
	assert.NoError(t, err)
	assert.False(t, deleted)
}

func TestSummarise(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, 1, "2024-03-05T10:00:01Z", "eng")
	seed(t, s, 2, "2024-03-05T10:00:02Z", "wal")
	seed(t, s, 3, "2024-03-05T10:00:03Z", "eng")

	groups, err := s.Summarise(ctx, "survey", nil, []string{"country"}, 100)
	assert.NoError(t, err)
	assert.Equal(t, []core.Record{
		{"country": "eng", "count": int64(2)},
		{"country": "wal", "count": int64(1)},
	}, groups)

	_, err = s.Summarise(ctx, "survey", nil, []string{"country"}, 1)
	assert.ErrorIs(t, err, store.ErrTooManyGroups)
}

func TestCommitAtomicity(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := seed(t, s, 1, "2024-03-05T10:00:00Z", "eng")

	// an update of a missing record fails the whole commit
	tx, err := s.Begin(ctx)
	assert.NoError(t, err)
	orphan := core.Record{"record_id": rid(2), "created_at": "2024-03-05T10:00:01Z", "country": "wal"}
	assert.NoError(t, tx.Insert(ctx, "survey", "", "", orphan))
	assert.NoError(t, tx.Update(ctx, "survey", "", rid(9), core.Record{"country": "eng"}))
	assert.ErrorContains(t, tx.Commit(), "does not exist")

	// nothing of the failed transaction is visible
	_, found, err := s.Get(ctx, "survey", rid(2))
	assert.NoError(t, err)
	assert.False(t, found)

	// an identifier collision fails instead of overwriting
	tx, _ = s.Begin(ctx)
	duplicate := core.Record{"record_id": rid(1), "created_at": "2024-03-05T10:00:02Z", "country": "wal"}
	assert.NoError(t, tx.Insert(ctx, "survey", "", "", duplicate))
	assert.ErrorContains(t, tx.Commit(), "already exists")

	record, _, err := s.Get(ctx, "survey", id)
	assert.NoError(t, err)
	assert.Equal(t, "eng", record["country"])
}

func TestAssembleEmptyRelation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	id := seed(t, s, 1, "2024-03-05T10:00:00Z", "eng")

	record, _, err := s.Get(ctx, "survey", id)
	assert.NoError(t, err)
	samples, ok := record["samples"].([]core.Record)
	assert.True(t, ok)
	assert.NotNil(t, samples)
	assert.Len(t, samples, 0)
}
