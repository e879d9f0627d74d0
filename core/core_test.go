package core

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestActionUnmarshal(t *testing.T) {
	var action Action
	if err := json.Unmarshal([]byte(`"create"`), &action); err != nil {
		t.Fatal(err)
	}
	if action != ActionCreate {
		t.Fatal("unexpected action:", action)
	}
	if err := json.Unmarshal([]byte(`"destroy"`), &action); err == nil {
		t.Fatal("invalid action was accepted")
	}
}

func TestRecordID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewRecordID()
		if !IsRecordID(id) {
			t.Fatal("generated identifier is not valid:", id)
		}
		if seen[id] {
			t.Fatal("generated identifier twice:", id)
		}
		seen[id] = true
	}

	if IsRecordID("TRL-0123456789") {
		t.Fatal("too short identifier accepted")
	}
	if IsRecordID("XXX-0123456789AB") {
		t.Fatal("wrong prefix accepted")
	}
	if IsRecordID("TRL-0123456789AU") {
		t.Fatal("identifier with excluded letter accepted")
	}
	if !IsRecordID("TRL-0123456789AB") {
		t.Fatal("valid identifier rejected")
	}
}

func TestValidationError(t *testing.T) {
	verr := ValidationError{}
	if verr.AsError() != nil {
		t.Fatal("empty validation error is an error")
	}
	verr.Add("barcode", "this field is required")
	verr.AddNonField("at least one of %s must be provided", "a, b")
	if verr.AsError() == nil {
		t.Fatal("non-empty validation error is nil")
	}
	if len(verr[NonFieldErrors]) != 1 {
		t.Fatal("non-field error missing")
	}

	child := ValidationError{}
	child.Add("barcode", "unknown field")
	verr.MergeUnder("samples[0]", child)
	if len(verr["samples[0].barcode"]) != 1 {
		t.Fatal("merged child error missing")
	}
}
