package backend

import (
	"net/http"
	"strings"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/access"
	"github.com/trellis-data/trellis/core/schema"
)

// outputSelection decides which field paths appear in a response: the
// caller's permitted view set, narrowed by the include/exclude
// parameters.
type outputSelection struct {
	permitted map[string]bool
	include   []string
	exclude   []string
}

// outputSelection resolves the include and exclude parameters through
// the no-lookup resolution path and combines them with the caller's
// permitted view set. Resolution errors are batched per offending path.
func (b *Backend) outputSelection(r *http.Request, project *schema.Project,
	identity access.Identity, scopes []string) (*outputSelection, core.ValidationError) {

	selection := &outputSelection{
		permitted: make(map[string]bool),
		include:   splitParameters(r.URL.Query()["include"]),
		exclude:   splitParameters(r.URL.Query()["exclude"]),
	}
	for _, path := range b.Gate().Fields(project, core.ActionView, identity, scopes) {
		selection.permitted[path] = true
	}

	verr := core.ValidationError{}
	for _, path := range append(append([]string{}, selection.include...), selection.exclude...) {
		if _, err := b.Gate().ResolveField(project, path, core.ActionView, identity, scopes, false); err != nil {
			verr.Add(path, "%v", err)
		}
	}
	return selection, verr
}

// keep reports whether the leaf field path belongs in the response
func (s *outputSelection) keep(path string) bool {
	if !s.permitted[path] {
		return false
	}
	for _, excluded := range s.exclude {
		if path == excluded || strings.HasPrefix(path, excluded+schema.Separator) {
			return false
		}
	}
	if len(s.include) == 0 {
		return true
	}
	for _, included := range s.include {
		if path == included || strings.HasPrefix(path, included+schema.Separator) {
			return true
		}
	}
	return false
}

// redactRecord walks the assembled record along the schema graph and
// keeps only the selected field paths
func redactRecord(rk *schema.RecordKind, record core.Record, prefix string, keep func(string) bool) core.Record {
	out := core.Record{}
	for _, name := range rk.FieldNames() {
		value, ok := record[name]
		if !ok {
			continue
		}
		if keep(prefix + name) {
			out[name] = value
		}
	}
	for _, name := range rk.RelationNames() {
		rel := rk.Relation(name)
		raw, ok := record[name]
		if !ok {
			continue
		}
		childPrefix := prefix + name + schema.Separator
		if rel.ToMany {
			items := childRecords(raw)
			redacted := make([]core.Record, 0, len(items))
			content := false
			for _, item := range items {
				child := redactRecord(rel.Target, item, childPrefix, keep)
				if len(child) > 0 {
					content = true
				}
				redacted = append(redacted, child)
			}
			if content {
				out[name] = redacted
			}
			continue
		}
		if item, ok := childRecord(raw); ok {
			child := redactRecord(rel.Target, item, childPrefix, keep)
			if len(child) > 0 {
				out[name] = child
			}
		}
	}
	return out
}

func childRecords(raw interface{}) []core.Record {
	switch items := raw.(type) {
	case []core.Record:
		return items
	case []interface{}:
		records := make([]core.Record, 0, len(items))
		for _, item := range items {
			if record, ok := childRecord(item); ok {
				records = append(records, record)
			}
		}
		return records
	}
	return nil
}

func childRecord(raw interface{}) (core.Record, bool) {
	record, ok := raw.(map[string]interface{})
	return record, ok
}
