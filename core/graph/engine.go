/*Package graph validates and persists nested record payloads as one
atomic unit.

An Engine is built per payload object: it splits the payload into own
fields and declared relations, recursively constructs a child engine per
related item, matches children to pre-existing sub-records by their
identifier fields, runs the cross-field rule set on the merged view of
existing state and requested changes, and finally persists the entire
tree in a single transaction with collision-checked identifier
allocation. No partial tree is ever left committed.
*/
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/access"
	"github.com/trellis-data/trellis/core/codec"
	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/schema"
)

// idAttempts bounds the collision-retry loop for identifier allocation
const idAttempts = 5

// StructuralError reports a malformed payload shape: a non-object where
// an object was required, a non-list on a to-many relation, a missing
// required relation. Structural errors are fatal to the whole request
// and are never batched with field errors.
type StructuralError struct {
	Message string
}

func (e *StructuralError) Error() string {
	return e.Message
}

// Engine validates one payload object against one record kind. Child
// engines hang off their parent per relation name and item index, so the
// validation pass and the save pass walk the same tree.
type Engine struct {
	project  *schema.Project
	kind     *schema.RecordKind
	relation *schema.Relation // nil at the root
	store    Store
	cc       codec.Context
	identity access.Identity

	payload  core.Record
	existing core.Record // nil for create

	own      core.Record // cleaned own-field changes
	failed   map[string]bool
	children map[string][]*Engine
	errors   core.ValidationError
}

// New builds the root engine for a payload against the project's root
// kind. Pass existing for an update, nil for a create.
func New(project *schema.Project, store Store, cc codec.Context, identity access.Identity, payload, existing core.Record) *Engine {
	return &Engine{
		project:  project,
		kind:     project.Root,
		store:    store,
		cc:       cc,
		identity: identity,
		payload:  payload,
		existing: existing,
		own:      core.Record{},
		failed:   make(map[string]bool),
		children: make(map[string][]*Engine),
		errors:   core.ValidationError{},
	}
}

func (e *Engine) newChild(relation *schema.Relation, payload, existing core.Record) *Engine {
	child := New(e.project, e.store, e.cc, e.identity, payload, existing)
	child.kind = relation.Target
	child.relation = relation
	return child
}

func (e *Engine) action() string {
	if e.existing != nil {
		return "update"
	}
	return "create"
}

// Validate runs the full validation pass over the payload tree. A
// returned error is structural (or a store failure while matching
// children) and fatal; field and cross-field errors are collected and
// exposed through Errors.
func (e *Engine) Validate(ctx context.Context) error {
	ownRaw := core.Record{}
	related := make(map[string][]core.Record)

	for key, raw := range e.payload {
		if strings.Contains(key, schema.Separator) {
			return &StructuralError{fmt.Sprintf("key '%s': field paths are not accepted in payloads", key)}
		}
		if rel := e.kind.Relation(key); rel != nil {
			items, err := relationItems(rel, raw)
			if err != nil {
				return err
			}
			related[key] = items
			continue
		}
		if e.kind.Field(key) == nil {
			e.errors.Add(key, "unknown field")
			continue
		}
		ownRaw[key] = raw
	}

	if e.existing == nil {
		for _, name := range e.kind.RelationNames() {
			rel := e.kind.Relation(name)
			if _, ok := related[name]; rel.Required && !ok {
				return &StructuralError{fmt.Sprintf("relation '%s' is required", name)}
			}
		}
	}

	e.validateOwn(ctx, ownRaw)

	merged := core.Record{}
	for key, value := range e.existing {
		merged[key] = value
	}
	for key, value := range e.own {
		merged[key] = value
	}
	e.applyRules(merged)

	for _, name := range e.kind.RelationNames() {
		items, ok := related[name]
		if !ok {
			continue
		}
		rel := e.kind.Relation(name)
		for _, item := range items {
			existing, err := e.matchExisting(ctx, rel, item)
			if err != nil {
				return err
			}
			child := e.newChild(rel, item, existing)
			if err := child.Validate(ctx); err != nil {
				return err
			}
			e.children[name] = append(e.children[name], child)
		}
		if rel.ToMany && len(rel.IdentifiedBy) > 0 {
			e.checkDuplicateIdentifiers(name, rel)
		}
	}

	return nil
}

// relationItems normalizes the raw payload value of a relation into a
// list of object items, enforcing the structural shape rules.
func relationItems(rel *schema.Relation, raw interface{}) ([]core.Record, error) {
	if rel.ToMany {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, &StructuralError{fmt.Sprintf("relation '%s' must be a list", rel.Name)}
		}
		if len(list) == 0 && rel.Required && !rel.AllowEmpty {
			return nil, &StructuralError{fmt.Sprintf("relation '%s' must not be empty", rel.Name)}
		}
		items := make([]core.Record, len(list))
		for i, entry := range list {
			item, ok := entry.(map[string]interface{})
			if !ok {
				return nil, &StructuralError{fmt.Sprintf("relation '%s' item %d must be an object", rel.Name, i)}
			}
			items[i] = item
		}
		return items, nil
	}
	item, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &StructuralError{fmt.Sprintf("relation '%s' must be an object", rel.Name)}
	}
	return []core.Record{item}, nil
}

func (e *Engine) validateOwn(ctx context.Context, ownRaw core.Record) {
	for key, raw := range ownRaw {
		field := e.kind.Field(key)
		if field.System && !e.writableSystem(key) {
			e.errors.Add(key, "field cannot be written")
			e.failed[key] = true
			continue
		}
		value, err := codec.CleanValue(ctx, e.cc, field, raw)
		if err != nil {
			e.errors.Add(key, "%v", err)
			e.failed[key] = true
			continue
		}
		e.own[key] = value
	}

	if e.existing == nil {
		for _, name := range e.kind.FieldNames() {
			field := e.kind.Field(name)
			if field.System || !field.Required || e.failed[name] {
				continue
			}
			if codec.IsEmpty(e.own[name]) {
				e.errors.Add(name, "this field is required")
			}
		}
		return
	}
	// a partial update must not empty a required field
	for name, value := range e.own {
		if e.kind.Field(name).Required && codec.IsEmpty(value) {
			e.errors.Add(name, "this field is required")
		}
	}
}

// writableSystem lists the system fields a payload may set directly.
// Permission for them is checked upstream by the gate.
func (e *Engine) writableSystem(name string) bool {
	if e.relation != nil {
		return false
	}
	return name == "published" || name == "suppressed" || name == "site"
}

// matchExisting resolves a child payload item to its pre-existing
// sub-record, if any. Only updates match; a create always creates. The
// identifier fields are cleaned first so the store is queried with
// normalized values.
func (e *Engine) matchExisting(ctx context.Context, rel *schema.Relation, item core.Record) (core.Record, error) {
	if e.existing == nil {
		return nil, nil
	}
	if rel.ToMany && len(rel.IdentifiedBy) == 0 {
		return nil, nil
	}
	identifiers := core.Record{}
	for _, name := range rel.IdentifiedBy {
		raw, ok := item[name]
		if !ok {
			return nil, nil
		}
		value, err := codec.CleanValue(ctx, e.cc, rel.Target.Field(name), raw)
		if err != nil {
			// the child engine re-reports this as a field error
			return nil, nil
		}
		identifiers[name] = value
	}
	parentID, ok := e.existing["record_id"].(string)
	if !ok {
		return nil, nil
	}
	record, found, err := e.store.FindChild(ctx, e.project.Code, rel.Name, parentID, identifiers)
	if err != nil {
		return nil, fmt.Errorf("could not match sub-record of relation %s: %w", rel.Name, err)
	}
	if !found {
		return nil, nil
	}
	return record, nil
}

// checkDuplicateIdentifiers reports identifier tuples shared by sibling
// items of the same to-many relation within one request.
func (e *Engine) checkDuplicateIdentifiers(name string, rel *schema.Relation) {
	seen := make(map[string]bool)
	for _, child := range e.children[name] {
		parts := make([]string, 0, len(rel.IdentifiedBy))
		complete := true
		for _, idField := range rel.IdentifiedBy {
			value, ok := child.own[idField]
			if !ok {
				complete = false
				break
			}
			parts = append(parts, fmt.Sprintf("%s=%v", idField, value))
		}
		if !complete {
			continue
		}
		tuple := strings.Join(parts, ", ")
		if seen[tuple] {
			e.errors.Add(name, "duplicate identifier (%s)", tuple)
			continue
		}
		seen[tuple] = true
	}
}

func (e *Engine) applyRules(merged core.Record) {
	rules := e.project.Rules
	action := e.action()

	for _, group := range rules.OptionalGroups {
		if !e.kindHasAll(group...) {
			continue
		}
		any := false
		for _, name := range group {
			if !codec.IsEmpty(merged[name]) {
				any = true
				break
			}
		}
		if !any {
			e.errors.AddNonField("at least one of %s must be provided", strings.Join(group, ", "))
		}
	}

	for _, ordering := range rules.Orderings {
		if !e.kindHasAll(ordering.Lower, ordering.Higher) {
			continue
		}
		lower, higher := merged[ordering.Lower], merged[ordering.Higher]
		if codec.IsEmpty(lower) || codec.IsEmpty(higher) {
			continue
		}
		if compareValues(lower, higher) > 0 {
			e.errors.AddNonField("%s must not exceed %s", ordering.Lower, ordering.Higher)
		}
	}

	for _, name := range rules.NonFuture {
		field := e.kind.Field(name)
		if field == nil {
			continue
		}
		value, ok := merged[name].(string)
		if !ok || value == "" {
			continue
		}
		// canonical date strings order lexicographically
		if value > nowForKind(field) {
			e.errors.Add(name, "date must not be in the future")
		}
	}

	for i := range rules.Conditionals {
		conditional := &rules.Conditionals[i]
		if !e.kindHasAll(conditional.Require...) {
			continue
		}
		if !conditional.Holds(merged, action) {
			continue
		}
		for _, name := range conditional.Require {
			if codec.IsEmpty(merged[name]) {
				e.errors.Add(name, "this field is required")
			}
		}
	}

	e.checkChoiceConstraints(merged)
}

func (e *Engine) kindHasAll(fields ...string) bool {
	for _, name := range fields {
		if e.kind.Field(name) == nil {
			return false
		}
	}
	return true
}

// checkChoiceConstraints rejects merged states that combine two choice
// values configured as mutually constrained.
func (e *Engine) checkChoiceConstraints(merged core.Record) {
	choices := e.project.Choices
	names := e.kind.FieldNames()
	for i, aField := range names {
		aValue, ok := merged[aField].(string)
		if !ok || aValue == "" || !choices.HasChoices(aField) {
			continue
		}
		for _, bField := range names[i+1:] {
			bValue, ok := merged[bField].(string)
			if !ok || bValue == "" || !choices.HasChoices(bField) {
				continue
			}
			if choices.Constrained(aField, aValue, bField, bValue) {
				e.errors.AddNonField("values '%s' (%s) and '%s' (%s) cannot be combined",
					aValue, aField, bValue, bField)
			}
		}
	}
}

// compareValues orders two cleaned values of the same field kind.
// Numbers compare numerically, everything else as strings; cleaned date
// values are canonical strings whose lexicographic order is
// chronological.
func compareValues(a, b interface{}) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func nowForKind(field *schema.Field) string {
	now := time.Now().UTC()
	switch field.Kind {
	case kind.DateMonth:
		return now.Format(codec.FormatMonth)
	case kind.DateDay:
		return now.Format(codec.FormatDay)
	}
	return now.Format(codec.FormatDateTime)
}

// Errors aggregates own-field errors, cross-field errors and the errors
// of every child engine, indexed per related item.
func (e *Engine) Errors() core.ValidationError {
	all := core.ValidationError{}
	all.Merge(e.errors)
	for _, name := range e.kind.RelationNames() {
		rel := e.kind.Relation(name)
		for i, child := range e.children[name] {
			sub := child.Errors()
			if len(sub) == 0 {
				continue
			}
			prefix := name
			if rel.ToMany {
				prefix = fmt.Sprintf("%s[%d]", name, i)
			}
			all.MergeUnder(prefix, sub)
		}
	}
	return all
}

// IsValid reports whether the whole tree validated cleanly
func (e *Engine) IsValid() bool {
	return len(e.Errors()) == 0
}

// Save persists the validated tree in one transaction and returns the
// root record identifier. Any persistence failure rolls the entire
// transaction back.
func (e *Engine) Save(ctx context.Context) (string, error) {
	if err := e.Errors().AsError(); err != nil {
		return "", err
	}
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("could not start transaction: %w", err)
	}
	id, err := e.save(ctx, tx, "")
	if err != nil {
		tx.Rollback()
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("could not commit record tree: %w", err)
	}
	return id, nil
}

func (e *Engine) save(ctx context.Context, tx Tx, parentID string) (string, error) {
	now := time.Now().UTC().Format(codec.FormatDateTime)
	relName := ""
	if e.relation != nil {
		relName = e.relation.Name
	}

	var id string
	if e.existing != nil {
		id, _ = e.existing["record_id"].(string)
		changes := core.Record{}
		for key, value := range e.own {
			changes[key] = value
		}
		if e.relation == nil {
			changes["updated_at"] = now
		}
		if len(changes) > 0 {
			if err := tx.Update(ctx, e.project.Code, relName, id, changes); err != nil {
				return "", err
			}
		}
	} else {
		allocated, err := e.allocateID(ctx)
		if err != nil {
			return "", err
		}
		id = allocated
		record := core.Record{}
		for key, value := range e.own {
			record[key] = value
		}
		record["record_id"] = id
		record["created_at"] = now
		if e.relation == nil {
			record["updated_at"] = now
			record["owner"] = e.identity.Subject
			if _, ok := record["site"]; !ok {
				record["site"] = e.identity.Site
			}
			if _, ok := record["published"]; !ok {
				record["published"] = true
			}
			if _, ok := record["suppressed"]; !ok {
				record["suppressed"] = false
			}
		}
		if err := tx.Insert(ctx, e.project.Code, relName, parentID, record); err != nil {
			return "", err
		}
	}

	for _, name := range e.kind.RelationNames() {
		for _, child := range e.children[name] {
			if _, err := child.save(ctx, tx, id); err != nil {
				return "", err
			}
		}
	}
	return id, nil
}

// allocateID draws fresh record identifiers until one is free. The
// identifier space is large enough that collisions are essentially
// theoretical, but they are checked anyway and never silently reused.
func (e *Engine) allocateID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < idAttempts; attempt++ {
		id := core.NewRecordID()
		taken, err := e.store.IDExists(ctx, e.project.Code, id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique record identifier")
}
