/*Package memory provides a map-backed store implementation. It keeps
records as flat rows keyed by identifier, the way the relational store
does, and assembles nested record trees on read. It backs tests and
small single-process deployments.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/graph"
	"github.com/trellis-data/trellis/core/query"
	"github.com/trellis-data/trellis/core/schema"
	"github.com/trellis-data/trellis/core/store"
)

type row struct {
	relation string // "" for root records
	parent   string
	record   core.Record
}

// Store is a thread-safe in-memory record store
type Store struct {
	mu    sync.RWMutex
	graph *schema.Graph
	rows  map[string]map[string]*row // project -> record_id -> row
}

var _ store.Store = (*Store)(nil)

// New creates an empty store over the given schema graph
func New(g *schema.Graph) *Store {
	return &Store{
		graph: g,
		rows:  make(map[string]map[string]*row),
	}
}

// FindChild implements graph.Store
func (s *Store) FindChild(ctx context.Context, project, relation, parentID string, identifiers core.Record) (core.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rows[project] {
		if r.relation != relation || r.parent != parentID {
			continue
		}
		match := true
		for name, value := range identifiers {
			if r.record[name] != value {
				match = false
				break
			}
		}
		if match {
			return copyRecord(r.record), true, nil
		}
	}
	return nil, false, nil
}

// IDExists implements graph.Store
func (s *Store) IDExists(ctx context.Context, project, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rows[project][id]
	return ok, nil
}

// Begin implements graph.Store. The transaction buffers all writes and
// applies them under one lock on commit, so no partial tree is ever
// visible.
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	return &tx{store: s}, nil
}

type op struct {
	insert   bool
	relation string
	parent   string
	id       string
	record   core.Record
}

type tx struct {
	store   *Store
	project string
	ops     []op
	done    bool
}

func (t *tx) Insert(ctx context.Context, project, relation, parentID string, record core.Record) error {
	id, _ := record["record_id"].(string)
	t.ops = append(t.ops, op{insert: true, relation: relation, parent: parentID, id: id, record: copyRecord(record)})
	t.project = project
	return nil
}

func (t *tx) Update(ctx context.Context, project, relation, id string, changes core.Record) error {
	t.ops = append(t.ops, op{relation: relation, id: id, record: copyRecord(changes)})
	t.project = project
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	// check every op before touching the rows, a commit is all or nothing
	pending := make(map[string]bool)
	for _, o := range t.ops {
		if o.insert {
			if pending[o.id] {
				return fmt.Errorf("record identifier already exists")
			}
			if _, ok := s.rows[t.project][o.id]; ok {
				return fmt.Errorf("record identifier already exists")
			}
			pending[o.id] = true
			continue
		}
		if _, ok := s.rows[t.project][o.id]; !ok && !pending[o.id] {
			return fmt.Errorf("record %s does not exist", o.id)
		}
	}

	if s.rows[t.project] == nil {
		s.rows[t.project] = make(map[string]*row)
	}
	for _, o := range t.ops {
		if o.insert {
			s.rows[t.project][o.id] = &row{relation: o.relation, parent: o.parent, record: o.record}
			continue
		}
		for key, value := range o.record {
			s.rows[t.project][o.id].record[key] = value
		}
	}
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	t.ops = nil
	return nil
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, project, id string) (core.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.graph.Project(project)
	if p == nil {
		return nil, false, fmt.Errorf("unknown project %s", project)
	}
	r, ok := s.rows[project][id]
	if !ok || r.relation != "" {
		return nil, false, nil
	}
	return s.assemble(project, p.Root, r.record), true, nil
}

// List implements store.Store
func (s *Store) List(ctx context.Context, project string, q store.ListQuery) (store.Page, error) {
	matched, err := s.matching(project, q.Predicate)
	if err != nil {
		return store.Page{}, err
	}

	if q.Cursor != nil {
		later := matched[:0]
		for _, record := range matched {
			createdAt, _ := record["created_at"].(string)
			id, _ := record["record_id"].(string)
			if q.Cursor.Before(createdAt, id) {
				later = append(later, record)
			}
		}
		matched = later
	}

	page := store.Page{}
	if q.Limit > 0 && len(matched) > q.Limit {
		page.Records = matched[:q.Limit]
		page.HasMore = true
	} else {
		page.Records = matched
	}
	return page, nil
}

// matching returns the assembled root records satisfying the predicate,
// in reverse creation order with the record identifier as tie-break.
func (s *Store) matching(project string, pred query.Predicate) ([]core.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.graph.Project(project)
	if p == nil {
		return nil, fmt.Errorf("unknown project %s", project)
	}
	var matched []core.Record
	for _, r := range s.rows[project] {
		if r.relation != "" {
			continue
		}
		record := s.assemble(project, p.Root, r.record)
		if pred == nil || query.Eval(pred, record) {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ci, _ := matched[i]["created_at"].(string)
		cj, _ := matched[j]["created_at"].(string)
		if ci != cj {
			return ci > cj
		}
		ii, _ := matched[i]["record_id"].(string)
		ij, _ := matched[j]["record_id"].(string)
		return ii > ij
	})
	return matched, nil
}

// Delete implements store.Store. Deletion cascades to owned sub-records.
func (s *Store) Delete(ctx context.Context, project, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[project][id]
	if !ok || r.relation != "" {
		return false, nil
	}
	s.deleteTree(project, id)
	return true, nil
}

func (s *Store) deleteTree(project, id string) {
	delete(s.rows[project], id)
	for childID, r := range s.rows[project] {
		if r.parent == id {
			s.deleteTree(project, childID)
		}
	}
}

// Summarise implements store.Store
func (s *Store) Summarise(ctx context.Context, project string, pred query.Predicate, fields []string, maxGroups int) ([]core.Record, error) {
	matched, err := s.matching(project, pred)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	values := make(map[string]core.Record)
	for _, record := range matched {
		group := core.Record{}
		key := ""
		for _, name := range fields {
			group[name] = record[name]
			key += fmt.Sprintf("%v\x00", record[name])
		}
		if _, ok := counts[key]; !ok && len(counts) == maxGroups {
			return nil, store.ErrTooManyGroups
		}
		counts[key]++
		values[key] = group
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	// largest groups first, group key as tie-break
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	groups := make([]core.Record, 0, len(keys))
	for _, key := range keys {
		group := values[key]
		group["count"] = counts[key]
		groups = append(groups, group)
	}
	return groups, nil
}

// assemble builds the nested representation of a record by attaching
// the sub-records of every declared relation. Caller holds the lock.
func (s *Store) assemble(project string, rk *schema.RecordKind, record core.Record) core.Record {
	assembled := copyRecord(record)
	id, _ := record["record_id"].(string)
	for _, name := range rk.RelationNames() {
		rel := rk.Relation(name)
		var children []core.Record
		for _, r := range s.rows[project] {
			if r.relation == name && r.parent == id {
				children = append(children, s.assemble(project, rel.Target, r.record))
			}
		}
		sort.Slice(children, func(i, j int) bool {
			ci, _ := children[i]["created_at"].(string)
			cj, _ := children[j]["created_at"].(string)
			if ci != cj {
				return ci < cj
			}
			ii, _ := children[i]["record_id"].(string)
			ij, _ := children[j]["record_id"].(string)
			return ii < ij
		})
		if rel.ToMany {
			if children == nil {
				children = []core.Record{}
			}
			assembled[name] = children
		} else if len(children) > 0 {
			assembled[name] = children[0]
		}
	}
	return assembled
}

func copyRecord(record core.Record) core.Record {
	copied := make(core.Record, len(record))
	for key, value := range record {
		copied[key] = value
	}
	return copied
}
