/*Package postgres implements the record store on PostgreSQL.

Every project gets one table per record collection: the root kind's
table carries the project code, each nested relation gets its own table
named "{project}/{relation}" with a parent_id column. Tables are created
at boot from the schema graph; cleaned values map to typed columns.
Canonical date strings are stored as text, their lexicographic order is
chronological.
*/
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/csql"
	"github.com/trellis-data/trellis/core/graph"
	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/query"
	"github.com/trellis-data/trellis/core/schema"
	"github.com/trellis-data/trellis/core/store"

	"database/sql"
)

type column struct {
	name string
	kind kind.Kind
}

type table struct {
	name     string // identifier, e.g. "survey" or "survey/samples"
	kind     *schema.RecordKind
	relation *schema.Relation // nil for the root table
	columns  []column
}

func (t *table) hasColumn(name string) bool {
	for _, c := range t.columns {
		if c.name == name {
			return true
		}
	}
	return false
}

// Store is the PostgreSQL-backed record store
type Store struct {
	db     *csql.DB
	graph  *schema.Graph
	tables map[string]map[string]*table // project -> relation ("" root) -> table
}

var _ store.Store = (*Store)(nil)

// New creates the store and brings the database schema up to date: one
// table per record collection, created if absent.
func New(db *csql.DB, g *schema.Graph) (*Store, error) {
	s := &Store{
		db:     db,
		graph:  g,
		tables: make(map[string]map[string]*table),
	}
	for _, code := range g.Projects() {
		project := g.Project(code)
		tables := make(map[string]*table)
		tables[""] = &table{
			name:    project.Code,
			kind:    project.Root,
			columns: columnsOf(project.Root),
		}
		collectRelationTables(project.Code, project.Root, tables, map[*schema.RecordKind]bool{})
		s.tables[project.Code] = tables

		for _, t := range tables {
			if err := s.createTable(t); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func collectRelationTables(project string, rk *schema.RecordKind, tables map[string]*table, seen map[*schema.RecordKind]bool) {
	if seen[rk] {
		return
	}
	seen[rk] = true
	for _, name := range rk.RelationNames() {
		rel := rk.Relation(name)
		columns := append([]column{{name: "parent_id", kind: kind.Text}}, columnsOf(rel.Target)...)
		tables[name] = &table{
			name:     project + "/" + name,
			kind:     rel.Target,
			relation: rel,
			columns:  columns,
		}
		collectRelationTables(project, rel.Target, tables, seen)
	}
}

func columnsOf(rk *schema.RecordKind) []column {
	var columns []column
	for _, name := range rk.FieldNames() {
		columns = append(columns, column{name: name, kind: rk.Field(name).Kind})
	}
	return columns
}

func (s *Store) ident(name string) string {
	return fmt.Sprintf("%s.\"%s\"", s.db.Schema, name)
}

func (s *Store) createTable(t *table) error {
	var defs []string
	for _, c := range t.columns {
		def := "\"" + c.name + "\" " + columnType(c.kind)
		switch c.name {
		case "record_id":
			def += " NOT NULL PRIMARY KEY"
		case "parent_id", "created_at":
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	createQuery := fmt.Sprintf("CREATE table IF NOT EXISTS %s (%s);", s.ident(t.name), strings.Join(defs, ", "))
	if _, err := s.db.Exec(createQuery); err != nil {
		return fmt.Errorf("cannot create table %s: %w", t.name, err)
	}
	indexName := strings.ReplaceAll(t.name, "/", "_")
	indexColumn := "created_at, record_id"
	if t.relation != nil {
		indexColumn = "parent_id"
	}
	indexQuery := fmt.Sprintf("CREATE index IF NOT EXISTS \"%s_order_index\" ON %s (%s);",
		indexName, s.ident(t.name), indexColumn)
	if _, err := s.db.Exec(indexQuery); err != nil {
		return fmt.Errorf("cannot create index for table %s: %w", t.name, err)
	}
	return nil
}

func columnType(k kind.Kind) string {
	switch k {
	case kind.Integer:
		return "bigint"
	case kind.Decimal:
		return "double precision"
	case kind.Boolean:
		return "boolean"
	}
	return "text"
}

// scan holders, one per column, typed after the column

func holders(columns []column) []interface{} {
	h := make([]interface{}, len(columns))
	for i, c := range columns {
		switch c.kind {
		case kind.Integer:
			h[i] = &sql.NullInt64{}
		case kind.Decimal:
			h[i] = &sql.NullFloat64{}
		case kind.Boolean:
			h[i] = &sql.NullBool{}
		default:
			h[i] = &sql.NullString{}
		}
	}
	return h
}

func recordFrom(columns []column, h []interface{}) core.Record {
	record := core.Record{}
	for i, c := range columns {
		if c.name == "parent_id" {
			continue
		}
		switch v := h[i].(type) {
		case *sql.NullInt64:
			if v.Valid {
				record[c.name] = v.Int64
			} else {
				record[c.name] = nil
			}
		case *sql.NullFloat64:
			if v.Valid {
				record[c.name] = v.Float64
			} else {
				record[c.name] = nil
			}
		case *sql.NullBool:
			if v.Valid {
				record[c.name] = v.Bool
			} else {
				record[c.name] = nil
			}
		case *sql.NullString:
			if v.Valid {
				record[c.name] = v.String
			} else {
				record[c.name] = nil
			}
		}
	}
	return record
}

func selectList(alias string, columns []column) string {
	names := make([]string, len(columns))
	for i, c := range columns {
		names[i] = alias + ".\"" + c.name + "\""
	}
	return strings.Join(names, ", ")
}

func (s *Store) table(project, relation string) (*table, error) {
	t, ok := s.tables[project][relation]
	if !ok {
		return nil, fmt.Errorf("unknown collection %s of project %s", relation, project)
	}
	return t, nil
}

// FindChild implements graph.Store
func (s *Store) FindChild(ctx context.Context, project, relation, parentID string, identifiers core.Record) (core.Record, bool, error) {
	t, err := s.table(project, relation)
	if err != nil {
		return nil, false, err
	}
	b := &builder{}
	conditions := []string{"t.parent_id = " + b.add(parentID)}
	for name, value := range identifiers {
		conditions = append(conditions, fmt.Sprintf("t.\"%s\" = %s", name, b.add(value)))
	}
	q := fmt.Sprintf("SELECT %s FROM %s t WHERE %s LIMIT 1;",
		selectList("t", t.columns), s.ident(t.name), strings.Join(conditions, " AND "))
	h := holders(t.columns)
	err = s.db.QueryRowContext(ctx, q, b.args...).Scan(h...)
	if err == csql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return recordFrom(t.columns, h), true, nil
}

// IDExists implements graph.Store
func (s *Store) IDExists(ctx context.Context, project, id string) (bool, error) {
	for _, t := range s.tables[project] {
		var one int
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT 1 FROM %s WHERE record_id = $1;", s.ident(t.name)), id).Scan(&one)
		if err == csql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Begin implements graph.Store
func (s *Store) Begin(ctx context.Context) (graph.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &tx{store: s, tx: sqlTx}, nil
}

type tx struct {
	store *Store
	tx    *sql.Tx
}

func (t *tx) Insert(ctx context.Context, project, relation, parentID string, record core.Record) error {
	tbl, err := t.store.table(project, relation)
	if err != nil {
		return err
	}
	var names []string
	var params []string
	b := &builder{}
	for _, c := range tbl.columns {
		var value interface{}
		if c.name == "parent_id" {
			value = parentID
		} else {
			var ok bool
			if value, ok = record[c.name]; !ok {
				continue
			}
		}
		names = append(names, "\""+c.name+"\"")
		params = append(params, b.add(value))
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);",
		t.store.ident(tbl.name), strings.Join(names, ", "), strings.Join(params, ", "))
	_, err = t.tx.ExecContext(ctx, q, b.args...)
	if err, ok := err.(*pq.Error); ok && err.Code == "23505" {
		return fmt.Errorf("record identifier already exists")
	}
	return err
}

func (t *tx) Update(ctx context.Context, project, relation, id string, changes core.Record) error {
	tbl, err := t.store.table(project, relation)
	if err != nil {
		return err
	}
	var assignments []string
	b := &builder{}
	for _, c := range tbl.columns {
		value, ok := changes[c.name]
		if !ok {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("\"%s\" = %s", c.name, b.add(value)))
	}
	if len(assignments) == 0 {
		return nil
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE record_id = %s;",
		t.store.ident(tbl.name), strings.Join(assignments, ", "), b.add(id))
	result, err := t.tx.ExecContext(ctx, q, b.args...)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err == nil && count == 0 {
		return fmt.Errorf("record %s does not exist", id)
	}
	return err
}

func (t *tx) Commit() error {
	return t.tx.Commit()
}

func (t *tx) Rollback() error {
	return t.tx.Rollback()
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, project, id string) (core.Record, bool, error) {
	t, err := s.table(project, "")
	if err != nil {
		return nil, false, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s t WHERE t.record_id = $1;",
		selectList("t", t.columns), s.ident(t.name))
	h := holders(t.columns)
	err = s.db.QueryRowContext(ctx, q, id).Scan(h...)
	if err == csql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	record := recordFrom(t.columns, h)
	if err := s.attachChildren(ctx, project, t.kind, []core.Record{record}); err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// List implements store.Store
func (s *Store) List(ctx context.Context, project string, q store.ListQuery) (store.Page, error) {
	t, err := s.table(project, "")
	if err != nil {
		return store.Page{}, err
	}
	b := &builder{}
	where, err := s.emit(q.Predicate, project, "t", b)
	if err != nil {
		return store.Page{}, err
	}
	if q.Cursor != nil {
		where += fmt.Sprintf(" AND (t.created_at < %s OR (t.created_at = %s AND t.record_id < %s))",
			b.add(q.Cursor.CreatedAt), b.add(q.Cursor.CreatedAt), b.add(q.Cursor.RecordID))
	}
	limit := ""
	if q.Limit > 0 {
		limit = fmt.Sprintf(" LIMIT %d", q.Limit+1)
	}
	sqlQuery := fmt.Sprintf("SELECT %s FROM %s t WHERE %s ORDER BY t.created_at DESC, t.record_id DESC%s;",
		selectList("t", t.columns), s.ident(t.name), where, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, b.args...)
	if err != nil {
		return store.Page{}, err
	}
	defer rows.Close()

	var records []core.Record
	for rows.Next() {
		h := holders(t.columns)
		if err := rows.Scan(h...); err != nil {
			return store.Page{}, err
		}
		records = append(records, recordFrom(t.columns, h))
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, err
	}

	page := store.Page{Records: records}
	if q.Limit > 0 && len(records) > q.Limit {
		page.Records = records[:q.Limit]
		page.HasMore = true
	}
	if err := s.attachChildren(ctx, project, t.kind, page.Records); err != nil {
		return store.Page{}, err
	}
	return page, nil
}

// attachChildren loads the sub-records of every declared relation for
// the given parent records, one batched query per relation, and attaches
// them under the relation name.
func (s *Store) attachChildren(ctx context.Context, project string, rk *schema.RecordKind, records []core.Record) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	byID := make(map[string]core.Record, len(records))
	for i, record := range records {
		id, _ := record["record_id"].(string)
		ids[i] = id
		byID[id] = record
	}

	for _, name := range rk.RelationNames() {
		rel := rk.Relation(name)
		t, err := s.table(project, name)
		if err != nil {
			return err
		}
		q := fmt.Sprintf("SELECT %s FROM %s t WHERE t.parent_id = ANY($1) ORDER BY t.created_at, t.record_id;",
			selectList("t", t.columns), s.ident(t.name))
		rows, err := s.db.QueryContext(ctx, q, pq.Array(ids))
		if err != nil {
			return err
		}
		var children []core.Record
		parents := make(map[string]string)
		for rows.Next() {
			h := holders(t.columns)
			if err := rows.Scan(h...); err != nil {
				rows.Close()
				return err
			}
			record := recordFrom(t.columns, h)
			children = append(children, record)
			id, _ := record["record_id"].(string)
			parents[id] = h[0].(*sql.NullString).String // parent_id is the first column
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := s.attachChildren(ctx, project, rel.Target, children); err != nil {
			return err
		}

		if rel.ToMany {
			for _, record := range records {
				record[name] = []core.Record{}
			}
		}
		for _, child := range children {
			id, _ := child["record_id"].(string)
			parent := byID[parents[id]]
			if parent == nil {
				continue
			}
			if rel.ToMany {
				parent[name] = append(parent[name].([]core.Record), child)
			} else {
				parent[name] = child
			}
		}
	}
	return nil
}

// Delete implements store.Store. Sub-records are removed level by level
// within one transaction.
func (s *Store) Delete(ctx context.Context, project, id string) (bool, error) {
	t, err := s.table(project, "")
	if err != nil {
		return false, err
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer sqlTx.Rollback()

	result, err := sqlTx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE record_id = $1;", s.ident(t.name)), id)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}
	if err := s.deleteChildren(ctx, sqlTx, project, t.kind, []string{id}); err != nil {
		return false, err
	}
	return true, sqlTx.Commit()
}

func (s *Store) deleteChildren(ctx context.Context, sqlTx *sql.Tx, project string, rk *schema.RecordKind, parents []string) error {
	for _, name := range rk.RelationNames() {
		rel := rk.Relation(name)
		t, err := s.table(project, name)
		if err != nil {
			return err
		}
		rows, err := sqlTx.QueryContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE parent_id = ANY($1) RETURNING record_id;", s.ident(t.name)),
			pq.Array(parents))
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := s.deleteChildren(ctx, sqlTx, project, rel.Target, ids); err != nil {
				return err
			}
		}
	}
	return nil
}

// Summarise implements store.Store
func (s *Store) Summarise(ctx context.Context, project string, pred query.Predicate, fields []string, maxGroups int) ([]core.Record, error) {
	t, err := s.table(project, "")
	if err != nil {
		return nil, err
	}
	b := &builder{}
	where, err := s.emit(pred, project, "t", b)
	if err != nil {
		return nil, err
	}
	groupColumns := make([]string, len(fields))
	for i, name := range fields {
		if !t.hasColumn(name) {
			return nil, fmt.Errorf("unknown field %s", name)
		}
		groupColumns[i] = "t.\"" + name + "\""
	}
	groupBy := strings.Join(groupColumns, ", ")
	sqlQuery := fmt.Sprintf(
		"SELECT %s, count(*) FROM %s t WHERE %s GROUP BY %s ORDER BY count(*) DESC, %s LIMIT %d;",
		groupBy, s.ident(t.name), where, groupBy, groupBy, maxGroups+1)

	rows, err := s.db.QueryContext(ctx, sqlQuery, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := make([]column, len(fields))
	for i, name := range fields {
		for _, c := range t.columns {
			if c.name == name {
				columns[i] = c
			}
		}
	}
	var groups []core.Record
	for rows.Next() {
		h := holders(columns)
		var count int64
		if err := rows.Scan(append(h, &count)...); err != nil {
			return nil, err
		}
		group := recordFrom(columns, h)
		group["count"] = count
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(groups) > maxGroups {
		return nil, store.ErrTooManyGroups
	}
	return groups, nil
}
