package graph

import (
	"context"

	"github.com/trellis-data/trellis/core"
)

// Store is the persistence surface the engine validates and saves
// against. Relation names address nested sub-record collections; the
// empty relation name addresses root records.
type Store interface {
	// FindChild returns the sub-record of the given parent and relation
	// whose identifier fields equal the given values. An empty identifier
	// map matches any sub-record under the parent, which is how to-one
	// relations locate their single child.
	FindChild(ctx context.Context, project, relation, parentID string, identifiers core.Record) (core.Record, bool, error)

	// IDExists reports whether the record identifier is already taken
	// anywhere in the project, root or nested.
	IDExists(ctx context.Context, project, id string) (bool, error)

	Begin(ctx context.Context) (Tx, error)
}

// Tx is one transaction covering an entire record tree. Either every
// row of the tree is committed or none are.
type Tx interface {
	// Insert persists a new record. For root records relation and
	// parentID are empty.
	Insert(ctx context.Context, project, relation, parentID string, record core.Record) error

	// Update applies the given field changes to an existing record
	Update(ctx context.Context, project, relation, id string, changes core.Record) error

	Commit() error
	Rollback() error
}
