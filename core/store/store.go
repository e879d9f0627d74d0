/*Package store defines the persistence surface of the data service and
the opaque pagination cursor shared by its implementations.

Two implementations exist: a Postgres store for production and an
in-memory store for tests and small deployments.
*/
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/graph"
	"github.com/trellis-data/trellis/core/query"
)

// ErrTooManyGroups is returned by Summarise when the number of distinct
// groups exceeds the requested ceiling.
var ErrTooManyGroups = errors.New("too many distinct groups")

// Store is the persistence backend of a data service. The write surface
// is the transaction interface of the record graph engine; the read
// surface executes compiled predicates.
type Store interface {
	graph.Store

	// Get returns the record with the given identifier with all nested
	// sub-records assembled
	Get(ctx context.Context, project, id string) (core.Record, bool, error)

	// List returns one page of root records matching the predicate, in
	// reverse creation order with the record identifier as tie-break
	List(ctx context.Context, project string, q ListQuery) (Page, error)

	// Delete removes the record and all owned sub-records
	Delete(ctx context.Context, project, id string) (bool, error)

	// Summarise groups the records matching the predicate by the given
	// fields and counts each group. It fails with ErrTooManyGroups when
	// more than maxGroups distinct groups exist.
	Summarise(ctx context.Context, project string, pred query.Predicate, fields []string, maxGroups int) ([]core.Record, error)
}

// ListQuery describes one page request
type ListQuery struct {
	Predicate query.Predicate
	Cursor    *Cursor // nil starts from the beginning
	Limit     int
}

// Page is one page of list results
type Page struct {
	Records []core.Record
	HasMore bool
}

// Cursor is the decoded position of a pagination token: the creation
// timestamp and record identifier of the last record of the previous
// page.
type Cursor struct {
	CreatedAt string
	RecordID  string
}

// Encode encodes the cursor to its opaque base64 token form
func (c Cursor) Encode() string {
	return base64.URLEncoding.EncodeToString([]byte(c.CreatedAt + "." + c.RecordID))
}

// DecodeCursor decodes an opaque pagination token back to a Cursor
func DecodeCursor(encoded string) (Cursor, error) {
	decoded, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor format: %v", err)
	}
	parts := strings.SplitN(string(decoded), ".", 2)
	if len(parts) != 2 || !core.IsRecordID(parts[1]) {
		return Cursor{}, fmt.Errorf("invalid cursor format: %s", encoded)
	}
	return Cursor{CreatedAt: parts[0], RecordID: parts[1]}, nil
}

// Before reports whether the record at (createdAt, id) sorts strictly
// after the cursor position in reverse creation order, i.e. belongs to a
// later page.
func (c Cursor) Before(createdAt, id string) bool {
	if createdAt != c.CreatedAt {
		return createdAt < c.CreatedAt
	}
	return id < c.RecordID
}
