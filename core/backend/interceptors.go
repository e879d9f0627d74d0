package backend

import (
	"context"
	"net/http"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/logger"
)

// Request collects the details of a record request as they are passed
// to interceptor callbacks.
type Request struct {
	// Project is the project code
	Project string
	// RecordID is the identifier of the addressed record. Empty for
	// a create request before an identifier was allocated.
	RecordID string
	// Action is the requested action
	Action core.Action
	// Parameters are the request's query parameters, flattened to the
	// first value per key
	Parameters map[string]string
}

// RecordHandler is a callback for record requests. For the view action
// the returned record replaces the one sent to the caller; for all
// other actions the returned record is ignored. A non-nil error aborts
// the request with an internal error.
type RecordHandler func(ctx context.Context, request Request, record core.Record) (core.Record, error)

// HandleRecordRequest installs a callback for record requests on the
// given project. With no actions given, the callback is installed for
// the view action.
//
// View callbacks run after the record was loaded and before it is
// written to the caller. Create and update callbacks run after the
// record was stored, delete callbacks after it was deleted (with a nil
// record).
func (b *Backend) HandleRecordRequest(project string, handler RecordHandler, actions ...core.Action) {
	if b.Graph().Project(project) == nil {
		logger.Default().Fatalf("handle record request: unknown project %s", project)
	}
	if len(actions) == 0 {
		actions = []core.Action{core.ActionView}
	}
	for _, action := range actions {
		key := project + "(" + string(action) + ")"
		if _, ok := b.interceptors[key]; ok {
			logger.Default().Fatalf("handle record request: duplicate handler for %s", key)
		}
		b.interceptors[key] = handler
	}
}

func (b *Backend) intercept(ctx context.Context, project string, action core.Action,
	recordID string, r *http.Request, record core.Record) (core.Record, error) {

	handler, ok := b.interceptors[project+"("+string(action)+")"]
	if !ok {
		return record, nil
	}
	parameters := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			parameters[key] = values[0]
		}
	}
	result, err := handler(ctx, Request{
		Project:    project,
		RecordID:   recordID,
		Action:     action,
		Parameters: parameters,
	}, record)
	if err != nil {
		return record, err
	}
	if action == core.ActionView && result != nil {
		return result, nil
	}
	return record, nil
}
