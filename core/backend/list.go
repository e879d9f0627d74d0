package backend

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/access"
	"github.com/trellis-data/trellis/core/query"
	"github.com/trellis-data/trellis/core/schema"
	"github.com/trellis-data/trellis/core/store"
)

// listWithAuth handles GET /{project}/ and POST /{project}/query/. The
// GET variant combines all non-reserved query parameters into one AND
// filter; the POST variant accepts an arbitrary boolean filter tree as
// body.
func (b *Backend) listWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project, fromBody bool) {
	identity := access.IdentityFromContext(r.Context())
	scopes, err := b.scopesFromRequest(r, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope", "%v", err)
		return
	}

	var tree interface{}
	if fromBody {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeInternalError(w, r, err)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &tree); err != nil {
				writeError(w, http.StatusBadRequest, core.NonFieldErrors, "invalid filter document: %v", err)
				return
			}
		}
	} else {
		tree = filterTreeFromParameters(r.URL.Query())
	}

	predicate, ok := b.compileFilter(w, r, project, identity, scopes, tree)
	if !ok {
		return
	}

	if summarise := splitParameters(r.URL.Query()["summarise"]); len(summarise) > 0 {
		b.summariseList(w, r, project, identity, scopes, predicate, summarise)
		return
	}

	selection, verr := b.outputSelection(r, project, identity, scopes)
	if len(verr) > 0 {
		writeErrors(w, http.StatusBadRequest, verr)
		return
	}

	limit, err := limitFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit", "%v", err)
		return
	}

	listQuery := store.ListQuery{Predicate: predicate, Limit: limit}
	if token := r.URL.Query().Get("cursor"); token != "" {
		cursor, err := store.DecodeCursor(token)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor", "%v", err)
			return
		}
		listQuery.Cursor = &cursor
	}

	page, err := b.store.List(r.Context(), project.Code, listQuery)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}

	records := make([]core.Record, 0, len(page.Records))
	for _, record := range page.Records {
		records = append(records, redactRecord(project.Root, record, "", selection.keep))
	}
	response := map[string]interface{}{"data": records}
	if page.HasMore && len(page.Records) > 0 {
		last := page.Records[len(page.Records)-1]
		createdAt, _ := last["created_at"].(string)
		id, _ := last["record_id"].(string)
		response["cursor"] = store.Cursor{CreatedAt: createdAt, RecordID: id}.Encode()
	}
	writeData(w, r, http.StatusOK, response)
}

// compileFilter parses, resolves, cleans and compiles a filter tree and
// conjoins the default visibility constraints
func (b *Backend) compileFilter(w http.ResponseWriter, r *http.Request, project *schema.Project,
	identity access.Identity, scopes []string, tree interface{}) (query.Predicate, bool) {

	filter, err := query.Parse(tree)
	if err != nil {
		writeError(w, http.StatusBadRequest, core.NonFieldErrors, "%v", err)
		return nil, false
	}
	if err := filter.Resolve(b.resolver(project, core.ActionFilter, identity, scopes)); err != nil {
		writeBatchedErrors(w, err)
		return nil, false
	}
	if err := filter.Clean(r.Context(), b.codecContext(project, identity)); err != nil {
		writeBatchedErrors(w, err)
		return nil, false
	}
	return query.And{Preds: []query.Predicate{
		filter.Compile(),
		b.visibility(project, identity, scopes),
	}}, true
}

func writeBatchedErrors(w http.ResponseWriter, err error) {
	if verr, ok := err.(core.ValidationError); ok {
		writeErrors(w, http.StatusBadRequest, verr)
		return
	}
	writeError(w, http.StatusBadRequest, core.NonFieldErrors, "%v", err)
}

// summariseList short-circuits normal retrieval into a grouped count
// aggregate over the given root fields
func (b *Backend) summariseList(w http.ResponseWriter, r *http.Request, project *schema.Project,
	identity access.Identity, scopes []string, predicate query.Predicate, fields []string) {

	verr := core.ValidationError{}
	var names []string
	for _, path := range fields {
		resolved, err := b.Gate().ResolveField(project, path, core.ActionView, identity, scopes, false)
		if err != nil {
			verr.Add(path, "%v", err)
			continue
		}
		if len(resolved.Chain) > 0 || resolved.Relation != nil {
			verr.Add(path, "cannot summarise over nested fields")
			continue
		}
		names = append(names, resolved.Field.Name)
	}
	if len(verr) > 0 {
		writeErrors(w, http.StatusBadRequest, verr)
		return
	}

	groups, err := b.store.Summarise(r.Context(), project.Code, predicate, names, summariseGroupLimit)
	if err == store.ErrTooManyGroups {
		writeError(w, http.StatusBadRequest, core.NonFieldErrors,
			"summarise exceeds %d distinct groups, narrow the filter or the field set", summariseGroupLimit)
		return
	}
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]interface{}{"data": groups})
}
