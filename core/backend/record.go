package backend

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/access"
	"github.com/trellis-data/trellis/core/graph"
	"github.com/trellis-data/trellis/core/query"
	"github.com/trellis-data/trellis/core/schema"
)

// fetchVisible loads one record by its identifier within the caller's
// default-visibility-filtered set. A hidden record is indistinguishable
// from a missing one.
func (b *Backend) fetchVisible(w http.ResponseWriter, r *http.Request, project *schema.Project,
	identity access.Identity, scopes []string) (core.Record, string, bool) {

	id := mux.Vars(r)["record_id"]
	if !core.IsRecordID(id) {
		writeNotFound(w)
		return nil, "", false
	}
	record, found, err := b.store.Get(r.Context(), project.Code, id)
	if err != nil {
		writeInternalError(w, r, err)
		return nil, "", false
	}
	if !found || !query.Eval(b.visibility(project, identity, scopes), record) {
		writeNotFound(w)
		return nil, "", false
	}
	return record, id, true
}

func (b *Backend) getWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project) {
	identity := access.IdentityFromContext(r.Context())
	scopes, err := b.scopesFromRequest(r, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope", "%v", err)
		return
	}
	selection, verr := b.outputSelection(r, project, identity, scopes)
	if len(verr) > 0 {
		writeErrors(w, http.StatusBadRequest, verr)
		return
	}
	record, id, ok := b.fetchVisible(w, r, project, identity, scopes)
	if !ok {
		return
	}
	record, err = b.intercept(r.Context(), project.Code, core.ActionView, id, r, record)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]interface{}{
		"data": redactRecord(project.Root, record, "", selection.keep),
	})
}

func (b *Backend) createWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project) {
	identity := access.IdentityFromContext(r.Context())
	scopes, err := b.scopesFromRequest(r, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope", "%v", err)
		return
	}
	if !b.Gate().MayAct(project, core.ActionCreate, identity, scopes) {
		writeError(w, http.StatusForbidden, core.NonFieldErrors, "you are not permitted to create records")
		return
	}
	b.writeWithAuth(w, r, project, nil)
}

func (b *Backend) updateWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project) {
	identity := access.IdentityFromContext(r.Context())
	scopes, err := b.scopesFromRequest(r, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope", "%v", err)
		return
	}
	if !b.Gate().MayAct(project, core.ActionUpdate, identity, scopes) {
		writeError(w, http.StatusForbidden, core.NonFieldErrors, "you are not permitted to update records")
		return
	}
	existing, _, ok := b.fetchVisible(w, r, project, identity, scopes)
	if !ok {
		return
	}
	b.writeWithAuth(w, r, project, existing)
}

// writeWithAuth drives one create or update through the record graph
// engine: permission pre-check on every payload path, full validation,
// then a single-transaction save. With ?test=true the request stops
// after validation.
func (b *Backend) writeWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project,
	existing core.Record) {

	identity := access.IdentityFromContext(r.Context())
	scopes, err := b.scopesFromRequest(r, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope", "%v", err)
		return
	}

	action := core.ActionCreate
	if existing != nil {
		action = core.ActionUpdate
	}

	var payload core.Record
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, core.NonFieldErrors, "invalid payload document: %v", err)
		return
	}

	if verr := b.checkPayloadPaths(project, action, identity, scopes, project.Root, payload, "", ""); len(verr) > 0 {
		writeErrors(w, http.StatusBadRequest, verr)
		return
	}

	engine := graph.New(project, b.store, b.codecContext(project, identity), identity, payload, existing)
	if err := engine.Validate(r.Context()); err != nil {
		if structural, ok := err.(*graph.StructuralError); ok {
			writeError(w, http.StatusBadRequest, core.NonFieldErrors, "%s", structural.Message)
			return
		}
		writeInternalError(w, r, err)
		return
	}
	if verr := engine.Errors(); len(verr) > 0 {
		writeErrors(w, http.StatusBadRequest, verr)
		return
	}

	if r.URL.Query().Get("test") == "true" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	savedID, err := engine.Save(r.Context())
	if err != nil {
		writeInternalError(w, r, err)
		return
	}

	record, found, err := b.store.Get(r.Context(), project.Code, savedID)
	if err != nil || !found {
		if err == nil {
			err = fmt.Errorf("record %s vanished after save", savedID)
		}
		writeInternalError(w, r, err)
		return
	}
	if _, err := b.intercept(r.Context(), project.Code, action, savedID, r, record); err != nil {
		writeInternalError(w, r, err)
		return
	}

	selection, verr := b.outputSelection(r, project, identity, scopes)
	if len(verr) > 0 {
		writeErrors(w, http.StatusBadRequest, verr)
		return
	}
	status := http.StatusCreated
	if existing != nil {
		status = http.StatusOK
	}
	writeData(w, r, status, map[string]interface{}{
		"data": redactRecord(project.Root, record, "", selection.keep),
	})
}

func (b *Backend) deleteWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project) {
	identity := access.IdentityFromContext(r.Context())
	scopes, err := b.scopesFromRequest(r, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope", "%v", err)
		return
	}
	if !b.Gate().MayAct(project, core.ActionDelete, identity, scopes) {
		writeError(w, http.StatusForbidden, core.NonFieldErrors, "you are not permitted to delete records")
		return
	}
	_, id, ok := b.fetchVisible(w, r, project, identity, scopes)
	if !ok {
		return
	}
	if r.URL.Query().Get("test") == "true" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	found, err := b.store.Delete(r.Context(), project.Code, id)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if !found {
		writeNotFound(w)
		return
	}
	if _, err := b.intercept(r.Context(), project.Code, core.ActionDelete, id, r, nil); err != nil {
		writeInternalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkPayloadPaths resolves every field mentioned in the payload
// through the permission gate for the requested action, walking nested
// relations. Errors are batched and keyed the way the engine keys its
// own errors, with item indexes on to-many relations.
func (b *Backend) checkPayloadPaths(project *schema.Project, action core.Action,
	identity access.Identity, scopes []string, rk *schema.RecordKind,
	payload core.Record, pathPrefix, keyPrefix string) core.ValidationError {

	verr := core.ValidationError{}
	for key, raw := range payload {
		if strings.Contains(key, schema.Separator) {
			// the engine rejects these as structural errors
			continue
		}
		if rel := rk.Relation(key); rel != nil {
			childPath := pathPrefix + key + schema.Separator
			if rel.ToMany {
				items, ok := raw.([]interface{})
				if !ok {
					continue
				}
				for i, item := range items {
					if child, ok := item.(map[string]interface{}); ok {
						verr.Merge(b.checkPayloadPaths(project, action, identity, scopes,
							rel.Target, child, childPath, fmt.Sprintf("%s%s[%d].", keyPrefix, key, i)))
					}
				}
				continue
			}
			if child, ok := raw.(map[string]interface{}); ok {
				verr.Merge(b.checkPayloadPaths(project, action, identity, scopes,
					rel.Target, child, childPath, keyPrefix+key+"."))
			}
			continue
		}
		if _, err := b.Gate().ResolveField(project, pathPrefix+key, action, identity, scopes, false); err != nil {
			verr.Add(keyPrefix+key, "%v", err)
		}
	}
	return verr
}
