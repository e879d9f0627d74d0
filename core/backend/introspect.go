package backend

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/access"
	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/schema"
)

// fieldsWithAuth returns the filterable field paths visible to the
// caller, each with its kind and the lookups the kind supports.
func (b *Backend) fieldsWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project) {
	identity := access.IdentityFromContext(r.Context())
	scopes, err := b.scopesFromRequest(r, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope", "%v", err)
		return
	}

	fields := []map[string]interface{}{}
	for _, path := range b.Gate().Fields(project, core.ActionFilter, identity, scopes) {
		rf, err := project.Resolve(path, false)
		if err != nil {
			continue
		}
		lookups := []string{}
		for _, l := range rf.Kind().Lookups() {
			lookups = append(lookups, string(l))
		}
		fields = append(fields, map[string]interface{}{
			"path":    path,
			"kind":    string(rf.Kind()),
			"label":   rf.Kind().Label(),
			"lookups": lookups,
		})
	}
	writeData(w, r, http.StatusOK, map[string]interface{}{"data": fields})
}

// lookupsWithAuth returns the lookup vocabulary per field kind.
func (b *Backend) lookupsWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project) {
	lookups := map[string][]string{}
	for _, k := range kind.Kinds() {
		names := []string{}
		for _, l := range k.Lookups() {
			names = append(names, string(l))
		}
		lookups[string(k)] = names
	}
	writeData(w, r, http.StatusOK, map[string]interface{}{"data": lookups})
}

// choicesWithAuth returns the active choice values of a single choice
// field, in their canonical form.
func (b *Backend) choicesWithAuth(w http.ResponseWriter, r *http.Request, project *schema.Project) {
	identity := access.IdentityFromContext(r.Context())
	scopes, err := b.scopesFromRequest(r, project)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scope", "%v", err)
		return
	}

	field := mux.Vars(r)["field"]
	rf, err := b.Gate().ResolveField(project, field, core.ActionView, identity, scopes, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, field, "%v", err)
		return
	}
	if rf.Field.Kind != kind.Choice {
		writeError(w, http.StatusBadRequest, field, "field is not a choice field")
		return
	}
	values := project.Choices.ActiveValues(rf.Field.Name)
	writeData(w, r, http.StatusOK, map[string]interface{}{"data": values})
}
