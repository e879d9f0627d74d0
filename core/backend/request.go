package backend

import (
	"crypto/md5"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/trellis-data/trellis/core"
	"github.com/trellis-data/trellis/core/access"
	"github.com/trellis-data/trellis/core/codec"
	"github.com/trellis-data/trellis/core/kind"
	"github.com/trellis-data/trellis/core/logger"
	"github.com/trellis-data/trellis/core/query"
	"github.com/trellis-data/trellis/core/schema"
)

const (
	defaultLimit = 100
	maxLimit     = 1000

	// ceiling of distinct groups a summarise may produce
	summariseGroupLimit = 100
)

// reserved query parameters, everything else is a filter condition
var reservedParameters = map[string]bool{
	"cursor":    true,
	"limit":     true,
	"include":   true,
	"exclude":   true,
	"scope":     true,
	"summarise": true,
	"test":      true,
}

func (b *Backend) codecContext(project *schema.Project, identity access.Identity) codec.Context {
	return codec.Context{
		Project:    project.Code,
		Site:       identity.Site,
		Choices:    project.Choices,
		Anonymiser: b.anonymiser,
	}
}

func (b *Backend) resolver(project *schema.Project, action core.Action,
	identity access.Identity, scopes []string) query.Resolver {
	return query.ResolverFunc(func(path string, allowLookup bool) (*schema.ResolvedField, error) {
		return b.Gate().ResolveField(project, path, action, identity, scopes, allowLookup)
	})
}

// visibility builds the default visibility constraints: unpublished,
// suppressed and site-restricted records stay hidden unless the caller's
// authorized view set includes the corresponding flag.
func (b *Backend) visibility(project *schema.Project, identity access.Identity, scopes []string) query.Predicate {
	canView := func(path string) bool {
		_, err := b.Gate().ResolveField(project, path, core.ActionView, identity, scopes, false)
		return err == nil
	}
	atom := func(path string, value interface{}) query.Predicate {
		resolved, err := project.Resolve(path, false)
		if err != nil {
			return query.True{}
		}
		return query.Cond{Atom: &query.Atom{Key: path, Field: resolved, Value: value}}
	}

	var preds []query.Predicate
	if !canView("published") {
		preds = append(preds, atom("published", true))
	}
	if !canView("suppressed") {
		preds = append(preds, atom("suppressed", false))
	}
	if !canView("site") {
		resolved, err := project.Resolve("site", false)
		if err == nil {
			unrestricted := *resolved
			unrestricted.Lookup = kind.LookupIsnull
			unrestricted.HasLookup = true
			preds = append(preds, query.Or{Preds: []query.Predicate{
				query.Cond{Atom: &query.Atom{Key: "site", Field: resolved, Value: identity.Site}},
				query.Cond{Atom: &query.Atom{Key: "site", Field: &unrestricted, Value: true}},
			}})
		}
	}
	if len(preds) == 0 {
		return query.True{}
	}
	return query.And{Preds: preds}
}

// scopesFromRequest validates the requested extra permission scopes
func (b *Backend) scopesFromRequest(r *http.Request, project *schema.Project) ([]string, error) {
	scopes := splitParameters(r.URL.Query()["scope"])
	if err := b.Gate().CheckScopes(project, scopes); err != nil {
		return nil, err
	}
	return scopes, nil
}

// splitParameters flattens repeatable, comma-separated parameter values
func splitParameters(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}

func limitFromRequest(r *http.Request) (int, error) {
	value := r.URL.Query().Get("limit")
	if value == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

// filterTreeFromParameters builds the single-pass AND filter tree from
// the non-reserved query parameters
func filterTreeFromParameters(values url.Values) interface{} {
	var leaves []interface{}
	for key, list := range values {
		if reservedParameters[key] {
			continue
		}
		for _, value := range list {
			leaves = append(leaves, map[string]interface{}{key: value})
		}
	}
	if len(leaves) == 0 {
		return nil
	}
	return map[string]interface{}{"&": leaves}
}

// writeData writes the success envelope
func writeData(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	etag := bytesToEtag(jsonData)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// writeErrors writes the field-keyed error map
func writeErrors(w http.ResponseWriter, status int, verr core.ValidationError) {
	jsonData, _ := json.Marshal(verr)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func writeError(w http.ResponseWriter, status int, field, format string, args ...interface{}) {
	verr := core.ValidationError{}
	verr.Add(field, format, args...)
	writeErrors(w, status, verr)
}

func writeNotFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, core.NonFieldErrors, "not found")
}

func writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	logger.FromContext(r.Context()).WithError(err).Errorln("internal error")
	writeError(w, http.StatusInternalServerError, core.NonFieldErrors, "internal error")
}

func bytesToEtag(data []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(data))
}

// ifNoneMatchFound returns true if etag is found in the comma-separated
// If-None-Match header value
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	for _, part := range strings.Split(ifNoneMatch, ",") {
		if strings.Trim(part, " \"") == strings.Trim(etag, "\"") {
			return true
		}
	}
	return false
}

