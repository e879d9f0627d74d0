package backend

import (
	"embed"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/xeipuuv/gojsonschema"

	"github.com/trellis-data/trellis/core/access"
	"github.com/trellis-data/trellis/core/codec"
	"github.com/trellis-data/trellis/core/logger"
	"github.com/trellis-data/trellis/core/schema"
	"github.com/trellis-data/trellis/core/store"
)

// Backend is the generic data API backend
type Backend struct {
	mu           sync.RWMutex // guards config, graph and gate across reloads
	config       schema.Configuration
	graph        *schema.Graph
	gate         *access.Gate
	store        store.Store
	router       *mux.Router
	anonymiser   codec.Anonymiser
	interceptors map[string]RecordHandler
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON description of all projects. This is mandatory.
	Config string
	// Store is the record store. This is mandatory.
	Store store.Store
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Anonymiser tokenizes values of anonymised fields. This is optional;
	// without it, writes to anonymised fields fail.
	Anonymiser codec.Anonymiser
}

//go:embed configuration.schema.json
var configurationSchemaFS embed.FS

// New realizes the actual backend. It validates the configuration,
// builds the schema graph and the permission gate, and adds the actual
// routes to the router.
func New(bb *Builder) *Backend {
	config, err := ParseConfiguration(bb.Config)
	if err != nil {
		panic(err)
	}
	if bb.Store == nil {
		panic("Store is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	graph, err := schema.New(config)
	if err != nil {
		panic(fmt.Errorf("invalid backend configuration: %s", err))
	}

	b := &Backend{
		config:       *config,
		graph:        graph,
		gate:         access.NewGate(graph),
		store:        bb.Store,
		router:       bb.Router,
		anonymiser:   bb.Anonymiser,
		interceptors: make(map[string]RecordHandler),
	}
	b.handleRoutes(bb.Router)
	return b
}

// ParseConfiguration parses and validates a configuration string against
// the embedded configuration schema.
func ParseConfiguration(configJSON string) (*schema.Configuration, error) {
	schemaBytes, err := configurationSchemaFS.ReadFile("configuration.schema.json")
	if err != nil {
		return nil, fmt.Errorf("cannot read configuration schema: %s", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaBytes),
		gojsonschema.NewStringLoader(configJSON))
	if err != nil {
		return nil, fmt.Errorf("parse error in backend configuration: %s", err)
	}
	if !result.Valid() {
		message := "invalid backend configuration:"
		for _, desc := range result.Errors() {
			message += fmt.Sprintf("\n  %s", desc)
		}
		return nil, fmt.Errorf("%s", message)
	}

	var config schema.Configuration
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		return nil, fmt.Errorf("parse error in backend configuration: %s", err)
	}
	return &config, nil
}

// Graph returns the backend's schema graph
func (b *Backend) Graph() *schema.Graph {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.graph
}

// Gate returns the backend's permission gate
func (b *Backend) Gate() *access.Gate {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.gate
}

func (b *Backend) project(code string) *schema.Project {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.graph.Project(code)
}

// ReloadConfiguration replaces the configuration without a restart.
// Changed choices, grants and rules take effect for requests that start
// after the call returns. The storage layout is fixed at boot, so the
// set of projects, their collections and their field kinds must not
// change.
func (b *Backend) ReloadConfiguration(configJSON string) error {
	config, err := ParseConfiguration(configJSON)
	if err != nil {
		return err
	}
	graph, err := schema.New(config)
	if err != nil {
		return fmt.Errorf("invalid backend configuration: %s", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if layoutSignature(graph) != layoutSignature(b.graph) {
		return fmt.Errorf("configuration reload must not change the storage layout")
	}
	b.config = *config
	b.graph = graph
	b.gate = access.NewGate(graph)
	return nil
}

// layoutSignature renders the storage-relevant shape of a graph: project
// codes, collection names and field kinds, order-independent.
func layoutSignature(g *schema.Graph) string {
	codes := g.Projects()
	sort.Strings(codes)
	var sb strings.Builder
	for _, code := range codes {
		sb.WriteString(code + "{")
		kindSignature(&sb, g.Project(code).Root, map[*schema.RecordKind]bool{})
		sb.WriteString("}")
	}
	return sb.String()
}

func kindSignature(sb *strings.Builder, rk *schema.RecordKind, seen map[*schema.RecordKind]bool) {
	if seen[rk] {
		return
	}
	seen[rk] = true
	fields := rk.FieldNames()
	sort.Strings(fields)
	for _, name := range fields {
		sb.WriteString(name + ":" + string(rk.Field(name).Kind) + ";")
	}
	relations := rk.RelationNames()
	sort.Strings(relations)
	for _, name := range relations {
		sb.WriteString(name + "[")
		kindSignature(sb, rk.Relation(name).Target, seen)
		sb.WriteString("]")
	}
}

// handleRoutes adds all necessary handlers for the configured projects
func (b *Backend) handleRoutes(router *mux.Router) {
	nillog := logger.FromContext(nil)
	for _, code := range b.graph.Projects() {
		project := b.graph.Project(code)
		nillog.Debugln("create project routes:", code)
		if project.Description != "" {
			nillog.Debugln("  description:", project.Description)
		}
		b.createProjectRoutes(router, project)
	}
}

func (b *Backend) createProjectRoutes(router *mux.Router, project *schema.Project) {
	// handlers look the project up per request, so a configuration
	// reload takes effect without re-registering routes
	code := project.Code
	prefix := "/" + code

	// introspection routes come first, they would otherwise be shadowed
	// by the record route
	router.HandleFunc(prefix+"/fields/", func(w http.ResponseWriter, r *http.Request) {
		b.fieldsWithAuth(w, r, b.project(code))
	}).Methods(http.MethodGet)

	router.HandleFunc(prefix+"/lookups/", func(w http.ResponseWriter, r *http.Request) {
		b.lookupsWithAuth(w, r, b.project(code))
	}).Methods(http.MethodGet)

	router.HandleFunc(prefix+"/choices/{field}/", func(w http.ResponseWriter, r *http.Request) {
		b.choicesWithAuth(w, r, b.project(code))
	}).Methods(http.MethodGet)

	router.Handle(prefix+"/query/", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.listWithAuth(w, r, b.project(code), true)
	}))).Methods(http.MethodPost)

	router.Handle(prefix+"/", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			b.listWithAuth(w, r, b.project(code), false)
		case http.MethodPost:
			b.createWithAuth(w, r, b.project(code))
		}
	}))).Methods(http.MethodGet, http.MethodPost)

	router.HandleFunc(prefix+"/{record_id}/", func(w http.ResponseWriter, r *http.Request) {
		project := b.project(code)
		switch r.Method {
		case http.MethodGet:
			b.getWithAuth(w, r, project)
		case http.MethodPatch:
			b.updateWithAuth(w, r, project)
		case http.MethodDelete:
			b.deleteWithAuth(w, r, project)
		}
	}).Methods(http.MethodGet, http.MethodPatch, http.MethodDelete)
}
