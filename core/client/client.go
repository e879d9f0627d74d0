/*
Package client provides easy and fast in-process access to the data API

Instead of marshalling HTTP, the client talks directly to the mux router. It
is also perfectly suited for unit tests. With NewWithURL the same client
talks to a remote service over HTTP.
*/
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/trellis-data/trellis/core/access"
)

// Client provides easy access to the data API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	identity   *access.Identity
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithIdentity() adds an identity to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to a remote backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	c.defaultHeaders[key] = value
	return c
}

// WithToken returns a new client with a bearer token for remote requests
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithIdentity returns a new client acting as the given identity
// (this works only directly against the mux router, for a remote client
// use WithToken())
func (c Client) WithIdentity(identity access.Identity) Client {
	c.identity = &identity
	return c
}

// WithAdminIdentity returns a new client acting as an admin
// (this works only directly against the mux router, for a remote client
// use WithToken())
func (c Client) WithAdminIdentity(subject string) Client {
	return c.WithIdentity(access.Identity{Subject: subject, Admin: true})
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context used for all requests of this client
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.identity != nil {
		ctx = c.identity.ContextWithIdentity(ctx)
	}
	return ctx
}

// Project represents the record collection of one project
type Project struct {
	client     *Client
	code       string
	parameters []string
}

// Project returns a new project client
func (c Client) Project(code string) Project {
	return Project{
		client: &c,
		code:   code,
	}
}

// WithParameter returns a new project client with a URL parameter added.
func (p Project) WithParameter(key string, value string) Project {
	parameter := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	return Project{
		client: p.client,
		code:   p.code,
		// we want a true copy to avoid side effects
		parameters: append(append([]string{}, p.parameters...), parameter),
	}
}

// WithFilter returns a new project client with a filter parameter added.
// This is a shortcut for WithParameter(path, value).
func (p Project) WithFilter(path string, value string) Project {
	return p.WithParameter(path, value)
}

// CollectionPath returns the created path for the project's record
// collection plus optional query strings
func (p Project) CollectionPath() string {
	path := "/" + p.code + "/"
	if len(p.parameters) > 0 {
		path += "?" + strings.Join(p.parameters, "&")
	}
	return path
}

// RecordPath returns the created path for a single record
func (p Project) RecordPath(recordID string) string {
	path := "/" + p.code + "/" + recordID + "/"
	if len(p.parameters) > 0 {
		path += "?" + strings.Join(p.parameters, "&")
	}
	return path
}

// List gets one page of the record collection.
//
// The operation corresponds to a GET request. Expects http.StatusOK as
// response, otherwise it will flag an error. Returns the actual http
// status code.
//
// result receives the full response document including the data
// envelope; it can also be a raw *[]byte.
func (p Project) List(result interface{}) (int, error) {
	return p.client.RawGet(p.CollectionPath(), result)
}

// Query gets one page of the record collection, filtered with a nested
// filter document.
//
// The operation corresponds to a POST request to the query route.
// Expects http.StatusOK as response, otherwise it will flag an error.
// Returns the actual http status code.
func (p Project) Query(filter interface{}, result interface{}) (int, error) {
	path := "/" + p.code + "/query/"
	if len(p.parameters) > 0 {
		path += "?" + strings.Join(p.parameters, "&")
	}
	return p.client.RawPost(path, filter, result, http.StatusOK)
}

// Create creates a new record graph.
//
// The operation corresponds to a POST request. Expects
// http.StatusCreated as response, otherwise it will flag an error.
// Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (p Project) Create(body interface{}, result interface{}) (int, error) {
	return p.client.RawPost(p.CollectionPath(), body, result, http.StatusCreated)
}

// Read reads a single record.
//
// The operation corresponds to a GET request. Expects http.StatusOK as
// response, otherwise it will flag an error. Returns the actual http
// status code.
func (p Project) Read(recordID string, result interface{}) (int, error) {
	return p.client.RawGet(p.RecordPath(recordID), result)
}

// Patch updates selected fields of a record graph.
//
// Expects http.StatusOK as response, otherwise it will flag an error.
// Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (p Project) Patch(recordID string, body interface{}, result interface{}) (int, error) {
	return p.client.RawPatch(p.RecordPath(recordID), body, result)
}

// Delete deletes a record graph.
//
// Expects http.StatusNoContent as response, otherwise it will flag an
// error. Returns the actual http status code.
func (p Project) Delete(recordID string) (int, error) {
	return p.client.RawDelete(p.RecordPath(recordID))
}

// Fields returns the caller's filterable field paths
func (p Project) Fields(result interface{}) (int, error) {
	return p.client.RawGet("/"+p.code+"/fields/", result)
}

// Choices returns the active values of a choice field
func (p Project) Choices(field string, result interface{}) (int, error) {
	return p.client.RawGet("/"+p.code+"/choices/"+field+"/", result)
}

func (c Client) do(r *http.Request) (status int, header http.Header, resBody []byte, err error) {
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}
	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}
	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, _ = io.ReadAll(res.Body)
	return res.StatusCode, res.Header, resBody, nil
}

func unmarshalResult(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

// RawGet gets the resource from path. Expects http.StatusOK as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader gets the resource from path and also returns the
// response header. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodGet, c.url+path, nil)
	for key, value := range header {
		r.Header.Add(key, value)
	}
	status, resHeader, resBody, err := c.do(r)
	if err != nil {
		return status, resHeader, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, resHeader, nil
	}
	if status != http.StatusOK {
		return status, resHeader, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, http.StatusOK, strings.TrimSpace(string(resBody)))
	}
	return status, resHeader, unmarshalResult(resBody, result)
}

// RawPost posts a resource to path. Expects the given status as response,
// otherwise it will flag an error. Returns the actual http status code.
//
// The path can be extended with query strings.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}, want int) (int, error) {
	j, ok := body.([]byte)
	if !ok {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("POST to %s: %w", path, err)
		}
	}

	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPost, c.url+path, bytes.NewBuffer(j))
	status, _, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != want {
		return status, fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
			status, want, strings.TrimSpace(string(resBody)))
	}
	return status, unmarshalResult(resBody, result)
}

// RawPatch sends a patch to path. Expects http.StatusOK or
// http.StatusNoContent as valid responses, otherwise it will flag an
// error. Returns the actual http status code.
//
// body can also be a []byte, result can also be a raw *[]byte.
// result can be nil.
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	j, ok := body.([]byte)
	if !ok {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return http.StatusBadRequest, err
		}
	}

	r, _ := http.NewRequestWithContext(c.Context(), http.MethodPatch, c.url+path, bytes.NewBuffer(j))
	status, _, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, unmarshalResult(resBody, result)
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent
// as response, otherwise it will flag an error.
//
// Returns the actual http status code.
func (c Client) RawDelete(path string) (int, error) {
	r, _ := http.NewRequestWithContext(c.Context(), http.MethodDelete, c.url+path, nil)
	status, _, resBody, err := c.do(r)
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, errors.New(strings.TrimSpace(string(resBody)))
	}
	return status, nil
}
