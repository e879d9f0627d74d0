/*
Package backend implements the configurable data API backend

A backend exposes the configured projects through a uniform RESTful API
on top of a record store, enforcing per-field, per-action, per-scope
permissions on every request.

# Configuration

The configuration is done entirely via JSON. It consists of projects,
each with its record kinds, choices, grants and cross-field rules.

Example:

	{
	  "projects": [
	    {
	      "code": "survey",
	      "root": "case",
	      "scopes": ["lab"],
	      "kinds": [
	        {
	          "name": "case",
	          "fields": [
	            {"name": "country", "kind": "choice", "required": true},
	            {"name": "region", "kind": "choice"},
	            {"name": "onset_date", "kind": "date-day"}
	          ],
	          "relations": [
	            {
	              "name": "samples",
	              "target": "sample",
	              "to_many": true,
	              "identified_by": ["barcode"]
	            }
	          ]
	        },
	        {
	          "name": "sample",
	          "fields": [
	            {"name": "barcode", "kind": "text", "required": true},
	            {"name": "sample_type", "kind": "choice"}
	          ]
	        }
	      ],
	      "grants": [
	        {"action": "view", "fields": ["*"]},
	        {"action": "filter", "fields": ["*"]},
	        {"scope": "lab", "action": "create", "fields": ["*"]}
	      ]
	    }
	  ]
	}

This configuration creates the following routes:

	GET    /survey/
	POST   /survey/
	POST   /survey/query/
	GET    /survey/{record_id}/
	PATCH  /survey/{record_id}/
	DELETE /survey/{record_id}/
	GET    /survey/fields/
	GET    /survey/lookups/
	GET    /survey/choices/{field}/

Listing supports the query parameters cursor, limit, include, exclude,
scope, summarise and test; all remaining parameters are filter
conditions of the form field__lookup=value, combined with logical AND.
POST /query/ accepts an arbitrary boolean filter tree as JSON body with
the combinators "&", "|", "^" and "~".

Successful responses carry a {"data": ...} envelope. Failures return a
map of human-readable error message lists keyed by field path, with the
reserved key "non_field_errors" for cross-field failures.
*/
package backend
