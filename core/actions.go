package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Action represents a request action on a project field, one of
// View, Filter, Create, Update, Delete.
type Action string

// all supported actions
const (
	ActionView   Action = "view"
	ActionFilter Action = "filter"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*a = Action(s)
	switch *a {
	case ActionView, ActionFilter, ActionCreate, ActionUpdate, ActionDelete:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Action", s)
	}
}

// Record is a generic record object as it travels through the engine:
// own fields plus nested sub-record lists keyed by relation name.
type Record = map[string]interface{}
