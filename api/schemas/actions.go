// Package schemas defines the data shapes shared between the ACB core
// components and the remote policy service. Everything here crosses a
// process or component boundary and is therefore JSON-tagged.
package schemas

import (
	"errors"
	"fmt"
)

// ActionType enumerates the closed set of actions the remote policy service
// may request. Anything outside this set is rejected at the protocol
// boundary, before it ever reaches the executor.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionScroll   ActionType = "scroll"
	ActionKey      ActionType = "key"
	ActionSubmit   ActionType = "submit"
)

// knownActionTypes is the validation whitelist for Action.Validate.
var knownActionTypes = map[ActionType]bool{
	ActionClick:    true,
	ActionTypeText: true,
	ActionScroll:   true,
	ActionKey:      true,
	ActionSubmit:   true,
}

// Action is a single instruction from the remote policy service. The
// executor treats it as opaque beyond shape validation: TargetID references
// an ElementRecord id from a prior inventory, Value carries text to type or
// a key name to press.
type Action struct {
	Type     ActionType `json:"type"`
	TargetID string     `json:"targetId,omitempty"`
	Value    string     `json:"value,omitempty"`

	// Error is set by the remote service when it wants to abort the
	// session. An action carrying an error is never executed.
	Error string `json:"error,omitempty"`
}

// ErrMissingActionType is returned when an action arrives with no type at all.
var ErrMissingActionType = errors.New("action has no type")

// Validate enforces the closed action variant. It is called at the protocol
// boundary so the executor never sees a malformed action shape.
func (a *Action) Validate() error {
	if a == nil {
		return errors.New("action is nil")
	}
	if a.Error != "" {
		// Explicit service-side errors bypass shape validation; the
		// orchestrator handles them as fatal.
		return nil
	}
	if a.Type == "" {
		return ErrMissingActionType
	}
	if !knownActionTypes[a.Type] {
		return fmt.Errorf("unknown action type: %s", a.Type)
	}
	switch a.Type {
	case ActionTypeText:
		if a.TargetID == "" {
			return errors.New("type action requires a targetId")
		}
		if a.Value == "" {
			return errors.New("type action requires a value")
		}
	case ActionClick, ActionKey, ActionSubmit:
		if a.TargetID == "" {
			return fmt.Errorf("%s action requires a targetId", a.Type)
		}
	case ActionScroll:
		// TargetID is optional for scroll: absent means "scroll the viewport".
	}
	return nil
}

// ElementState is the type-specific observed state of an element after an
// action ran against it, echoed back to the remote service.
type ElementState struct {
	ID    string `json:"id"`
	Tag   string `json:"tag"`
	Text  string `json:"text,omitempty"`
	Value string `json:"value,omitempty"`
}

// ActionResult reports the outcome of one executed action. It is produced
// exactly once per action and sent to the remote service on the next turn;
// it is never persisted locally.
type ActionResult struct {
	Success bool          `json:"success"`
	Error   string        `json:"error,omitempty"`
	Action  *Action       `json:"action,omitempty"`
	Element *ElementState `json:"element,omitempty"`

	// Guided marks a guide-mode turn where no action was executed locally
	// because a human was expected to perform it.
	Guided bool `json:"guided,omitempty"`
}

// FailedResult normalizes an error into the result shape the remote service
// expects. Every executor failure path funnels through here.
func FailedResult(action *Action, err error) ActionResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ActionResult{Success: false, Error: msg, Action: action}
}
