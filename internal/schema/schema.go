// Package schema validates AI-produced analysis results before anything
// else is allowed to act on them. It is the single source of truth for
// what a legal instruction looks like: the scheduled zone-analysis
// pipeline and the chat action-tag path both validate through here.
//
// Validation is fail-closed. Any field that violates a type, enum, or
// length constraint rejects the whole payload, not just the offending
// operation.
package schema

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Length limits for free-text fields in operations, counted in runes.
const (
	MaxLabelLen   = 60
	MaxContextLen = 200
	MaxReasonLen  = 200
)

// Operation discriminators.
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpComplete = "complete"
	OpCancel   = "cancel"
)

// actionTypes is the fixed set of care action types.
var actionTypes = map[string]bool{
	"water":     true,
	"fertilize": true,
	"harvest":   true,
	"prune":     true,
	"plant":     true,
	"monitor":   true,
	"protect":   true,
	"other":     true,
}

// priorities is the fixed set of task priorities.
var priorities = map[string]bool{
	"urgent":        true,
	"today":         true,
	"upcoming":      true,
	"informational": true,
}

// targetTypes is the fixed set of operation targets.
var targetTypes = map[string]bool{
	"zone":  true,
	"plant": true,
}

// ValidActionType reports whether s is a legal care action type.
func ValidActionType(s string) bool { return actionTypes[s] }

// ValidPriority reports whether s is a legal task priority.
func ValidPriority(s string) bool { return priorities[s] }

// ValidTargetType reports whether s is a legal operation target type.
func ValidTargetType(s string) bool { return targetTypes[s] }

// ValidationError describes why a payload was rejected. Field carries a
// dotted path to the offending value when known.
type ValidationError struct {
	Field string
	Msg   string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "schema: " + e.Msg
	}
	return fmt.Sprintf("schema: %s: %s", e.Field, e.Msg)
}

func errf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Result is a validated analysis payload. Observations and Alerts are
// always non-nil after validation, defaulting to empty.
type Result struct {
	Operations   []Operation `json:"operations"`
	Observations []string    `json:"observations"`
	Alerts       []string    `json:"alerts"`
}

// Operation is one validated instruction: exactly one of the variant
// pointers is set, matching Op.
type Operation struct {
	Op       string      `json:"op"`
	Create   *CreateTask `json:"-"`
	Update   *UpdateTask `json:"-"`
	Complete *TaskRef    `json:"-"`
	Cancel   *TaskRef    `json:"-"`
}

// MarshalJSON flattens the active variant's fields alongside the op tag.
func (o Operation) MarshalJSON() ([]byte, error) {
	var variant any
	switch o.Op {
	case OpCreate:
		variant = o.Create
	case OpUpdate:
		variant = o.Update
	case OpComplete:
		variant = o.Complete
	case OpCancel:
		variant = o.Cancel
	default:
		return nil, fmt.Errorf("marshal operation: unknown op %q", o.Op)
	}

	fields, err := json.Marshal(variant)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	m["op"] = o.Op
	return json.Marshal(m)
}

// CreateTask is the payload for a create operation and for the
// create_task chat action tag.
type CreateTask struct {
	TargetType     string `json:"targetType"`
	TargetID       string `json:"targetId"`
	ZoneID         string `json:"zoneId"`
	ActionType     string `json:"actionType"`
	Priority       string `json:"priority"`
	Label          string `json:"label"`
	SuggestedDate  string `json:"suggestedDate"`
	Context        string `json:"context,omitempty"`
	Recurrence     string `json:"recurrence,omitempty"`
	PhotoRequested bool   `json:"photoRequested,omitempty"`
}

// UpdateTask is the payload for an update operation. Pointer fields
// distinguish "absent" from "set to zero value"; only non-nil fields
// are applied.
type UpdateTask struct {
	TaskID         string  `json:"taskId"`
	Priority       *string `json:"priority,omitempty"`
	Label          *string `json:"label,omitempty"`
	SuggestedDate  *string `json:"suggestedDate,omitempty"`
	Context        *string `json:"context,omitempty"`
	Recurrence     *string `json:"recurrence,omitempty"`
	PhotoRequested *bool   `json:"photoRequested,omitempty"`
}

// TaskRef is the payload for complete and cancel operations and for the
// complete_task / cancel_task chat action tags.
type TaskRef struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// CareLogEntry is the payload for the create_care_log chat action tag.
type CareLogEntry struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	ActionType string `json:"actionType"`
	Notes      string `json:"notes,omitempty"`
}

// Validate parses and validates a full analysis payload. The input must
// already be syntactically valid JSON; callers distinguish parse errors
// from schema errors by checking json.Valid first. All failures here are
// *ValidationError.
func Validate(data []byte) (*Result, error) {
	var raw struct {
		Operations   *[]json.RawMessage `json:"operations"`
		Observations []string           `json:"observations"`
		Alerts       []string           `json:"alerts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errf("", "payload is not an object with the expected shape: %v", err)
	}
	if raw.Operations == nil {
		return nil, errf("operations", "required field is missing")
	}

	result := &Result{
		Operations:   make([]Operation, 0, len(*raw.Operations)),
		Observations: raw.Observations,
		Alerts:       raw.Alerts,
	}
	if result.Observations == nil {
		result.Observations = []string{}
	}
	if result.Alerts == nil {
		result.Alerts = []string{}
	}

	for i, opRaw := range *raw.Operations {
		op, err := validateOperation(opRaw)
		if err != nil {
			var verr *ValidationError
			if ok := asValidationError(err, &verr); ok {
				verr.Field = fmt.Sprintf("operations[%d].%s", i, verr.Field)
				return nil, verr
			}
			return nil, errf(fmt.Sprintf("operations[%d]", i), "%v", err)
		}
		result.Operations = append(result.Operations, op)
	}

	return result, nil
}

func asValidationError(err error, target **ValidationError) bool {
	verr, ok := err.(*ValidationError)
	if ok {
		*target = verr
	}
	return ok
}

func validateOperation(data json.RawMessage) (Operation, error) {
	var tag struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return Operation{}, errf("op", "operation is not an object: %v", err)
	}

	switch tag.Op {
	case OpCreate:
		var c CreateTask
		if err := json.Unmarshal(data, &c); err != nil {
			return Operation{}, errf("", "bad create operation: %v", err)
		}
		if err := CheckCreate(&c); err != nil {
			return Operation{}, err
		}
		return Operation{Op: OpCreate, Create: &c}, nil

	case OpUpdate:
		var u UpdateTask
		if err := json.Unmarshal(data, &u); err != nil {
			return Operation{}, errf("", "bad update operation: %v", err)
		}
		if err := CheckUpdate(&u); err != nil {
			return Operation{}, err
		}
		return Operation{Op: OpUpdate, Update: &u}, nil

	case OpComplete:
		var r TaskRef
		if err := json.Unmarshal(data, &r); err != nil {
			return Operation{}, errf("", "bad complete operation: %v", err)
		}
		if err := CheckTaskRef(&r); err != nil {
			return Operation{}, err
		}
		return Operation{Op: OpComplete, Complete: &r}, nil

	case OpCancel:
		var r TaskRef
		if err := json.Unmarshal(data, &r); err != nil {
			return Operation{}, errf("", "bad cancel operation: %v", err)
		}
		if err := CheckTaskRef(&r); err != nil {
			return Operation{}, err
		}
		return Operation{Op: OpCancel, Cancel: &r}, nil

	case "":
		return Operation{}, errf("op", "required field is missing")

	default:
		return Operation{}, errf("op", "unknown operation type %q", tag.Op)
	}
}

// CheckCreate validates a task-creation payload: required fields, enum
// membership, length limits, and date format.
func CheckCreate(c *CreateTask) error {
	if !ValidTargetType(c.TargetType) {
		return errf("targetType", "must be zone or plant, got %q", c.TargetType)
	}
	if c.TargetID == "" {
		return errf("targetId", "required field is missing")
	}
	if c.ZoneID == "" {
		return errf("zoneId", "required field is missing")
	}
	if !ValidActionType(c.ActionType) {
		return errf("actionType", "unknown action type %q", c.ActionType)
	}
	if !ValidPriority(c.Priority) {
		return errf("priority", "unknown priority %q", c.Priority)
	}
	if c.Label == "" {
		return errf("label", "required field is missing")
	}
	if utf8.RuneCountInString(c.Label) > MaxLabelLen {
		return errf("label", "exceeds %d characters", MaxLabelLen)
	}
	if err := checkDate(c.SuggestedDate); err != nil {
		return errf("suggestedDate", "%v", err)
	}
	if utf8.RuneCountInString(c.Context) > MaxContextLen {
		return errf("context", "exceeds %d characters", MaxContextLen)
	}
	return nil
}

// CheckUpdate validates a task-update payload: a task id plus any subset
// of mutable fields, each subject to the same constraints as creation.
func CheckUpdate(u *UpdateTask) error {
	if u.TaskID == "" {
		return errf("taskId", "required field is missing")
	}
	if u.Priority != nil && !ValidPriority(*u.Priority) {
		return errf("priority", "unknown priority %q", *u.Priority)
	}
	if u.Label != nil {
		if *u.Label == "" {
			return errf("label", "must not be empty")
		}
		if utf8.RuneCountInString(*u.Label) > MaxLabelLen {
			return errf("label", "exceeds %d characters", MaxLabelLen)
		}
	}
	if u.SuggestedDate != nil {
		if err := checkDate(*u.SuggestedDate); err != nil {
			return errf("suggestedDate", "%v", err)
		}
	}
	if u.Context != nil && utf8.RuneCountInString(*u.Context) > MaxContextLen {
		return errf("context", "exceeds %d characters", MaxContextLen)
	}
	return nil
}

// CheckTaskRef validates a complete/cancel payload.
func CheckTaskRef(r *TaskRef) error {
	if r.TaskID == "" {
		return errf("taskId", "required field is missing")
	}
	if utf8.RuneCountInString(r.Reason) > MaxReasonLen {
		return errf("reason", "exceeds %d characters", MaxReasonLen)
	}
	return nil
}

// CheckCareLog validates a direct care-log payload.
func CheckCareLog(c *CareLogEntry) error {
	if !ValidTargetType(c.TargetType) {
		return errf("targetType", "must be zone or plant, got %q", c.TargetType)
	}
	if c.TargetID == "" {
		return errf("targetId", "required field is missing")
	}
	if !ValidActionType(c.ActionType) {
		return errf("actionType", "unknown action type %q", c.ActionType)
	}
	return nil
}

func checkDate(s string) error {
	if s == "" {
		return fmt.Errorf("required field is missing")
	}
	if _, err := time.Parse("2006-01-02", s); err != nil {
		return fmt.Errorf("must be YYYY-MM-DD, got %q", s)
	}
	return nil
}
