package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verdant-garden/verdant/internal/garden"
	"github.com/verdant-garden/verdant/internal/schema"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the structured outcome of one executed action. Expected
// domain conditions (ownership mismatch, task not pending) surface here
// as error results, never as returned errors.
type Result struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
	Details any    `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Scope identifies whose garden an action mutates and how the mutation
// was initiated.
type Scope struct {
	GardenID string
	UserID   string
	Via      string // "chat" or "scheduled"
}

// Engine executes action requests against the garden store.
type Engine struct {
	store  *garden.Store
	logger *slog.Logger
}

// NewEngine creates an action engine.
func NewEngine(store *garden.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

func errResult(typ, format string, args ...any) Result {
	return Result{Type: typ, Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// Execute runs one action request and returns its result. It never
// returns an error: a panic or unexpected failure inside a handler is
// converted into an error result so one bad action cannot take down the
// rest of a batch.
func (e *Engine) Execute(ctx context.Context, scope Scope, req Request) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("action handler panicked", "type", req.Type, "panic", r)
			result = errResult(req.Type, "internal error executing action")
		}
	}()

	switch req.Type {
	case TypeCreateTask:
		return e.createTask(ctx, scope, req.Payload)
	case TypeCompleteTask:
		return e.completeTask(ctx, scope, req.Payload)
	case TypeCancelTask:
		return e.cancelTask(ctx, scope, req.Payload)
	case TypeCreateCareLog:
		return e.createCareLog(ctx, scope, req.Payload)
	default:
		return errResult(req.Type, "unknown action type %q", req.Type)
	}
}

// ExecuteAll runs requests in order, collecting a result per request.
func (e *Engine) ExecuteAll(ctx context.Context, scope Scope, reqs []Request) []Result {
	results := make([]Result, 0, len(reqs))
	for _, req := range reqs {
		res := e.Execute(ctx, scope, req)
		if res.Status == StatusError {
			e.logger.Warn("action failed", "type", req.Type, "error", res.Error)
		}
		results = append(results, res)
	}
	return results
}

// MaterializeCreate inserts a pending task from a validated analysis
// create operation, running the same ownership checks as the chat path.
func (e *Engine) MaterializeCreate(ctx context.Context, scope Scope, create *schema.CreateTask) Result {
	payload, err := json.Marshal(create)
	if err != nil {
		return errResult(TypeCreateTask, "encode operation: %v", err)
	}
	return e.createTask(ctx, scope, payload)
}

func (e *Engine) createTask(ctx context.Context, scope Scope, payload json.RawMessage) Result {
	var create schema.CreateTask
	if err := json.Unmarshal(payload, &create); err != nil {
		return errResult(TypeCreateTask, "bad payload: %v", err)
	}
	if err := schema.CheckCreate(&create); err != nil {
		return errResult(TypeCreateTask, "invalid task: %v", err)
	}

	zone, err := e.store.GetZone(ctx, create.ZoneID)
	if err != nil {
		if errors.Is(err, garden.ErrNotFound) {
			return errResult(TypeCreateTask, "zone %s not found", create.ZoneID)
		}
		return errResult(TypeCreateTask, "look up zone: %v", err)
	}
	if zone.GardenID != scope.GardenID {
		return errResult(TypeCreateTask, "zone %s does not belong to this garden", create.ZoneID)
	}

	switch create.TargetType {
	case "zone":
		if create.TargetID != create.ZoneID {
			return errResult(TypeCreateTask, "zone target must reference the task's own zone")
		}
	case "plant":
		plant, err := e.store.GetPlant(ctx, create.TargetID)
		if err != nil {
			if errors.Is(err, garden.ErrNotFound) {
				return errResult(TypeCreateTask, "plant %s not found", create.TargetID)
			}
			return errResult(TypeCreateTask, "look up plant: %v", err)
		}
		if plant.ZoneID != create.ZoneID {
			return errResult(TypeCreateTask, "plant %s is not in zone %s", create.TargetID, create.ZoneID)
		}
	}

	task := &garden.Task{
		GardenID:       scope.GardenID,
		ZoneID:         create.ZoneID,
		TargetType:     create.TargetType,
		TargetID:       create.TargetID,
		ActionType:     create.ActionType,
		Priority:       create.Priority,
		Label:          create.Label,
		SuggestedDate:  create.SuggestedDate,
		Context:        create.Context,
		Recurrence:     create.Recurrence,
		PhotoRequested: create.PhotoRequested,
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return errResult(TypeCreateTask, "create task: %v", err)
	}

	return Result{
		Type:    TypeCreateTask,
		Status:  StatusSuccess,
		Summary: fmt.Sprintf("Created task: %s", task.Label),
		Details: map[string]string{"taskId": task.ID},
	}
}

func (e *Engine) completeTask(ctx context.Context, scope Scope, payload json.RawMessage) Result {
	var ref schema.TaskRef
	if err := json.Unmarshal(payload, &ref); err != nil {
		return errResult(TypeCompleteTask, "bad payload: %v", err)
	}
	if err := schema.CheckTaskRef(&ref); err != nil {
		return errResult(TypeCompleteTask, "invalid reference: %v", err)
	}

	task, err := e.store.CompleteTask(ctx, scope.GardenID, ref.TaskID, ref.Reason, scope.Via)
	if err != nil {
		switch {
		case errors.Is(err, garden.ErrNotFound):
			return errResult(TypeCompleteTask, "task %s not found", ref.TaskID)
		case errors.Is(err, garden.ErrNotPending):
			return errResult(TypeCompleteTask, "task %s is no longer pending", ref.TaskID)
		default:
			return errResult(TypeCompleteTask, "complete task: %v", err)
		}
	}

	return Result{
		Type:    TypeCompleteTask,
		Status:  StatusSuccess,
		Summary: fmt.Sprintf("Completed task: %s", task.Label),
		Details: map[string]string{"taskId": task.ID, "careLogId": task.CareLogID},
	}
}

func (e *Engine) cancelTask(ctx context.Context, scope Scope, payload json.RawMessage) Result {
	var ref schema.TaskRef
	if err := json.Unmarshal(payload, &ref); err != nil {
		return errResult(TypeCancelTask, "bad payload: %v", err)
	}
	if err := schema.CheckTaskRef(&ref); err != nil {
		return errResult(TypeCancelTask, "invalid reference: %v", err)
	}

	task, err := e.store.CancelTask(ctx, scope.GardenID, ref.TaskID)
	if err != nil {
		switch {
		case errors.Is(err, garden.ErrNotFound):
			return errResult(TypeCancelTask, "task %s not found", ref.TaskID)
		case errors.Is(err, garden.ErrNotPending):
			return errResult(TypeCancelTask, "task %s is no longer pending", ref.TaskID)
		default:
			return errResult(TypeCancelTask, "cancel task: %v", err)
		}
	}

	return Result{
		Type:    TypeCancelTask,
		Status:  StatusSuccess,
		Summary: fmt.Sprintf("Cancelled task: %s", task.Label),
		Details: map[string]string{"taskId": task.ID},
	}
}

func (e *Engine) createCareLog(ctx context.Context, scope Scope, payload json.RawMessage) Result {
	var entry schema.CareLogEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return errResult(TypeCreateCareLog, "bad payload: %v", err)
	}
	if err := schema.CheckCareLog(&entry); err != nil {
		return errResult(TypeCreateCareLog, "invalid care log: %v", err)
	}

	switch entry.TargetType {
	case "zone":
		zone, err := e.store.GetZone(ctx, entry.TargetID)
		if err != nil {
			if errors.Is(err, garden.ErrNotFound) {
				return errResult(TypeCreateCareLog, "zone %s not found", entry.TargetID)
			}
			return errResult(TypeCreateCareLog, "look up zone: %v", err)
		}
		if zone.GardenID != scope.GardenID {
			return errResult(TypeCreateCareLog, "zone %s does not belong to this garden", entry.TargetID)
		}
	case "plant":
		plant, err := e.store.GetPlant(ctx, entry.TargetID)
		if err != nil {
			if errors.Is(err, garden.ErrNotFound) {
				return errResult(TypeCreateCareLog, "plant %s not found", entry.TargetID)
			}
			return errResult(TypeCreateCareLog, "look up plant: %v", err)
		}
		zone, err := e.store.GetZone(ctx, plant.ZoneID)
		if err != nil {
			return errResult(TypeCreateCareLog, "look up plant's zone: %v", err)
		}
		if zone.GardenID != scope.GardenID {
			return errResult(TypeCreateCareLog, "plant %s does not belong to this garden", entry.TargetID)
		}
	}

	log := &garden.CareLog{
		GardenID:   scope.GardenID,
		TargetType: entry.TargetType,
		TargetID:   entry.TargetID,
		ActionType: entry.ActionType,
		Notes:      entry.Notes,
	}
	if err := e.store.CreateCareLog(ctx, log); err != nil {
		return errResult(TypeCreateCareLog, "create care log: %v", err)
	}

	return Result{
		Type:    TypeCreateCareLog,
		Status:  StatusSuccess,
		Summary: fmt.Sprintf("Logged %s on %s", entry.ActionType, entry.TargetType),
		Details: map[string]string{"careLogId": log.ID},
	}
}
