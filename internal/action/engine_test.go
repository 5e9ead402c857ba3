package action

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/verdant-garden/verdant/internal/database"
	"github.com/verdant-garden/verdant/internal/garden"
)

func testEngine(t *testing.T) (*Engine, *garden.Store) {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/garden.db")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := garden.NewStore(db)
	return NewEngine(store, discard()), store
}

func seed(t *testing.T, store *garden.Store) (*garden.Garden, *garden.Zone, *garden.Plant) {
	t.Helper()
	ctx := context.Background()

	g := &garden.Garden{UserID: "u1", Name: "Backyard"}
	if err := store.CreateGarden(ctx, g); err != nil {
		t.Fatalf("create garden: %v", err)
	}
	z := &garden.Zone{GardenID: g.ID, Name: "Raised Bed"}
	if err := store.CreateZone(ctx, z); err != nil {
		t.Fatalf("create zone: %v", err)
	}
	p := &garden.Plant{ZoneID: z.ID, Name: "Tomato"}
	if err := store.CreatePlant(ctx, p); err != nil {
		t.Fatalf("create plant: %v", err)
	}
	return g, z, p
}

func createPayload(zoneID, targetType, targetID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"targetType":%q,"targetId":%q,"zoneId":%q,"actionType":"water","priority":"today","label":"Water it","suggestedDate":"2026-09-01"}`,
		targetType, targetID, zoneID))
}

func TestCreateTaskSuccess(t *testing.T) {
	e, store := testEngine(t)
	g, z, _ := seed(t, store)
	scope := Scope{GardenID: g.ID, UserID: "u1", Via: "chat"}

	res := e.Execute(context.Background(), scope, Request{
		Type:    TypeCreateTask,
		Payload: createPayload(z.ID, "zone", z.ID),
	})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %q, error = %q", res.Status, res.Error)
	}

	tasks, err := store.ListTasks(context.Background(), g.ID, garden.TaskPending)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Label != "Water it" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestCreateTaskOwnershipMismatch(t *testing.T) {
	e, store := testEngine(t)
	_, z, _ := seed(t, store)

	other := &garden.Garden{UserID: "u2", Name: "Other"}
	if err := store.CreateGarden(context.Background(), other); err != nil {
		t.Fatalf("create garden: %v", err)
	}

	// Zone belongs to the first garden; caller's scope is the other one.
	scope := Scope{GardenID: other.ID, UserID: "u2", Via: "chat"}
	res := e.Execute(context.Background(), scope, Request{
		Type:    TypeCreateTask,
		Payload: createPayload(z.ID, "zone", z.ID),
	})
	if res.Status != StatusError {
		t.Fatalf("expected error result, got %+v", res)
	}

	tasks, err := store.ListTasks(context.Background(), other.ID, "")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("cross-garden create inserted a task: %+v", tasks)
	}
}

func TestCreateTaskPlantNotInZone(t *testing.T) {
	e, store := testEngine(t)
	g, z, _ := seed(t, store)
	ctx := context.Background()

	otherZone := &garden.Zone{GardenID: g.ID, Name: "Herb Spiral"}
	if err := store.CreateZone(ctx, otherZone); err != nil {
		t.Fatalf("create zone: %v", err)
	}
	strayPlant := &garden.Plant{ZoneID: otherZone.ID, Name: "Mint"}
	if err := store.CreatePlant(ctx, strayPlant); err != nil {
		t.Fatalf("create plant: %v", err)
	}

	scope := Scope{GardenID: g.ID, UserID: "u1", Via: "chat"}
	res := e.Execute(ctx, scope, Request{
		Type:    TypeCreateTask,
		Payload: createPayload(z.ID, "plant", strayPlant.ID),
	})
	if res.Status != StatusError {
		t.Fatalf("expected error result, got %+v", res)
	}
}

func TestCreateTaskInvalidPayload(t *testing.T) {
	e, store := testEngine(t)
	g, z, _ := seed(t, store)
	scope := Scope{GardenID: g.ID, UserID: "u1", Via: "chat"}

	res := e.Execute(context.Background(), scope, Request{
		Type: TypeCreateTask,
		Payload: json.RawMessage(fmt.Sprintf(
			`{"targetType":"zone","targetId":%q,"zoneId":%q,"actionType":"levitate","priority":"today","label":"x","suggestedDate":"2026-09-01"}`,
			z.ID, z.ID)),
	})
	if res.Status != StatusError {
		t.Fatalf("invalid actionType accepted: %+v", res)
	}
}

func TestCompleteTaskLifecycle(t *testing.T) {
	e, store := testEngine(t)
	g, z, _ := seed(t, store)
	ctx := context.Background()
	scope := Scope{GardenID: g.ID, UserID: "u1", Via: "chat"}

	create := e.Execute(ctx, scope, Request{Type: TypeCreateTask, Payload: createPayload(z.ID, "zone", z.ID)})
	taskID := create.Details.(map[string]string)["taskId"]

	complete := e.Execute(ctx, scope, Request{
		Type:    TypeCompleteTask,
		Payload: json.RawMessage(fmt.Sprintf(`{"taskId":%q,"reason":"done this morning"}`, taskID)),
	})
	if complete.Status != StatusSuccess {
		t.Fatalf("complete: %+v", complete)
	}
	if complete.Details.(map[string]string)["careLogId"] == "" {
		t.Error("no care log linked")
	}

	// Completing again is an error result, and writes nothing.
	again := e.Execute(ctx, scope, Request{
		Type:    TypeCompleteTask,
		Payload: json.RawMessage(fmt.Sprintf(`{"taskId":%q}`, taskID)),
	})
	if again.Status != StatusError {
		t.Fatalf("second complete succeeded: %+v", again)
	}
	n, err := store.CountCareLogs(ctx, g.ID)
	if err != nil {
		t.Fatalf("count care logs: %v", err)
	}
	if n != 1 {
		t.Errorf("care logs = %d, want 1", n)
	}
}

func TestCancelTaskTwice(t *testing.T) {
	e, store := testEngine(t)
	g, z, _ := seed(t, store)
	ctx := context.Background()
	scope := Scope{GardenID: g.ID, UserID: "u1", Via: "chat"}

	create := e.Execute(ctx, scope, Request{Type: TypeCreateTask, Payload: createPayload(z.ID, "zone", z.ID)})
	taskID := create.Details.(map[string]string)["taskId"]
	payload := json.RawMessage(fmt.Sprintf(`{"taskId":%q}`, taskID))

	first := e.Execute(ctx, scope, Request{Type: TypeCancelTask, Payload: payload})
	if first.Status != StatusSuccess {
		t.Fatalf("first cancel: %+v", first)
	}
	second := e.Execute(ctx, scope, Request{Type: TypeCancelTask, Payload: payload})
	if second.Status != StatusError {
		t.Fatalf("second cancel succeeded: %+v", second)
	}
}

func TestCreateCareLog(t *testing.T) {
	e, store := testEngine(t)
	g, _, p := seed(t, store)
	ctx := context.Background()
	scope := Scope{GardenID: g.ID, UserID: "u1", Via: "chat"}

	res := e.Execute(ctx, scope, Request{
		Type:    TypeCreateCareLog,
		Payload: json.RawMessage(fmt.Sprintf(`{"targetType":"plant","targetId":%q,"actionType":"fertilize","notes":"fish emulsion"}`, p.ID)),
	})
	if res.Status != StatusSuccess {
		t.Fatalf("create care log: %+v", res)
	}

	n, err := store.CountCareLogs(ctx, g.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("care logs = %d, want 1", n)
	}
}

func TestUnknownActionType(t *testing.T) {
	e, store := testEngine(t)
	g, _, _ := seed(t, store)
	scope := Scope{GardenID: g.ID, UserID: "u1", Via: "chat"}

	res := e.Execute(context.Background(), scope, Request{Type: "water_lawn", Payload: json.RawMessage(`{}`)})
	if res.Status != StatusError {
		t.Fatalf("unknown type accepted: %+v", res)
	}
}

func TestExecuteAllPartialFailure(t *testing.T) {
	e, store := testEngine(t)
	g, z, _ := seed(t, store)
	scope := Scope{GardenID: g.ID, UserID: "u1", Via: "chat"}

	results := e.ExecuteAll(context.Background(), scope, []Request{
		{Type: TypeCompleteTask, Payload: json.RawMessage(`{"taskId":"missing"}`)},
		{Type: TypeCreateTask, Payload: createPayload(z.ID, "zone", z.ID)},
	})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Status != StatusError {
		t.Errorf("first result: %+v", results[0])
	}
	if results[1].Status != StatusSuccess {
		t.Errorf("failure aborted the batch: %+v", results[1])
	}
}
