package garden

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/verdant-garden/verdant/internal/database"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/garden.db")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func seedGarden(t *testing.T, s *Store) (*Garden, *Zone, *Plant) {
	t.Helper()
	ctx := context.Background()

	g := &Garden{UserID: "user-1", Name: "Backyard"}
	if err := s.CreateGarden(ctx, g); err != nil {
		t.Fatalf("create garden: %v", err)
	}
	z := &Zone{GardenID: g.ID, Name: "Raised Bed", Soil: "loam", Sun: "full"}
	if err := s.CreateZone(ctx, z); err != nil {
		t.Fatalf("create zone: %v", err)
	}
	p := &Plant{ZoneID: z.ID, Name: "Tomato", Variety: "San Marzano", GrowthStage: "fruiting", WaterEveryDays: 2}
	if err := s.CreatePlant(ctx, p); err != nil {
		t.Fatalf("create plant: %v", err)
	}
	return g, z, p
}

func seedTask(t *testing.T, s *Store, g *Garden, z *Zone) *Task {
	t.Helper()
	task := &Task{
		GardenID:      g.ID,
		ZoneID:        z.ID,
		TargetType:    "zone",
		TargetID:      z.ID,
		ActionType:    "water",
		Priority:      "today",
		Label:         "Deep water the raised bed",
		SuggestedDate: "2026-08-31",
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestGardenCRUD(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	lat, lng := 45.52, -122.68
	g := &Garden{UserID: "user-1", Name: "Backyard", Latitude: &lat, Longitude: &lng, HardinessZone: "8b"}
	if err := s.CreateGarden(ctx, g); err != nil {
		t.Fatalf("create garden: %v", err)
	}

	got, err := s.GetGarden(ctx, g.ID)
	if err != nil {
		t.Fatalf("get garden: %v", err)
	}
	if got.Name != "Backyard" || got.HardinessZone != "8b" {
		t.Errorf("got %q/%q, want Backyard/8b", got.Name, got.HardinessZone)
	}
	if got.Latitude == nil || *got.Latitude != lat {
		t.Errorf("latitude not round-tripped: %v", got.Latitude)
	}

	if _, err := s.GetGarden(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	gardens, err := s.ListGardens(ctx)
	if err != nil {
		t.Fatalf("list gardens: %v", err)
	}
	if len(gardens) != 1 {
		t.Errorf("got %d gardens, want 1", len(gardens))
	}
}

func TestPlantCompanionsRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g, z, _ := seedGarden(t, s)
	_ = g

	p := &Plant{ZoneID: z.ID, Name: "Basil", Companions: []string{"tomato", "pepper"}}
	if err := s.CreatePlant(ctx, p); err != nil {
		t.Fatalf("create plant: %v", err)
	}
	got, err := s.GetPlant(ctx, p.ID)
	if err != nil {
		t.Fatalf("get plant: %v", err)
	}
	if len(got.Companions) != 2 || got.Companions[0] != "tomato" {
		t.Errorf("companions not round-tripped: %v", got.Companions)
	}
	if got.PlantedAt != nil {
		t.Errorf("expected nil PlantedAt, got %v", got.PlantedAt)
	}
}

func TestListZoneReadingsSince(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, z, _ := seedGarden(t, s)

	sensor := &Sensor{ZoneID: z.ID, Name: "bed moisture", Kind: "soil_moisture"}
	if err := s.CreateSensor(ctx, sensor); err != nil {
		t.Fatalf("create sensor: %v", err)
	}

	now := time.Now()
	old := &SensorReading{SensorID: sensor.ID, Value: 10, Unit: "%", ReadAt: now.Add(-72 * time.Hour)}
	recent := &SensorReading{SensorID: sensor.ID, Value: 34, Unit: "%", ReadAt: now.Add(-1 * time.Hour)}
	for _, r := range []*SensorReading{old, recent} {
		if err := s.AddReading(ctx, r); err != nil {
			t.Fatalf("add reading: %v", err)
		}
	}

	readings, err := s.ListZoneReadingsSince(ctx, z.ID, now.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("list readings: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1", len(readings))
	}
	if readings[0].Value != 34 || readings[0].SensorKind != "soil_moisture" {
		t.Errorf("unexpected reading: %+v", readings[0])
	}
}

func TestCompleteTaskWritesOneCareLog(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g, z, _ := seedGarden(t, s)
	task := seedTask(t, s, g, z)

	done, err := s.CompleteTask(ctx, g.ID, task.ID, "", "chat")
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if done.Status != TaskCompleted {
		t.Errorf("status = %q, want completed", done.Status)
	}
	if done.CompletedVia != "chat" {
		t.Errorf("completed_via = %q, want chat", done.CompletedVia)
	}
	if done.CareLogID == "" {
		t.Error("expected care log link on completed task")
	}

	n, err := s.CountCareLogs(ctx, g.ID)
	if err != nil {
		t.Fatalf("count care logs: %v", err)
	}
	if n != 1 {
		t.Errorf("got %d care logs, want 1", n)
	}

	logs, err := s.ListZoneCareLogsSince(ctx, z.ID, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list care logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("got %d zone care logs, want 1", len(logs))
	}
	if logs[0].Notes != "Completed: Deep water the raised bed" {
		t.Errorf("default notes = %q", logs[0].Notes)
	}
	if logs[0].ActionType != "water" {
		t.Errorf("action type = %q, want water", logs[0].ActionType)
	}
}

func TestCompleteTaskTerminalStateNoWrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g, z, _ := seedGarden(t, s)
	task := seedTask(t, s, g, z)

	if _, err := s.CompleteTask(ctx, g.ID, task.ID, "watered this morning", "scheduled"); err != nil {
		t.Fatalf("first complete: %v", err)
	}

	if _, err := s.CompleteTask(ctx, g.ID, task.ID, "again", "chat"); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second complete: expected ErrNotPending, got %v", err)
	}

	n, err := s.CountCareLogs(ctx, g.ID)
	if err != nil {
		t.Fatalf("count care logs: %v", err)
	}
	if n != 1 {
		t.Errorf("second complete wrote a care log: count = %d", n)
	}

	got, err := s.GetTask(ctx, g.ID, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.CompletedVia != "scheduled" {
		t.Errorf("completed_via overwritten: %q", got.CompletedVia)
	}
}

func TestCancelTaskTwice(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g, z, _ := seedGarden(t, s)
	task := seedTask(t, s, g, z)

	cancelled, err := s.CancelTask(ctx, g.ID, task.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if cancelled.Status != TaskCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	if _, err := s.CancelTask(ctx, g.ID, task.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("second cancel: expected ErrNotPending, got %v", err)
	}

	n, err := s.CountCareLogs(ctx, g.ID)
	if err != nil {
		t.Fatalf("count care logs: %v", err)
	}
	if n != 0 {
		t.Errorf("cancel wrote a care log: count = %d", n)
	}
}

func TestCompleteCancelledTask(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g, z, _ := seedGarden(t, s)
	task := seedTask(t, s, g, z)

	if _, err := s.CancelTask(ctx, g.ID, task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.CompleteTask(ctx, g.ID, task.ID, "", "chat"); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestTaskGardenScoping(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g, z, _ := seedGarden(t, s)
	task := seedTask(t, s, g, z)

	other := &Garden{UserID: "user-2", Name: "Community Plot"}
	if err := s.CreateGarden(ctx, other); err != nil {
		t.Fatalf("create garden: %v", err)
	}

	if _, err := s.GetTask(ctx, other.ID, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-garden get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.CompleteTask(ctx, other.ID, task.ID, "", "chat"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-garden complete: expected ErrNotFound, got %v", err)
	}

	got, err := s.GetTask(ctx, g.ID, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskPending {
		t.Errorf("cross-garden complete mutated task: status = %q", got.Status)
	}
}

func TestListTasksByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g, z, _ := seedGarden(t, s)

	first := seedTask(t, s, g, z)
	seedTask(t, s, g, z)

	if _, err := s.CompleteTask(ctx, g.ID, first.ID, "", "chat"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	pending, err := s.ListTasks(ctx, g.ID, TaskPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("got %d pending tasks, want 1", len(pending))
	}

	all, err := s.ListTasks(ctx, g.ID, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d tasks, want 2", len(all))
	}
}

func TestAnalysisResultsAppendOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	g, z, _ := seedGarden(t, s)

	for i := 0; i < 3; i++ {
		a := &AnalysisResult{
			GardenID:     g.ID,
			Scope:        "zone",
			TargetID:     z.ID,
			ResultJSON:   `{"operations":[]}`,
			Model:        "claude-sonnet-4-20250514",
			InputTokens:  100 + i,
			OutputTokens: 50,
			GeneratedAt:  time.Now().Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateAnalysis(ctx, a); err != nil {
			t.Fatalf("create analysis %d: %v", i, err)
		}
	}

	results, err := s.ListAnalyses(ctx, g.ID, 2)
	if err != nil {
		t.Fatalf("list analyses: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].InputTokens != 102 {
		t.Errorf("expected newest first, got input_tokens=%d", results[0].InputTokens)
	}
}
