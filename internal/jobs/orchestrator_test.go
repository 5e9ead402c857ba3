package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/verdant-garden/verdant/internal/action"
	"github.com/verdant-garden/verdant/internal/config"
	"github.com/verdant-garden/verdant/internal/database"
	"github.com/verdant-garden/verdant/internal/garden"
	"github.com/verdant-garden/verdant/internal/llm"
	"github.com/verdant-garden/verdant/internal/queue"
	"github.com/verdant-garden/verdant/internal/usage"
	"github.com/verdant-garden/verdant/internal/weather"
)

type fakeEnqueuer struct {
	jobs []fakeJob
}

type fakeJob struct {
	Kind     string
	Payload  any
	DedupKey string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, kind string, payload any, dedupKey string) (string, error) {
	for _, j := range f.jobs {
		if j.DedupKey != "" && j.DedupKey == dedupKey {
			return "", nil
		}
	}
	f.jobs = append(f.jobs, fakeJob{Kind: kind, Payload: payload, DedupKey: dedupKey})
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

type fakeWeather struct {
	snap  *weather.Snapshot
	err   error
	calls int
}

func (f *fakeWeather) Fetch(ctx context.Context, lat, lng float64) (*weather.Snapshot, error) {
	f.calls++
	return f.snap, f.err
}

type fakeClient struct {
	reply string
	err   error
}

func (f *fakeClient) Chat(ctx context.Context, messages []llm.Message) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.reply, Model: "fake-model", Usage: llm.TokenUsage{Input: 100, Output: 40}}, nil
}

func (f *fakeClient) Provider() string               { return "anthropic" }
func (f *fakeClient) Model() string                  { return "fake-model" }
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

type fakeResolver struct {
	client llm.Client
	err    error
}

func (f *fakeResolver) Resolve(ctx context.Context, userID string) (*llm.Resolution, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Resolution{Provider: "anthropic", Model: "fake-model", Client: f.client}, nil
}

func testFixture(t *testing.T, client llm.Client, resolveErr error) (*Orchestrator, *garden.Store, *fakeEnqueuer) {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(dir + "/garden.db")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := garden.NewStore(db)

	usageStore, err := usage.NewStore(dir + "/usage.db")
	if err != nil {
		t.Fatalf("open usage store: %v", err)
	}
	t.Cleanup(func() { usageStore.Close() })

	logger := slog.New(slog.DiscardHandler)
	enq := &fakeEnqueuer{}
	o := New(
		store,
		enq,
		&fakeWeather{snap: &weather.Snapshot{Temperature: 21, Description: "Clear sky", Unit: "C"}},
		&fakeResolver{client: client, err: resolveErr},
		usageStore,
		action.NewEngine(store, logger),
		config.AnalysisConfig{RequestTimeoutSec: 5, MaxAttempts: 3},
		logger,
	)
	return o, store, enq
}

func seedGardens(t *testing.T, store *garden.Store) (*garden.Garden, []*garden.Zone, *garden.Garden) {
	t.Helper()
	ctx := context.Background()

	lat, lng := 45.52, -122.68
	g1 := &garden.Garden{UserID: "u1", Name: "Backyard", Latitude: &lat, Longitude: &lng}
	if err := store.CreateGarden(ctx, g1); err != nil {
		t.Fatalf("create garden: %v", err)
	}
	var zones []*garden.Zone
	for _, name := range []string{"Bed A", "Bed B", "Bed C"} {
		z := &garden.Zone{GardenID: g1.ID, Name: name}
		if err := store.CreateZone(ctx, z); err != nil {
			t.Fatalf("create zone: %v", err)
		}
		zones = append(zones, z)
	}

	g2 := &garden.Garden{UserID: "u2", Name: "Balcony"}
	if err := store.CreateGarden(ctx, g2); err != nil {
		t.Fatalf("create garden: %v", err)
	}
	z := &garden.Zone{GardenID: g2.ID, Name: "Pots"}
	if err := store.CreateZone(ctx, z); err != nil {
		t.Fatalf("create zone: %v", err)
	}
	zones = append(zones, z)

	return g1, zones, g2
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestTriggerFansOutPerGarden(t *testing.T) {
	o, store, enq := testFixture(t, &fakeClient{}, nil)
	seedGardens(t, store)

	job := &queue.Job{Payload: mustJSON(t, queue.TriggerPayload{Date: "2026-08-31"})}
	if err := o.HandleTrigger(context.Background(), job); err != nil {
		t.Fatalf("handle trigger: %v", err)
	}

	if len(enq.jobs) != 2 {
		t.Fatalf("got %d garden jobs, want 2", len(enq.jobs))
	}
	for _, j := range enq.jobs {
		if j.Kind != queue.KindAnalyzeGarden {
			t.Errorf("kind = %q", j.Kind)
		}
	}

	// Re-running the trigger for the same date is a no-op.
	if err := o.HandleTrigger(context.Background(), job); err != nil {
		t.Fatalf("second trigger: %v", err)
	}
	if len(enq.jobs) != 2 {
		t.Errorf("duplicate trigger enqueued more jobs: %d", len(enq.jobs))
	}
}

func TestGardenFansOutPerZone(t *testing.T) {
	o, store, enq := testFixture(t, &fakeClient{}, nil)
	g1, _, g2 := seedGardens(t, store)

	for _, g := range []*garden.Garden{g1, g2} {
		job := &queue.Job{Payload: mustJSON(t, queue.GardenPayload{GardenID: g.ID, UserID: g.UserID, Date: "2026-08-31"})}
		if err := o.HandleGarden(context.Background(), job); err != nil {
			t.Fatalf("handle garden %s: %v", g.ID, err)
		}
	}

	if len(enq.jobs) != 4 {
		t.Fatalf("got %d zone jobs, want 4", len(enq.jobs))
	}
	for _, j := range enq.jobs {
		if j.Kind != queue.KindAnalyzeZone {
			t.Errorf("kind = %q", j.Kind)
		}
	}
}

func TestGardenWeatherFailureIsNonFatal(t *testing.T) {
	o, store, _ := testFixture(t, &fakeClient{}, nil)
	o.weather = &fakeWeather{err: errors.New("upstream down")}
	g1, _, _ := seedGardens(t, store)

	job := &queue.Job{Payload: mustJSON(t, queue.GardenPayload{GardenID: g1.ID, UserID: "u1", Date: "2026-08-31"})}
	if err := o.HandleGarden(context.Background(), job); err != nil {
		t.Fatalf("weather failure aborted fan-out: %v", err)
	}
}

func zoneJob(t *testing.T, g *garden.Garden, zoneID string) *queue.Job {
	t.Helper()
	return &queue.Job{Payload: mustJSON(t, queue.ZonePayload{
		GardenID: g.ID, UserID: g.UserID, ZoneID: zoneID, Date: "2026-08-31",
	})}
}

func TestZoneAnalysisPersistsAndMaterializes(t *testing.T) {
	o, store, _ := testFixture(t, nil, nil)
	g1, zones, _ := seedGardens(t, store)
	ctx := context.Background()

	plan := fmt.Sprintf(`{
		"operations": [
			{"op": "create", "targetType": "zone", "targetId": %q, "zoneId": %q,
			 "actionType": "water", "priority": "today", "label": "Water Bed A",
			 "suggestedDate": "2026-09-01"}
		],
		"observations": ["soil looks dry"],
		"alerts": []
	}`, zones[0].ID, zones[0].ID)
	o.resolver = &fakeResolver{client: &fakeClient{reply: plan}}

	if err := o.HandleZone(ctx, zoneJob(t, g1, zones[0].ID)); err != nil {
		t.Fatalf("handle zone: %v", err)
	}

	results, err := store.ListAnalyses(ctx, g1.ID, 10)
	if err != nil {
		t.Fatalf("list analyses: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d analysis rows, want 1", len(results))
	}
	if results[0].Model != "fake-model" || results[0].InputTokens != 100 {
		t.Errorf("result = %+v", results[0])
	}

	tasks, err := store.ListTasks(ctx, g1.ID, garden.TaskPending)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Label != "Water Bed A" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestZonePersistsNormalizedResult(t *testing.T) {
	// A reply that omits the optional arrays must be stored in the
	// validated form, with observations and alerts present and empty.
	o, store, _ := testFixture(t, &fakeClient{reply: `{"operations": []}`}, nil)
	g1, zones, _ := seedGardens(t, store)
	ctx := context.Background()

	if err := o.HandleZone(ctx, zoneJob(t, g1, zones[0].ID)); err != nil {
		t.Fatalf("handle zone: %v", err)
	}

	results, err := store.ListAnalyses(ctx, g1.ID, 10)
	if err != nil {
		t.Fatalf("list analyses: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d analysis rows, want 1", len(results))
	}

	var stored struct {
		Operations   []json.RawMessage `json:"operations"`
		Observations []string          `json:"observations"`
		Alerts       []string          `json:"alerts"`
	}
	if err := json.Unmarshal([]byte(results[0].ResultJSON), &stored); err != nil {
		t.Fatalf("stored result is not valid JSON: %v", err)
	}
	if stored.Operations == nil || stored.Observations == nil || stored.Alerts == nil {
		t.Errorf("stored result missing normalized arrays: %s", results[0].ResultJSON)
	}
	if len(stored.Operations)+len(stored.Observations)+len(stored.Alerts) != 0 {
		t.Errorf("stored result = %s", results[0].ResultJSON)
	}
}

func TestZoneSkippedWithoutProviderKey(t *testing.T) {
	o, store, _ := testFixture(t, nil, fmt.Errorf("user u1: %w", llm.ErrNoProvider))
	g1, zones, _ := seedGardens(t, store)
	ctx := context.Background()

	if err := o.HandleZone(ctx, zoneJob(t, g1, zones[0].ID)); err != nil {
		t.Fatalf("no-key skip should not error: %v", err)
	}

	results, err := store.ListAnalyses(ctx, g1.ID, 10)
	if err != nil {
		t.Fatalf("list analyses: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("skipped zone wrote an analysis: %+v", results)
	}
}

func TestZoneInvalidReplyIsPermanent(t *testing.T) {
	o, store, _ := testFixture(t, &fakeClient{reply: "I think you should water everything!"}, nil)
	g1, zones, _ := seedGardens(t, store)
	ctx := context.Background()

	err := o.HandleZone(ctx, zoneJob(t, g1, zones[0].ID))
	if err == nil {
		t.Fatal("expected error for prose reply")
	}
	if !queue.IsPermanent(err) {
		t.Errorf("parse failure should be permanent, got %v", err)
	}

	// Invalid output must never reach persistence.
	results, listErr := store.ListAnalyses(ctx, g1.ID, 10)
	if listErr != nil {
		t.Fatalf("list analyses: %v", listErr)
	}
	if len(results) != 0 {
		t.Errorf("invalid reply persisted: %+v", results)
	}
}

func TestZoneSchemaViolationIsPermanent(t *testing.T) {
	reply := `{"operations": [{"op": "create", "targetType": "pond"}]}`
	o, store, _ := testFixture(t, &fakeClient{reply: reply}, nil)
	g1, zones, _ := seedGardens(t, store)

	err := o.HandleZone(context.Background(), zoneJob(t, g1, zones[0].ID))
	if err == nil || !queue.IsPermanent(err) {
		t.Errorf("schema violation should be permanent, got %v", err)
	}
}

func TestZoneProviderFailureIsRetryable(t *testing.T) {
	o, store, _ := testFixture(t, &fakeClient{err: errors.New("connection reset")}, nil)
	g1, zones, _ := seedGardens(t, store)

	err := o.HandleZone(context.Background(), zoneJob(t, g1, zones[0].ID))
	if err == nil {
		t.Fatal("expected error")
	}
	if queue.IsPermanent(err) {
		t.Errorf("transient provider failure marked permanent: %v", err)
	}
}

func TestZoneRejectedOperationDoesNotFailJob(t *testing.T) {
	o, store, _ := testFixture(t, nil, nil)
	g1, zones, _ := seedGardens(t, store)
	ctx := context.Background()

	// Valid schema, but the target zone belongs to the other garden.
	otherZone := zones[3]
	plan := fmt.Sprintf(`{
		"operations": [
			{"op": "create", "targetType": "zone", "targetId": %q, "zoneId": %q,
			 "actionType": "water", "priority": "today", "label": "Water someone else's pots",
			 "suggestedDate": "2026-09-01"}
		]
	}`, otherZone.ID, otherZone.ID)
	o.resolver = &fakeResolver{client: &fakeClient{reply: plan}}

	if err := o.HandleZone(ctx, zoneJob(t, g1, zones[0].ID)); err != nil {
		t.Fatalf("rejected operation failed the job: %v", err)
	}

	tasks, err := store.ListTasks(ctx, g1.ID, "")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("cross-garden operation materialized: %+v", tasks)
	}
}
