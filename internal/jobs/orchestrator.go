// Package jobs wires the scheduled analysis pipeline: the daily trigger
// fans out to one job per garden, each garden fans out to one job per
// zone, and each zone job builds context, calls the model, validates,
// persists the result, and materializes proposed tasks.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/verdant-garden/verdant/internal/action"
	"github.com/verdant-garden/verdant/internal/analysis"
	"github.com/verdant-garden/verdant/internal/config"
	"github.com/verdant-garden/verdant/internal/garden"
	"github.com/verdant-garden/verdant/internal/llm"
	"github.com/verdant-garden/verdant/internal/queue"
	"github.com/verdant-garden/verdant/internal/schema"
	"github.com/verdant-garden/verdant/internal/usage"
	"github.com/verdant-garden/verdant/internal/weather"
)

// Enqueuer is the queue surface the orchestrator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, dedupKey string) (string, error)
}

// WeatherSource fetches a weather snapshot for coordinates.
type WeatherSource interface {
	Fetch(ctx context.Context, lat, lng float64) (*weather.Snapshot, error)
}

// ProviderResolver picks a ready model client for a user.
type ProviderResolver interface {
	Resolve(ctx context.Context, userID string) (*llm.Resolution, error)
}

// Orchestrator owns the three analysis job handlers.
type Orchestrator struct {
	store    *garden.Store
	queue    Enqueuer
	weather  WeatherSource
	resolver ProviderResolver
	usage    *usage.Store
	engine   *action.Engine
	cfg      config.AnalysisConfig
	logger   *slog.Logger
}

// New creates an orchestrator.
func New(
	store *garden.Store,
	q Enqueuer,
	ws WeatherSource,
	resolver ProviderResolver,
	usageStore *usage.Store,
	engine *action.Engine,
	cfg config.AnalysisConfig,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		queue:    q,
		weather:  ws,
		resolver: resolver,
		usage:    usageStore,
		engine:   engine,
		cfg:      cfg,
		logger:   logger,
	}
}

// Register binds the orchestrator's handlers to a worker.
func (o *Orchestrator) Register(w *queue.Worker) {
	w.Handle(queue.KindDailyTrigger, o.HandleTrigger)
	w.Handle(queue.KindAnalyzeGarden, o.HandleGarden)
	w.Handle(queue.KindAnalyzeZone, o.HandleZone)
}

// HandleTrigger fans the daily trigger out to one job per garden.
func (o *Orchestrator) HandleTrigger(ctx context.Context, job *queue.Job) error {
	var payload queue.TriggerPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode trigger payload: %w", err))
	}

	gardens, err := o.store.ListGardens(ctx)
	if err != nil {
		return fmt.Errorf("list gardens: %w", err)
	}

	enqueued := 0
	for _, g := range gardens {
		dedup := fmt.Sprintf("garden/%s/%s", g.ID, payload.Date)
		id, err := o.queue.Enqueue(ctx, queue.KindAnalyzeGarden, queue.GardenPayload{
			GardenID: g.ID,
			UserID:   g.UserID,
			Date:     payload.Date,
		}, dedup)
		if err != nil {
			return fmt.Errorf("enqueue garden %s: %w", g.ID, err)
		}
		if id != "" {
			enqueued++
		}
	}

	o.logger.Info("daily trigger fanned out", "date", payload.Date, "gardens", len(gardens), "enqueued", enqueued)
	return nil
}

// HandleGarden warms the weather cache for the garden's location and
// fans out to one job per zone. A weather failure is logged and
// ignored; zones analyze without it.
func (o *Orchestrator) HandleGarden(ctx context.Context, job *queue.Job) error {
	var payload queue.GardenPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode garden payload: %w", err))
	}

	g, err := o.store.GetGarden(ctx, payload.GardenID)
	if err != nil {
		if errors.Is(err, garden.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	if g.Latitude != nil && g.Longitude != nil {
		if _, err := o.weather.Fetch(ctx, *g.Latitude, *g.Longitude); err != nil {
			o.logger.Warn("weather unavailable for garden", "garden", g.ID, "error", err)
		}
	}

	zones, err := o.store.ListZones(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("list zones: %w", err)
	}

	enqueued := 0
	for _, z := range zones {
		dedup := fmt.Sprintf("%s/%s/%s", g.ID, z.ID, payload.Date)
		id, err := o.queue.Enqueue(ctx, queue.KindAnalyzeZone, queue.ZonePayload{
			GardenID: g.ID,
			UserID:   g.UserID,
			ZoneID:   z.ID,
			Date:     payload.Date,
		}, dedup)
		if err != nil {
			return fmt.Errorf("enqueue zone %s: %w", z.ID, err)
		}
		if id != "" {
			enqueued++
		}
	}

	o.logger.Info("garden fanned out", "garden", g.ID, "zones", len(zones), "enqueued", enqueued)
	return nil
}

// HandleZone runs one zone analysis end to end. Failures here are fatal
// to this zone's run only; sibling zones are separate jobs.
func (o *Orchestrator) HandleZone(ctx context.Context, job *queue.Job) error {
	var payload queue.ZonePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode zone payload: %w", err))
	}

	res, err := o.resolver.Resolve(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, llm.ErrNoProvider) {
			o.logger.Warn("skipping zone analysis, user has no provider key",
				"user", payload.UserID, "zone", payload.ZoneID)
			return nil
		}
		return err
	}

	snap := o.fetchWeather(ctx, payload.GardenID)

	zoneCtx, err := analysis.BuildZoneContext(ctx, o.store, payload.GardenID, payload.ZoneID, snap)
	if err != nil {
		if errors.Is(err, garden.ErrNotFound) {
			return queue.Permanent(err)
		}
		return err
	}

	prompt, err := zoneCtx.PromptText()
	if err != nil {
		return queue.Permanent(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.RequestTimeoutOrDefault())*time.Second)
	defer cancel()

	resp, err := llm.AnalyzeZone(callCtx, res.Client, analysis.SystemPrompt, prompt)
	if err != nil {
		// Parse and schema failures will not improve on retry; the model
		// call itself is not replayed for them.
		var parseErr *llm.ParseError
		var valErr *schema.ValidationError
		if errors.As(err, &parseErr) || errors.As(err, &valErr) {
			return queue.Permanent(err)
		}
		return err
	}

	// Persist the validated form, not the raw reply: after validation
	// the optional arrays are non-nil, so readers always see
	// operations/observations/alerts even when the model omitted them.
	normalized, err := json.Marshal(resp.Result)
	if err != nil {
		return queue.Permanent(fmt.Errorf("marshal analysis result: %w", err))
	}

	result := &garden.AnalysisResult{
		GardenID:     payload.GardenID,
		Scope:        "zone",
		TargetID:     payload.ZoneID,
		ResultJSON:   string(normalized),
		Model:        resp.Model,
		InputTokens:  resp.Usage.Input,
		OutputTokens: resp.Usage.Output,
	}
	if err := o.store.CreateAnalysis(ctx, result); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}

	if err := o.usage.Record(ctx, usage.Record{
		UserID:       payload.UserID,
		GardenID:     payload.GardenID,
		ZoneID:       payload.ZoneID,
		Provider:     res.Provider,
		Model:        resp.Model,
		InputTokens:  resp.Usage.Input,
		OutputTokens: resp.Usage.Output,
		Source:       usage.SourceScheduled,
	}); err != nil {
		o.logger.Error("record usage", "error", err)
	}

	scope := action.Scope{GardenID: payload.GardenID, UserID: payload.UserID, Via: "scheduled"}
	created, failed := 0, 0
	for _, op := range resp.Result.Operations {
		if op.Op != schema.OpCreate {
			continue
		}
		actRes := o.engine.MaterializeCreate(ctx, scope, op.Create)
		if actRes.Status == action.StatusSuccess {
			created++
		} else {
			failed++
			o.logger.Warn("proposed task rejected", "zone", payload.ZoneID, "error", actRes.Error)
		}
	}

	o.logger.Info("zone analysis complete",
		"zone", payload.ZoneID,
		"garden", payload.GardenID,
		"provider", res.Provider,
		"operations", len(resp.Result.Operations),
		"tasks_created", created,
		"tasks_rejected", failed,
		"alerts", len(resp.Result.Alerts),
	)
	return nil
}

// fetchWeather returns the garden's weather snapshot or nil when the
// garden has no coordinates or the fetch fails.
func (o *Orchestrator) fetchWeather(ctx context.Context, gardenID string) *weather.Snapshot {
	g, err := o.store.GetGarden(ctx, gardenID)
	if err != nil || g.Latitude == nil || g.Longitude == nil {
		return nil
	}
	snap, err := o.weather.Fetch(ctx, *g.Latitude, *g.Longitude)
	if err != nil {
		o.logger.Warn("weather unavailable", "garden", gardenID, "error", err)
		return nil
	}
	return snap
}
