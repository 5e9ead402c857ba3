// Package analysis assembles the model-facing context for a scheduled
// zone analysis and owns the system prompt that constrains the model's
// output to the care-plan JSON schema.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/verdant-garden/verdant/internal/garden"
	"github.com/verdant-garden/verdant/internal/weather"
)

const (
	// CareLogWindow bounds how far back care history is included.
	CareLogWindow = 14 * 24 * time.Hour
	// SensorWindow bounds how far back sensor readings are included.
	SensorWindow = 48 * time.Hour
)

// PlantInfo is the model-facing view of a plant.
type PlantInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Variety        string   `json:"variety,omitempty"`
	GrowthStage    string   `json:"growthStage,omitempty"`
	DaysSincePlant int      `json:"daysSincePlanting,omitempty"`
	WaterEveryDays int      `json:"waterEveryDays,omitempty"`
	SunNeeds       string   `json:"sunNeeds,omitempty"`
	Companions     []string `json:"companions,omitempty"`
}

// ReadingInfo is one sensor reading in the context window.
type ReadingInfo struct {
	Sensor string    `json:"sensor"`
	Kind   string    `json:"kind"`
	Value  float64   `json:"value"`
	Unit   string    `json:"unit,omitempty"`
	ReadAt time.Time `json:"readAt"`
}

// CareInfo is one care log entry in the context window.
type CareInfo struct {
	TargetID   string    `json:"targetId"`
	ActionType string    `json:"actionType"`
	Notes      string    `json:"notes,omitempty"`
	LoggedAt   time.Time `json:"loggedAt"`
}

// TaskInfo is one pending task, included so the model does not
// recommend work that is already scheduled.
type TaskInfo struct {
	ID            string `json:"id"`
	TargetID      string `json:"targetId"`
	ActionType    string `json:"actionType"`
	Priority      string `json:"priority"`
	Label         string `json:"label"`
	SuggestedDate string `json:"suggestedDate"`
}

// Context is everything the model sees about a zone. Sections with no
// data are omitted entirely rather than sent as empty placeholders.
type Context struct {
	Date          string            `json:"date"` // YYYY-MM-DD
	GardenName    string            `json:"gardenName"`
	HardinessZone string            `json:"hardinessZone,omitempty"`
	ZoneID        string            `json:"zoneId"`
	ZoneName      string            `json:"zoneName"`
	Soil          string            `json:"soil,omitempty"`
	Sun           string            `json:"sun,omitempty"`
	Notes         string            `json:"notes,omitempty"`
	Weather       *weather.Snapshot `json:"weather,omitempty"`
	Plants        []PlantInfo       `json:"plants,omitempty"`
	Readings      []ReadingInfo     `json:"sensorReadings,omitempty"`
	CareHistory   []CareInfo        `json:"careHistory,omitempty"`
	PendingTasks  []TaskInfo        `json:"pendingTasks,omitempty"`
}

// BuildZoneContext assembles the context for one zone. The weather
// snapshot may be nil when the garden has no coordinates or the fetch
// failed; analysis proceeds without it.
func BuildZoneContext(ctx context.Context, store *garden.Store, gardenID, zoneID string, snap *weather.Snapshot) (*Context, error) {
	g, err := store.GetGarden(ctx, gardenID)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	zone, err := store.GetZone(ctx, zoneID)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	if zone.GardenID != gardenID {
		return nil, fmt.Errorf("build context: zone %s: %w", zoneID, garden.ErrNotFound)
	}

	now := time.Now()
	c := &Context{
		Date:          now.Format("2006-01-02"),
		GardenName:    g.Name,
		HardinessZone: g.HardinessZone,
		ZoneID:        zone.ID,
		ZoneName:      zone.Name,
		Soil:          zone.Soil,
		Sun:           zone.Sun,
		Notes:         zone.Notes,
		Weather:       snap,
	}

	plants, err := store.ListPlants(ctx, zoneID)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	for _, p := range plants {
		info := PlantInfo{
			ID:             p.ID,
			Name:           p.Name,
			Variety:        p.Variety,
			GrowthStage:    p.GrowthStage,
			WaterEveryDays: p.WaterEveryDays,
			SunNeeds:       p.SunNeeds,
			Companions:     p.Companions,
		}
		if p.PlantedAt != nil {
			info.DaysSincePlant = int(now.Sub(*p.PlantedAt).Hours() / 24)
		}
		c.Plants = append(c.Plants, info)
	}

	readings, err := store.ListZoneReadingsSince(ctx, zoneID, now.Add(-SensorWindow))
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	for _, r := range readings {
		c.Readings = append(c.Readings, ReadingInfo{
			Sensor: r.SensorName,
			Kind:   r.SensorKind,
			Value:  r.Value,
			Unit:   r.Unit,
			ReadAt: r.ReadAt,
		})
	}

	logs, err := store.ListZoneCareLogsSince(ctx, zoneID, now.Add(-CareLogWindow))
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	for _, l := range logs {
		c.CareHistory = append(c.CareHistory, CareInfo{
			TargetID:   l.TargetID,
			ActionType: l.ActionType,
			Notes:      l.Notes,
			LoggedAt:   l.LoggedAt,
		})
	}

	tasks, err := store.ListTasks(ctx, gardenID, garden.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	for _, task := range tasks {
		if task.ZoneID != zoneID {
			continue
		}
		c.PendingTasks = append(c.PendingTasks, TaskInfo{
			ID:            task.ID,
			TargetID:      task.TargetID,
			ActionType:    task.ActionType,
			Priority:      task.Priority,
			Label:         task.Label,
			SuggestedDate: task.SuggestedDate,
		})
	}

	return c, nil
}
