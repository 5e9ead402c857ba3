// Package garden holds the persistent entities of the care pipeline and
// the SQLite store that owns them: gardens, zones, plants, sensors, the
// Task/CareLog state machine, and append-only analysis results.
package garden

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned when a task transition is attempted on a
// task that has already reached a terminal state. Terminal states are
// final; re-transitioning is reported as a failure, never a silent
// success.
var ErrNotPending = errors.New("task is not pending")

// Garden is the root of ownership for all analysis.
type Garden struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name"`
	Latitude      *float64   `json:"latitude,omitempty"`
	Longitude     *float64   `json:"longitude,omitempty"`
	HardinessZone string     `json:"hardiness_zone,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Zone is a region of a garden owning plants and sensors.
type Zone struct {
	ID        string    `json:"id"`
	GardenID  string    `json:"garden_id"`
	Name      string    `json:"name"`
	Soil      string    `json:"soil,omitempty"`
	Sun       string    `json:"sun,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Plant is a single plant in a zone with its care profile.
type Plant struct {
	ID             string     `json:"id"`
	ZoneID         string     `json:"zone_id"`
	Name           string     `json:"name"`
	Variety        string     `json:"variety,omitempty"`
	GrowthStage    string     `json:"growth_stage,omitempty"`
	PlantedAt      *time.Time `json:"planted_at,omitempty"`
	WaterEveryDays int        `json:"water_every_days,omitempty"`
	SunNeeds       string     `json:"sun_needs,omitempty"`
	Companions     []string   `json:"companions,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Sensor is a measurement source attached to a zone.
type Sensor struct {
	ID     string `json:"id"`
	ZoneID string `json:"zone_id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"` // soil_moisture, temperature, humidity, light
}

// SensorReading is a single measurement from a sensor.
type SensorReading struct {
	ID       string    `json:"id"`
	SensorID string    `json:"sensor_id"`
	Value    float64   `json:"value"`
	Unit     string    `json:"unit"`
	ReadAt   time.Time `json:"read_at"`
}

// TaskStatus is the lifecycle state of a task. A task leaves pending
// exactly once; completed and cancelled are terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is an actionable care recommendation. Tasks are mutated only by
// the action engine.
type Task struct {
	ID             string     `json:"id"`
	GardenID       string     `json:"garden_id"`
	ZoneID         string     `json:"zone_id"`
	TargetType     string     `json:"target_type"` // zone or plant
	TargetID       string     `json:"target_id"`
	ActionType     string     `json:"action_type"`
	Priority       string     `json:"priority"`
	Status         TaskStatus `json:"status"`
	Label          string     `json:"label"`
	SuggestedDate  string     `json:"suggested_date"` // YYYY-MM-DD
	Context        string     `json:"context,omitempty"`
	Recurrence     string     `json:"recurrence,omitempty"`
	PhotoRequested bool       `json:"photo_requested,omitempty"`
	CompletedVia   string     `json:"completed_via,omitempty"`
	CareLogID      string     `json:"care_log_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CareLog records that a care action was actually performed. Care logs
// are immutable once created.
type CareLog struct {
	ID         string    `json:"id"`
	GardenID   string    `json:"garden_id"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	ActionType string    `json:"action_type"`
	Notes      string    `json:"notes,omitempty"`
	PhotoKey   string    `json:"photo_key,omitempty"`
	LoggedAt   time.Time `json:"logged_at"`
}

// AnalysisResult is the immutable, schema-validated output of one
// scheduled analysis run. Each run inserts a new row; prior rows are
// never overwritten.
type AnalysisResult struct {
	ID           string    `json:"id"`
	GardenID     string    `json:"garden_id"`
	Scope        string    `json:"scope"` // zone, plant, or garden
	TargetID     string    `json:"target_id"`
	ResultJSON   string    `json:"result_json"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	GeneratedAt  time.Time `json:"generated_at"`
}
