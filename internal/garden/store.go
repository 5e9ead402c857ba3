package garden

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists gardens and everything they own. It expects a database
// opened through the database package, which applies the schema
// migrations.
type Store struct {
	db *sql.DB
}

// NewStore wraps an opened garden database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NewID generates a new UUIDv7.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// --- Gardens ---

// CreateGarden inserts a garden, assigning an ID when absent.
func (s *Store) CreateGarden(ctx context.Context, g *Garden) error {
	if g.ID == "" {
		g.ID = NewID()
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now

	var lat, lng any
	if g.Latitude != nil {
		lat = *g.Latitude
	}
	if g.Longitude != nil {
		lng = *g.Longitude
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gardens (id, user_id, name, latitude, longitude, hardiness_zone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, g.ID, g.UserID, g.Name, lat, lng, g.HardinessZone, fmtTime(g.CreatedAt), fmtTime(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert garden: %w", err)
	}
	return nil
}

const gardenCols = `id, user_id, name, latitude, longitude, hardiness_zone, created_at, updated_at`

func scanGarden(scanner interface{ Scan(...any) error }) (*Garden, error) {
	var g Garden
	var lat, lng sql.NullFloat64
	var createdAt, updatedAt string

	err := scanner.Scan(&g.ID, &g.UserID, &g.Name, &lat, &lng, &g.HardinessZone, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if lat.Valid {
		g.Latitude = &lat.Float64
	}
	if lng.Valid {
		g.Longitude = &lng.Float64
	}
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

// GetGarden retrieves a garden by ID. Returns ErrNotFound when absent.
func (s *Store) GetGarden(ctx context.Context, id string) (*Garden, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+gardenCols+` FROM gardens WHERE id = ?`, id)
	g, err := scanGarden(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("garden %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get garden: %w", err)
	}
	return g, nil
}

// ListGardens returns all gardens, oldest first.
func (s *Store) ListGardens(ctx context.Context) ([]*Garden, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+gardenCols+` FROM gardens ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list gardens: %w", err)
	}
	defer rows.Close()

	var gardens []*Garden
	for rows.Next() {
		g, err := scanGarden(rows)
		if err != nil {
			return nil, fmt.Errorf("scan garden: %w", err)
		}
		gardens = append(gardens, g)
	}
	return gardens, rows.Err()
}

// --- Zones ---

// CreateZone inserts a zone, assigning an ID when absent.
func (s *Store) CreateZone(ctx context.Context, z *Zone) error {
	if z.ID == "" {
		z.ID = NewID()
	}
	now := time.Now()
	if z.CreatedAt.IsZero() {
		z.CreatedAt = now
	}
	z.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO zones (id, garden_id, name, soil, sun, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, z.ID, z.GardenID, z.Name, z.Soil, z.Sun, z.Notes, fmtTime(z.CreatedAt), fmtTime(z.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert zone: %w", err)
	}
	return nil
}

const zoneCols = `id, garden_id, name, soil, sun, notes, created_at, updated_at`

func scanZone(scanner interface{ Scan(...any) error }) (*Zone, error) {
	var z Zone
	var createdAt, updatedAt string
	err := scanner.Scan(&z.ID, &z.GardenID, &z.Name, &z.Soil, &z.Sun, &z.Notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	z.CreatedAt = parseTime(createdAt)
	z.UpdatedAt = parseTime(updatedAt)
	return &z, nil
}

// GetZone retrieves a zone by ID. Returns ErrNotFound when absent.
func (s *Store) GetZone(ctx context.Context, id string) (*Zone, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+zoneCols+` FROM zones WHERE id = ?`, id)
	z, err := scanZone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get zone: %w", err)
	}
	return z, nil
}

// ListZones returns a garden's zones in creation order.
func (s *Store) ListZones(ctx context.Context, gardenID string) ([]*Zone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+zoneCols+` FROM zones WHERE garden_id = ? ORDER BY created_at ASC
	`, gardenID)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer rows.Close()

	var zones []*Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// --- Plants ---

// CreatePlant inserts a plant, assigning an ID when absent.
func (s *Store) CreatePlant(ctx context.Context, p *Plant) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	companions, err := json.Marshal(p.Companions)
	if err != nil {
		return fmt.Errorf("marshal companions: %w", err)
	}

	var plantedAt any
	if p.PlantedAt != nil {
		plantedAt = fmtTime(*p.PlantedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plants (id, zone_id, name, variety, growth_stage, planted_at,
			water_every_days, sun_needs, companions_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ZoneID, p.Name, p.Variety, p.GrowthStage, plantedAt,
		p.WaterEveryDays, p.SunNeeds, string(companions), fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert plant: %w", err)
	}
	return nil
}

const plantCols = `id, zone_id, name, variety, growth_stage, planted_at, water_every_days, sun_needs, companions_json, created_at, updated_at`

func scanPlant(scanner interface{ Scan(...any) error }) (*Plant, error) {
	var p Plant
	var plantedAt sql.NullString
	var companions, createdAt, updatedAt string

	err := scanner.Scan(&p.ID, &p.ZoneID, &p.Name, &p.Variety, &p.GrowthStage, &plantedAt,
		&p.WaterEveryDays, &p.SunNeeds, &companions, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if plantedAt.Valid {
		t := parseTime(plantedAt.String)
		p.PlantedAt = &t
	}
	if err := json.Unmarshal([]byte(companions), &p.Companions); err != nil {
		return nil, fmt.Errorf("unmarshal companions: %w", err)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// GetPlant retrieves a plant by ID. Returns ErrNotFound when absent.
func (s *Store) GetPlant(ctx context.Context, id string) (*Plant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+plantCols+` FROM plants WHERE id = ?`, id)
	p, err := scanPlant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plant: %w", err)
	}
	return p, nil
}

// ListPlants returns a zone's plants in creation order.
func (s *Store) ListPlants(ctx context.Context, zoneID string) ([]*Plant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+plantCols+` FROM plants WHERE zone_id = ? ORDER BY created_at ASC
	`, zoneID)
	if err != nil {
		return nil, fmt.Errorf("list plants: %w", err)
	}
	defer rows.Close()

	var plants []*Plant
	for rows.Next() {
		p, err := scanPlant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plant: %w", err)
		}
		plants = append(plants, p)
	}
	return plants, rows.Err()
}

// --- Sensors ---

// CreateSensor inserts a sensor, assigning an ID when absent.
func (s *Store) CreateSensor(ctx context.Context, sensor *Sensor) error {
	if sensor.ID == "" {
		sensor.ID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensors (id, zone_id, name, kind) VALUES (?, ?, ?, ?)
	`, sensor.ID, sensor.ZoneID, sensor.Name, sensor.Kind)
	if err != nil {
		return fmt.Errorf("insert sensor: %w", err)
	}
	return nil
}

// AddReading inserts a sensor reading, assigning an ID when absent.
func (s *Store) AddReading(ctx context.Context, r *SensorReading) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.ReadAt.IsZero() {
		r.ReadAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (id, sensor_id, value, unit, read_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.SensorID, r.Value, r.Unit, fmtTime(r.ReadAt))
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// ZoneReading pairs a reading with its sensor's name and kind for
// context assembly.
type ZoneReading struct {
	SensorName string
	SensorKind string
	Value      float64
	Unit       string
	ReadAt     time.Time
}

// ListZoneReadingsSince returns readings from all of a zone's sensors
// taken at or after since, newest first.
func (s *Store) ListZoneReadingsSince(ctx context.Context, zoneID string, since time.Time) ([]ZoneReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sn.name, sn.kind, r.value, r.unit, r.read_at
		FROM sensor_readings r
		JOIN sensors sn ON sn.id = r.sensor_id
		WHERE sn.zone_id = ? AND r.read_at >= ?
		ORDER BY r.read_at DESC
	`, zoneID, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("list zone readings: %w", err)
	}
	defer rows.Close()

	var readings []ZoneReading
	for rows.Next() {
		var zr ZoneReading
		var readAt string
		if err := rows.Scan(&zr.SensorName, &zr.SensorKind, &zr.Value, &zr.Unit, &readAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		zr.ReadAt = parseTime(readAt)
		readings = append(readings, zr)
	}
	return readings, rows.Err()
}
