// Package weather fetches current conditions and a short forecast from
// the Open-Meteo API, with a per-location cache so garden and zone jobs
// running in the same batch share one upstream call.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/verdant-garden/verdant/internal/httpkit"
)

const (
	cacheTTL     = 30 * time.Minute
	forecastDays = 3
)

// DayForecast is one day of the short forecast.
type DayForecast struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	Description  string  `json:"description"`
	HighTemp     float64 `json:"high_temp"`
	LowTemp      float64 `json:"low_temp"`
	PrecipChance int     `json:"precip_chance"`
}

// Snapshot is the weather picture handed to the context builder. It is
// a point-in-time copy; callers may hold it without locking.
type Snapshot struct {
	Temperature float64       `json:"temperature"`
	Description string        `json:"description"`
	Humidity    int           `json:"humidity"`
	HighTemp    float64       `json:"high_temp"`
	LowTemp     float64       `json:"low_temp"`
	Forecast    []DayForecast `json:"forecast,omitempty"`
	Unit        string        `json:"unit"` // "F" or "C"
	FetchedAt   time.Time     `json:"fetched_at"`
}

type cacheEntry struct {
	snapshot  Snapshot
	fetchedAt time.Time
}

// Service fetches and caches weather per coordinate pair.
type Service struct {
	client  *http.Client
	baseURL string
	unit    string // "fahrenheit" or "celsius"
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// Option configures a Service.
type Option func(*Service)

// WithBaseURL overrides the Open-Meteo endpoint, for tests.
func WithBaseURL(url string) Option {
	return func(s *Service) { s.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// NewService creates a weather service. temperatureUnit is "fahrenheit"
// or "celsius"; empty defaults to celsius.
func NewService(temperatureUnit string, logger *slog.Logger, opts ...Option) *Service {
	if temperatureUnit == "" {
		temperatureUnit = "celsius"
	}
	s := &Service{
		client: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, time.Second),
		),
		baseURL: "https://api.open-meteo.com/v1/forecast",
		unit:    temperatureUnit,
		logger:  logger,
		cache:   make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(lat, lng float64) string {
	return fmt.Sprintf("%.2f,%.2f", lat, lng)
}

// Fetch returns weather for the given coordinates, serving from cache
// when fresh. On upstream failure a stale cached snapshot is returned
// rather than an error; only a cold cache propagates the failure.
func (s *Service) Fetch(ctx context.Context, lat, lng float64) (*Snapshot, error) {
	key := cacheKey(lat, lng)

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < cacheTTL {
		snap := entry.snapshot
		return &snap, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring the write lock.
	if entry, ok := s.cache[key]; ok && time.Since(entry.fetchedAt) < cacheTTL {
		snap := entry.snapshot
		return &snap, nil
	}

	snap, err := s.fetch(ctx, lat, lng)
	if err != nil {
		if entry, ok := s.cache[key]; ok {
			s.logger.Warn("weather fetch failed, serving stale data",
				"location", key, "age", time.Since(entry.fetchedAt), "error", err)
			stale := entry.snapshot
			return &stale, nil
		}
		return nil, err
	}

	s.cache[key] = cacheEntry{snapshot: *snap, fetchedAt: time.Now()}
	return snap, nil
}

type apiResponse struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    int     `json:"relative_humidity_2m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		Time         []string  `json:"time"`
		TempMax      []float64 `json:"temperature_2m_max"`
		TempMin      []float64 `json:"temperature_2m_min"`
		WeatherCode  []int     `json:"weather_code"`
		PrecipChance []int     `json:"precipitation_probability_max"`
	} `json:"daily"`
}

func (s *Service) fetch(ctx context.Context, lat, lng float64) (*Snapshot, error) {
	url := fmt.Sprintf(
		"%s?latitude=%.4f&longitude=%.4f"+
			"&current=temperature_2m,relative_humidity_2m,weather_code"+
			"&daily=temperature_2m_max,temperature_2m_min,weather_code,precipitation_probability_max"+
			"&timezone=auto&forecast_days=%d&temperature_unit=%s",
		s.baseURL, lat, lng, forecastDays, s.unit,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build weather request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather API returned status %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 1024))
	}

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}

	unit := "C"
	if s.unit == "fahrenheit" {
		unit = "F"
	}

	snap := &Snapshot{
		Temperature: api.Current.Temperature,
		Description: DescribeWMOCode(api.Current.WeatherCode),
		Humidity:    api.Current.Humidity,
		Unit:        unit,
		FetchedAt:   time.Now(),
	}
	if len(api.Daily.TempMax) > 0 {
		snap.HighTemp = api.Daily.TempMax[0]
	}
	if len(api.Daily.TempMin) > 0 {
		snap.LowTemp = api.Daily.TempMin[0]
	}

	for i, day := range api.Daily.Time {
		f := DayForecast{Date: day}
		if i < len(api.Daily.TempMax) {
			f.HighTemp = api.Daily.TempMax[i]
		}
		if i < len(api.Daily.TempMin) {
			f.LowTemp = api.Daily.TempMin[i]
		}
		if i < len(api.Daily.WeatherCode) {
			f.Description = DescribeWMOCode(api.Daily.WeatherCode[i])
		}
		if i < len(api.Daily.PrecipChance) {
			f.PrecipChance = api.Daily.PrecipChance[i]
		}
		snap.Forecast = append(snap.Forecast, f)
	}

	return snap, nil
}

// DescribeWMOCode maps a WMO weather code to a human-readable
// description.
func DescribeWMOCode(code int) string {
	switch code {
	case 0:
		return "Clear sky"
	case 1:
		return "Mainly clear"
	case 2:
		return "Partly cloudy"
	case 3:
		return "Overcast"
	case 45, 48:
		return "Foggy"
	case 51:
		return "Light drizzle"
	case 53:
		return "Moderate drizzle"
	case 55:
		return "Dense drizzle"
	case 56, 57:
		return "Freezing drizzle"
	case 61:
		return "Slight rain"
	case 63:
		return "Moderate rain"
	case 65:
		return "Heavy rain"
	case 66, 67:
		return "Freezing rain"
	case 71:
		return "Slight snow"
	case 73:
		return "Moderate snow"
	case 75:
		return "Heavy snow"
	case 77:
		return "Snow grains"
	case 80:
		return "Slight showers"
	case 81:
		return "Moderate showers"
	case 82:
		return "Violent showers"
	case 85:
		return "Slight snow showers"
	case 86:
		return "Heavy snow showers"
	case 95:
		return "Thunderstorm"
	case 96, 99:
		return "Thunderstorm with hail"
	default:
		return "Unknown"
	}
}
