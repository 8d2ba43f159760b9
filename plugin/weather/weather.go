// Package weather provides the OpenWeatherMap capability provider.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hivemind/server/plugin"
)

const defaultBaseURL = "https://api.openweathermap.org/data/2.5"

// defaultLocation is used when inference extracts no location parameter.
const defaultLocation = "Belfort,FR"

// Plugin fetches current weather and forecasts. Both intents are read-only,
// so concurrent Execute calls share one http.Client without coordination.
type Plugin struct {
	apiKey   string
	baseURL  string
	location string
	client   *http.Client
}

// Option configures the weather plugin.
type Option func(*Plugin)

// WithBaseURL points the plugin at a different API host, for tests.
func WithBaseURL(u string) Option {
	return func(p *Plugin) { p.baseURL = u }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Plugin) { p.client = c }
}

// New creates the weather provider with the given OpenWeatherMap API key.
func New(apiKey string, opts ...Option) *Plugin {
	p := &Plugin{
		apiKey:   apiKey,
		baseURL:  defaultBaseURL,
		location: defaultLocation,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        "weather",
		Version:     "1.0.0",
		Description: "Récupère les informations météorologiques",
		Triggers:    []string{"météo", "weather", "température", "pluie", "temps"},
		Intents:     []string{"get_weather", "get_forecast"},
		Enabled:     p.apiKey != "",
	}
}

func (p *Plugin) PromptContext() string {
	return `Tu as accès à la fonction 'get_weather' pour obtenir la météo actuelle.
Paramètres:
- location (optionnel): ville, défaut = Belfort, FR
Retourne: température, description, humidité

Tu as aussi 'get_forecast' pour les prévisions sur 24 heures, mêmes paramètres.`
}

func (p *Plugin) OnLoad(ctx context.Context) error {
	if p.apiKey == "" {
		return fmt.Errorf("openweather api key not configured")
	}
	return nil
}

func (p *Plugin) OnUnload(ctx context.Context) error {
	p.client.CloseIdleConnections()
	return nil
}

// HealthCheck probes the API with a cheap current-weather request.
func (p *Plugin) HealthCheck(ctx context.Context) bool {
	_, err := p.fetchCurrent(ctx, p.location)
	return err == nil
}

func (p *Plugin) Execute(ctx context.Context, intent string, params map[string]any) (*plugin.Result, error) {
	location := p.location
	if loc, ok := params["location"].(string); ok && loc != "" {
		location = loc
	}

	switch intent {
	case "get_weather":
		return p.currentWeather(ctx, location)
	case "get_forecast":
		return p.forecast(ctx, location)
	default:
		return &plugin.Result{Success: false, Err: fmt.Sprintf("unknown intent: %s", intent)}, nil
	}
}

// owmCurrent is the subset of the current-weather response the plugin uses.
type owmCurrent struct {
	Name    string `json:"name"`
	Weather []struct {
		Description string `json:"description"`
	} `json:"weather"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity int     `json:"humidity"`
	} `json:"main"`
}

type owmForecast struct {
	City struct {
		Name string `json:"name"`
	} `json:"city"`
	List []struct {
		DtTxt   string `json:"dt_txt"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		Main struct {
			Temp float64 `json:"temp"`
		} `json:"main"`
	} `json:"list"`
}

func (p *Plugin) currentWeather(ctx context.Context, location string) (*plugin.Result, error) {
	cur, err := p.fetchCurrent(ctx, location)
	if err != nil {
		return nil, err
	}

	description := ""
	if len(cur.Weather) > 0 {
		description = cur.Weather[0].Description
	}
	text := fmt.Sprintf("À %s il fait %.1f°C, %s, humidité %d%%.",
		cur.Name, cur.Main.Temp, description, cur.Main.Humidity)

	return &plugin.Result{
		Success:      true,
		ResponseText: text,
		Data: map[string]any{
			"location":    cur.Name,
			"temperature": cur.Main.Temp,
			"description": description,
			"humidity":    cur.Main.Humidity,
		},
	}, nil
}

func (p *Plugin) forecast(ctx context.Context, location string) (*plugin.Result, error) {
	var fc owmForecast
	if err := p.get(ctx, "/forecast", location, url.Values{"cnt": {"8"}}, &fc); err != nil {
		return nil, err
	}
	if len(fc.List) == 0 {
		return &plugin.Result{Success: false, Err: "no forecast data for " + location}, nil
	}

	points := make([]map[string]any, 0, len(fc.List))
	for _, item := range fc.List {
		desc := ""
		if len(item.Weather) > 0 {
			desc = item.Weather[0].Description
		}
		points = append(points, map[string]any{
			"time":        item.DtTxt,
			"temperature": item.Main.Temp,
			"description": desc,
		})
	}

	first := points[0]
	text := fmt.Sprintf("Prévisions pour %s: %.1f°C, %s dans les prochaines heures.",
		fc.City.Name, first["temperature"], first["description"])

	return &plugin.Result{
		Success:      true,
		ResponseText: text,
		Data:         map[string]any{"location": fc.City.Name, "forecast": points},
	}, nil
}

func (p *Plugin) fetchCurrent(ctx context.Context, location string) (*owmCurrent, error) {
	var cur owmCurrent
	if err := p.get(ctx, "/weather", location, nil, &cur); err != nil {
		return nil, err
	}
	return &cur, nil
}

func (p *Plugin) get(ctx context.Context, path, location string, extra url.Values, out any) error {
	q := url.Values{
		"q":     {location},
		"appid": {p.apiKey},
		"units": {"metric"},
		"lang":  {"fr"},
	}
	for k, vs := range extra {
		q[k] = vs
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("openweathermap request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openweathermap returned %d for %q", resp.StatusCode, location)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode openweathermap response: %w", err)
	}
	return nil
}
