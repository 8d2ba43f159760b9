// Package agenda provides the calendar capability provider.
package agenda

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hivemind/server/plugin"
)

// Event is one calendar entry.
type Event struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
}

// Plugin keeps an in-memory agenda. add_event mutates state and serializes
// through the mutex; list_events is a read under the same lock. This
// satisfies the provider reentrancy contract: concurrent dispatches to the
// same instance are safe.
type Plugin struct {
	now func() time.Time

	mu     sync.Mutex
	events []Event
}

// New creates an empty agenda provider.
func New() *Plugin {
	return &Plugin{now: time.Now}
}

func (p *Plugin) Manifest() plugin.Manifest {
	return plugin.Manifest{
		Name:        "agenda",
		Version:     "1.0.0",
		Description: "Gère l'agenda partagé",
		Triggers:    []string{"agenda", "calendrier", "rendez-vous", "événement"},
		Intents:     []string{"add_event", "list_events"},
		Enabled:     true,
	}
}

func (p *Plugin) PromptContext() string {
	return `Tu as accès à la fonction 'add_event' pour ajouter un événement à l'agenda.
Paramètres:
- title (requis): titre de l'événement
- start (requis): date et heure au format RFC3339, ex. 2026-09-01T14:00:00Z

Tu as aussi 'list_events' pour lister les événements à venir, sans paramètre.`
}

func (p *Plugin) OnLoad(ctx context.Context) error   { return nil }
func (p *Plugin) OnUnload(ctx context.Context) error { return nil }

func (p *Plugin) Execute(ctx context.Context, intent string, params map[string]any) (*plugin.Result, error) {
	switch intent {
	case "add_event":
		return p.addEvent(params)
	case "list_events":
		return p.listEvents()
	default:
		return &plugin.Result{Success: false, Err: fmt.Sprintf("unknown intent: %s", intent)}, nil
	}
}

func (p *Plugin) addEvent(params map[string]any) (*plugin.Result, error) {
	title, _ := params["title"].(string)
	if title == "" {
		return &plugin.Result{Success: false, Err: "missing required parameter: title"}, nil
	}
	startRaw, _ := params["start"].(string)
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return &plugin.Result{Success: false, Err: fmt.Sprintf("invalid start time %q", startRaw)}, nil
	}

	e := Event{
		ID:    uuid.Must(uuid.NewV7()).String(),
		Title: title,
		Start: start,
	}
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()

	return &plugin.Result{
		Success:      true,
		ResponseText: fmt.Sprintf("J'ai ajouté « %s » à l'agenda pour le %s.", title, start.Format("02/01/2006 à 15:04")),
		Data:         map[string]any{"event_id": e.ID, "title": title, "start": start.Format(time.RFC3339)},
	}, nil
}

func (p *Plugin) listEvents() (*plugin.Result, error) {
	now := p.now()

	p.mu.Lock()
	upcoming := make([]Event, 0, len(p.events))
	for _, e := range p.events {
		if e.Start.After(now) {
			upcoming = append(upcoming, e)
		}
	}
	p.mu.Unlock()

	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].Start.Before(upcoming[j].Start) })

	if len(upcoming) == 0 {
		return &plugin.Result{
			Success:      true,
			ResponseText: "L'agenda est vide, aucun événement à venir.",
			Data:         map[string]any{"events": []any{}},
		}, nil
	}

	items := make([]map[string]any, 0, len(upcoming))
	for _, e := range upcoming {
		items = append(items, map[string]any{
			"id":    e.ID,
			"title": e.Title,
			"start": e.Start.Format(time.RFC3339),
		})
	}
	return &plugin.Result{
		Success:      true,
		ResponseText: fmt.Sprintf("Il y a %d événement(s) à venir, le prochain est « %s » le %s.", len(upcoming), upcoming[0].Title, upcoming[0].Start.Format("02/01/2006 à 15:04")),
		Data:         map[string]any{"events": items},
	}, nil
}
