package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// ActionStatus tracks the lifecycle of one dispatched plugin call.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionTimedOut  ActionStatus = "timed_out"
)

// ActionRequest correlates one dispatched plugin call from creation through
// client confirmation.
type ActionRequest struct {
	ID        string
	Plugin    string
	Intent    string
	Params    map[string]any
	Status    ActionStatus
	SessionID string
	CreatedAt time.Time

	// Confirmed and ConfirmStatus record the first client confirmation;
	// later confirmations never overwrite them.
	Confirmed     bool
	ConfirmStatus string
}

// Dispatcher invokes providers with a bounded global concurrency limit and a
// per-call timeout, so one slow plugin cannot starve the rest.
type Dispatcher struct {
	registry   *Registry
	timeout    time.Duration
	confirmTTL time.Duration
	sem        *semaphore.Weighted
	now        func() time.Time

	mu      sync.Mutex
	actions map[string]*ActionRequest

	reapCancel context.CancelFunc
	reapDone   chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchClock overrides the time source, for tests.
func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher running at most maxInFlight concurrent
// provider calls, each bounded by timeout. Unconfirmed actions are abandoned
// after confirmTTL.
func NewDispatcher(registry *Registry, timeout time.Duration, maxInFlight int64, confirmTTL time.Duration, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		timeout:    timeout,
		confirmTTL: confirmTTL,
		sem:        semaphore.NewWeighted(maxInFlight),
		now:        time.Now,
		actions:    make(map[string]*ActionRequest),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewAction registers a pending ActionRequest for an intent produced by
// inference and returns it. The action id is server-generated.
func (d *Dispatcher) NewAction(sessionID, intent string, params map[string]any) *ActionRequest {
	a := &ActionRequest{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Intent:    intent,
		Params:    params,
		Status:    ActionPending,
		SessionID: sessionID,
		CreatedAt: d.now(),
	}
	d.mu.Lock()
	d.actions[a.ID] = a
	d.mu.Unlock()
	return a
}

// Dispatch resolves the action's intent and runs the provider. The returned
// error wraps one of ErrUnknownIntent, ErrTimeout, ErrExecution or
// ErrUnavailable; all are recoverable for the session.
func (d *Dispatcher) Dispatch(ctx context.Context, a *ActionRequest) (*Result, error) {
	handle, err := d.registry.Resolve(a.Intent)
	if err != nil {
		d.setStatus(a.ID, ActionFailed)
		return nil, err
	}
	defer handle.Release()
	d.setPlugin(a.ID, handle.Name())

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.setStatus(a.ID, ActionFailed)
		return nil, fmt.Errorf("%w: dispatch queue closed: %v", ErrUnavailable, err)
	}
	defer d.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.now()
	result, err := handle.Plugin().Execute(callCtx, a.Intent, a.Params)
	elapsed := d.now().Sub(start)

	switch {
	case errors.Is(err, context.DeadlineExceeded) || (err == nil && callCtx.Err() == context.DeadlineExceeded):
		d.setStatus(a.ID, ActionTimedOut)
		slog.Warn("plugin call timed out", "plugin", handle.Name(), "intent", a.Intent, "elapsed", elapsed)
		return nil, fmt.Errorf("%w: %s/%s after %s", ErrTimeout, handle.Name(), a.Intent, d.timeout)
	case err != nil:
		d.setStatus(a.ID, ActionFailed)
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrExecution, handle.Name(), a.Intent, err)
	case !result.Success:
		d.setStatus(a.ID, ActionFailed)
		return result, fmt.Errorf("%w: %s/%s: %s", ErrExecution, handle.Name(), a.Intent, result.Err)
	}

	d.setStatus(a.ID, ActionSucceeded)
	slog.Debug("plugin call succeeded", "plugin", handle.Name(), "intent", a.Intent, "elapsed", elapsed)
	return result, nil
}

// Confirm records a client confirmation and its reported status on the
// action. Unknown or already confirmed action ids are a logged no-op, never
// an error: confirmations can arrive duplicated or long after the action was
// reaped.
func (d *Dispatcher) Confirm(actionID, status string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actions[actionID]
	if !ok {
		slog.Debug("confirmation for unknown action", "actionId", actionID)
		return
	}
	if a.Confirmed {
		slog.Debug("duplicate confirmation", "actionId", actionID)
		return
	}
	a.Confirmed = true
	a.ConfirmStatus = status
	slog.Info("action confirmed", "actionId", actionID, "plugin", a.Plugin, "clientStatus", status)
}

// Action returns a copy of the tracked request, if still known.
func (d *Dispatcher) Action(actionID string) (ActionRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.actions[actionID]
	if !ok {
		return ActionRequest{}, false
	}
	return *a, true
}

func (d *Dispatcher) setStatus(actionID string, status ActionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.actions[actionID]; ok {
		a.Status = status
	}
}

func (d *Dispatcher) setPlugin(actionID, plugin string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.actions[actionID]; ok {
		a.Plugin = plugin
	}
}

// ReapAbandoned drops resolved actions and unconfirmed ones older than the
// confirm TTL, and returns how many were removed.
func (d *Dispatcher) ReapAbandoned(now time.Time) int {
	cutoff := now.Add(-d.confirmTTL)
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, a := range d.actions {
		if a.CreatedAt.Before(cutoff) {
			if !a.Confirmed && a.Status == ActionSucceeded {
				slog.Info("abandoning unconfirmed action", "actionId", id, "plugin", a.Plugin)
			}
			delete(d.actions, id)
			removed++
		}
	}
	return removed
}

// StartReaper prunes abandoned actions on a timer until Stop is called.
func (d *Dispatcher) StartReaper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	d.reapCancel = cancel
	d.reapDone = make(chan struct{})

	go func() {
		defer close(d.reapDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.ReapAbandoned(d.now())
			}
		}
	}()
}

// Stop halts the reaper.
func (d *Dispatcher) Stop() {
	if d.reapCancel != nil {
		d.reapCancel()
		<-d.reapDone
	}
}
