// Package orchestrator runs the turn loop: transcription in, context read,
// inference, plugin dispatch or streamed reply out.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hivemind/server/contextstore"
	"github.com/hivemind/server/llm"
	"github.com/hivemind/server/logger"
	"github.com/hivemind/server/plugin"
	"github.com/hivemind/server/session"
	"github.com/hivemind/server/stream"
	"github.com/hivemind/server/wire"
)

const defaultHistoryLimit = 20

// Orchestrator ties the shared context store, the plugin dispatcher, the
// inference client and the stream aggregator together. One instance serves
// all sessions.
type Orchestrator struct {
	store      *contextstore.Store
	registry   *plugin.Registry
	dispatcher *plugin.Dispatcher
	engine     llm.Client
	agg        *stream.Aggregator
	sessions   *session.Manager

	historyLimit int
	maxTokens    int
	temperature  float64
	now          func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistoryLimit caps how many context entries feed one prompt.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) { o.historyLimit = n }
}

// WithGeneration sets the token budget and temperature for inference.
func WithGeneration(maxTokens int, temperature float64) Option {
	return func(o *Orchestrator) {
		o.maxTokens = maxTokens
		o.temperature = temperature
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(store *contextstore.Store, registry *plugin.Registry, dispatcher *plugin.Dispatcher, engine llm.Client, agg *stream.Aggregator, sessions *session.Manager, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		registry:     registry,
		dispatcher:   dispatcher,
		engine:       engine,
		agg:          agg,
		sessions:     sessions,
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleVoiceInput runs one full orchestration turn for a transcription.
// Turns for the same session serialize; callers that must not block, such as
// a connection read loop, run this on its own goroutine.
func (o *Orchestrator) HandleVoiceInput(s *session.Session, transcription string) {
	log := logger.NewSessionLogger(s.ID)

	if !s.BeginTurn() {
		log.Debug("turn dropped, session closed", "transcription", logger.Truncate(transcription, 80))
		return
	}
	defer s.EndTurn()

	if _, err := o.store.Append(context.Background(), s.ID, contextstore.RoleUser, transcription, ""); err != nil {
		log.Error("failed to record user input", "error", err)
		return
	}
	log.Info("turn started", "transcription", logger.Truncate(transcription, 80))

	history := o.store.ReadSince(0)
	if len(history) > o.historyLimit {
		history = history[len(history)-o.historyLimit:]
	}

	result, err := o.engine.Generate(s.Context(), llm.Request{
		System:      buildSystemPrompt(o.registry.PromptContext()),
		Prompt:      formatHistory(history),
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	})
	if err != nil {
		log.Warn("inference failed", "error", err)
		o.sendError(s, wire.CodeInferenceUnavailable, "Le moteur d'inférence est indisponible pour le moment.", true)
		return
	}

	if result.Intent != nil {
		o.runAction(log, s, result.Intent)
		return
	}

	reply := result.Reply
	if reply == "" {
		reply = "Je n'ai pas compris, peux-tu reformuler ?"
	}
	// Record first, deliver second: the shared context survives a client
	// that drops mid-delivery.
	if _, err := o.store.Append(context.Background(), s.ID, contextstore.RoleAssistant, reply, ""); err != nil {
		log.Error("failed to record reply", "error", err)
	}
	o.deliver(log, s, reply)
}

// runAction dispatches an intent extracted by inference. The dispatch is
// detached from the session: a client that disconnects mid-call does not
// cancel the plugin, and the outcome lands in the shared context either way.
func (o *Orchestrator) runAction(log *slog.Logger, s *session.Session, intent *llm.IntentCall) {
	action := o.dispatcher.NewAction(s.ID, intent.Intent, intent.Params)
	log.Info("dispatching action", "actionId", action.ID, "intent", intent.Intent)

	result, err := o.dispatcher.Dispatch(context.Background(), action)
	if err != nil {
		code, msg := dispatchFailure(err)
		log.Warn("action failed", "actionId", action.ID, "intent", intent.Intent, "code", code, "error", err)
		o.sendError(s, code, msg, true)
		return
	}

	if _, err := o.store.Append(context.Background(), "", contextstore.RoleAssistant, result.ResponseText, intent.Intent); err != nil {
		log.Error("failed to record action result", "error", err)
	}

	tracked, ok := o.dispatcher.Action(action.ID)
	if !ok {
		tracked = *action
	}
	o.send(s, wire.Encode(wire.NewAction(tracked.ID, tracked.Plugin, tracked.Intent, tracked.Params, result.ResponseText)))
	o.deliver(log, s, result.ResponseText)
}

// dispatchFailure maps a dispatcher error to a wire error code and a spoken
// message. All dispatch failures are recoverable for the session.
func dispatchFailure(err error) (code, msg string) {
	switch {
	case errors.Is(err, plugin.ErrUnknownIntent):
		return wire.CodeUnknownIntent, "Je ne sais pas encore faire cela."
	case errors.Is(err, plugin.ErrTimeout):
		return wire.CodePluginTimeout, "L'action a pris trop de temps, réessaie plus tard."
	case errors.Is(err, plugin.ErrUnavailable):
		return wire.CodePluginUnavailable, "Cette fonction est indisponible pour le moment."
	default:
		return wire.CodePluginError, "L'action a échoué."
	}
}

// deliver streams text to the session through the aggregator, chunk by chunk
// and strictly in order. Returns once the stream drained or failed.
func (o *Orchestrator) deliver(log *slog.Logger, s *session.Session, text string) {
	streamID := o.agg.OpenStream(s.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := o.agg.Next(s.Context(), streamID)
			if err != nil {
				switch {
				case errors.Is(err, stream.ErrEndOfStream):
				case errors.Is(err, stream.ErrReorderOverflow):
					o.sendError(s, wire.CodeStreamReorder, "La réponse a été perdue en cours de route.", true)
				case errors.Is(err, stream.ErrStreamCancelled), errors.Is(err, context.Canceled):
				default:
					log.Warn("stream consumer stopped", "streamId", streamID, "error", err)
				}
				return
			}
			if err := o.send(s, wire.Encode(wire.NewResponseChunk(c.Content, c.Final, c.Index))); err != nil {
				o.agg.CancelStream(streamID)
				return
			}
		}
	}()

	parts := splitReply(text)
	for i, part := range parts {
		final := i == len(parts)-1
		if err := o.agg.Push(s.Context(), streamID, i, part, final); err != nil {
			log.Debug("stream push aborted", "streamId", streamID, "error", err)
			o.agg.CancelStream(streamID)
			break
		}
	}
	<-done
}

// HandlePing acknowledges client liveness and answers with a pong.
func (o *Orchestrator) HandlePing(s *session.Session) {
	o.sessions.Heartbeat(s.ID)
	o.send(s, wire.Encode(wire.NewPong(o.now())))
}

// HandleActionConfirm applies a client's confirmation of a delivered action.
func (o *Orchestrator) HandleActionConfirm(s *session.Session, actionID, status string) {
	o.dispatcher.Confirm(actionID, status)
}

func (o *Orchestrator) send(s *session.Session, data []byte) error {
	if err := s.Send(s.Context(), data); err != nil {
		slog.Debug("send failed", "sessionId", s.ID, "error", err)
		return err
	}
	return nil
}

func (o *Orchestrator) sendError(s *session.Session, code, msg string, recoverable bool) {
	o.send(s, wire.Encode(wire.NewError(code, msg, recoverable)))
}
