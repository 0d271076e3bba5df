// Package session implements the conversation session manager: it resolves the
// conversation id, rebuilds the history, asks the model for the next turn, applies the
// window and persists the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/comigor/jarvis-chat/internal/config"
	"github.com/comigor/jarvis-chat/internal/history"
	"github.com/comigor/jarvis-chat/internal/llm"
	"github.com/comigor/jarvis-chat/internal/logger"
	"github.com/comigor/jarvis-chat/internal/metrics"

	"github.com/qmuntal/stateless" // FSM library
)

// DefaultInstruction seeds every new conversation unless llm.system_prompt overrides it.
const DefaultInstruction = "Kamu adalah Jarvis, asisten pertanian yang ramah dan praktis. " +
	"Jawab hanya pertanyaan seputar pertanian, perkebunan, kesuburan tanah, pupuk, hama, " +
	"dan budidaya tanaman. Jika pertanyaan di luar topik tersebut, tolak dengan sopan dan " +
	"ajak pengguna kembali ke topik pertanian. Jawab dengan bahasa yang digunakan pengguna."

var (
	// ErrInvalidInput is returned before any store or model access when the prompt is empty.
	ErrInvalidInput = errors.New("prompt is required")
	// ErrGeneration is returned when the model produced no reply; no model turn is stored.
	ErrGeneration = errors.New("generation failed")
)

// FSM States
type FSMState stateless.State

var (
	StateReceived           FSMState = "Received"
	StateResolvingID        FSMState = "ResolvingID"
	StateLoadingHistory     FSMState = "LoadingHistory"
	StateAppendingUserTurn  FSMState = "AppendingUserTurn"
	StateInvokingGeneration FSMState = "InvokingGeneration"
	StateAppendingModelTurn FSMState = "AppendingModelTurn"
	StateTrimming           FSMState = "Trimming"
	StatePersisting         FSMState = "Persisting"
	StateResponding         FSMState = "Responding" // Terminal: successful completion
	StateFailed             FSMState = "Failed"     // Terminal: error state
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerStart             FSMTrigger = "Start"
	TriggerIDResolved        FSMTrigger = "IDResolved"
	TriggerHistoryLoaded     FSMTrigger = "HistoryLoaded"
	TriggerUserTurnAppended  FSMTrigger = "UserTurnAppended"
	TriggerReplyReceived     FSMTrigger = "ReplyReceived"
	TriggerModelTurnAppended FSMTrigger = "ModelTurnAppended"
	TriggerTrimmed           FSMTrigger = "Trimmed"
	TriggerPersisted         FSMTrigger = "Persisted"
	TriggerFailed            FSMTrigger = "Failed"
)

// Request is one user turn. An empty ConversationID starts a new conversation.
type Request struct {
	ConversationID string `json:"conversationId,omitempty"`
	Prompt         string `json:"prompt"`
}

// Response carries the model reply and the conversation it belongs to.
type Response struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

// Manager is safe for concurrent use. Requests for the same conversation id are
// serialized for the whole cycle; different ids run in parallel.
type Manager struct {
	store              history.Store
	generator          llm.Generator
	issuer             Issuer
	metrics            *metrics.Metrics
	locks              *keyedMutex
	instruction        string
	limit              int
	ttl                time.Duration
	persistFailedTurns bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithIssuer replaces the UUID issuer.
func WithIssuer(i Issuer) Option {
	return func(m *Manager) { m.issuer = i }
}

// WithMetrics records request outcomes and store failures.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a session manager.
func New(store history.Store, generator llm.Generator, appCfg config.Config, opts ...Option) *Manager {
	m := &Manager{
		store:              store,
		generator:          generator,
		issuer:             UUIDIssuer{},
		locks:              newKeyedMutex(),
		instruction:        DefaultInstruction,
		limit:              appCfg.Session.HistoryLimit,
		ttl:                appCfg.Session.TTL,
		persistFailedTurns: appCfg.Session.PersistFailedTurns,
	}
	if appCfg.LLM.SystemPrompt != "" {
		m.instruction = appCfg.LLM.SystemPrompt // User-configured prompt overrides default
	}
	if m.limit <= 0 {
		m.limit = history.DefaultLimit
	}
	if m.ttl <= 0 {
		m.ttl = 24 * time.Hour
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// turn is the per-request data the FSM actions share.
type turn struct {
	req       Request
	id        string
	history   history.History
	reply     string
	persisted bool
	lastError error
	unlock    func()
}

// Handle runs one request cycle. It returns ErrInvalidInput or ErrGeneration on
// failure; store failures are absorbed (load degrades to a fresh history, a failed
// save still returns the reply).
func (m *Manager) Handle(ctx context.Context, req Request) (Response, error) {
	defer m.metrics.TrackInFlight()()

	t := &turn{req: req}
	defer func() {
		if t.unlock != nil {
			t.unlock()
		}
	}()

	fsm := m.newMachine(t)
	if fireErr := fsm.FireCtx(ctx, TriggerStart); fireErr != nil {
		logger.L.Error("session FSM fire error", "error", fireErr)
		if t.lastError != nil {
			return Response{}, t.lastError
		}
		return Response{}, fmt.Errorf("session FSM error: %w", fireErr)
	}

	currentState := fsm.MustState()
	if currentState == StateResponding {
		m.metrics.RecordRequest(metrics.OutcomeOK)
		return Response{ConversationID: t.id, Message: t.reply}, nil
	}
	if currentState == StateFailed {
		if errors.Is(t.lastError, ErrInvalidInput) {
			m.metrics.RecordRequest(metrics.OutcomeInvalidInput)
		} else {
			m.metrics.RecordRequest(metrics.OutcomeGeneration)
		}
		return Response{ConversationID: t.id}, t.lastError
	}
	return Response{}, fmt.Errorf("session ended in an unexpected state: %v", currentState)
}

func (m *Manager) newMachine(t *turn) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateReceived)

	fsm.Configure(StateReceived).
		Permit(TriggerStart, StateResolvingID)

	// State: ResolvingID
	// Action: validate the prompt, pick or issue the id, take the per-id lock.
	fsm.Configure(StateResolvingID).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if strings.TrimSpace(t.req.Prompt) == "" {
				t.lastError = ErrInvalidInput
				return fsm.FireCtx(ctx, TriggerFailed)
			}
			t.id = t.req.ConversationID
			if t.id == "" {
				t.id = m.issuer.Issue()
				logger.L.Debug("issued conversation id", "conversation", t.id)
			}
			t.unlock = m.locks.Lock(t.id)
			return fsm.FireCtx(ctx, TriggerIDResolved)
		}).
		Permit(TriggerIDResolved, StateLoadingHistory).
		Permit(TriggerFailed, StateFailed)

	// State: LoadingHistory
	// Action: load the stored history; absence or a store failure starts a seeded one.
	fsm.Configure(StateLoadingHistory).
		OnEntry(func(ctx context.Context, _ ...any) error {
			h, ok, err := m.store.Load(ctx, t.id)
			switch {
			case err != nil:
				logger.L.Warn("history load failed; starting a fresh conversation", "conversation", t.id, "error", err)
				m.metrics.RecordStoreError(metrics.OpLoad)
				t.history = history.Seeded(m.instruction)
			case !ok || len(h) == 0:
				t.history = history.Seeded(m.instruction)
			default:
				t.history = h
			}
			logger.L.Debug("FSM: history loaded", "conversation", t.id, "messages", len(t.history))
			return fsm.FireCtx(ctx, TriggerHistoryLoaded)
		}).
		Permit(TriggerHistoryLoaded, StateAppendingUserTurn)

	fsm.Configure(StateAppendingUserTurn).
		OnEntry(func(ctx context.Context, _ ...any) error {
			t.history = append(t.history, history.NewMessage(history.RoleUser, t.req.Prompt))
			return fsm.FireCtx(ctx, TriggerUserTurnAppended)
		}).
		Permit(TriggerUserTurnAppended, StateInvokingGeneration)

	// State: InvokingGeneration
	// Action: send the entire history to the model.
	fsm.Configure(StateInvokingGeneration).
		OnEntry(func(ctx context.Context, _ ...any) error {
			start := time.Now()
			reply, err := m.generator.Generate(ctx, t.history)
			m.metrics.ObserveGeneration(time.Since(start))
			if err != nil {
				logger.L.Error("LLM call failed", "conversation", t.id, "error", err)
				t.lastError = fmt.Errorf("%w: %v", ErrGeneration, err)
				return fsm.FireCtx(ctx, TriggerFailed)
			}
			t.reply = reply
			return fsm.FireCtx(ctx, TriggerReplyReceived)
		}).
		Permit(TriggerReplyReceived, StateAppendingModelTurn).
		Permit(TriggerFailed, StateFailed)

	fsm.Configure(StateAppendingModelTurn).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if t.reply == "" {
				logger.L.Warn("LLM returned an empty reply", "conversation", t.id)
			}
			t.history = append(t.history, history.NewMessage(history.RoleModel, t.reply))
			return fsm.FireCtx(ctx, TriggerModelTurnAppended)
		}).
		Permit(TriggerModelTurnAppended, StateTrimming)

	fsm.Configure(StateTrimming).
		OnEntry(func(ctx context.Context, _ ...any) error {
			t.history = m.trim(t.history)
			return fsm.FireCtx(ctx, TriggerTrimmed)
		}).
		Permit(TriggerTrimmed, StatePersisting)

	// State: Persisting
	// Action: save with a fresh ttl. A failure is reported but the reply still goes out.
	fsm.Configure(StatePersisting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			t.persisted = m.save(ctx, t.id, t.history)
			return fsm.FireCtx(ctx, TriggerPersisted)
		}).
		Permit(TriggerPersisted, StateResponding)

	fsm.Configure(StateResponding).
		OnEntry(func(_ context.Context, _ ...any) error {
			logger.L.Debug("FSM: Entering StateResponding", "conversation", t.id, "persisted", t.persisted)
			return nil
		})

	// State: Failed
	// Action: optionally keep the user turn of a failed generation; never a model turn.
	fsm.Configure(StateFailed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			logger.L.Debug("FSM: Entering StateFailed", "conversation", t.id, "error", t.lastError)
			if t.lastError == nil {
				t.lastError = errors.New("session reached failed state without a specific error")
			}
			if m.persistFailedTurns && errors.Is(t.lastError, ErrGeneration) {
				t.persisted = m.save(ctx, t.id, m.trim(t.history))
			}
			return nil
		})

	return fsm
}

func (m *Manager) trim(h history.History) history.History {
	trimmed := history.Trim(h, m.limit)
	if len(trimmed) < len(h) {
		m.metrics.RecordTrim()
	}
	return trimmed
}

func (m *Manager) save(ctx context.Context, id string, h history.History) bool {
	if err := m.store.Save(ctx, id, h, m.ttl); err != nil {
		logger.L.Error("history save failed; next turn may miss context", "conversation", id, "error", err)
		m.metrics.RecordStoreError(metrics.OpSave)
		return false
	}
	return true
}
