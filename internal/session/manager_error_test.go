package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/comigor/jarvis-chat/internal/history"
	"github.com/comigor/jarvis-chat/internal/metrics"
)

var errUpstream = errors.New("upstream 503: model overloaded")

func TestHandle_InvalidPromptTouchesNothing(t *testing.T) {
	for _, prompt := range []string{"", "   ", "\n\t"} {
		store := &mockStore{}
		gen := &mockGenerator{}
		reg := prometheus.NewRegistry()
		mt := metrics.New(reg)
		m := New(store, gen, testConfig(), WithMetrics(mt))

		_, err := m.Handle(context.Background(), Request{ConversationID: "c", Prompt: prompt})
		require.ErrorIs(t, err, ErrInvalidInput)
		require.Zero(t, store.loadCalls)
		require.Zero(t, store.saveCalls)
		require.Empty(t, gen.seen)
		require.Equal(t, 1.0, testutil.ToFloat64(mt.RequestsTotal.WithLabelValues(metrics.OutcomeInvalidInput)))
	}
}

func TestHandle_GenerationFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	prior := priorHistory(3)
	require.NoError(t, store.Save(ctx, "c", prior, time.Hour))

	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	m := New(store, &mockGenerator{err: errUpstream}, testConfig(), WithMetrics(mt))

	resp, err := m.Handle(ctx, Request{ConversationID: "c", Prompt: "hello?"})
	require.ErrorIs(t, err, ErrGeneration)
	require.False(t, errors.Is(err, errUpstream), "the raw model error must not leak through the chain")
	require.Contains(t, err.Error(), "model overloaded")
	require.Equal(t, "c", resp.ConversationID)
	require.Empty(t, resp.Message)

	stored, _, err := store.Load(ctx, "c")
	require.NoError(t, err)
	require.Equal(t, prior, stored)
	require.Equal(t, 1.0, testutil.ToFloat64(mt.RequestsTotal.WithLabelValues(metrics.OutcomeGeneration)))
}

func TestHandle_GenerationFailureOnNewConversation(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	m := New(store, &mockGenerator{err: errUpstream}, testConfig(), WithIssuer(fixedIssuer("fresh")))

	_, err := m.Handle(ctx, Request{Prompt: "hello?"})
	require.ErrorIs(t, err, ErrGeneration)
	require.Zero(t, store.Len())
}

func TestHandle_PersistFailedTurns(t *testing.T) {
	ctx := context.Background()
	store := history.NewMemoryStore()
	require.NoError(t, store.Save(ctx, "c", priorHistory(3), time.Hour))

	cfg := testConfig()
	cfg.Session.PersistFailedTurns = true
	m := New(store, &mockGenerator{err: errUpstream}, cfg)

	_, err := m.Handle(ctx, Request{ConversationID: "c", Prompt: "hello?"})
	require.ErrorIs(t, err, ErrGeneration)

	stored, _, err := store.Load(ctx, "c")
	require.NoError(t, err)
	require.Len(t, stored, 4)
	last := stored[len(stored)-1]
	require.Equal(t, history.RoleUser, last.Role)
	require.Equal(t, "hello?", last.Text())
}

func TestHandle_LoadFailureStartsFresh(t *testing.T) {
	var saved history.History
	store := &mockStore{
		LoadFunc: func(context.Context, string) (history.History, bool, error) {
			return nil, false, history.ErrStore
		},
		SaveFunc: func(_ context.Context, _ string, h history.History, _ time.Duration) error {
			saved = h
			return nil
		},
	}
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	gen := &mockGenerator{replies: []string{"still here"}}
	m := New(store, gen, testConfig(), WithMetrics(mt))

	resp, err := m.Handle(context.Background(), Request{ConversationID: "c", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "still here", resp.Message)
	require.Len(t, gen.seen[0], 2)
	require.Equal(t, history.RoleSystem, gen.seen[0][0].Role)
	require.Len(t, saved, 3)
	require.Equal(t, 1.0, testutil.ToFloat64(mt.StoreErrorsTotal.WithLabelValues(metrics.OpLoad)))
}

func TestHandle_SaveFailureStillReplies(t *testing.T) {
	store := &mockStore{
		SaveFunc: func(context.Context, string, history.History, time.Duration) error {
			return history.ErrStore
		},
	}
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	m := New(store, &mockGenerator{replies: []string{"answer"}}, testConfig(), WithMetrics(mt), WithIssuer(fixedIssuer("c")))

	resp, err := m.Handle(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, Response{ConversationID: "c", Message: "answer"}, resp)
	require.Equal(t, 1, store.saveCalls)
	require.Equal(t, 1.0, testutil.ToFloat64(mt.StoreErrorsTotal.WithLabelValues(metrics.OpSave)))
	require.Equal(t, 1.0, testutil.ToFloat64(mt.RequestsTotal.WithLabelValues(metrics.OutcomeOK)))
}

func TestHandle_SaveUsesConfiguredTTL(t *testing.T) {
	var ttl time.Duration
	store := &mockStore{
		SaveFunc: func(_ context.Context, _ string, _ history.History, d time.Duration) error {
			ttl = d
			return nil
		},
	}
	cfg := testConfig()
	cfg.Session.TTL = 90 * time.Minute
	m := New(store, &mockGenerator{replies: []string{"ok"}}, cfg)

	_, err := m.Handle(context.Background(), Request{ConversationID: "c", Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, 90*time.Minute, ttl)
}

func TestHandle_ReleasesLockOnFailure(t *testing.T) {
	m := New(history.NewMemoryStore(), &mockGenerator{err: errUpstream}, testConfig())

	for i := 0; i < 3; i++ {
		_, err := m.Handle(context.Background(), Request{ConversationID: "c", Prompt: "hi"})
		require.ErrorIs(t, err, ErrGeneration)
	}
	require.Zero(t, m.locks.len())
}
