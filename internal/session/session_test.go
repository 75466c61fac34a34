package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldkit/mcpcore/internal/session"
	"github.com/fieldkit/mcpcore/internal/storage/memory"
)

func newManager(t *testing.T, cfg session.Config) *session.Manager {
	t.Helper()
	m := session.NewManager(memory.New(), cfg)
	t.Cleanup(m.Stop)
	return m
}

func TestLifecycleHandshake(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, session.Config{})

	sc, err := m.Create(ctx, map[string]any{"tools": map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, session.StateNew, sc.State())

	negotiated := session.NegotiateVersion("2025-06-18")
	require.NoError(t, sc.BeginInitialize(ctx, "2025-06-18", negotiated,
		map[string]any{"name": "test-client"}, map[string]any{}))
	assert.Equal(t, session.StateInitializing, sc.State())

	require.NoError(t, sc.FinishInitialize(ctx))
	assert.Equal(t, session.StateOperational, sc.State())
	assert.True(t, sc.IsOperational())

	report, ok := sc.NegotiationReport(ctx)
	require.True(t, ok)
	assert.Equal(t, negotiated, report.NegotiatedVersion)
}

func TestCheckDispatchStrictRejectsBeforeOperational(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, session.Config{Lifecycle: session.LifecycleStrict})

	sc, err := m.Create(ctx, nil)
	require.NoError(t, err)

	assert.NoError(t, sc.CheckDispatch("ping", session.LifecycleStrict))
	assert.NoError(t, sc.CheckDispatch("initialize", session.LifecycleStrict))
	assert.ErrorIs(t, sc.CheckDispatch("tools/list", session.LifecycleStrict), session.ErrNotOperational)
}

func TestCheckDispatchLenientProceeds(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, session.Config{Lifecycle: session.LifecycleLenient})

	sc, err := m.Create(ctx, nil)
	require.NoError(t, err)

	assert.NoError(t, sc.CheckDispatch("tools/list", session.LifecycleLenient))
	assert.True(t, sc.Warn("tools/list", session.LifecycleLenient))
}

func TestTerminateRejectsFurtherDispatch(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, session.Config{})

	sc, err := m.Create(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, sc.Terminate(ctx))

	assert.ErrorIs(t, sc.CheckDispatch("ping", session.LifecycleStrict), session.ErrTerminated)

	_, err = m.Get(ctx, sc.ID())
	assert.ErrorIs(t, err, session.ErrTerminated)
}

func TestStateScratchpadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, session.Config{})

	sc, err := m.Create(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, sc.SetState(ctx, "foo", "bar"))
	v, err := sc.GetState(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", v)

	require.NoError(t, sc.RemoveState(ctx, "foo"))
	_, err = sc.GetState(ctx, "foo")
	assert.Error(t, err)
}

func TestNegotiateVersionFallsBackToNewest(t *testing.T) {
	assert.Equal(t, "2024-11-05", session.NegotiateVersion("2024-11-05"))
	assert.Equal(t, session.SupportedVersions[0], session.NegotiateVersion("bogus-version"))
}

func TestSweeperExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, session.Config{TTL: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})

	sc, err := m.Create(ctx, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := m.Get(ctx, sc.ID())
		return err != nil
	}, time.Second, 5*time.Millisecond)
}
