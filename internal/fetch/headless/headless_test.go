package headless

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerry-f/webweaver/internal/fetch"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	c, err := New(Config{})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 2, c.cfg.MaxParallel)
	assert.Equal(t, ReadyDOM, c.cfg.Ready)
	assert.Equal(t, fetch.StrategyRender, c.Kind())
}

func TestHealthReportsSaturation(t *testing.T) {
	t.Parallel()

	c, err := New(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer c.Close()

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.OK, "idle client must report healthy")
	assert.Equal(t, 1, h.MaxConcurrent)

	// Simulate a queue deeper than the render budget.
	c.queued.Add(2)
	h, err = c.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, h.OK)
	c.queued.Add(-2)
}

func TestBuildActionsIncludesWaitSelector(t *testing.T) {
	t.Parallel()

	c, err := New(Config{WaitSelector: "article.main", Ready: ReadyNetworkIdle})
	require.NoError(t, err)
	defer c.Close()

	var html, title string
	actions := c.buildActions(fetch.Request{URL: "https://example.com"}, &html, &title)
	// setup + navigate + idle settle + wait selector + settle + title + html
	assert.Len(t, actions, 7)
}

func TestAcquireRespectsContext(t *testing.T) {
	t.Parallel()

	c, err := New(Config{MaxParallel: 1})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.acquire(context.Background()))

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	err = c.acquire(canceled)
	require.Error(t, err)
	assert.Equal(t, fetch.FailureTimeout, fetch.FailureTypeOf(err))

	c.release()
	assert.Zero(t, c.running.Load())
}
