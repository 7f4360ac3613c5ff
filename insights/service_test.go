package insights

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return svc
}

func TestAnalyzeTurn_PersistsInsights(t *testing.T) {
	svc := newTestService(t)

	err := svc.AnalyzeTurn("I didn't know Go had a race detector. How do I enable it?", "Run tests with -race.")
	require.NoError(t, err)

	recent, err := svc.RecentInsights(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	types := []string{recent[0].InsightType, recent[1].InsightType}
	assert.Contains(t, types, InsightTypeLearningMoment)
	assert.Contains(t, types, InsightTypeProblemSolving)
	for _, insight := range recent {
		assert.NotEmpty(t, insight.ID)
		assert.Greater(t, insight.Confidence, 0.0)
	}
}

func TestAnalyzeTurn_UpdatesProfile(t *testing.T) {
	svc := newTestService(t)

	err := svc.AnalyzeTurn("I'm working on a home automation dashboard in Rust", "Nice.")
	require.NoError(t, err)

	ctx, err := svc.UserContext()
	require.NoError(t, err)
	assert.Contains(t, ctx.Interests, "rust")
	assert.Contains(t, ctx.CurrentProjects, "a home automation dashboard in rust")
	assert.Equal(t, 1, ctx.ConversationCount)
}

func TestAnalyzeTurn_QuietTurnStillCounted(t *testing.T) {
	svc := newTestService(t)

	err := svc.AnalyzeTurn("Thanks", "You're welcome")
	require.NoError(t, err)

	recent, err := svc.RecentInsights(10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	ctx, err := svc.UserContext()
	require.NoError(t, err)
	assert.Equal(t, 1, ctx.ConversationCount)
}

func TestAddInterest(t *testing.T) {
	svc := newTestService(t)

	added, err := svc.AddInterest("distributed systems")
	require.NoError(t, err)
	assert.True(t, added)

	// Duplicate is a no-op
	added, err = svc.AddInterest("distributed systems")
	require.NoError(t, err)
	assert.False(t, added)

	ctx, err := svc.UserContext()
	require.NoError(t, err)
	assert.Equal(t, []string{"distributed systems"}, ctx.Interests)
}

func TestAddInterest_Empty(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddInterest("")
	assert.Error(t, err)
}

func TestSetGoal(t *testing.T) {
	svc := newTestService(t)

	added, err := svc.SetGoal("learn kubernetes operators")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = svc.SetGoal("learn kubernetes operators")
	require.NoError(t, err)
	assert.False(t, added)

	ctx, err := svc.UserContext()
	require.NoError(t, err)
	assert.Equal(t, []string{"learn kubernetes operators"}, ctx.Goals)
}

func TestAnalyzeTurn_Concurrent(t *testing.T) {
	svc := newTestService(t)

	const turns = 10
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.AnalyzeTurn("I learned about goroutines", "Great"))
		}()
	}
	wg.Wait()

	ctx, err := svc.UserContext()
	require.NoError(t, err)
	assert.Equal(t, turns, ctx.ConversationCount)

	recent, err := svc.RecentInsights(turns + 1)
	require.NoError(t, err)
	assert.Len(t, recent, turns)
}
