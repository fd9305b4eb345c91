package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgate/internal/api"
)

func instances(ids ...string) []api.ServerInstance {
	list := make([]api.ServerInstance, len(ids))
	for i, id := range ids {
		list[i] = api.ServerInstance{ID: id, URL: "http://" + id, HealthScore: 100}
	}
	return list
}

func TestBalancerEmptyCandidates(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin)

	_, err := b.Pick("s", nil)
	assert.ErrorIs(t, err, ErrNoHealthyInstance)
}

func TestBalancerRoundRobinCycles(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin)
	candidates := instances("a", "b", "c")

	var picked []string
	for i := 0; i < 6; i++ {
		instance, err := b.Pick("s", candidates)
		require.NoError(t, err)
		picked = append(picked, instance.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestBalancerRoundRobinPerKeyCursor(t *testing.T) {
	b := NewBalancer(StrategyRoundRobin)
	candidates := instances("a", "b")

	first, _ := b.Pick("s1", candidates)
	second, _ := b.Pick("s2", candidates)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "a", second.ID, "cursors are scoped per key")
}

func TestBalancerWeightedDraw(t *testing.T) {
	b := NewBalancer(StrategyWeighted)
	candidates := []api.ServerInstance{
		{ID: "light", Weight: 1},
		{ID: "heavy", Weight: 3},
	}

	// Total weight 4: draws below 0.25 land on "light", above on "heavy".
	b.randFloat = func() float64 { return 0.1 }
	instance, err := b.Pick("s", candidates)
	require.NoError(t, err)
	assert.Equal(t, "light", instance.ID)

	b.randFloat = func() float64 { return 0.9 }
	instance, err = b.Pick("s", candidates)
	require.NoError(t, err)
	assert.Equal(t, "heavy", instance.ID)
}

func TestBalancerWeightedMissingWeightCountsAsOne(t *testing.T) {
	b := NewBalancer(StrategyWeighted)
	candidates := []api.ServerInstance{
		{ID: "unweighted"},
		{ID: "weighted", Weight: 1},
	}

	b.randFloat = func() float64 { return 0.4 }
	instance, err := b.Pick("s", candidates)
	require.NoError(t, err)
	assert.Equal(t, "unweighted", instance.ID)
}

func TestBalancerHealthPicksHighestScore(t *testing.T) {
	b := NewBalancer(StrategyHealth)
	candidates := []api.ServerInstance{
		{ID: "degraded", HealthScore: 40},
		{ID: "healthy", HealthScore: 90},
		{ID: "middling", HealthScore: 70},
	}

	instance, err := b.Pick("s", candidates)
	require.NoError(t, err)
	assert.Equal(t, "healthy", instance.ID)
}

func TestBalancerHealthTieRotates(t *testing.T) {
	b := NewBalancer(StrategyHealth)
	candidates := []api.ServerInstance{
		{ID: "a", HealthScore: 90},
		{ID: "b", HealthScore: 90},
		{ID: "c", HealthScore: 10},
	}

	var picked []string
	for i := 0; i < 4; i++ {
		instance, err := b.Pick("s", candidates)
		require.NoError(t, err)
		picked = append(picked, instance.ID)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, picked, "ties rotate round-robin over top scorers")
}

func TestBalancerUnknownStrategyFallsBack(t *testing.T) {
	b := NewBalancer(Strategy("bogus"))
	assert.Equal(t, StrategyRoundRobin, b.Strategy())
}
