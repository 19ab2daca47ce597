package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	r := New()
	r.Add("sid-1", "worker", "orders", 100.5)
	r.Add("sid-1", "worker", "payments", 100.5)

	e, ok := r.Get("sid-1")
	require.True(t, ok)
	assert.Equal(t, "worker", e.Consumer)
	assert.Equal(t, []string{"orders", "payments"}, e.Topics)
	assert.Equal(t, 100.5, e.ConnectedAt)
}

func TestAddSameTopicTwice(t *testing.T) {
	r := New()
	r.Add("sid-1", "worker", "orders", 1)
	r.Add("sid-1", "worker", "orders", 1)

	e, ok := r.Get("sid-1")
	require.True(t, ok)
	assert.Equal(t, []string{"orders"}, e.Topics)
}

func TestRemoveReturnsSnapshot(t *testing.T) {
	r := New()
	r.Add("sid-1", "worker", "orders", 1)
	r.Add("sid-1", "worker", "payments", 1)

	e, ok := r.Remove("sid-1")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"orders", "payments"}, e.Topics)

	_, ok = r.Get("sid-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRemoveUnknown(t *testing.T) {
	r := New()
	_, ok := r.Remove("nope")
	assert.False(t, ok)
}

func TestClientsFlattens(t *testing.T) {
	r := New()
	r.Add("sid-1", "alpha", "orders", 1)
	r.Add("sid-1", "alpha", "payments", 1)
	r.Add("sid-2", "beta", "orders", 2)

	clients := r.Clients()
	assert.Len(t, clients, 3)

	pairs := map[[2]string]bool{}
	for _, c := range clients {
		pairs[[2]string{c.Consumer, c.Topic}] = true
	}
	assert.True(t, pairs[[2]string{"alpha", "orders"}])
	assert.True(t, pairs[[2]string{"alpha", "payments"}])
	assert.True(t, pairs[[2]string{"beta", "orders"}])
}

func TestClientsEmptyIsNotNil(t *testing.T) {
	r := New()
	assert.NotNil(t, r.Clients())
	assert.Empty(t, r.Clients())
}
