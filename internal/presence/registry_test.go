package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	r := NewRegistry()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_, replaced := r.Register("c1", Identity{UserID: "u1", ConnectedAt: at})
	assert.False(t, replaced)

	identity, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "u1", identity.UserID)

	previous, replaced := r.Register("c1", Identity{UserID: "u2", ConnectedAt: at})
	assert.True(t, replaced)
	assert.Equal(t, "u1", previous.UserID)
	assert.Equal(t, 1, r.Len())

	removed, ok := r.Unregister("c1")
	assert.True(t, ok)
	assert.Equal(t, "u2", removed.UserID)

	_, ok = r.Unregister("c1")
	assert.False(t, ok)
	_, ok = r.Lookup("c1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SnapshotOrder(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	r.Register("c3", Identity{UserID: "u3", ConnectedAt: base.Add(2 * time.Second)})
	r.Register("c1", Identity{UserID: "u1", ConnectedAt: base})
	r.Register("c2b", Identity{UserID: "u2", ConnectedAt: base.Add(time.Second)})
	r.Register("c2a", Identity{UserID: "u2", ConnectedAt: base.Add(time.Second)})

	var ids []string
	for _, e := range r.Snapshot() {
		ids = append(ids, e.ConnectionID)
	}
	assert.Equal(t, []string{"c1", "c2a", "c2b", "c3"}, ids)
}

func TestRegistry_CountsAndUserConnections(t *testing.T) {
	r := NewRegistry()
	r.Register("c1", Identity{UserID: "u1"})
	r.Register("c2", Identity{UserID: "u1"})
	r.Register("c3", Identity{UserID: "u2"})
	r.Register("o1", Identity{UserID: "admin", Observer: true})

	users, observers := r.Counts()
	assert.Equal(t, 3, users)
	assert.Equal(t, 1, observers)

	assert.Equal(t, []string{"c1", "c2"}, r.UserConnections("u1"))
	assert.Nil(t, r.UserConnections("nobody"))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", i)
			r.Register(connID, Identity{UserID: fmt.Sprintf("u%d", i%5)})
			r.Lookup(connID)
			r.Snapshot()
			if i%2 == 0 {
				r.Unregister(connID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, r.Len())
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(nil)
	assert.True(t, c.IsObserver("admin"))
	assert.True(t, c.IsObserver(" ADMIN "))
	assert.False(t, c.IsObserver("user"))
	assert.False(t, c.IsObserver(""))

	c = NewClassifier([]string{"Supervisor", "auditor"})
	assert.True(t, c.IsObserver("supervisor"))
	assert.True(t, c.IsObserver("Auditor"))
	assert.False(t, c.IsObserver("admin"))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Alice", displayName(&Principal{UserID: "u1", Name: "Alice", Email: "a@x"}))
	assert.Equal(t, "a@x", displayName(&Principal{UserID: "u1", Email: "a@x"}))
	assert.Equal(t, "u1", displayName(&Principal{UserID: "u1"}))
}
