package redisstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/mcpd/persistence"
	"github.com/bpowers/mcpd/persistence/storetest"
)

func newClient(t *testing.T, r *miniredis.Miniredis) rueidis.Client {
	t.Helper()

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:           []string{r.Addr()},
		DisableCache:          true,
		DisableAutoPipelining: true,
	})
	require.NoError(t, err)
	return client
}

func TestRedisStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) persistence.Store {
		r := miniredis.RunT(t)
		return New(newClient(t, r))
	})
}

func TestRedisStoreMaxRecords(t *testing.T) {
	r := miniredis.RunT(t)
	store := New(newClient(t, r), WithMaxRecords(2))
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.AddRecord(ctx, "s", persistence.Record{
			Direction: persistence.Outbound,
			Kind:      "response",
			Payload:   json.RawMessage(`{}`),
			Timestamp: time.Now(),
		})
		require.NoError(t, err)
	}

	records, err := store.GetAllRecords(ctx, "s")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(4), records[0].ID)
	assert.Equal(t, int64(5), records[1].ID)
}

func TestRedisStoreKeyLayout(t *testing.T) {
	r := miniredis.RunT(t)
	store := New(newClient(t, r), WithPrefix("test:"))
	defer store.Close()

	ctx := context.Background()
	_, err := store.AddRecord(ctx, "abc", persistence.Record{Kind: "request", Payload: json.RawMessage(`{}`), Timestamp: time.Now()})
	require.NoError(t, err)

	assert.True(t, r.Exists("test:sessions"))
	assert.True(t, r.Exists("test:{abc}:records"))
	assert.True(t, r.Exists("test:{abc}:seq"))

	members, err := r.Members("test:sessions")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc"}, members)
}

func TestOpenWithAddress(t *testing.T) {
	r := miniredis.RunT(t)

	store, err := Open(r.Addr())
	require.NoError(t, err)
	defer store.Close()

	sessions, err := store.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
