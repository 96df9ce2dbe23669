// Package storetest holds the behaviour every persistence.Store must share.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/mcpd/persistence"
)

// Run exercises a store created fresh by newStore for each subtest.
func Run(t *testing.T, newStore func(t *testing.T) persistence.Store) {
	t.Run("records keep insertion order", func(t *testing.T) {
		testRecordOrder(t, newStore(t))
	})
	t.Run("sessions are isolated", func(t *testing.T) {
		testIsolation(t, newStore(t))
	})
	t.Run("summary round trip", func(t *testing.T) {
		testSummary(t, newStore(t))
	})
	t.Run("delete session", func(t *testing.T) {
		testDelete(t, newStore(t))
	})
}

func record(dir persistence.Direction, kind, method, payload string) persistence.Record {
	return persistence.Record{
		Direction: dir,
		Kind:      kind,
		Method:    method,
		RequestID: "1",
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testRecordOrder(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	defer store.Close()

	in := record(persistence.Inbound, "request", "tools/call", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)
	out := record(persistence.Outbound, "response", "", `{"jsonrpc":"2.0","id":1,"result":5}`)
	out.EventID = 3

	id1, err := store.AddRecord(ctx, "s1", in)
	require.NoError(t, err)
	id2, err := store.AddRecord(ctx, "s1", out)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	records, err := store.GetAllRecords(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, id1, records[0].ID)
	assert.Equal(t, persistence.Inbound, records[0].Direction)
	assert.Equal(t, "request", records[0].Kind)
	assert.Equal(t, "tools/call", records[0].Method)
	assert.Equal(t, "1", records[0].RequestID)
	assert.JSONEq(t, string(in.Payload), string(records[0].Payload))
	assert.True(t, in.Timestamp.Equal(records[0].Timestamp))

	assert.Equal(t, persistence.Outbound, records[1].Direction)
	assert.Equal(t, uint64(3), records[1].EventID)
}

func testIsolation(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	defer store.Close()

	_, err := store.AddRecord(ctx, "a", record(persistence.Inbound, "notification", "notifications/initialized", `{}`))
	require.NoError(t, err)
	_, err = store.AddRecord(ctx, "b", record(persistence.Inbound, "request", "ping", `{}`))
	require.NoError(t, err)

	records, err := store.GetAllRecords(ctx, "a")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "notifications/initialized", records[0].Method)

	records, err = store.GetAllRecords(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, records)

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, sessions)
}

func testSummary(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	defer store.Close()

	empty, err := store.LoadSummary(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, persistence.SessionSummary{}, empty)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	summary := persistence.SessionSummary{
		ClientName:      "client",
		ClientVersion:   "1.0",
		ProtocolVersion: "2025-06-18",
		Calls:           4,
		Errors:          1,
		Events:          2,
		CreatedAt:       created,
		ClosedAt:        created.Add(time.Minute),
	}
	require.NoError(t, store.SaveSummary(ctx, "s", summary))

	summary.Calls = 5
	require.NoError(t, store.SaveSummary(ctx, "s", summary))

	loaded, err := store.LoadSummary(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "client", loaded.ClientName)
	assert.Equal(t, 5, loaded.Calls)
	assert.Equal(t, uint64(2), loaded.Events)
	assert.True(t, created.Equal(loaded.CreatedAt))
	assert.True(t, created.Add(time.Minute).Equal(loaded.ClosedAt))

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s"}, sessions)
}

func testDelete(t *testing.T, store persistence.Store) {
	ctx := context.Background()
	defer store.Close()

	_, err := store.AddRecord(ctx, "gone", record(persistence.Inbound, "request", "ping", `{}`))
	require.NoError(t, err)
	require.NoError(t, store.SaveSummary(ctx, "gone", persistence.SessionSummary{Calls: 1, CreatedAt: time.Now().UTC()}))
	_, err = store.AddRecord(ctx, "kept", record(persistence.Inbound, "request", "ping", `{}`))
	require.NoError(t, err)

	require.NoError(t, store.DeleteSession(ctx, "gone"))
	require.NoError(t, store.DeleteSession(ctx, "never-existed"))

	records, err := store.GetAllRecords(ctx, "gone")
	require.NoError(t, err)
	assert.Empty(t, records)

	summary, err := store.LoadSummary(ctx, "gone")
	require.NoError(t, err)
	assert.Zero(t, summary.Calls)

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, sessions)
}
