package audit

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogEventFlushesOnBatchSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil, WithBatchSize(2), WithFlushInterval(time.Hour))

	l.LogEvent(Event{ClientID: "c1", Operation: OpAuthenticate, Outcome: OutcomeSuccess})
	l.LogEvent(Event{ClientID: "c1", Operation: OpAuthenticate, Outcome: OutcomeFailure})

	require.Eventually(t, func() bool {
		events, err := l.Between(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "")
		return err == nil && len(events) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, l.Close(context.Background()))
}

func TestLogEventFlushesOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil, WithBatchSize(100), WithFlushInterval(time.Hour))
	l.LogEvent(Event{ClientID: "c1", Operation: OpIntrospect, Outcome: OutcomeSuccess})
	require.NoError(t, l.Close(context.Background()))

	events, err := l.Between(time.Now().Add(-time.Hour), time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestBetweenFiltersAndSorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil, WithBatchSize(100), WithFlushInterval(time.Hour))

	now := time.Now().UTC()
	l.LogEvent(Event{ClientID: "a", Timestamp: now.Add(2 * time.Second), Operation: OpAuthenticate, Outcome: OutcomeSuccess})
	l.LogEvent(Event{ClientID: "b", Timestamp: now, Operation: OpAuthenticate, Outcome: OutcomeSuccess})
	require.NoError(t, l.Close(context.Background()))

	events, err := l.Between(now.Add(-time.Minute), now.Add(time.Minute), "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, events[0].Timestamp.Before(events[1].Timestamp) || events[0].Timestamp.Equal(events[1].Timestamp))

	filtered, err := l.Between(now.Add(-time.Minute), now.Add(time.Minute), "a")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "a", filtered[0].ClientID)
}

func TestPurgeOlderThanPreservesUnparsableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := New(path, nil, WithBatchSize(100), WithFlushInterval(time.Hour))
	old := time.Now().Add(-48 * time.Hour)
	l.LogEvent(Event{ClientID: "old", Timestamp: old, Operation: OpAuthenticate, Outcome: OutcomeSuccess})
	require.NoError(t, l.Close(context.Background()))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not-json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.PurgeOlderThan(1))
	events, err := l.Between(time.Time{}, time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	require.Empty(t, events)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "not-json")
}
