package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain"
)

func dialHub(t *testing.T, hub *Hub, snapshot Event) *websocket.Conn {
	t.Helper()
	return dialHubWith(t, hub, snapshot.JobID, func(context.Context) (Event, error) { return snapshot, nil })
}

func dialHubWith(t *testing.T, hub *Hub, jobID string, snapshot func(context.Context) (Event, error)) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, jobID, snapshot)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestHubStreamsUntilTerminalEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	job := sampleJob()
	conn := dialHub(t, hub, SnapshotEvent(job, nil, testTime))

	snap := readEvent(t, conn)
	assert.Equal(t, EventProgress, snap.Type)
	assert.Equal(t, "job-1", snap.JobID)

	require.Eventually(t, func() bool { return hub.Subscribers("job-1") == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, ProgressEvent(job, 1, testTime)))
	require.NoError(t, hub.Publish(ctx, ProgressEvent(&domain.Job{ID: "other"}, 1, testTime)))
	require.NoError(t, hub.Publish(ctx, CompletedEvent(job, &domain.Result{JobID: "job-1", Slides: []domain.SlideResult{{Index: 0}}}, testTime)))

	progress := readEvent(t, conn)
	assert.Equal(t, 1, progress.ProcessedCount)

	done := readEvent(t, conn)
	assert.Equal(t, EventCompleted, done.Type)
	require.NotNil(t, done.Result)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Equal(t, 0, hub.Subscribers("job-1"))
}

func TestHubClosesImmediatelyForFinishedJob(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	job := sampleJob()
	job.Status = domain.JobStatusFailed
	job.Error = "generation cancelled"
	conn := dialHub(t, hub, SnapshotEvent(job, nil, testTime))

	snap := readEvent(t, conn)
	assert.Equal(t, EventFailed, snap.Type)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Equal(t, 0, hub.Subscribers("job-1"))
}

func TestHubDropsDisconnectedSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	job := sampleJob()
	conn := dialHub(t, hub, SnapshotEvent(job, nil, testTime))
	_ = readEvent(t, conn)
	require.Eventually(t, func() bool { return hub.Subscribers("job-1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers("job-1") == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, hub.Publish(context.Background(), ProgressEvent(job, 2, testTime)))
}

func TestHubDeliversTerminalEventPublishedDuringSnapshot(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	job := sampleJob()
	result := &domain.Result{JobID: "job-1", Slides: []domain.SlideResult{{Index: 0}}}

	// The job finishes after the handler checked it but before the snapshot
	// is read: the stored state is still in progress when the snapshot is taken.
	conn := dialHubWith(t, hub, "job-1", func(ctx context.Context) (Event, error) {
		stale := SnapshotEvent(job, nil, testTime)
		go func() { _ = hub.Publish(context.Background(), CompletedEvent(job, result, testTime)) }()
		return stale, nil
	})

	snap := readEvent(t, conn)
	assert.Equal(t, EventProgress, snap.Type)

	done := readEvent(t, conn)
	assert.Equal(t, EventCompleted, done.Type)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	require.Eventually(t, func() bool { return hub.Subscribers("job-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubSkipsEventsOlderThanSnapshot(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	job := sampleJob()
	job.Progress.ProcessedCount = 2

	conn := dialHubWith(t, hub, "job-1", func(context.Context) (Event, error) {
		go func() { _ = hub.Publish(context.Background(), ProgressEvent(job, 1, testTime)) }()
		return SnapshotEvent(job, nil, testTime), nil
	})
	snap := readEvent(t, conn)
	assert.Equal(t, 2, snap.ProcessedCount)
	require.Eventually(t, func() bool { return hub.Subscribers("job-1") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), ProgressEvent(job, 3, testTime)))
	next := readEvent(t, conn)
	assert.Equal(t, 3, next.ProcessedCount, "the stale count 1 is never sent after the snapshot")
}

func TestHubClosesWhenSnapshotFails(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := dialHubWith(t, hub, "job-1", func(context.Context) (Event, error) {
		return Event{}, domain.ErrNotFound
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr))
	assert.Equal(t, 0, hub.Subscribers("job-1"))
}
