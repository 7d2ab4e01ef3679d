package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"framebufd/internal/buffer"
	"framebufd/internal/cache"
	"framebufd/internal/config"
	"framebufd/internal/fetch"
	"framebufd/internal/logger"
	"framebufd/internal/metrics"
	"framebufd/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu     sync.Mutex
	tasks  []fetch.Task
	refuse bool
}

func (q *recordingQueue) QueueDownload(task fetch.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.refuse {
		return false
	}
	q.tasks = append(q.tasks, task)
	return true
}

func (q *recordingQueue) drain() []fetch.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

type countingFetcher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *countingFetcher) FetchFrame(_ context.Context, src config.Source, frame int) (models.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.Frame{}, f.err
	}
	return framePayload(src.ID, frame), nil
}

func framePayload(source string, frame int) models.Frame {
	return models.Frame{Source: source, Index: frame, ContentType: "image/jpeg", Data: []byte(fmt.Sprintf("frame-%d", frame))}
}

func completed(task fetch.Task) fetch.Result {
	frames := make([]models.Frame, 0, task.Range.Len())
	for i := task.Range.Start; i <= task.Range.End; i++ {
		frames = append(frames, framePayload(task.Source.ID, i))
	}
	return fetch.Result{Task: task, Frames: frames}
}

func r(start, end int) buffer.Range {
	return buffer.MustRange(start, end)
}

func testSession(t *testing.T) (*Session, *recordingQueue, *countingFetcher, *cache.FrameCache) {
	t.Helper()
	src := config.Source{ID: "clip", Name: "Clip", URL: "http://origin/$Frame$", FrameCount: 100}
	pb := config.Default().Playback
	pb.Lookahead = 10
	pb.ChunkSize = 4

	q := &recordingQueue{}
	f := &countingFetcher{}
	fc := cache.New(logger.Nop(), 1000, nil)
	return newSession(src, pb, logger.Nop(), fc, f, q), q, f, fc
}

func taskRanges(tasks []fetch.Task) []buffer.Range {
	out := make([]buffer.Range, len(tasks))
	for i, task := range tasks {
		out[i] = task.Range
	}
	return out
}

func TestSession_FetchAheadReservesChunks(t *testing.T) {
	s, q, _, _ := testSession(t)

	assert.Equal(t, 3, s.FetchAhead())
	tasks := q.drain()
	assert.Equal(t, []buffer.Range{r(0, 3), r(4, 7), r(8, 9)}, taskRanges(tasks))

	snap := s.Snapshot()
	assert.Equal(t, []buffer.Range{r(0, 3), r(4, 7), r(8, 9)}, snap.InFlight)
	assert.Empty(t, snap.Ranges)
	assert.Zero(t, snap.TotalFrames)
	assert.True(t, s.IsBuffered(9), "reserved frames count as buffered")

	assert.Zero(t, s.FetchAhead(), "reserved windows are not queued twice")
	assert.Empty(t, q.drain())
}

func TestSession_HandleResultMergesChunks(t *testing.T) {
	s, q, _, fc := testSession(t)
	s.FetchAhead()

	// Results arrive out of order.
	tasks := q.drain()
	for _, i := range []int{2, 0, 1} {
		s.HandleResult(completed(tasks[i]))
	}

	snap := s.Snapshot()
	assert.Equal(t, []buffer.Range{r(0, 9)}, snap.Ranges)
	assert.Empty(t, snap.InFlight)
	assert.Equal(t, 10, snap.TotalFrames)
	assert.Equal(t, 10, fc.Len())

	s.Seek(6)
	assert.Equal(t, 2, s.FetchAhead())
	assert.Equal(t, []buffer.Range{r(10, 13), r(14, 15)}, taskRanges(q.drain()), "the covered prefix is skipped")
}

func TestSession_FailedChunkIsRetried(t *testing.T) {
	s, q, _, _ := testSession(t)
	s.FetchAhead()
	tasks := q.drain()

	s.HandleResult(completed(tasks[0]))
	s.HandleResult(fetch.Result{Task: tasks[1], Error: errors.New("upstream down")})

	snap := s.Snapshot()
	assert.Equal(t, []buffer.Range{r(0, 3)}, snap.Ranges)
	assert.Equal(t, []buffer.Range{r(8, 9)}, snap.InFlight)

	s.HandleResult(completed(tasks[2]))
	assert.Equal(t, 1, s.FetchAhead())
	assert.Equal(t, []buffer.Range{r(4, 7)}, taskRanges(q.drain()))
}

func TestSession_RefusedQueueReleasesReservation(t *testing.T) {
	s, q, _, _ := testSession(t)
	q.refuse = true

	assert.Zero(t, s.FetchAhead())
	assert.Empty(t, s.Snapshot().InFlight)
}

func TestSession_FrameFetchesOnMiss(t *testing.T) {
	s, _, f, _ := testSession(t)

	got, err := s.Frame(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "frame-42", string(got.Data))
	assert.Equal(t, 1, f.calls)

	_, err = s.Frame(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, f.calls, "second read is served from cache")

	snap := s.Snapshot()
	assert.Equal(t, 42, snap.Playhead)
	assert.Equal(t, []buffer.Range{r(42, 42)}, snap.Ranges)
}

func TestSession_FrameErrors(t *testing.T) {
	s, _, f, _ := testSession(t)

	_, err := s.Frame(context.Background(), 100)
	assert.ErrorIs(t, err, ErrFrameOutOfRange)
	_, err = s.Frame(context.Background(), -1)
	assert.ErrorIs(t, err, ErrFrameOutOfRange)

	f.err = fetch.ErrUpstreamRejected
	_, err = s.Frame(context.Background(), 3)
	assert.ErrorIs(t, err, fetch.ErrUpstreamRejected)
	assert.False(t, s.IsBuffered(3))
}

func TestSession_EvictFrameSplitsBuffer(t *testing.T) {
	s, q, _, _ := testSession(t)
	s.FetchAhead()
	for _, task := range q.drain() {
		s.HandleResult(completed(task))
	}

	s.EvictFrame(5)
	assert.Equal(t, []buffer.Range{r(0, 4), r(6, 9)}, s.Snapshot().Ranges)

	assert.Equal(t, 1, s.FetchAhead())
	assert.Equal(t, []buffer.Range{r(5, 5)}, taskRanges(q.drain()), "only the evicted frame is refetched")
}

func TestSession_EvictInsideReservation(t *testing.T) {
	s, q, _, _ := testSession(t)
	s.FetchAhead()
	tasks := q.drain()

	_, err := s.Frame(context.Background(), 5)
	require.NoError(t, err)
	s.EvictFrame(5)
	s.EvictFrame(6)

	snap := s.Snapshot()
	assert.Equal(t, []buffer.Range{r(0, 3), r(4, 7), r(8, 9)}, snap.InFlight, "reservations survive evictions")
	assert.Empty(t, snap.Ranges)

	s.HandleResult(fetch.Result{Task: tasks[1], Error: errors.New("upstream down")})
	for i := 4; i <= 7; i++ {
		assert.False(t, s.IsBuffered(i), "frame %d was never fetched", i)
	}

	s.Seek(0)
	assert.Equal(t, 1, s.FetchAhead())
	assert.Equal(t, []buffer.Range{r(4, 7)}, taskRanges(q.drain()))
}

func TestSession_EvictionWhileRecordingChunk(t *testing.T) {
	src := config.Source{ID: "clip", Name: "Clip", URL: "http://origin/$Frame$", FrameCount: 100}
	pb := config.Default().Playback
	pb.Lookahead = 10
	pb.ChunkSize = 4

	var s *Session
	fc := cache.New(logger.Nop(), 4, func(key cache.FrameKey) { s.EvictFrame(key.Frame) })
	q := &recordingQueue{}
	s = newSession(src, pb, logger.Nop(), fc, &countingFetcher{}, q)

	s.FetchAhead()
	tasks := q.drain()
	s.HandleResult(completed(tasks[0]))
	s.HandleResult(completed(tasks[1]))

	snap := s.Snapshot()
	assert.Equal(t, []buffer.Range{r(4, 7)}, snap.Ranges, "frames pushed out of the cache are forgotten")
	assert.Equal(t, []buffer.Range{r(8, 9)}, snap.InFlight)
	assert.Equal(t, 4, fc.Len())
}

func TestSession_GaugeCountsFetchedFramesOnce(t *testing.T) {
	s, q, _, _ := testSession(t)
	s.FetchAhead()
	tasks := q.drain()

	_, err := s.Frame(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Snapshot().TotalFrames)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GaugeFramesBuffered.WithLabelValues("clip")))

	s.HandleResult(completed(tasks[1]))
	assert.Equal(t, 4, s.Snapshot().TotalFrames)
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.GaugeFramesBuffered.WithLabelValues("clip")))
}

func TestSession_Reset(t *testing.T) {
	s, q, _, fc := testSession(t)
	s.FetchAhead()
	for _, task := range q.drain() {
		s.HandleResult(completed(task))
	}
	require.Equal(t, 10, fc.Len())

	s.Reset()
	snap := s.Snapshot()
	assert.Empty(t, snap.Ranges)
	assert.Zero(t, snap.TotalFrames)
	assert.Zero(t, fc.Len())
}

func TestSession_SeekClamps(t *testing.T) {
	s, _, _, _ := testSession(t)
	s.Seek(500)
	assert.Equal(t, 99, s.Snapshot().Playhead)
	s.Seek(-3)
	assert.Equal(t, 0, s.Snapshot().Playhead)
}

func TestSession_LoopsDeliverResults(t *testing.T) {
	s, q, _, _ := testSession(t)
	s.playback.FetchInterval = 10 * time.Millisecond
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		for _, task := range q.drain() {
			s.results <- completed(task)
		}
		snap := s.Snapshot()
		return len(snap.Ranges) == 1 && snap.Ranges[0] == r(0, 9)
	}, 2*time.Second, 10*time.Millisecond)
}
